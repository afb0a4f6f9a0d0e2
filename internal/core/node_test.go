package core

import (
	"reflect"
	"testing"
)

func TestParseTags(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"gpu", []string{"gpu"}},
		{"gpu, Proxy ,gpu", []string{"gpu", "proxy"}},
		{"b,,a", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseTags(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseTags(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNode_HasTag(t *testing.T) {
	n := &Node{Tags: []string{"gpu", "proxy"}}
	if !n.HasTag("GPU") {
		t.Error("expected HasTag(GPU) = true")
	}
	if n.HasTag("gp") {
		t.Error("expected exact matching, HasTag(gp) = true")
	}
	if n.HasTag("") {
		t.Error("expected HasTag(\"\") = false")
	}
}

func TestNode_ApplyKeepsExistingFields(t *testing.T) {
	n := &Node{
		IP:       "10.0.0.1",
		OS:       OSLinux,
		Capacity: Resources{CPUCores: 4, MemoryGB: 8},
		Tags:     []string{"gpu"},
	}
	n.Apply(ResourceInfo{IP: "10.0.0.2"})

	if n.IP != "10.0.0.2" {
		t.Errorf("IP = %q, want %q", n.IP, "10.0.0.2")
	}
	if n.OS != OSLinux {
		t.Errorf("OS = %q, want %q", n.OS, OSLinux)
	}
	if n.Capacity.CPUCores != 4 {
		t.Errorf("CPUCores = %d, want 4", n.Capacity.CPUCores)
	}
	if len(n.Tags) != 1 {
		t.Errorf("Tags = %v, want [gpu]", n.Tags)
	}
}

func TestParseOS(t *testing.T) {
	tests := map[string]NodeOS{
		"linux":   OSLinux,
		"Windows": OSWindows,
		"darwin":  OSMacOS,
		"MACOS":   OSMacOS,
		"plan9":   OSUnknown,
		"":        OSUnknown,
	}
	for in, want := range tests {
		if got := ParseOS(in); got != want {
			t.Errorf("ParseOS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResources_AddSub(t *testing.T) {
	a := Resources{CPUCores: 3, MemoryGB: 4, DiskGB: 10}
	b := Resources{CPUCores: 4, MemoryGB: 2, DiskGB: 5}
	sum := a.Add(b)
	if sum != (Resources{CPUCores: 7, MemoryGB: 6, DiskGB: 15}) {
		t.Errorf("Add = %+v", sum)
	}
	if diff := sum.Sub(b); diff != a {
		t.Errorf("Sub = %+v, want %+v", diff, a)
	}
}
