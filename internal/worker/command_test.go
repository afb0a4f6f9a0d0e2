package worker

import (
	"reflect"
	"testing"

	"github.com/crawlodeployer/fleet/internal/core"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name       string
		entrypoint string
		args       map[string]any
		os         core.NodeOS
		want       []string
	}{
		{"python linux", "run.py", nil, core.OSLinux, []string{"python3", "run.py"}},
		{"python windows", "run.py", nil, core.OSWindows, []string{"python", "run.py"}},
		{"python macos", "main.PY", nil, core.OSMacOS, []string{"python3", "main.PY"}},
		{"shell", "go.sh", nil, core.OSLinux, []string{"bash", "go.sh"}},
		{"node", "index.js", nil, core.OSLinux, []string{"node", "index.js"}},
		{"typescript", "index.ts", nil, core.OSLinux, []string{"ts-node", "index.ts"}},
		{"php", "crawl.php", nil, core.OSLinux, []string{"php", "crawl.php"}},
		{"ruby", "crawl.rb", nil, core.OSLinux, []string{"ruby", "crawl.rb"}},
		{"exe windows", "crawler.exe", nil, core.OSWindows, []string{"crawler.exe"}},
		{
			"args sorted",
			"run.py",
			map[string]any{"pages": float64(3), "city": "beijing", "debug": true},
			core.OSLinux,
			[]string{"python3", "run.py", "--city", "beijing", "--debug", "true", "--pages", "3"},
		},
		{
			"structured arg",
			"run.py",
			map[string]any{"ids": []any{float64(1), float64(2)}},
			core.OSLinux,
			[]string{"python3", "run.py", "--ids", "[1,2]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildCommand(tt.entrypoint, tt.args, tt.os)
			if err != nil {
				t.Fatalf("BuildCommand() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildCommand_Rejected(t *testing.T) {
	tests := []struct {
		name       string
		entrypoint string
		os         core.NodeOS
	}{
		{"empty", "", core.OSLinux},
		{"unknown extension", "run.txt", core.OSLinux},
		{"no extension", "run", core.OSLinux},
		{"exe on linux", "crawler.exe", core.OSLinux},
		{"exe on macos", "crawler.exe", core.OSMacOS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildCommand(tt.entrypoint, nil, tt.os)
			if !core.HasCode(err, core.ErrCodeValidation) {
				t.Errorf("BuildCommand(%q) error = %v, want validation error", tt.entrypoint, err)
			}
		})
	}
}
