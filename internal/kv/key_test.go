package kv

import "testing"

func TestKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"worker-01", "worker-01"},
		{"node.example.com", "node.example.com"},
		{"0190a2b4-7c1e-7000-8000-000000000000", "0190a2b4-7c1e-7000-8000-000000000000"},
		{"host name", "host_name"},
		{"a*b>c", "a_b_c"},
		{"ünï", "_n_"},
	}
	for _, tt := range tests {
		if got := Key(tt.in); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
