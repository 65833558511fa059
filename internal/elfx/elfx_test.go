package elfx

import "testing"

func TestIsLibraryName(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"libc.so", true},
		{"libc.so.6", true},
		{"libc.so.6.1", true},
		{"/usr/lib/x86_64-linux-gnu/libm.so.6", true},
		{"a.out", false},
		{"libfoo.a", false},
		{"libfoo.so.bar", false},
		{"notlib.so", false},
	}
	for _, tt := range tests {
		if got := IsLibraryName(tt.path); got != tt.want {
			t.Errorf("IsLibraryName(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
