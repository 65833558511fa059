package pipeline

import "testing"

func TestNewLocationInvariants(t *testing.T) {
	tests := []struct {
		name    string
		offset  uint64
		size    int
		patch   bool
		action  int
		wantErr bool
	}{
		{"ordinary unpatched", 0x40, 4, false, -1, false},
		{"ordinary patched", 0x40, 4, true, 2, false},
		{"offset at 48-bit boundary", 1 << 48, 1, false, -1, true},
		{"zero size rejected", 0x10, 0, false, -1, true},
		{"oversize instruction rejected", 0x10, 17, false, -1, true},
		{"max legal size", 0x10, 16, false, -1, false},
		{"action at limit rejected", 0x10, 1, true, 1024, true},
		{"action just under limit", 0x10, 1, true, 1023, false},
		{"patch without action index rejected", 0x10, 1, true, -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := NewLocation(tt.offset, tt.size, tt.patch, tt.action)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLocation() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if loc.Offset != tt.offset || loc.Size != tt.size || loc.Patch != tt.patch {
				t.Errorf("got %+v", loc)
			}
			if !tt.patch && loc.Action != -1 {
				t.Errorf("unpatched location should normalize Action to -1, got %d", loc.Action)
			}
			if loc.Emitted {
				t.Errorf("a freshly built location must start unemitted")
			}
		})
	}
}
