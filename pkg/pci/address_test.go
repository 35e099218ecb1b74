package pci

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"full", "0000:0a:00.0", "0000:0a:00.0", false},
		{"uppercase", "0000:0A:00.1", "0000:0a:00.1", false},
		{"short", "0a:00.0", "0000:0a:00.0", false},
		{"sysfs path", "/sys/bus/pci/devices/0000:41:00.0", "0000:41:00.0", false},
		{"domain", "0001:02:1f.7", "0001:02:1f.7", false},
		{"whitespace", " 0a:00.0\n", "0000:0a:00.0", false},
		{"empty", "", "", true},
		{"bad function", "0000:0a:00.8", "", true},
		{"garbage", "gpu0", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q, got %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeAddress(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddressSibling(t *testing.T) {
	a, err := ParseAddress("0000:0a:00.0")
	if err != nil {
		t.Fatalf("ParseAddress returned error: %v", err)
	}
	if got := a.Sibling(1).String(); got != "0000:0a:00.1" {
		t.Errorf("Sibling(1) = %s", got)
	}
	if a.Function != 0 {
		t.Errorf("Sibling must not modify the receiver")
	}
}
