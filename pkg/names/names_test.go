package names

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestFromMAC(t *testing.T) {
	tests := []struct {
		name    string
		mac     string
		wantErr bool
	}{
		{name: "colon separated", mac: "aa:bb:cc:dd:ee:ff"},
		{name: "dash separated", mac: "aa-bb-cc-dd-ee-ff"},
		{name: "uppercase", mac: "AA:BB:CC:DD:EE:FF"},
		{name: "empty", mac: "", wantErr: true},
		{name: "garbage", mac: "not-a-mac", wantErr: true},
		{name: "too short", mac: "aa:bb:cc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromMAC(tt.mac)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromMAC(%q) error = %v, wantErr %v", tt.mac, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if parts := strings.Split(got, "-"); len(parts) != 4 {
				t.Fatalf("FromMAC(%q) = %q, want four words", tt.mac, got)
			}
		})
	}
}

func TestFromMACDeterministic(t *testing.T) {
	first, err := FromMAC("52:54:00:12:34:56")
	if err != nil {
		t.Fatalf("FromMAC() error = %v", err)
	}
	second, err := FromMAC("52-54-00-12-34-56")
	if err != nil {
		t.Fatalf("FromMAC() error = %v", err)
	}
	if first != second {
		t.Fatalf("same MAC produced %q and %q", first, second)
	}

	other, err := FromMAC("52:54:00:12:34:57")
	if err != nil {
		t.Fatalf("FromMAC() error = %v", err)
	}
	if other == first {
		t.Fatalf("different MACs produced identical name %q", first)
	}
}

func TestForMachineFallback(t *testing.T) {
	id := uuid.MustParse("a2b7ff3c-1111-2222-3333-444455556666")
	got := ForMachine("bogus", id)
	if got != "machine-a2b7ff3c" {
		t.Fatalf("ForMachine fallback = %q, want machine-a2b7ff3c", got)
	}
}

func TestWordListShape(t *testing.T) {
	if len(words) != 256 {
		t.Fatalf("word list has %d entries, want 256", len(words))
	}
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if seen[w] {
			t.Fatalf("duplicate word %q in list", w)
		}
		seen[w] = true
	}
}
