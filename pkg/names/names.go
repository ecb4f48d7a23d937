// Package names derives stable, human-friendly machine names from MAC
// addresses. The same MAC always yields the same name.
package names

import (
	_ "embed"
	"net"
	"strings"

	"github.com/google/uuid"
)

//go:embed words.txt
var wordsFile string

var words = strings.Fields(wordsFile)

// FromMAC derives a four-word name from the low 32 bits of the MAC,
// one word per byte, e.g. "Cedar-Harbor-Lilac-Stone".
func FromMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", err
	}

	// Use the low four bytes so names vary within a vendor prefix.
	tail := hw
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}

	parts := make([]string, 0, len(tail))
	for _, b := range tail {
		parts = append(parts, capitalize(words[int(b)%len(words)]))
	}
	return strings.Join(parts, "-"), nil
}

// Fallback builds a name from a machine ID for MACs that fail to parse.
func Fallback(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return "machine-" + hex
}

// ForMachine names a machine from its MAC, falling back to an ID-derived
// name when the MAC cannot be parsed.
func ForMachine(mac string, id uuid.UUID) string {
	name, err := FromMAC(mac)
	if err != nil {
		return Fallback(id)
	}
	return name
}

func capitalize(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}
