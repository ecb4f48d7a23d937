package registry

import (
	"net"
	"reflect"
	"strings"
)

// NormalizeMAC parses and canonicalizes a MAC address to the lowercase
// colon-separated form used as the registry's unique key.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", &ValidationError{Field: "mac", Reason: "malformed MAC address"}
	}
	if len(hw) != 6 {
		return "", &ValidationError{Field: "mac", Reason: "MAC must be 48 bits"}
	}
	return strings.ToLower(hw.String()), nil
}

// ValidateHostname checks that the hostname is DNS-safe: dot-separated
// labels of letters, digits, and inner hyphens, 253 bytes total.
func ValidateHostname(hostname string) error {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return &ValidationError{Field: "hostname", Reason: "must not be empty"}
	}
	if len(hostname) > 253 {
		return &ValidationError{Field: "hostname", Reason: "longer than 253 characters"}
	}

	for _, label := range strings.Split(hostname, ".") {
		if label == "" {
			return &ValidationError{Field: "hostname", Reason: "empty label"}
		}
		if len(label) > 63 {
			return &ValidationError{Field: "hostname", Reason: "label longer than 63 characters"}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return &ValidationError{Field: "hostname", Reason: "label starts or ends with a hyphen"}
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return &ValidationError{Field: "hostname", Reason: "label contains a character outside [a-zA-Z0-9-]"}
			}
		}
	}
	return nil
}

// ValidateIP checks that the value parses as an IPv4 or IPv6 address.
func ValidateIP(ip string) error {
	if net.ParseIP(strings.TrimSpace(ip)) == nil {
		return &ValidationError{Field: "ip", Reason: "not a valid IP address"}
	}
	return nil
}

// ValidateNameservers checks that every entry parses as an IP address.
func ValidateNameservers(nameservers []string) error {
	for _, ns := range nameservers {
		if net.ParseIP(strings.TrimSpace(ns)) == nil {
			return &ValidationError{Field: "nameservers", Reason: "entry " + ns + " is not a valid IP address"}
		}
	}
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func validateBMC(bmc *BMCConfig) error {
	if bmc == nil {
		return nil
	}
	switch bmc.Kind {
	case BMCKindIPMI, BMCKindRedfish:
	default:
		return &ValidationError{Field: "bmc.kind", Reason: "must be ipmi or redfish"}
	}
	if strings.TrimSpace(bmc.Address) == "" {
		return &ValidationError{Field: "bmc.address", Reason: "must not be empty"}
	}
	return nil
}

// diffFacts reports per-key changes between two fact snapshots.
func diffFacts(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}
