// Package ids canonicalizes the device identifiers used throughout the core:
// anchor and tag MAC addresses, accepted in colon, dash, or plain hex form
// and normalized to 12 upper-case hex nibbles before they touch a cache key,
// a database row, or a published topic.
package ids

import (
	"fmt"
	"strings"
)

// CanonicalMAC normalizes a MAC-like identifier to 12 upper-case hex nibbles
// (no separators). It accepts "AA:BB:CC:DD:EE:FF", "aa-bb-cc-dd-ee-ff", and
// "aabbccddeeff" forms. Returns an error if, once separators are stripped,
// the result isn't exactly 12 hex digits.
func CanonicalMAC(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)

	if len(s) != 12 {
		return "", fmt.Errorf("ids: %q is not a 12-nibble MAC identifier", raw)
	}
	for _, c := range s {
		if !isHex(c) {
			return "", fmt.Errorf("ids: %q contains non-hex character %q", raw, c)
		}
	}
	return s, nil
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}
