package normalize

import "strings"

// ColorHex canonicalizes a raw hex color string into '#RRGGBB'.
//
// Bambu firmware reports colors as 6 or 8 hex digits, with the alpha
// channel's position ambiguous: RRGGBBAA (alpha-last, the common
// case) or AARRGGBB (alpha-first). The heuristic: an 8-digit value
// ending in FF or 00 drops its last byte; one starting with FF or 00
// drops its first byte; anything else conservatively keeps the last
// six digits.
func ColorHex(raw string) string {
	h := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "#")
	switch len(h) {
	case 6:
		return "#" + h
	case 8:
		if strings.HasSuffix(h, "FF") || strings.HasSuffix(h, "00") {
			return "#" + h[:6]
		}
		if strings.HasPrefix(h, "FF") || strings.HasPrefix(h, "00") {
			return "#" + h[2:]
		}
		return "#" + h[2:]
	default:
		return "#" + h
	}
}
