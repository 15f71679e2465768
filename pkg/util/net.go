package util

import (
	"net"
	"strings"
)

// NormalizeMAC converts any common MAC notation to lowercase colon-hex.
// ICX CLIs print "609c.9f1f.08c0"; LLDP TLVs may carry "60:9C:9F:1F:08:C0"
// or "60-9c-9f-1f-08-c0". Returns "" for anything that is not 12 hex digits.
func NormalizeMAC(mac string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'f':
			return r
		case r >= 'A' && r <= 'F':
			return r + ('a' - 'A')
		case r == '.' || r == ':' || r == '-':
			return -1
		default:
			return 'x' // poison: invalid character
		}
	}, mac)
	if len(cleaned) != 12 || strings.ContainsRune(cleaned, 'x') {
		return ""
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(cleaned[i : i+2])
	}
	return b.String()
}

// IsValidIPv4 checks if a string is a valid IPv4 address
func IsValidIPv4(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.To4() != nil
}

// IsUsableIPv4 reports whether ipStr is a valid, non-zero, non-loopback
// IPv4 address. LLDP detail output advertises "0.0.0.0" when the neighbor
// has no management address; that must never enter the inventory.
func IsUsableIPv4(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return !v4.IsUnspecified() && !v4.IsLoopback()
}
