package util

import "strings"

// MaskPhone keeps only the trailing 4 digits of a phone number.
// "+12025551234" becomes "********1234".
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// MaskEmail keeps a short prefix of each address segment.
// "customer@example.com" becomes "cu***@ex***.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]

	masked := maskSegment(local)
	parts := strings.Split(domain, ".")
	for i, p := range parts {
		// Keep the TLD readable, mask everything else.
		if i < len(parts)-1 {
			parts[i] = maskSegment(p)
		}
	}
	return masked + "@" + strings.Join(parts, ".")
}

func maskSegment(s string) string {
	if len(s) <= 2 {
		return s + "***"
	}
	return s[:2] + "***"
}
