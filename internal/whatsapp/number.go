package whatsapp

import "strings"

// NormalizeNumber strips everything but digits and qualifies bare national
// numbers with the default country code. Applying it twice gives the same result.
func NormalizeNumber(raw, countryCode string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	// trunk prefix, e.g. 09876543210
	if len(digits) == 11 && digits[0] == '0' {
		digits = digits[1:]
	}
	if len(digits) == 10 && countryCode != "" {
		digits = countryCode + digits
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", ErrInvalidNumber
	}
	return digits, nil
}
