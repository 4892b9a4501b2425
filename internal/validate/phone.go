package validate

import (
	"errors"
	"strings"
)

// ErrInvalidPhone is returned when a phone number has the wrong shape.
var ErrInvalidPhone = errors.New("invalid phone number")

// Phone number bounds, in digits, once separators and the leading + are removed.
const (
	MinPhoneDigits = 10
	MaxPhoneDigits = 15

	// phoneKeyDigits is the length of the national number used as a ticket key.
	phoneKeyDigits = 10
)

// Phone validates a phone number and returns its normalized key: the last
// ten digits, with spaces, dashes, parentheses and any country code removed.
// "+91 98765-43210", "919876543210" and "9876543210" all normalize to
// "9876543210".
func Phone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}

	digits := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, c)
		case c == '+' && i == 0:
		case c == ' ' || c == '-' || c == '(' || c == ')' || c == '.':
		default:
			return "", ErrInvalidPhone
		}
	}

	if len(digits) < MinPhoneDigits || len(digits) > MaxPhoneDigits {
		return "", ErrInvalidPhone
	}
	return string(digits[len(digits)-phoneKeyDigits:]), nil
}

// PhoneKey returns the normalized key for a stored phone without validating
// it. Values that are too short to carry a country code are returned as their
// digits so that legacy keys can still be compared.
func PhoneKey(raw string) string {
	var b strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := b.String()
	if len(digits) > phoneKeyDigits {
		return digits[len(digits)-phoneKeyDigits:]
	}
	return digits
}

// MaskPhone keeps the last four digits of a phone for log output.
func MaskPhone(raw string) string {
	key := PhoneKey(raw)
	if len(key) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
