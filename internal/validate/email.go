package validate

import (
	"errors"
	"net/mail"
	"strings"
)

// ErrInvalidEmail is returned for addresses that fail to parse.
var ErrInvalidEmail = errors.New("invalid email format")

// Email normalizes an address to lowercase and checks it is a bare
// addr-spec. Display-name forms such as "Asha <a@example.com>" are rejected
// since the value is stored and later used as a recipient.
func Email(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmpty
	}
	if len(email) > 254 {
		return "", ErrStringTooLong
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return "", ErrInvalidEmail
	}

	local, domain, _ := strings.Cut(email, "@")
	if len(local) > 64 {
		return "", ErrStringTooLong
	}
	// Intranet hosts are not deliverable from the relay.
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "****"
	}
	return local[:1] + "****@" + domain
}
