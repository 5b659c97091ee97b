package discovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
	"golang.org/x/net/idna"
)

// ErrInvalidAddress is returned when an email address cannot be split into a
// usable local part and domain.
var ErrInvalidAddress = errors.New("invalid email address")

// Address is a parsed email address.
type Address struct {
	Raw       string
	LocalPart string
	Domain    string
}

// ParseAddress validates the syntax of email and extracts its domain. The
// domain is lowercased and converted to its ASCII (punycode) form.
func ParseAddress(email string) (Address, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return Address{}, fmt.Errorf("%w: value is empty", ErrInvalidAddress)
	}
	if err := checkmail.ValidateFormat(trimmed); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	at := strings.LastIndex(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return Address{}, fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain, err := idna.Lookup.ToASCII(strings.TrimSuffix(trimmed[at+1:], "."))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	return Address{
		Raw:       trimmed,
		LocalPart: trimmed[:at],
		Domain:    strings.ToLower(domain),
	}, nil
}
