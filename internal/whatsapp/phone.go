package whatsapp

import (
	"errors"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var ErrInvalidPhone = errors.New("phone number has no digits")

// localNumberLength is the length of a national number without its country prefix.
const localNumberLength = 10

// Digits strips everything but ASCII digits from raw.
func Digits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone turns a free-form phone number into a user address.
// A 10-digit number that does not already start with countryCode gets it prepended.
func NormalizePhone(raw, countryCode string) (string, error) {
	digits := Digits(raw)
	if digits == "" {
		return "", ErrInvalidPhone
	}
	if countryCode != "" && len(digits) == localNumberLength && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return types.NewJID(digits, types.DefaultUserServer).String(), nil
}
