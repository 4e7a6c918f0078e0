package verification

import (
	"strings"

	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
)

// NormalizePhone canonicalizes a domestic mobile number: formatting stripped,
// the 86 country prefix removed, exactly 11 digits with a leading 1 required.
// Anything else is a client input error.
func NormalizePhone(phone string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	normalized := digits.String()

	if strings.HasPrefix(normalized, "86") && len(normalized) == 13 {
		normalized = normalized[2:]
	}
	if len(normalized) != 11 || !strings.HasPrefix(normalized, "1") {
		return "", apperr.New(apperr.KindValidation, "invalid mobile number")
	}
	return normalized, nil
}

// NormalizePhoneLoose normalizes without failing; it returns "" for numbers
// that cannot be canonicalized. Used when extracting anchors from stored
// submissions, where legacy rows may hold junk.
func NormalizePhoneLoose(phone string) string {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return ""
	}
	return normalized
}
