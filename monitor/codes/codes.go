// Package codes knows the wire formats of the identifiers the monitor polls
// upstream: the primary application code (4 letters + 12 digits) and the
// secondary "canonical" code SERIAL[-SUFFIX]/TYPE/YEAR, optionally carrying
// an OAM- prefix on input.
package codes

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// MaxInputLen bounds every user-supplied string before validation.
const MaxInputLen = 256

var (
	ErrInvalidFormat = errors.New("invalid code format")
	ErrInvalidEmail  = errors.New("invalid email address")
	ErrTooLong       = errors.New("input too long")
)

// QueryType selects which upstream lookup form a code uses.
type QueryType string

const (
	QueryPrimary   QueryType = "primary"
	QuerySecondary QueryType = "secondary"
)

var (
	primaryRe = regexp.MustCompile(`^[A-Z]{4}[0-9]{12}$`)

	// Both representations of the secondary canonical form are accepted:
	// SERIAL/TYPE/YEAR and SERIAL-SUFFIX/TYPE/YEAR, any case, optional OAM- prefix.
	secondaryRe = regexp.MustCompile(`^(?:OAM-)?([0-9]{1,8})(?:-([0-9A-Z]{1,6}))?/([A-Z]{1,4})/([0-9]{4})$`)
)

// Secondary is the decomposed 4-tuple behind a secondary code.
type Secondary struct {
	Serial string `json:"serial"`
	Suffix string `json:"suffix,omitempty"`
	Type   string `json:"type"`
	Year   string `json:"year"`
}

// String renders the canonical form: upper-case, no OAM- prefix.
func (s Secondary) String() string {
	if s.Suffix != "" {
		return fmt.Sprintf("%s-%s/%s/%s", s.Serial, s.Suffix, s.Type, s.Year)
	}
	return fmt.Sprintf("%s/%s/%s", s.Serial, s.Type, s.Year)
}

// ParseSecondary decomposes a canonical secondary code string.
func ParseSecondary(raw string) (Secondary, error) {
	if len(raw) > MaxInputLen {
		return Secondary{}, ErrTooLong
	}
	m := secondaryRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(raw)))
	if m == nil {
		return Secondary{}, fmt.Errorf("%w: %q is not a secondary code", ErrInvalidFormat, raw)
	}
	return Secondary{Serial: m[1], Suffix: m[2], Type: m[3], Year: m[4]}, nil
}

// IsPrimary reports whether raw matches the primary code format.
func IsPrimary(raw string) bool {
	return primaryRe.MatchString(strings.ToUpper(strings.TrimSpace(raw)))
}

// Normalize validates raw as either a primary or a secondary code and returns
// the canonical string plus the detected query type.
func Normalize(raw string) (string, QueryType, error) {
	if len(raw) > MaxInputLen {
		return "", "", ErrTooLong
	}
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if primaryRe.MatchString(trimmed) {
		return trimmed, QueryPrimary, nil
	}
	if sec, err := ParseSecondary(trimmed); err == nil {
		return sec.String(), QuerySecondary, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
}

// ValidateEmail checks raw against the standard addr-spec and returns the
// bare address.
func ValidateEmail(raw string) (string, error) {
	if len(raw) > MaxInputLen {
		return "", ErrTooLong
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	// Reject display-name forms; the API stores bare addresses only.
	if addr.Address != strings.TrimSpace(raw) {
		return "", ErrInvalidEmail
	}
	return addr.Address, nil
}

// MaskEmail hides the local part of an address for duplicate-owner hints,
// e.g. "alice@example.com" -> "xxx***@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "xxx***"
	}
	return "xxx***@" + email[at+1:]
}
