package appointment

import (
	"fmt"
	"net/mail"
	"strings"
)

// Contact is submitted with the confirm call.
type Contact struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string // NNN-NNN-NNNN
}

func (c Contact) Validate() error {
	if strings.TrimSpace(c.FirstName) == "" || strings.TrimSpace(c.LastName) == "" {
		return fmt.Errorf("%w: first and last name are required to schedule", ErrInvalidCriteria)
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return fmt.Errorf("%w: invalid email %q", ErrInvalidCriteria, c.Email)
	}
	if _, err := FormatPhone(c.Phone); err != nil {
		return err
	}
	return nil
}

// FormatPhone normalizes a US phone number to NNN-NNN-NNNN. A leading
// country code 1 is dropped.
func FormatPhone(s string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 {
		return "", fmt.Errorf("%w: phone %q must have 10 digits", ErrInvalidCriteria, s)
	}
	return d[0:3] + "-" + d[3:6] + "-" + d[6:], nil
}
