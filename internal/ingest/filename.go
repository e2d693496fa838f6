package ingest

import (
	"fmt"
	"strings"
	"time"
)

// Metadata is the identity parsed out of a transcript file name of the
// form Surname_GivenName[_Patronymic..]_YYYY-MM-DD_phone.txt. When the
// name carries more than four fields the middle ones are joined back
// with the delimiter to form the patronymic.
type Metadata struct {
	LastName    string
	FirstName   string
	MiddleName  string
	CallDate    time.Time
	PhoneNumber string
}

// ParseFileName splits the base name on underscores. The last two
// fields are always the ISO calendar date and the phone number.
func ParseFileName(name string) (Metadata, error) {
	if !strings.HasSuffix(name, ".txt") {
		return Metadata{}, fmt.Errorf("not a .txt file: %s", name)
	}
	base := strings.TrimSuffix(name, ".txt")
	parts := strings.Split(base, "_")
	if len(parts) < 4 {
		return Metadata{}, fmt.Errorf("file name %s has %d fields, want at least 4", name, len(parts))
	}

	phone := parts[len(parts)-1]
	dateStr := parts[len(parts)-2]
	callDate, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return Metadata{}, fmt.Errorf("invalid call date %q in %s: %w", dateStr, name, err)
	}

	m := Metadata{
		LastName:    parts[0],
		FirstName:   parts[1],
		CallDate:    callDate,
		PhoneNumber: phone,
	}
	if len(parts) > 4 {
		m.MiddleName = strings.Join(parts[2:len(parts)-2], "_")
	}
	return m, nil
}
