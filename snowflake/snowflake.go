// Package snowflake implements the platform's 64-bit identifier format.
// IDs travel on the wire as decimal strings; the high 42 bits encode a UTC
// millisecond timestamp relative to the platform epoch.
package snowflake

import (
	"strconv"
	"time"
)

// Epoch is the platform epoch, 2015-01-01T00:00:00Z in Unix milliseconds.
const Epoch int64 = 1420070400000

// ID is an opaque snowflake identifier.
type ID uint64

// Parse converts the decimal string form of a snowflake into an ID.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(n), nil
}

// Timestamp extracts the creation time encoded in the ID.
func (id ID) Timestamp() time.Time {
	return time.UnixMilli(int64(id>>22) + Epoch)
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == 0
}

// MarshalJSON serializes the ID as a decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal forms.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" || s == "" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*id = ID(n)
	return nil
}
