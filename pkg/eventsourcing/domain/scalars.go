package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// dateLayout is the wire format for Date fields: strict DD-MM-YYYY.
const dateLayout = "02-01-2006"

// Date is a calendar date with no time-of-day component. It serializes
// as "DD-MM-YYYY" and only ever parses that exact format; anything else
// is a SerializationError.
type Date struct {
	t time.Time
}

// NewDate builds a Date from year/month/day components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses the strict "DD-MM-YYYY" wire format.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, &SerializationError{Reason: fmt.Sprintf("malformed date %q: expected DD-MM-YYYY", s)}
	}
	return Date{t: t}, nil
}

// String renders the wire format.
func (d Date) String() string { return d.t.Format(dateLayout) }

// Time returns the underlying time.Time at midnight UTC.
func (d Date) Time() time.Time { return d.t }

// Equal reports structural equality.
func (d Date) Equal(other Date) bool { return d.t.Equal(other.t) }

// IsZero reports whether d was never set.
func (d Date) IsZero() bool { return d.t.IsZero() }

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateTime is an instant serialized as ISO-8601 (RFC3339).
type DateTime struct {
	t time.Time
}

// NewDateTime wraps a time.Time as a DateTime.
func NewDateTime(t time.Time) DateTime { return DateTime{t: t} }

// ParseDateTime parses strict ISO-8601/RFC3339.
func ParseDateTime(s string) (DateTime, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return DateTime{}, &SerializationError{Reason: fmt.Sprintf("malformed datetime %q: expected ISO-8601", s)}
	}
	return DateTime{t: t}, nil
}

// Time returns the underlying time.Time.
func (d DateTime) Time() time.Time { return d.t }

// Equal reports structural equality.
func (d DateTime) Equal(other DateTime) bool { return d.t.Equal(other.t) }

// IsZero reports whether d was never set.
func (d DateTime) IsZero() bool { return d.t.IsZero() }

// MarshalJSON implements json.Marshaler.
func (d DateTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.t.Format(time.RFC3339Nano) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DateTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseDateTime(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// symbolTable interns Symbol values so that two Symbols built from the
// same string share a canonical backing string, the way Ruby's Symbol
// does. Go string comparison is already value-based, so this buys us
// nothing for correctness, but it keeps the type honest about what it
// models and gives a single choke point if interning ever needs to do
// real work (e.g. deduping a large enum set).
var symbolTable sync.Map

// Symbol is an interned-string enum value. Serializes as a plain JSON
// string and deserializes back to the same interned value.
type Symbol struct {
	s string
}

// NewSymbol interns s and returns the Symbol.
func NewSymbol(s string) Symbol {
	actual, _ := symbolTable.LoadOrStore(s, s)
	return Symbol{s: actual.(string)}
}

// String returns the underlying string form.
func (s Symbol) String() string { return s.s }

// Equal reports equality by interned value.
func (s Symbol) Equal(other Symbol) bool { return s.s == other.s }

// IsZero reports whether the Symbol was never set.
func (s Symbol) IsZero() bool { return s.s == "" }

// MarshalJSON implements json.Marshaler.
func (s Symbol) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.s + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Symbol) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	*s = NewSymbol(raw)
	return nil
}
