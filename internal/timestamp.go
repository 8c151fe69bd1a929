package internal

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Timestamp is a wrapper around time.Time that can be scanned from any of the supported SQL dialects.
//
// PostgreSQL and MySQL (with parseTime) return time.Time values, while SQLite stores timestamps as text in the
// form produced by strftime('%Y-%m-%d %H:%M:%f'), which may or may not be converted by the driver depending on
// the declared column type of the result.
type Timestamp time.Time

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC3339Nano,
}

// Scan implements the sql.Scanner interface for reading from the database.
func (t *Timestamp) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*t = Timestamp(time.Time{})
		return nil
	case time.Time:
		*t = Timestamp(v.UTC())
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Timestamp", value)
	}
}

func (t *Timestamp) parse(s string) error {
	for _, layout := range timestampLayouts {
		parsed, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			*t = Timestamp(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("failed to parse timestamp %q", s)
}

// Value implements the driver.Valuer interface for writing to the database.
func (t Timestamp) Value() (driver.Value, error) {
	return time.Time(t), nil
}

// Time returns the underlying time.Time value.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// String returns the RFC3339 representation of the timestamp.
func (t Timestamp) String() string {
	return time.Time(t).Format(time.RFC3339Nano)
}
