package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	isoLayout      = "2006-01-02T15:04:05"
	isoMicroLayout = "2006-01-02T15:04:05.000000"
)

// Timestamp is a local wall-clock time rendered the way the review tooling
// parses it: ISO-8601 without zone, microsecond precision, fraction omitted
// when zero.
type Timestamp time.Time

// At converts t into a Timestamp truncated to microseconds.
func At(t time.Time) Timestamp {
	return Timestamp(t.Truncate(time.Microsecond))
}

// Time returns the underlying time value.
func (ts Timestamp) Time() time.Time {
	return time.Time(ts)
}

// String formats the timestamp.
func (ts Timestamp) String() string {
	t := time.Time(ts).Local()
	if t.Nanosecond()/1000 == 0 {
		return t.Format(isoLayout)
	}
	return t.Format(isoMicroLayout)
}

// FileStamp returns the timestamp with ':' and '.' replaced so it is safe to
// embed in a filename.
func (ts Timestamp) FileStamp() string {
	return strings.NewReplacer(":", "-", ".", "-").Replace(ts.String())
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*ts = t
	return nil
}

// ParseTimestamp parses a timestamp produced by String, with or without a
// fractional part.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range []string{isoMicroLayout, isoLayout, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return Timestamp(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp: %q", s)
}
