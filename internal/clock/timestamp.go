// Package clock provides the timestamp representation shared by every
// on-disk metadata file: seconds since the Unix epoch, serialized as a
// plain JSON integer rather than a string.
package clock

import (
	"strconv"
	"time"
)

// Timestamp is a point in time truncated to one-second resolution and
// marshaled as a JSON integer.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp(time.Now().Unix()) }

// From converts a time.Time to a Timestamp, truncating to seconds.
func From(t time.Time) Timestamp { return Timestamp(t.Unix()) }

// Time converts back to a time.Time.
func (t Timestamp) Time() time.Time { return time.Unix(int64(t), 0).UTC() }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(t), 10)), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*t = Timestamp(v)
	return nil
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool { return t == 0 }
