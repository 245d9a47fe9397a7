// Package bucket defines the time buckets ingestion work is partitioned by.
package bucket

import (
	"fmt"
	"time"
)

const layout = "2006-01-02"

// Bucket is one UTC calendar day.
type Bucket struct {
	day time.Time
}

// Of returns the bucket containing t.
func Of(t time.Time) Bucket {
	t = t.UTC()
	return Bucket{day: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// Parse parses a YYYY-MM-DD bucket key.
func Parse(s string) (Bucket, error) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return Bucket{}, fmt.Errorf("invalid time bucket %q: %w", s, err)
	}
	return Bucket{day: t}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Bucket {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// String returns the YYYY-MM-DD key.
func (b Bucket) String() string {
	return b.day.Format(layout)
}

// Start returns the first instant in the bucket.
func (b Bucket) Start() time.Time {
	return b.day
}

// End returns the first instant after the bucket.
func (b Bucket) End() time.Time {
	return b.day.AddDate(0, 0, 1)
}

// Contains reports whether t falls inside the bucket.
func (b Bucket) Contains(t time.Time) bool {
	return !t.Before(b.Start()) && t.Before(b.End())
}

// Next returns the following bucket.
func (b Bucket) Next() Bucket {
	return Bucket{day: b.End()}
}

// IsZero reports whether b is the zero bucket.
func (b Bucket) IsZero() bool {
	return b.day.IsZero()
}

// Range returns every bucket from first through last inclusive.
func Range(first, last Bucket) []Bucket {
	var out []Bucket
	for b := first; !b.day.After(last.day); b = b.Next() {
		out = append(out, b)
	}
	return out
}

// Lookback returns the n buckets ending with the bucket containing now.
func Lookback(now time.Time, n int) []Bucket {
	if n <= 0 {
		return nil
	}
	last := Of(now)
	first := Bucket{day: last.day.AddDate(0, 0, -(n - 1))}
	return Range(first, last)
}

// MarshalText implements encoding.TextMarshaler.
func (b Bucket) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bucket) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
