package db

import "time"

// Timestamp normalises t to the precision both supported drivers round-trip
// losslessly, so a value written in one statement can be matched for equality
// in a later one.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Now is time.Now passed through Timestamp.
func Now() time.Time {
	return Timestamp(time.Now())
}
