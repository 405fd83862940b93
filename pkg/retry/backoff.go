package retry

import (
	"time"

	"github.com/angelmondragon/chatrelay/pkg/chat"
)

const (
	DefaultBaseDelay = 2 * time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// Backoff spaces out attempts on a record that keeps failing transiently.
// Zero fields take the package defaults.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns how long to wait before the next attempt after attempt
// failures (1 for the first). It doubles from Base and is capped at Max. A
// delay the platform asked for through Retry-After is honoured when longer,
// up to the same cap.
func (b Backoff) Delay(attempt int, err error) time.Duration {
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if ceiling < base {
		ceiling = max(DefaultMaxDelay, base)
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if requested := RetryAfter(err); requested > delay {
		delay = requested
	}
	return min(delay, ceiling)
}

// RetryAfter returns the longest delay any link of err's cause chain asked
// for, or zero.
func RetryAfter(err error) time.Duration {
	var longest time.Duration
	walk(err, func(link error) bool {
		if transient, ok := link.(*chat.TransientError); ok && transient.RetryAfter > longest {
			longest = transient.RetryAfter
		}
		return true
	})
	return longest
}
