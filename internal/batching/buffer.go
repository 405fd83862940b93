// Package batching coalesces bursts of outbound notifications that share a
// logical key into one downstream call per quiet window. Buffered entries live
// only in memory; a crash before the window closes drops them.
package batching

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/chatrelay/pkg/logger"
)

const defaultWindow = 3 * time.Second

// FlushFunc receives the latest payload buffered for key.
type FlushFunc[T any] func(ctx context.Context, key string, payload T) error

type scheduleFunc func(d time.Duration, fn func()) (stop func() bool)

type Options[T any] struct {
	Window time.Duration
	Flush  FlushFunc[T]
	Logger *logger.Logger
}

type entry[T any] struct {
	payload T
	stop    func() bool
}

type Buffer[T any] struct {
	window   time.Duration
	flush    FlushFunc[T]
	logg     *logger.Logger
	schedule scheduleFunc

	mu      sync.Mutex
	entries map[string]*entry[T]
	closed  bool
}

func New[T any](opts Options[T]) (*Buffer[T], error) {
	if opts.Flush == nil {
		return nil, errors.New("flush func is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	return &Buffer[T]{
		window:   opts.Window,
		flush:    opts.Flush,
		logg:     opts.Logger,
		schedule: afterFunc,
		entries:  map[string]*entry[T]{},
	}, nil
}

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Add buffers payload under key. The first Add for a key starts its window;
// later Adds replace the payload and leave the schedule alone. It reports
// false once the buffer is closed.
func (b *Buffer[T]) Add(key string, payload T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if e, ok := b.entries[key]; ok {
		e.payload = payload
		return true
	}

	e := &entry[T]{payload: payload}
	b.entries[key] = e
	e.stop = b.schedule(b.window, func() { b.fire(key, e) })
	return true
}

func (b *Buffer[T]) fire(key string, e *entry[T]) {
	b.mu.Lock()
	if b.entries[key] != e {
		// Flushed or closed before the timer ran.
		b.mu.Unlock()
		return
	}
	delete(b.entries, key)
	payload := e.payload
	b.mu.Unlock()

	ctx := b.logg.WithField(context.Background(), "buffer_key", key)
	if err := b.flush(ctx, key, payload); err != nil {
		b.logg.Error(ctx, "batching.flush_failed", err)
	}
}

// Flush hands every buffered entry to the flush func now, in key order, and
// returns the combined flush errors. Used on graceful shutdown.
func (b *Buffer[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.entries
	b.entries = map[string]*entry[T]{}
	for _, e := range pending {
		e.stop()
	}
	b.mu.Unlock()

	keys := make([]string, 0, len(pending))
	for key := range pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs error
	for _, key := range keys {
		errs = multierr.Append(errs, b.flush(ctx, key, pending[key].payload))
	}
	return errs
}

// Close stops every timer and drops whatever is still buffered.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for key, e := range b.entries {
		e.stop()
		delete(b.entries, key)
	}
}

func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Key joins the identifiers of a logical subject, e.g. Key(sourceID, subjectID).
func Key(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed = append(trimmed, strings.TrimSpace(part))
	}
	return strings.Join(trimmed, ":")
}
