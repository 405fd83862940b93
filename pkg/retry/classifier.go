// Package retry decides whether a failed unit of work may be attempted again.
//
// Retryability is an allow-list: a failure is retryable only when some link in
// its cause chain is one of the transient kinds recognised here. Everything
// else, including error shapes nobody has seen before, is permanent.
package retry

import (
	"context"
	"io"
	"net"
	"reflect"
	"syscall"

	"github.com/angelmondragon/chatrelay/pkg/chat"
)

// maxChainLinks bounds the walk over a cause chain.
const maxChainLinks = 64

// TransientError marks a failure as safe to retry.
type TransientError struct {
	Err error
}

// Transient wraps err so the classifier treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure as never retryable, even when it wraps a
// transient cause.
type PermanentError struct {
	Err error
}

// Permanent wraps err so the classifier refuses to retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

var transientErrnos = map[syscall.Errno]struct{}{
	syscall.ECONNREFUSED: {},
	syscall.ECONNRESET:   {},
	syscall.ECONNABORTED: {},
	syscall.EPIPE:        {},
	syscall.ETIMEDOUT:    {},
	syscall.EHOSTUNREACH: {},
	syscall.ENETUNREACH:  {},
}

type verdict int

const (
	verdictUnknown verdict = iota
	verdictTransient
	verdictPermanent
)

// IsRetryable walks the cause chain of err, following both single and joined
// wrapping, and reports whether any link is a known transient failure. A
// Permanent marker anywhere in the chain wins. The walk visits each pointer
// error at most once and stops after maxChainLinks links, so cyclic chains
// terminate with whatever was learned so far.
func IsRetryable(err error) bool {
	retryable := false
	permanent := false
	walk(err, func(link error) bool {
		switch classify(link) {
		case verdictPermanent:
			permanent = true
			return false
		case verdictTransient:
			retryable = true
		}
		return true
	})
	return retryable && !permanent
}

// walk visits err and its causes breadth first until visit returns false,
// with the same cycle and length bounds as IsRetryable.
func walk(err error, visit func(error) bool) {
	if err == nil {
		return
	}

	queue := []error{err}
	visited := make(map[error]struct{})

	for steps := 0; len(queue) > 0 && steps < maxChainLinks; steps++ {
		current := queue[0]
		queue = queue[1:]
		if current == nil {
			continue
		}
		if isPointer(current) {
			if _, seen := visited[current]; seen {
				continue
			}
			visited[current] = struct{}{}
		}

		if !visit(current) {
			return
		}

		switch wrapped := current.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, wrapped.Unwrap()...)
		case interface{ Unwrap() error }:
			queue = append(queue, wrapped.Unwrap())
		}
	}
}

func classify(err error) verdict {
	switch typed := err.(type) {
	case *PermanentError:
		return verdictPermanent
	case *TransientError:
		return verdictTransient
	case *chat.TransientError:
		return verdictTransient
	case *net.DNSError:
		if typed.IsTimeout || typed.IsTemporary {
			return verdictTransient
		}
		return verdictUnknown
	case *net.OpError:
		return verdictTransient
	case syscall.Errno:
		if _, ok := transientErrnos[typed]; ok {
			return verdictTransient
		}
		return verdictUnknown
	}

	// Sentinels are matched on this link only; the caller walks the chain.
	if err == context.DeadlineExceeded || err == io.ErrUnexpectedEOF {
		return verdictTransient
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return verdictTransient
	}
	return verdictUnknown
}

func isPointer(err error) bool {
	return reflect.ValueOf(err).Kind() == reflect.Pointer
}
