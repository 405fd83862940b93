package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/chatrelay/pkg/chat"
	pkgerrors "github.com/angelmondragon/chatrelay/pkg/errors"
)

type selfErr struct{}

func (e *selfErr) Error() string { return "self" }
func (e *selfErr) Unwrap() error { return e }

type linkErr struct {
	next error
}

func (e *linkErr) Error() string { return "link" }
func (e *linkErr) Unwrap() error { return e.next }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type sliceErr struct {
	parts []string
}

func (e sliceErr) Error() string { return fmt.Sprint(e.parts) }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unknown", err: errors.New("boom"), want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: true},
		{name: "wrapped deadline", err: fmt.Errorf("dispatch: %w", context.DeadlineExceeded), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "unexpected eof", err: fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), want: true},
		{name: "plain eof", err: io.EOF, want: false},
		{name: "op error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, want: true},
		{name: "dns timeout", err: &net.DNSError{Err: "timeout", Name: "slack.com", IsTimeout: true}, want: true},
		{name: "dns not found", err: &net.DNSError{Err: "no such host", Name: "nope", IsNotFound: true}, want: false},
		{name: "conn reset syscall", err: os.NewSyscallError("read", syscall.ECONNRESET), want: true},
		{name: "other errno", err: syscall.ENOENT, want: false},
		{name: "net timeout", err: fmt.Errorf("post: %w", timeoutErr{}), want: true},
		{name: "chat transient", err: pkgerrors.Wrap(pkgerrors.CodeDependency, &chat.TransientError{Method: chat.MethodPostMessage, StatusCode: 429}, "dispatch"), want: true},
		{name: "chat api error", err: &chat.APIError{Method: chat.MethodPostMessage, Code: "channel_not_found"}, want: false},
		{name: "marker transient", err: Transient(errors.New("storage busy")), want: true},
		{name: "permanent wins", err: Permanent(fmt.Errorf("bad payload: %w", context.DeadlineExceeded)), want: false},
		{name: "joined transient", err: errors.Join(errors.New("a"), &chat.TransientError{StatusCode: 503}), want: true},
		{name: "joined permanent", err: errors.Join(Transient(errors.New("a")), Permanent(errors.New("b"))), want: false},
		{name: "non-comparable value", err: sliceErr{parts: []string{"x"}}, want: false},
		{name: "non-comparable wrapping transient", err: fmt.Errorf("%w: %w", sliceErr{parts: []string{"x"}}, context.DeadlineExceeded), want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsRetryableTerminatesOnCycles(t *testing.T) {
	done := make(chan bool, 1)
	go func() {
		a := &linkErr{}
		b := &linkErr{next: a}
		a.next = b

		done <- IsRetryable(&selfErr{}) || IsRetryable(fmt.Errorf("outer: %w", a))
	}()

	select {
	case got := <-done:
		assert.False(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("IsRetryable did not terminate on a cyclic chain")
	}
}

func TestIsRetryableCycleKeepsAccumulatedAnswer(t *testing.T) {
	a := &linkErr{}
	b := &linkErr{next: Transient(a)}
	a.next = b

	assert.True(t, IsRetryable(b))
}

func TestMarkersNilAndUnwrap(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))

	cause := errors.New("cause")
	assert.ErrorIs(t, Transient(cause), cause)
	assert.ErrorIs(t, Permanent(cause), cause)
	assert.Contains(t, Permanent(cause).Error(), "cause")
}
