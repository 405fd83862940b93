package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/chatrelay/pkg/logger"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

type blockingLoop struct {
	started atomic.Bool
}

func (l *blockingLoop) Run(ctx context.Context) error {
	l.started.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

type failingLoop struct {
	err error
}

func (l failingLoop) Run(context.Context) error { return l.err }

func TestServiceStopsCleanlyOnCancel(t *testing.T) {
	loop := &blockingLoop{}
	svc, err := NewService(ServiceParams{
		Logger: logger.Nop(),
		DB:     stubPinger{},
		Loops:  map[string]runner{"inbox": loop},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, loop.started.Load, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestServiceFailingLoopStopsOthers(t *testing.T) {
	blocker := &blockingLoop{}
	svc, err := NewService(ServiceParams{
		Logger: logger.Nop(),
		DB:     stubPinger{},
		Loops: map[string]runner{
			"inbox":  blocker,
			"outbox": failingLoop{err: errors.New("db gone")},
		},
	})
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox loop: db gone")
}

func TestServiceRequiresDatabase(t *testing.T) {
	svc, err := NewService(ServiceParams{
		Logger: logger.Nop(),
		DB:     stubPinger{err: errors.New("refused")},
		Loops:  map[string]runner{"inbox": &blockingLoop{}},
	})
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database ping failed")
}

func TestServiceTreatsLoopCancellationAsCleanStop(t *testing.T) {
	svc, err := NewService(ServiceParams{
		Logger: logger.Nop(),
		DB:     stubPinger{},
		Loops:  map[string]runner{"inbox": failingLoop{err: context.Canceled}},
	})
	require.NoError(t, err)

	assert.NoError(t, svc.Run(context.Background()))
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(ServiceParams{DB: stubPinger{}, Loops: map[string]runner{"x": &blockingLoop{}}})
	assert.Error(t, err)
	_, err = NewService(ServiceParams{Logger: logger.Nop(), Loops: map[string]runner{"x": &blockingLoop{}}})
	assert.Error(t, err)
	_, err = NewService(ServiceParams{Logger: logger.Nop(), DB: stubPinger{}})
	assert.Error(t, err)
}
