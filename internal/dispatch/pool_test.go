package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(4, 100, WithLogger(logger.NewTest(t)))
	p.Start(context.Background())

	var count atomic.Int32
	for range 50 {
		require.True(t, p.Submit(func(context.Context) { count.Add(1) }))
	}

	p.Stop()
	require.Equal(t, int32(50), count.Load())
}

func TestPool_DropsWhenFull(t *testing.T) {
	p := New(1, 1)
	p.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.True(t, p.Submit(func(context.Context) {}))
	require.False(t, p.Submit(func(context.Context) {}))
	require.Equal(t, int64(1), p.Dropped())

	close(release)
	p.Stop()
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := New(1, 1)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	require.False(t, p.Submit(func(context.Context) {}))
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(1, 4)
	p.Start(context.Background())

	done := make(chan struct{})
	require.True(t, p.Submit(func(context.Context) { panic("boom") }))
	require.True(t, p.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	p.Stop()
}
