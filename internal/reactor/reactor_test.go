// ABOUTME: Tests for the discovery event loop
// ABOUTME: Stop semantics, task ordering, timers and fatal disconnects
package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

type chanSource chan responder.Event

func (c chanSource) Events() <-chan responder.Event { return c }

func runAsync(t *testing.T, r *Reactor, src Source, sink Sink) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), src, sink)
	}()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not return")
		return nil
	}
}

func TestRunDispatchesInArrivalOrder(t *testing.T) {
	r := New()
	src := make(chanSource, 8)
	var got []responder.Event
	sink := SinkFunc(func(ev responder.Event) {
		got = append(got, ev)
		if _, ok := ev.(responder.AllForNow); ok {
			r.Stop()
		}
	})

	src <- responder.ItemNew{ID: 1, Name: "a"}
	src <- responder.ItemRemove{ID: 1, Name: "a"}
	src <- responder.AllForNow{ID: 1}

	err := waitErr(t, runAsync(t, r, src, sink))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.IsType(t, responder.ItemNew{}, got[0])
	assert.IsType(t, responder.ItemRemove{}, got[1])
	assert.IsType(t, responder.AllForNow{}, got[2])
}

func TestStopFromHandlerSuppressesLaterWork(t *testing.T) {
	r := New()
	src := make(chanSource, 8)
	var handled atomic.Int32
	var lateTask atomic.Bool
	sink := SinkFunc(func(ev responder.Event) {
		handled.Add(1)
		r.Stop()
		r.Post(func() { lateTask.Store(true) })
	})

	src <- responder.ItemNew{ID: 1, Name: "a"}
	src <- responder.ItemNew{ID: 1, Name: "b"}

	require.NoError(t, waitErr(t, runAsync(t, r, src, sink)))
	assert.Equal(t, int32(1), handled.Load())
	assert.False(t, lateTask.Load())
	assert.True(t, r.Stopped())
}

func TestStopFromOutside(t *testing.T) {
	r := New()
	done := runAsync(t, r, make(chanSource), SinkFunc(func(responder.Event) {}))

	r.Stop()
	r.Stop()
	require.NoError(t, waitErr(t, done))
	assert.False(t, r.Post(func() {}), "post after stop must be refused")
}

func TestStopBeforeRun(t *testing.T) {
	r := New()
	r.Stop()
	err := r.Run(context.Background(), make(chanSource), SinkFunc(func(responder.Event) {}))
	assert.NoError(t, err)
}

func TestRunOnlyOnce(t *testing.T) {
	r := New()
	r.Stop()
	require.NoError(t, r.Run(context.Background(), make(chanSource), SinkFunc(func(responder.Event) {})))
	assert.ErrorIs(t, r.Run(context.Background(), make(chanSource), SinkFunc(func(responder.Event) {})), ErrAlreadyRun)
}

func TestContextCancelReturns(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, make(chanSource), SinkFunc(func(responder.Event) {})) }()

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestDisconnectIsFatal(t *testing.T) {
	r := New()
	src := make(chanSource, 2)
	src <- responder.Disconnected{Reason: "avahi-daemon exited"}

	err := waitErr(t, runAsync(t, r, src, SinkFunc(func(responder.Event) {
		t.Error("no event should reach the sink")
	})))

	var cerr *dnssd.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "avahi-daemon exited", cerr.Reason)
}

func TestPostedTasksRunOnLoop(t *testing.T) {
	r := New()
	src := make(chanSource)
	var order []int
	done := runAsync(t, r, src, SinkFunc(func(responder.Event) {}))

	r.Post(func() { order = append(order, 1) })
	r.Post(func() { order = append(order, 2) })
	r.Post(func() {
		order = append(order, 3)
		r.Stop()
	})

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestTimerFiresOnLoopNotEarly(t *testing.T) {
	mock := clock.NewMock()
	r := New(WithClock(mock))
	fired := make(chan time.Time, 1)
	start := mock.Now()

	done := runAsync(t, r, make(chanSource), SinkFunc(func(responder.Event) {}))
	registered := make(chan struct{})
	r.Post(func() {
		r.AfterFunc(5*time.Second, func() {
			fired <- mock.Now()
			r.Stop()
		})
		close(registered)
	})
	<-registered

	mock.Add(4 * time.Second)
	select {
	case <-fired:
		t.Fatal("timer fired early")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 5*time.Second)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	require.NoError(t, waitErr(t, done))
}

func TestTimerStopPreventsCallback(t *testing.T) {
	mock := clock.NewMock()
	r := New(WithClock(mock))
	var fired atomic.Bool

	done := runAsync(t, r, make(chanSource), SinkFunc(func(responder.Event) {}))
	stopped := make(chan bool, 1)
	r.Post(func() {
		tm := r.AfterFunc(time.Second, func() { fired.Store(true) })
		stopped <- tm.Stop()
	})
	assert.True(t, <-stopped)

	mock.Add(2 * time.Second)
	flushed := make(chan struct{})
	r.Post(func() { close(flushed) })
	<-flushed

	r.Stop()
	require.NoError(t, waitErr(t, done))
	assert.False(t, fired.Load())
}

func TestTimersReleasedOnReturn(t *testing.T) {
	mock := clock.NewMock()
	r := New(WithClock(mock))
	var fired atomic.Bool

	r.AfterFunc(time.Second, func() { fired.Store(true) })
	r.Stop()
	require.NoError(t, r.Run(context.Background(), make(chanSource), SinkFunc(func(responder.Event) {})))

	mock.Add(time.Minute)
	assert.False(t, fired.Load())
	r.mu.Lock()
	assert.Empty(t, r.timers)
	r.mu.Unlock()
}
