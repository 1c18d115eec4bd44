// ABOUTME: Tests for resolution coalescing, timeouts and in-flight bounds
// ABOUTME: Drives a real reactor on a mock clock
package resolver

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/dnssd-browse/internal/reactor"
	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/internal/responder/respondertest"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

type fakeConn struct {
	next      responder.RequestID
	resolves  []dnssd.ServiceKey
	ids       map[dnssd.ServiceKey]responder.RequestID
	cancelled []responder.RequestID
	err       error
}

func (c *fakeConn) Resolve(key dnssd.ServiceKey) (responder.RequestID, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.next++
	c.resolves = append(c.resolves, key)
	c.ids[key] = c.next
	return c.next, nil
}

func (c *fakeConn) CancelResolve(id responder.RequestID) error {
	c.cancelled = append(c.cancelled, id)
	return nil
}

type tracked map[dnssd.ServiceKey]bool

func (t tracked) Has(key dnssd.ServiceKey) bool { return t[key] }

type result struct {
	key dnssd.ServiceKey
	svc dnssd.ResolvedService
	err error
}

type sinkRec struct {
	results []result
}

func (s *sinkRec) Resolved(key dnssd.ServiceKey, svc dnssd.ResolvedService, err error) {
	s.results = append(s.results, result{key, svc, err})
}

type harness struct {
	loop    *reactor.Reactor
	mock    *clock.Mock
	conn    *fakeConn
	tracked tracked
	sink    *sinkRec
	res     *Resolver
}

type idle chan responder.Event

func (c idle) Events() <-chan responder.Event { return c }

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mock := clock.NewMock()
	h := &harness{
		loop:    reactor.New(reactor.WithClock(mock)),
		mock:    mock,
		conn:    &fakeConn{ids: make(map[dnssd.ServiceKey]responder.RequestID)},
		tracked: make(tracked),
		sink:    &sinkRec{},
	}
	h.res = New(h.conn, h.loop, h.tracked, h.sink, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.loop.Run(ctx, make(idle), reactor.SinkFunc(func(responder.Event) {}))
	}()
	t.Cleanup(func() {
		cancel()
		h.loop.Stop()
		<-done
	})
	return h
}

// do runs fn on the loop and waits for it. Tasks fn posts run before the
// next do returns.
func (h *harness) do(fn func()) {
	ran := make(chan struct{})
	h.loop.Post(func() {
		fn()
		close(ran)
	})
	<-ran
}

func (h *harness) flush() { h.do(func() {}) }

func (h *harness) track(names ...string) []dnssd.ServiceKey {
	keys := make([]dnssd.ServiceKey, 0, len(names))
	for _, n := range names {
		k := respondertest.Key(n)
		h.tracked[k] = true
		keys = append(keys, k)
	}
	return keys
}

func (h *harness) found(key dnssd.ServiceKey, port uint16) dnssd.ResolvedService {
	svc := dnssd.NewResolvedService(key, key.Name+".local", netip.MustParseAddr("192.168.1.10"), port, map[string]string{"path": "/"})
	h.do(func() {
		h.res.HandleEvent(responder.ResolveFound{ID: h.conn.ids[key], Service: svc})
	})
	return svc
}

func TestDuplicateRequestsCoalesce(t *testing.T) {
	h := newHarness(t)
	key := h.track("web")[0]

	var got []result
	h.do(func() {
		assert.NoError(t, h.res.Resolve(key, func(s dnssd.ResolvedService, err error) { got = append(got, result{key, s, err}) }))
		assert.NoError(t, h.res.Resolve(key, func(s dnssd.ResolvedService, err error) { got = append(got, result{key, s, err}) }))
	})
	assert.Len(t, h.conn.resolves, 1)
	assert.Equal(t, 1, h.res.Pending())

	svc := h.found(key, 8080)

	require.Len(t, h.sink.results, 1, "dispatcher is notified once")
	require.Len(t, got, 2)
	for _, g := range got {
		require.NoError(t, g.err)
		assert.Equal(t, svc, g.svc)
	}
	assert.Equal(t, "/", h.sink.results[0].svc.TXT()["path"])
	assert.Zero(t, h.res.Pending())
}

func TestRemovalDuringResolveReportsInstanceGone(t *testing.T) {
	h := newHarness(t)
	key := h.track("web")[0]

	h.do(func() {
		assert.NoError(t, h.res.Resolve(key, nil))
		delete(h.tracked, key)
		h.res.InstanceRemoved(key)
	})

	require.Len(t, h.sink.results, 1)
	assert.ErrorIs(t, h.sink.results[0].err, dnssd.ErrInstanceGone)
	assert.Equal(t, []responder.RequestID{h.conn.ids[key]}, h.conn.cancelled)

	h.found(key, 8080)
	assert.Len(t, h.sink.results, 1, "late result must be dropped")
}

func TestUntrackedKeyCompletesAsynchronously(t *testing.T) {
	h := newHarness(t)
	key := respondertest.Key("nobody")

	var during int
	h.do(func() {
		assert.NoError(t, h.res.Resolve(key, nil))
		during = len(h.sink.results)
	})
	h.flush()

	assert.Zero(t, during, "result must not be delivered inside Resolve")
	require.Len(t, h.sink.results, 1)
	assert.Equal(t, dnssd.ResolveInstanceGone, dnssd.ResolveKindOf(h.sink.results[0].err))
	assert.Empty(t, h.conn.resolves)
}

func TestTimeoutNeverEarly(t *testing.T) {
	h := newHarness(t, WithTimeout(5*time.Second))
	key := h.track("slow")[0]

	h.do(func() { assert.NoError(t, h.res.Resolve(key, nil)) })

	h.mock.Add(4 * time.Second)
	h.flush()
	assert.Empty(t, h.sink.results)

	h.mock.Add(time.Second)
	h.flush()
	require.Len(t, h.sink.results, 1)
	assert.ErrorIs(t, h.sink.results[0].err, dnssd.ErrResolveTimeout)
	assert.Len(t, h.conn.cancelled, 1)
}

func TestResultStopsTimer(t *testing.T) {
	h := newHarness(t, WithTimeout(time.Second))
	key := h.track("web")[0]

	h.do(func() { assert.NoError(t, h.res.Resolve(key, nil)) })
	h.found(key, 80)
	h.mock.Add(time.Minute)
	h.flush()

	require.Len(t, h.sink.results, 1)
	assert.NoError(t, h.sink.results[0].err)
}

func TestFailureKindPassedThrough(t *testing.T) {
	h := newHarness(t)
	key := h.track("web")[0]

	h.do(func() {
		assert.NoError(t, h.res.Resolve(key, nil))
		h.res.HandleEvent(responder.ResolveFailure{ID: h.conn.ids[key], Kind: dnssd.ResolveNotFound, Reason: "no SRV record"})
	})

	require.Len(t, h.sink.results, 1)
	assert.ErrorIs(t, h.sink.results[0].err, dnssd.ErrNotFound)
	assert.Contains(t, h.sink.results[0].err.Error(), "no SRV record")
}

func TestInFlightBoundQueuesFIFO(t *testing.T) {
	h := newHarness(t, WithMaxInFlight(2))
	keys := h.track("a", "b", "c", "d")

	h.do(func() {
		for _, k := range keys {
			assert.NoError(t, h.res.Resolve(k, nil))
		}
	})
	assert.Equal(t, keys[:2], h.conn.resolves)
	assert.Equal(t, 2, h.res.InFlight())
	assert.Equal(t, 2, h.res.Queued())

	h.found(keys[1], 80)
	assert.Equal(t, keys[:3], h.conn.resolves)

	h.found(keys[0], 80)
	assert.Equal(t, keys, h.conn.resolves)
	assert.Zero(t, h.res.Queued())
}

func TestRemovingQueuedKeySendsNothing(t *testing.T) {
	h := newHarness(t, WithMaxInFlight(1))
	keys := h.track("a", "b")

	h.do(func() {
		assert.NoError(t, h.res.Resolve(keys[0], nil))
		assert.NoError(t, h.res.Resolve(keys[1], nil))
		h.res.InstanceRemoved(keys[1])
	})

	require.Len(t, h.sink.results, 1)
	assert.ErrorIs(t, h.sink.results[0].err, dnssd.ErrInstanceGone)
	assert.Empty(t, h.conn.cancelled)

	h.found(keys[0], 80)
	assert.Equal(t, keys[:1], h.conn.resolves)
}

func TestTransportErrorReleasesSlot(t *testing.T) {
	h := newHarness(t, WithMaxInFlight(1))
	keys := h.track("a", "b")
	h.conn.err = errors.New("bus closed")

	h.do(func() { assert.NoError(t, h.res.Resolve(keys[0], nil)) })
	h.flush()

	require.Len(t, h.sink.results, 1)
	assert.ErrorIs(t, h.sink.results[0].err, dnssd.ErrTransport)

	h.conn.err = nil
	h.do(func() { assert.NoError(t, h.res.Resolve(keys[1], nil)) })
	assert.Equal(t, keys[1:], h.conn.resolves)
}

func TestCacheServesRepeatsUntilRemoval(t *testing.T) {
	h := newHarness(t, WithCache(time.Minute, 16))
	key := h.track("web")[0]

	h.do(func() { assert.NoError(t, h.res.Resolve(key, nil)) })
	svc := h.found(key, 8080)

	h.do(func() { assert.NoError(t, h.res.Resolve(key, nil)) })
	h.flush()
	require.Len(t, h.sink.results, 2)
	assert.Equal(t, svc, h.sink.results[1].svc)
	assert.Len(t, h.conn.resolves, 1)

	h.do(func() {
		h.res.InstanceRemoved(key)
		assert.NoError(t, h.res.Resolve(key, nil))
	})
	assert.Len(t, h.conn.resolves, 2)
}

func TestCacheHitRacingRemovalReportsGone(t *testing.T) {
	h := newHarness(t, WithCache(time.Minute, 16))
	key := h.track("web")[0]

	h.do(func() { assert.NoError(t, h.res.Resolve(key, nil)) })
	h.found(key, 8080)

	h.do(func() {
		assert.NoError(t, h.res.Resolve(key, nil))
		delete(h.tracked, key)
		h.res.InstanceRemoved(key)
	})
	h.flush()

	require.Len(t, h.sink.results, 2)
	last := h.sink.results[1]
	assert.ErrorIs(t, last.err, dnssd.ErrInstanceGone)
	assert.Zero(t, last.svc.Port)
	assert.Len(t, h.conn.resolves, 1)
}

func TestCloseCancelsSilently(t *testing.T) {
	h := newHarness(t, WithMaxInFlight(1))
	keys := h.track("a", "b")

	h.do(func() {
		assert.NoError(t, h.res.Resolve(keys[0], nil))
		assert.NoError(t, h.res.Resolve(keys[1], nil))
		assert.NoError(t, h.res.Close())
		assert.NoError(t, h.res.Close())
		assert.ErrorIs(t, h.res.Resolve(keys[0], nil), ErrClosed)
	})
	h.mock.Add(time.Minute)
	h.flush()

	assert.Empty(t, h.sink.results)
	assert.Equal(t, []responder.RequestID{h.conn.ids[keys[0]]}, h.conn.cancelled)
	assert.Zero(t, h.res.Pending())
}
