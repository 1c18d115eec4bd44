// ABOUTME: Tests for the responder connection state machine
// ABOUTME: Handshake failure, failure detection and scoped release order
package responder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/internal/responder/respondertest"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

func TestOpenHandshakeFailure(t *testing.T) {
	b := respondertest.New()
	b.ConnectErr = errors.New("Daemon not running")

	conn, err := responder.Open(context.Background(), b)
	require.Error(t, err)
	assert.Nil(t, conn)

	var cerr *dnssd.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "Daemon not running", cerr.Reason)
	assert.True(t, b.Closed(), "backend should be released on handshake failure")
}

func TestOpenKeepsBackendConnectionError(t *testing.T) {
	b := respondertest.New()
	b.ConnectErr = &dnssd.ConnectionError{Reason: "Access denied"}

	_, err := responder.Open(context.Background(), b)
	var cerr *dnssd.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "Access denied", cerr.Reason)
}

func TestOpenRunning(t *testing.T) {
	conn, err := responder.Open(context.Background(), respondertest.New())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, responder.StateRunning, conn.State())
	assert.Equal(t, "respondertest", conn.Info().Name)
	assert.NoError(t, conn.Err())
}

func TestRequestsAllocateIDs(t *testing.T) {
	b := respondertest.New()
	conn, err := responder.Open(context.Background(), b)
	require.NoError(t, err)
	defer conn.Close()

	id1, err := conn.Browse("_http._tcp", "local", dnssd.InterfaceUnspec, dnssd.ProtocolUnspec)
	require.NoError(t, err)
	id2, err := conn.Browse("_ipp._tcp", "local", dnssd.InterfaceUnspec, dnssd.ProtocolUnspec)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	rid, err := conn.Resolve(respondertest.Key("a"))
	require.NoError(t, err)
	require.NoError(t, conn.CancelResolve(rid))
	require.NoError(t, conn.StopBrowse(id1))

	sent := b.Sent()
	require.Len(t, sent, 5)
	assert.Equal(t, responder.CancelResolveRequest{ID: rid}, sent[3])
	assert.Equal(t, responder.StopBrowseRequest{ID: id1}, sent[4])
}

func TestDisconnectFailsConnection(t *testing.T) {
	b := respondertest.New()
	conn, err := responder.Open(context.Background(), b)
	require.NoError(t, err)
	defer conn.Close()

	b.Emit(responder.Disconnected{Reason: "daemon restarted"})

	select {
	case ev := <-conn.Events():
		d, ok := ev.(responder.Disconnected)
		require.True(t, ok)
		assert.Equal(t, "daemon restarted", d.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected Disconnected event")
	}

	assert.Equal(t, responder.StateFailed, conn.State())
	var cerr *dnssd.ConnectionError
	require.ErrorAs(t, conn.Err(), &cerr)

	_, err = conn.Browse("_http._tcp", "", dnssd.InterfaceUnspec, dnssd.ProtocolUnspec)
	assert.ErrorIs(t, err, responder.ErrNotRunning)
	assert.NoError(t, conn.StopBrowse(1), "stop on a failed connection is a no-op")
}

func TestHangupFailsConnection(t *testing.T) {
	b := respondertest.New()
	conn, err := responder.Open(context.Background(), b)
	require.NoError(t, err)
	defer conn.Close()

	b.Hangup()

	select {
	case ev := <-conn.Events():
		_, ok := ev.(responder.Disconnected)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected Disconnected event")
	}
	assert.Equal(t, responder.StateFailed, conn.State())
}

func TestCloseRunsReleaseHooksBeforeBackend(t *testing.T) {
	b := respondertest.New()
	conn, err := responder.Open(context.Background(), b)
	require.NoError(t, err)

	var order []string
	conn.OnRelease(func() {
		order = append(order, "first")
		assert.False(t, b.Closed(), "hooks must run before the handle is released")
	})
	conn.OnRelease(func() {
		order = append(order, "second")
		assert.Equal(t, responder.StateRunning, conn.State(), "hooks may still send stop requests")
	})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, responder.StateClosed, conn.State())
	assert.True(t, b.Closed())
}

func TestCloseAfterFailureStaysFailed(t *testing.T) {
	b := respondertest.New()
	conn, err := responder.Open(context.Background(), b)
	require.NoError(t, err)

	b.Emit(responder.Disconnected{Reason: "gone"})
	<-conn.Events()

	require.NoError(t, conn.Close())
	assert.Equal(t, responder.StateFailed, conn.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", responder.StateConnecting.String())
	assert.Equal(t, "running", responder.StateRunning.String())
	assert.Equal(t, "failed", responder.StateFailed.String())
	assert.Equal(t, "closed", responder.StateClosed.String())
}
