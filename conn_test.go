package rpma

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rpma-go/internal/verbs/fake"
)

// establishedPair returns an established connection pair plus the fake
// context of the client side for failure injection.
func establishedPair(t *testing.T) (*fake.Fabric, *fake.Context, *Endpoint, *Conn, *Conn) {
	t.Helper()
	fabric := fake.NewFabric()
	srvCtx := fabric.NewContext("mlx5_0")
	cliCtx := fabric.NewContext("mlx5_1")
	srvPeer, err := NewPeer(srvCtx)
	require.NoError(t, err)
	cliPeer, err := NewPeer(cliCtx)
	require.NoError(t, err)

	ep, srvConn, cliConn := connectPair(t, srvPeer, cliPeer, nil, nil)
	return fabric, cliCtx, ep, srvConn, cliConn
}

func TestConnDeleteDestroyCQFails(t *testing.T) {
	_, cliCtx, ep, srvConn, cliConn := establishedPair(t)
	defer ep.Shutdown()
	defer srvConn.Delete()

	cliCtx.FailNext("destroy_cq", syscall.EAGAIN)
	err := cliConn.Delete()
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, syscall.EAGAIN, ProviderErrno(err))

	// Unlike the other destroy operations, delete invalidates the
	// handle even on failure; a second call must not double-free.
	require.NoError(t, cliConn.Delete())
}

func TestConnDeleteDestroyIDFails(t *testing.T) {
	_, cliCtx, ep, srvConn, cliConn := establishedPair(t)
	defer ep.Shutdown()
	defer srvConn.Delete()

	cliCtx.FailNext("destroy_id", syscall.EAGAIN)
	err := cliConn.Delete()
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, syscall.EAGAIN, ProviderErrno(err))
	require.NoError(t, cliConn.Delete())
}

func TestConnDeleteBothDestroysFail(t *testing.T) {
	_, cliCtx, ep, srvConn, cliConn := establishedPair(t)
	defer ep.Shutdown()
	defer srvConn.Delete()

	cliCtx.FailNext("destroy_cq", syscall.EAGAIN)
	cliCtx.FailNext("destroy_id", syscall.EIO)
	err := cliConn.Delete()
	require.ErrorIs(t, err, ErrProvider)
	errno := ProviderErrno(err)
	assert.True(t, errno == syscall.EAGAIN || errno == syscall.EIO,
		"one of the two failures must be surfaced, got %v", errno)
	require.NoError(t, cliConn.Delete())
}

func TestDisconnectIdempotent(t *testing.T) {
	_, _, ep, srvConn, cliConn := establishedPair(t)
	defer ep.Shutdown()
	defer srvConn.Delete()
	defer cliConn.Delete()

	ctx := context.Background()
	require.NoError(t, cliConn.Disconnect())
	require.NoError(t, cliConn.Disconnect(), "a second disconnect is a no-op")

	ev, err := cliConn.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, ConnClosed, ev)
	require.NoError(t, cliConn.Disconnect(), "disconnect after Closed is a no-op")
}

func TestNextEventUnblockedByDelete(t *testing.T) {
	_, _, ep, srvConn, cliConn := establishedPair(t)
	defer ep.Shutdown()
	defer cliConn.Delete()

	type result struct {
		ev  ConnEvent
		err error
	}
	got := make(chan result, 1)
	go func() {
		ev, err := srvConn.NextEvent(context.Background())
		got <- result{ev, err}
	}()

	// Give the consumer a moment to block, then tear the connection
	// down from this goroutine: the sanctioned cancellation path.
	time.Sleep(20 * time.Millisecond)
	srvConn.Delete()

	r := <-got
	require.ErrorIs(t, r.err, ErrProvider)
	assert.Equal(t, syscall.EBADF, ProviderErrno(r.err))
	assert.Equal(t, StateLost, srvConn.State())
}

func TestPostReadAfterDelete(t *testing.T) {
	_, srvPeer, cliPeer := testPeers(t)

	srcMR, _ := registerPattern(t, srvPeer, 64, 0xAB, UsageReadSrc)
	desc, err := srcMR.Descriptor()
	require.NoError(t, err)

	ep, srvConn, cliConn := connectPair(t, srvPeer, cliPeer, desc, nil)
	defer ep.Shutdown()
	defer srvConn.Delete()

	dstMR, _ := registerPattern(t, cliPeer, 64, 0x00, UsageReadDst)
	src, err := DecodeDescriptor(cliConn.PrivateData())
	require.NoError(t, err)

	require.NoError(t, cliConn.Delete())
	err = cliConn.PostRead(1, dstMR, 0, src, 0, 64, 0)
	assert.ErrorIs(t, err, ErrInval)
}
