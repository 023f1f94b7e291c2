package rpma

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnReqValidation(t *testing.T) {
	_, _, cliPeer := testPeers(t)
	ctx := context.Background()

	var nilPeer *Peer
	_, err := nilPeer.NewConnReq(ctx, testAddr, testService)
	assert.ErrorIs(t, err, ErrInval)

	_, err = cliPeer.NewConnReq(ctx, "", testService)
	assert.ErrorIs(t, err, ErrInval)

	_, err = cliPeer.NewConnReq(ctx, testAddr, "")
	assert.ErrorIs(t, err, ErrInval)
}

func TestConnectUnreachable(t *testing.T) {
	fabric, srvPeer, cliPeer := testPeers(t)
	ctx := context.Background()

	// Nothing listens on the target address.
	req, err := cliPeer.NewConnReq(ctx, "192.0.2.9", testService)
	require.NoError(t, err)

	conn, err := req.Connect(ctx, &ConnCfg{Timeout: 200 * time.Millisecond}, nil)
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, syscall.EHOSTUNREACH, ProviderErrno(err))
	assert.Nil(t, conn)

	// The failed connect destroyed the request and everything it owned
	// except the peer itself.
	require.NoError(t, cliPeer.Delete())
	require.NoError(t, srvPeer.Delete())
	assert.Equal(t, 0, fabric.Handles())
}

func TestConnectPrivateDataTooLong(t *testing.T) {
	_, _, cliPeer := testPeers(t)
	ctx := context.Background()

	req, err := cliPeer.NewConnReq(ctx, testAddr, testService)
	require.NoError(t, err)

	_, err = req.Connect(ctx, nil, make([]byte, 256))
	require.ErrorIs(t, err, ErrInval)

	// Precondition failures have no side effects; the request is still
	// terminable.
	require.NoError(t, req.Delete())
}

func TestConnReqDelete(t *testing.T) {
	_, _, cliPeer := testPeers(t)
	ctx := context.Background()

	req, err := cliPeer.NewConnReq(ctx, testAddr, testService)
	require.NoError(t, err)

	require.NoError(t, req.Delete())
	require.NoError(t, req.Delete(), "terminating twice is a no-op")
}

func TestConnReqDeleteReleasesHandles(t *testing.T) {
	fabric, srvPeer, cliPeer := testPeers(t)
	ctx := context.Background()

	req, err := cliPeer.NewConnReq(ctx, testAddr, testService)
	require.NoError(t, err)
	require.NoError(t, req.Delete())

	require.NoError(t, cliPeer.Delete())
	require.NoError(t, srvPeer.Delete())
	assert.Equal(t, 0, fabric.Handles())
}

func TestIncomingConnReqRejected(t *testing.T) {
	_, srvPeer, cliPeer := testPeers(t)
	ctx := context.Background()

	ep, err := srvPeer.Listen(testAddr, testService)
	require.NoError(t, err)
	defer ep.Shutdown()

	rejected := make(chan error, 1)
	go func() {
		req, err := ep.NextConnReq(ctx)
		if err != nil {
			rejected <- err
			return
		}
		rejected <- req.Delete()
	}()

	req, err := cliPeer.NewConnReq(ctx, testAddr, testService)
	require.NoError(t, err)
	_, err = req.Connect(ctx, &ConnCfg{Timeout: time.Second}, nil)
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, syscall.ECONNREFUSED, ProviderErrno(err))

	require.NoError(t, <-rejected)
}

func TestConnReqConnectAfterTerminal(t *testing.T) {
	_, _, cliPeer := testPeers(t)
	ctx := context.Background()

	req, err := cliPeer.NewConnReq(ctx, testAddr, testService)
	require.NoError(t, err)
	require.NoError(t, req.Delete())

	_, err = req.Connect(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrInval, "a terminated request must not be connectable")
}
