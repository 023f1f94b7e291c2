package fake

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rpma-go/internal/verbs"
)

func TestRegionReadCopy(t *testing.T) {
	fabric := NewFabric()
	srv := fabric.NewContext("srv")
	cli := fabric.NewContext("cli")

	srvPD, err := srv.AllocPD()
	require.NoError(t, err)
	cliPD, err := cli.AllocPD()
	require.NoError(t, err)

	srcBuf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	src, err := srvPD.Register(srcBuf, verbs.AccessRemoteRead)
	require.NoError(t, err)
	dstBuf := make([]byte, 8)
	dst, err := cliPD.Register(dstBuf, verbs.AccessLocalWrite)
	require.NoError(t, err)

	// Wire two identifiers through a listener.
	srvCh, err := srv.CreateEventChannel()
	require.NoError(t, err)
	lid, err := srv.CreateID(srvCh)
	require.NoError(t, err)
	require.NoError(t, lid.Listen("10.0.0.1", "7204", 1))

	cliCh, err := cli.CreateEventChannel()
	require.NoError(t, err)
	cid, err := cli.CreateID(cliCh)
	require.NoError(t, err)
	require.NoError(t, cid.ResolveAddr("10.0.0.1", "7204", time.Second))

	cliCQ, err := cli.CreateCQ(4)
	require.NoError(t, err)
	require.NoError(t, cid.CreateQP(cliPD, cliCQ, 4, 4))
	require.NoError(t, cid.Connect(nil))

	ctx := context.Background()
	ev, err := srvCh.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, verbs.EventConnectRequest, ev.Type)
	require.NoError(t, ev.ID.Accept(nil))

	// Drain the client's resolution and establishment events.
	for {
		ev, err := cliCh.Get(ctx)
		require.NoError(t, err)
		if ev.Type == verbs.EventEstablished {
			break
		}
	}

	require.NoError(t, cid.PostRead(9, dst.Addr()+2, dst.LKey(), src.Addr()+4, src.RKey(), 3, false))
	wc, ok, err := cliCQ.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), wc.WRID)
	assert.Equal(t, verbs.WCSuccess, wc.Status)
	assert.Equal(t, []byte{0, 0, 5, 6, 7, 0, 0, 0}, dstBuf)
}

func TestCQDrainAfterDisconnect(t *testing.T) {
	fabric := NewFabric()
	ctx := fabric.NewContext("srv")

	cq, err := ctx.CreateCQ(4)
	require.NoError(t, err)
	q := cq.(*complQueue)

	q.push(verbs.WorkCompletion{WRID: 1, Status: verbs.WCFlushErr})
	q.setDraining()

	wc, ok, err := cq.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, verbs.WCFlushErr, wc.Status)

	err = cq.Wait(context.Background())
	var se *verbs.SysError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, syscall.EBADF, se.Errno)
}

func TestFailNextIsConsumedOnce(t *testing.T) {
	fabric := NewFabric()
	ctx := fabric.NewContext("srv")
	ctx.FailNext("alloc_pd", syscall.ENOMEM)

	_, err := ctx.AllocPD()
	var se *verbs.SysError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, syscall.ENOMEM, se.Errno)

	_, err = ctx.AllocPD()
	require.NoError(t, err)
}
