package rpma

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rpma-go/internal/verbs/fake"
)

func TestNewPeerNilContext(t *testing.T) {
	peer, err := NewPeer(nil)
	require.ErrorIs(t, err, ErrInval)
	assert.Nil(t, peer)
}

func TestNewPeerENOMEM(t *testing.T) {
	fabric := fake.NewFabric()
	ctx := fabric.NewContext("mlx5_0")
	ctx.FailNext("alloc_pd", syscall.ENOMEM)

	peer, err := NewPeer(ctx)
	require.ErrorIs(t, err, ErrNoMem, "provider ENOMEM must map to the allocation error, not the provider one")
	assert.Nil(t, peer)
}

func TestNewPeerProviderError(t *testing.T) {
	fabric := fake.NewFabric()
	ctx := fabric.NewContext("mlx5_0")
	ctx.FailNext("alloc_pd", syscall.EPERM)

	peer, err := NewPeer(ctx)
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, syscall.EPERM, ProviderErrno(err))
	assert.Nil(t, peer)
}

func TestPeerLifecycle(t *testing.T) {
	fabric := fake.NewFabric()
	ctx := fabric.NewContext("mlx5_0")

	// Cycling peers must not leak provider handles.
	for i := 0; i < 100; i++ {
		peer, err := NewPeer(ctx)
		require.NoError(t, err)
		require.NoError(t, peer.Delete())
	}
	assert.Equal(t, 0, fabric.Handles())
}

func TestPeerDeleteWithLiveRegion(t *testing.T) {
	fabric := fake.NewFabric()
	peer, err := NewPeer(fabric.NewContext("mlx5_0"))
	require.NoError(t, err)

	mr, err := peer.RegisterMemory(make([]byte, 4096), UsageReadSrc, PlacementVolatile)
	require.NoError(t, err)

	err = peer.Delete()
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, syscall.EBUSY, ProviderErrno(err))

	// The failed delete leaves the peer usable: release the dependent
	// and retry.
	require.NoError(t, mr.Deregister())
	require.NoError(t, peer.Delete())
	assert.Equal(t, 0, fabric.Handles())
}

func TestPeerDeleteIdempotent(t *testing.T) {
	fabric := fake.NewFabric()
	peer, err := NewPeer(fabric.NewContext("mlx5_0"))
	require.NoError(t, err)

	require.NoError(t, peer.Delete())
	require.NoError(t, peer.Delete())
}
