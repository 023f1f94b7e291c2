package rpma

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rpma-go/internal/verbs/fake"
)

func testPeer(t *testing.T) *Peer {
	t.Helper()
	peer, err := NewPeer(fake.NewFabric().NewContext("mlx5_0"))
	require.NoError(t, err)
	return peer
}

func TestRegisterMemoryValidation(t *testing.T) {
	peer := testPeer(t)

	_, err := peer.RegisterMemory(nil, UsageReadSrc, PlacementVolatile)
	assert.ErrorIs(t, err, ErrInval, "zero-length buffer")

	_, err = peer.RegisterMemory(make([]byte, 64), 0, PlacementVolatile)
	assert.ErrorIs(t, err, ErrInval, "empty usage")

	_, err = peer.RegisterMemory(make([]byte, 64), Usage(1<<7), PlacementVolatile)
	assert.ErrorIs(t, err, ErrInval, "reserved usage bit")

	_, err = peer.RegisterMemory(make([]byte, 64), UsageReadSrc, PlacementPersistent)
	assert.ErrorIs(t, err, ErrNoSupp, "persistent placement is reserved")
}

func TestDescriptorRoundTrip(t *testing.T) {
	peer := testPeer(t)

	mr, err := peer.RegisterMemory(make([]byte, 8192), UsageReadSrc|UsageReadDst, PlacementVolatile)
	require.NoError(t, err)

	desc, err := mr.Descriptor()
	require.NoError(t, err)
	require.Len(t, desc, DescriptorSize)

	remote, err := DecodeDescriptor(desc)
	require.NoError(t, err)
	assert.Equal(t, 8192, remote.Length())
	assert.Equal(t, UsageReadSrc|UsageReadDst, remote.Usage())
	assert.NotZero(t, remote.Addr())
	assert.NotZero(t, remote.RKey())
}

func TestDecodeDescriptorValidation(t *testing.T) {
	_, err := DecodeDescriptor(make([]byte, 23))
	assert.ErrorIs(t, err, ErrInval, "short descriptor")

	_, err = DecodeDescriptor(make([]byte, 25))
	assert.ErrorIs(t, err, ErrInval, "long descriptor")

	desc := make([]byte, DescriptorSize)
	desc[20] = byte(UsageReadSrc)
	desc[22] = 0xFF
	_, err = DecodeDescriptor(desc)
	assert.ErrorIs(t, err, ErrInval, "non-zero reserved bytes")

	desc = make([]byte, DescriptorSize)
	_, err = DecodeDescriptor(desc)
	assert.ErrorIs(t, err, ErrInval, "empty usage")
}

func TestDeregisterKeepsHandleOnFailure(t *testing.T) {
	fabric := fake.NewFabric()
	ctx := fabric.NewContext("mlx5_0")
	peer, err := NewPeer(ctx)
	require.NoError(t, err)

	mr, err := peer.RegisterMemory(make([]byte, 64), UsageReadDst, PlacementVolatile)
	require.NoError(t, err)

	ctx.FailNext("dereg_mr", syscall.EAGAIN)
	err = mr.Deregister()
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, syscall.EAGAIN, ProviderErrno(err))

	// The handle survived the failure; the retry succeeds and the
	// second attempt after that is rejected.
	require.NoError(t, mr.Deregister())
	assert.ErrorIs(t, mr.Deregister(), ErrInval)
}

func TestDescriptorAfterDeregister(t *testing.T) {
	peer := testPeer(t)
	mr, err := peer.RegisterMemory(make([]byte, 64), UsageReadSrc, PlacementVolatile)
	require.NoError(t, err)
	require.NoError(t, mr.Deregister())

	_, err = mr.Descriptor()
	assert.ErrorIs(t, err, ErrInval)
}
