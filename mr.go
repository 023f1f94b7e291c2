package rpma

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// Usage is the permitted-usage bitmask of a memory region.
type Usage int

const (
	// UsageReadSrc permits the remote side to read from the region.
	UsageReadSrc Usage = 1 << iota
	// UsageReadDst permits local reads to land in the region.
	UsageReadDst

	usageAll = UsageReadSrc | UsageReadDst
)

// Placement is the placement hint of a registration. Only
// PlacementVolatile is currently defined; any other value is reserved and
// reported as not supported.
type Placement int

const (
	PlacementVolatile   Placement = 0
	PlacementPersistent Placement = 1
)

// DescriptorSize is the size of the wire descriptor of a local region.
const DescriptorSize = 24

// LocalMR wraps a buffer registered with a Peer's protection domain. The
// buffer stays owned by the caller and must not be freed or resized while
// the region is registered.
type LocalMR struct {
	peer  *Peer
	mr    verbs.MR
	usage Usage

	mu     sync.Mutex
	closed bool
}

// RegisterMemory registers buf with access flags derived from usage:
// UsageReadSrc grants remote-read permission, UsageReadDst grants the
// local-write permission reads into the buffer need.
func (p *Peer) RegisterMemory(buf []byte, usage Usage, placement Placement) (*LocalMR, error) {
	if p == nil {
		return nil, errInval("mr_reg", "nil peer")
	}
	if len(buf) == 0 {
		return nil, errInval("mr_reg", "zero-length buffer")
	}
	if usage == 0 || usage&^usageAll != 0 {
		return nil, errInval("mr_reg", "invalid usage bitmask %#x", int(usage))
	}
	if placement != PlacementVolatile {
		return nil, errNoSupp("mr_reg", "placement %d is reserved", int(placement))
	}
	if !p.alive() {
		return nil, errInval("mr_reg", "peer already deleted")
	}

	var access verbs.Access
	if usage&UsageReadSrc != 0 {
		access |= verbs.AccessRemoteRead
	}
	if usage&UsageReadDst != 0 {
		access |= verbs.AccessLocalWrite
	}

	mr, err := p.pd.Register(buf, access)
	if err != nil {
		return nil, errProvider("mr_reg", err)
	}
	log.Debug().
		Str("device", p.ctx.DeviceName()).
		Uint64("addr", mr.Addr()).
		Uint64("length", mr.Length()).
		Uint32("rkey", mr.RKey()).
		Msg("Registered memory region")
	return &LocalMR{peer: p, mr: mr, usage: usage}, nil
}

// Deregister removes the registration. The caller must guarantee that no
// outstanding work request still names this region; the library does not
// track posts per region. The handle stays usable if the provider refuses.
func (mr *LocalMR) Deregister() error {
	if mr == nil {
		return errInval("mr_dereg", "nil region")
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.closed {
		return errInval("mr_dereg", "region already deregistered")
	}
	if err := mr.mr.Deregister(); err != nil {
		return errProvider("mr_dereg", err)
	}
	mr.closed = true
	return nil
}

// Length returns the registered length in bytes.
func (mr *LocalMR) Length() int { return int(mr.mr.Length()) }

// Usage returns the permitted-usage bitmask.
func (mr *LocalMR) Usage() Usage { return mr.usage }

// Descriptor serializes the region into its fixed 24-byte little-endian
// wire form: virtual address (8), length (8), rkey (4), usage (1),
// reserved zeros (3). The blob is what a peer decodes into a RemoteMR,
// typically after receiving it as connect/accept private data.
func (mr *LocalMR) Descriptor() ([]byte, error) {
	if mr == nil {
		return nil, errInval("mr_get_descriptor", "nil region")
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.closed {
		return nil, errInval("mr_get_descriptor", "region already deregistered")
	}
	desc := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint64(desc[0:8], mr.mr.Addr())
	binary.LittleEndian.PutUint64(desc[8:16], mr.mr.Length())
	binary.LittleEndian.PutUint32(desc[16:20], mr.mr.RKey())
	desc[20] = byte(mr.usage)
	return desc, nil
}

// RemoteMR describes a peer's registered region: an addressable target
// for one-sided reads. It owns no provider resource.
type RemoteMR struct {
	raddr  uint64
	length uint64
	rkey   uint32
	usage  Usage
}

// DecodeDescriptor reconstructs a RemoteMR from the 24-byte wire
// descriptor produced by LocalMR.Descriptor on the other side.
func DecodeDescriptor(desc []byte) (*RemoteMR, error) {
	if len(desc) != DescriptorSize {
		return nil, errInval("mr_remote_from_descriptor", "descriptor must be %d bytes, got %d", DescriptorSize, len(desc))
	}
	if desc[21] != 0 || desc[22] != 0 || desc[23] != 0 {
		return nil, errInval("mr_remote_from_descriptor", "reserved descriptor bytes are not zero")
	}
	usage := Usage(desc[20])
	if usage == 0 || usage&^usageAll != 0 {
		return nil, errInval("mr_remote_from_descriptor", "invalid usage bitmask %#x", int(usage))
	}
	return &RemoteMR{
		raddr:  binary.LittleEndian.Uint64(desc[0:8]),
		length: binary.LittleEndian.Uint64(desc[8:16]),
		rkey:   binary.LittleEndian.Uint32(desc[16:20]),
		usage:  usage,
	}, nil
}

// Addr returns the remote virtual address of the region.
func (mr *RemoteMR) Addr() uint64 { return mr.raddr }

// Length returns the remote region length in bytes.
func (mr *RemoteMR) Length() int { return int(mr.length) }

// RKey returns the remote access key.
func (mr *RemoteMR) RKey() uint32 { return mr.rkey }

// Usage returns the permitted-usage bitmask the remote side granted.
func (mr *RemoteMR) Usage() Usage { return mr.usage }
