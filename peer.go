package rpma

import (
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// Peer owns a protection domain bound to one device context and is the
// factory for every object derived from it. A Peer is safe for concurrent
// use; Delete requires that no memory region, connection request,
// connection or endpoint created from it is still alive.
type Peer struct {
	ctx verbs.Context
	pd  verbs.PD

	mu     sync.Mutex
	closed bool
}

// NewPeer creates a peer object on the given device context, allocating
// its protection domain.
func NewPeer(devCtx verbs.Context) (*Peer, error) {
	if devCtx == nil {
		return nil, errInval("peer_new", "nil device context")
	}
	pd, err := devCtx.AllocPD()
	if err != nil {
		perr := errProvider("peer_new", err)
		if perr.errno == syscall.ENOMEM {
			return nil, errNoMem("peer_new", "allocating a verbs protection domain failed")
		}
		return nil, perr
	}
	log.Debug().Str("device", devCtx.DeviceName()).Msg("Created peer")
	return &Peer{ctx: devCtx, pd: pd}, nil
}

// Delete tears down the protection domain. If the provider refuses,
// typically because dependents are still alive, the Peer stays usable so
// the caller can retry after releasing them.
func (p *Peer) Delete() error {
	if p == nil {
		return errInval("peer_delete", "nil peer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if err := p.pd.Dealloc(); err != nil {
		return errProvider("peer_delete", err)
	}
	p.closed = true
	log.Debug().Str("device", p.ctx.DeviceName()).Msg("Deleted peer")
	return nil
}

// alive reports whether the peer can still hand out resources.
func (p *Peer) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}
