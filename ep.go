package rpma

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rpma-go/internal/telemetry"
	"github.com/yuuki/rpma-go/internal/verbs"
)

// listenBacklog is the connection-manager listen backlog.
const listenBacklog = 8

// Endpoint is a passive listener producing incoming connection requests.
// NextConnReq is single-consumer.
type Endpoint struct {
	peer *Peer
	id   verbs.ID
	evch verbs.EventChannel

	acceptMu sync.Mutex // enforces the single outstanding NextConnReq

	mu     sync.Mutex
	closed bool
}

// Listen creates an endpoint: an event channel, a listening identifier
// bound to addr:service, and the listen itself.
func (p *Peer) Listen(addr, service string) (*Endpoint, error) {
	const op = "ep_listen"
	if p == nil {
		return nil, errInval(op, "nil peer")
	}
	if addr == "" || service == "" {
		return nil, errInval(op, "empty address or service")
	}
	if !p.alive() {
		return nil, errInval(op, "peer already deleted")
	}

	evch, err := p.ctx.CreateEventChannel()
	if err != nil {
		return nil, errProvider(op, err)
	}
	id, err := p.ctx.CreateID(evch)
	if err != nil {
		evch.Destroy()
		return nil, errProvider(op, err)
	}
	if err := id.Listen(addr, service, listenBacklog); err != nil {
		id.Destroy()
		evch.Destroy()
		return nil, errProvider(op, err)
	}

	log.Info().Str("addr", addr).Str("service", service).Msg("Listening for incoming connections")
	return &Endpoint{peer: p, id: id, evch: evch}, nil
}

// NextConnReq blocks until the next CONNECT_REQUEST arrives and wraps it
// into an incoming connection request. Intervening events of other kinds
// are consumed and discarded. After Shutdown the call fails with a
// channel-closed provider error.
func (e *Endpoint) NextConnReq(ctx context.Context) (*ConnReq, error) {
	const op = "ep_next_conn_req"
	if e == nil {
		return nil, errInval(op, "nil endpoint")
	}
	e.acceptMu.Lock()
	defer e.acceptMu.Unlock()

	for {
		ev, err := e.evch.Get(ctx)
		if err != nil {
			return nil, errProvider(op, err)
		}
		if ev.Type == verbs.EventConnectRequest {
			return newIncomingConnReq(e.peer, ev)
		}
		telemetry.CMEventDiscarded(ctx)
		log.Debug().Stringer("event", ev.Type).Msg("Discarding non-request event on listener channel")
	}
}

// Shutdown stops listening and destroys the listening identifier and its
// event channel. Incoming requests already handed out are unaffected. The
// handle stays usable if the provider refuses a step.
func (e *Endpoint) Shutdown() error {
	const op = "ep_shutdown"
	if e == nil {
		return errInval(op, "nil endpoint")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}

	var firstErr error
	if err := e.id.Destroy(); err != nil {
		firstErr = err
	}
	if err := e.evch.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return errProvider(op, firstErr)
	}
	e.closed = true
	log.Info().Msg("Endpoint shut down")
	return nil
}
