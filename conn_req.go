package rpma

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rpma-go/internal/telemetry"
	"github.com/yuuki/rpma-go/internal/verbs"
)

const (
	// resolveTimeout bounds each of the address and route resolution
	// steps of an outgoing request.
	resolveTimeout = 2 * time.Second

	// defaultConnectTimeout bounds the wait for ESTABLISHED when the
	// connection configuration does not say otherwise.
	defaultConnectTimeout = time.Second

	defaultCQSize = 10
	defaultSQSize = 10
	defaultRQSize = 10

	// maxPrivateDataLen is the wire limit of the connect/accept
	// private-data blob.
	maxPrivateDataLen = 255
)

// ConnCfg parameterizes promoting a connection request into a connection.
// A nil ConnCfg means defaults.
type ConnCfg struct {
	// Timeout bounds the wait for the ESTABLISHED event.
	Timeout time.Duration
}

func (c *ConnCfg) timeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return defaultConnectTimeout
	}
	return c.Timeout
}

// ConnReq is a half-open connection: either a locally initiated outgoing
// attempt or a server-accepted incoming offer, before the queue pair is
// armed. It is terminated by exactly one of Connect or Delete and must
// not be used afterwards.
type ConnReq struct {
	peer     *Peer
	id       verbs.ID
	evch     verbs.EventChannel // owned for outgoing; the listener's for incoming
	cq       verbs.CQ
	incoming bool
	pdata    []byte // private data delivered with an incoming CONNECT_REQUEST

	mu     sync.Mutex
	closed bool
}

// NewConnReq creates an outgoing connection request to addr:service:
// resolves the address and route through the connection manager, then
// creates the request's completion queue and queue pair inside the Peer's
// protection domain. Any provider failure releases the partially acquired
// resources.
func (p *Peer) NewConnReq(ctx context.Context, addr, service string) (*ConnReq, error) {
	const op = "conn_req_new"
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

	if err := id.ResolveAddr(addr, service, resolveTimeout); err != nil {
		id.Destroy()
		evch.Destroy()
		return nil, errProvider(op, err)
	}
	if err := awaitEvent(ctx, evch, verbs.EventAddrResolved, op); err != nil {
		id.Destroy()
		evch.Destroy()
		return nil, err
	}
	if err := id.ResolveRoute(resolveTimeout); err != nil {
		id.Destroy()
		evch.Destroy()
		return nil, errProvider(op, err)
	}
	if err := awaitEvent(ctx, evch, verbs.EventRouteResolved, op); err != nil {
		id.Destroy()
		evch.Destroy()
		return nil, err
	}

	cq, err := p.ctx.CreateCQ(defaultCQSize)
	if err != nil {
		id.Destroy()
		evch.Destroy()
		return nil, errProvider(op, err)
	}
	if err := id.CreateQP(p.pd, cq, defaultSQSize, defaultRQSize); err != nil {
		cq.Destroy()
		id.Destroy()
		evch.Destroy()
		return nil, errProvider(op, err)
	}

	log.Debug().Str("addr", addr).Str("service", service).Msg("Created outgoing connection request")
	return &ConnReq{peer: p, id: id, evch: evch, cq: cq}, nil
}

// newIncomingConnReq wraps the identifier delivered by a listener's
// CONNECT_REQUEST event and arms it with a completion queue and queue
// pair against the Peer.
func newIncomingConnReq(p *Peer, ev verbs.Event) (*ConnReq, error) {
	const op = "ep_next_conn_req"
	cq, err := p.ctx.CreateCQ(defaultCQSize)
	if err != nil {
		ev.ID.Reject()
		ev.ID.Destroy()
		return nil, errProvider(op, err)
	}
	if err := ev.ID.CreateQP(p.pd, cq, defaultSQSize, defaultRQSize); err != nil {
		cq.Destroy()
		ev.ID.Reject()
		ev.ID.Destroy()
		return nil, errProvider(op, err)
	}
	var pdata []byte
	if len(ev.PrivateData) > 0 {
		pdata = append([]byte(nil), ev.PrivateData...)
	}
	return &ConnReq{peer: p, id: ev.ID, cq: cq, incoming: true, pdata: pdata}, nil
}

// Connect promotes the request into a connection: posts the connect
// (outgoing) or accept (incoming) with the supplied private-data blob and
// waits for the ESTABLISHED event. On success the request's identifier,
// queue pair and completion queue transfer into the returned Conn and the
// request is consumed. On failure the request is destroyed entirely; it is
// never observable half-connected.
func (r *ConnReq) Connect(ctx context.Context, cfg *ConnCfg, pdata []byte) (*Conn, error) {
	const op = "conn_req_connect"
	if r == nil {
		return nil, errInval(op, "nil connection request")
	}
	if len(pdata) > maxPrivateDataLen {
		return nil, errInval(op, "private data exceeds %d bytes", maxPrivateDataLen)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errInval(op, "connection request already terminated")
	}
	r.closed = true
	r.mu.Unlock()

	// The connection owns a dedicated event channel. An outgoing request
	// already carries one; an incoming identifier still reports to the
	// listener's channel and is migrated off it first.
	evch := r.evch
	var connCh verbs.EventChannel
	if r.incoming {
		ch, err := r.peer.ctx.CreateEventChannel()
		if err != nil {
			r.teardown(nil)
			return nil, errProvider(op, err)
		}
		if err := r.id.Migrate(ch); err != nil {
			r.teardown(ch)
			return nil, errProvider(op, err)
		}
		evch = ch
		connCh = ch
	}

	params := &verbs.ConnParams{PrivateData: pdata}
	var err error
	if r.incoming {
		err = r.id.Accept(params)
	} else {
		err = r.id.Connect(params)
	}
	if err != nil {
		r.teardown(connCh)
		return nil, errProvider(op, err)
	}

	tctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	ev, err := awaitEventValue(tctx, evch, verbs.EventEstablished, op)
	if err != nil {
		r.teardown(connCh)
		return nil, err
	}

	// Remote private data: an outgoing connect learns it from the
	// ESTABLISHED event; an incoming accept already cached it from the
	// CONNECT_REQUEST.
	remote := r.pdata
	if !r.incoming && len(ev.PrivateData) > 0 {
		remote = append([]byte(nil), ev.PrivateData...)
	}

	telemetry.ConnEstablished(ctx)
	log.Debug().Bool("incoming", r.incoming).Int("private_data_len", len(remote)).Msg("Connection established")
	return newConn(r.peer, r.id, evch, r.cq, remote), nil
}

// teardown releases everything the request owns after a failed Connect.
// extraCh is the per-connection event channel when one was already
// created for an incoming request.
func (r *ConnReq) teardown(extraCh verbs.EventChannel) {
	if r.incoming {
		r.id.Reject()
	}
	r.id.DestroyQP()
	if err := r.cq.Destroy(); err != nil {
		log.Warn().Err(err).Msg("Destroying request CQ failed during teardown")
	}
	if err := r.id.Destroy(); err != nil {
		log.Warn().Err(err).Msg("Destroying request identifier failed during teardown")
	}
	if !r.incoming {
		if err := r.evch.Destroy(); err != nil {
			log.Warn().Err(err).Msg("Destroying request event channel failed during teardown")
		}
	}
	if extraCh != nil {
		if err := extraCh.Destroy(); err != nil {
			log.Warn().Err(err).Msg("Destroying connection event channel failed during teardown")
		}
	}
}

// Delete terminates the request without connecting: an incoming request
// is rejected first, an outgoing one simply destroyed. The handle stays
// usable if the provider refuses any step.
func (r *ConnReq) Delete() error {
	const op = "conn_req_delete"
	if r == nil {
		return errInval(op, "nil connection request")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	var firstErr error
	if r.incoming {
		if err := r.id.Reject(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.id.DestroyQP()
	if err := r.cq.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.id.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if !r.incoming {
		if err := r.evch.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errProvider(op, firstErr)
	}
	r.closed = true
	return nil
}

// awaitEvent consumes events from evch until want arrives. Failure
// events abort with a provider error carrying the event code; anything
// else is logged and discarded.
func awaitEvent(ctx context.Context, evch verbs.EventChannel, want verbs.EventType, op string) error {
	_, err := awaitEventValue(ctx, evch, want, op)
	return err
}

func awaitEventValue(ctx context.Context, evch verbs.EventChannel, want verbs.EventType, op string) (verbs.Event, error) {
	for {
		ev, err := evch.Get(ctx)
		if err != nil {
			return verbs.Event{}, errProvider(op, err)
		}
		if ev.Type == want {
			return ev, nil
		}
		switch ev.Type {
		case verbs.EventAddrError, verbs.EventRouteError, verbs.EventConnectError,
			verbs.EventUnreachable, verbs.EventRejected, verbs.EventDeviceRemoval:
			return verbs.Event{}, errEvent(op, ev.Type)
		default:
			telemetry.CMEventDiscarded(ctx)
			log.Debug().Stringer("event", ev.Type).Stringer("want", want).Msg("Discarding intervening CM event")
		}
	}
}
