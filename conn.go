package rpma

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rpma-go/internal/telemetry"
	"github.com/yuuki/rpma-go/internal/verbs"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateEstablished State = iota
	StateCloseInitiatedLocal
	StateCloseInitiatedRemote
	StateClosed
	StateLost
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "Established"
	case StateCloseInitiatedLocal:
		return "CloseInitiatedLocal"
	case StateCloseInitiatedRemote:
		return "CloseInitiatedRemote"
	case StateClosed:
		return "Closed"
	case StateLost:
		return "Lost"
	default:
		return "Unknown"
	}
}

// ConnEvent is a lifecycle event delivered by NextEvent.
type ConnEvent int

const (
	ConnUndefined ConnEvent = iota
	ConnEstablished
	ConnClosed
	ConnLost
)

// Conn is a live queue pair with its dedicated completion queue. It is
// created by ConnReq.Connect, which transfers the request's identifier,
// queue pair and completion queue into it. PostRead is safe from multiple
// goroutines; NextEvent and NextCompletion are single-consumer.
type Conn struct {
	peer  *Peer
	id    verbs.ID
	evch  verbs.EventChannel
	cq    verbs.CQ
	pdata []byte

	postMu sync.Mutex // serializes queue-pair posts

	mu     sync.Mutex // guards state and closed
	state  State
	closed bool
}

func newConn(p *Peer, id verbs.ID, evch verbs.EventChannel, cq verbs.CQ, pdata []byte) *Conn {
	return &Conn{peer: p, id: id, evch: evch, cq: cq, pdata: pdata, state: StateEstablished}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PrivateData returns the private-data blob the remote side supplied in
// the connect/accept handshake, captured when the connection was
// established. The buffer is owned by the connection and valid until it
// is deleted.
func (c *Conn) PrivateData() []byte { return c.pdata }

// NextEvent blocks for the next connection-manager event and maps it to
// ConnClosed or ConnLost, advancing the state machine. Connect has
// already consumed the ESTABLISHED event, so a further one is a duplicate
// and NextEvent never returns ConnEstablished. Unknown and duplicate
// events are swallowed. There is no internal
// timeout; destroying the event channel from another goroutine (or
// deleting the connection) unblocks the call with a provider error and
// records the connection as lost.
func (c *Conn) NextEvent(ctx context.Context) (ConnEvent, error) {
	const op = "conn_next_event"
	if c == nil {
		return ConnUndefined, errInval(op, "nil connection")
	}
	for {
		ev, err := c.evch.Get(ctx)
		if err != nil {
			c.mu.Lock()
			if c.state != StateClosed {
				c.state = StateLost
			}
			c.mu.Unlock()
			return ConnUndefined, errProvider(op, err)
		}

		c.mu.Lock()
		switch ev.Type {
		case verbs.EventEstablished:
			// Duplicate; the state machine entered Established when
			// Connect observed the first one.
			c.mu.Unlock()
			log.Debug().Msg("Swallowing duplicate ESTABLISHED event")

		case verbs.EventDisconnected:
			if c.state == StateClosed || c.state == StateLost {
				c.mu.Unlock()
				log.Debug().Msg("Swallowing duplicate DISCONNECTED event")
				continue
			}
			// Established passes through CloseInitiatedRemote on its
			// way out; the event delivery completes the close either
			// way, so Closed is returned exactly once.
			c.state = StateClosed
			c.mu.Unlock()
			return ConnClosed, nil

		case verbs.EventConnectError, verbs.EventUnreachable, verbs.EventDeviceRemoval:
			c.state = StateLost
			c.mu.Unlock()
			return ConnLost, errEvent(op, ev.Type)

		default:
			c.mu.Unlock()
			telemetry.CMEventDiscarded(ctx)
			log.Debug().Stringer("event", ev.Type).Msg("Discarding unexpected CM event")
		}
	}
}

// Disconnect posts a disconnect on the identifier. It may be called from
// any goroutine at any time and is idempotent in effect: once the state
// has reached Closed or Lost it is a no-op returning success.
func (c *Conn) Disconnect() error {
	const op = "conn_disconnect"
	if c == nil {
		return errInval(op, "nil connection")
	}
	c.mu.Lock()
	if c.closed || c.state == StateClosed || c.state == StateLost || c.state == StateCloseInitiatedLocal {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateEstablished {
		c.state = StateCloseInitiatedLocal
	}
	c.mu.Unlock()

	if err := c.id.Disconnect(); err != nil {
		return errProvider(op, err)
	}
	return nil
}

// PostRead posts a one-sided read of length bytes from src at srcOff into
// dst at dstOff. opContext is stored in the work-request id and returned
// verbatim in the matching completion. With WaitForCompletion the request
// is posted solicited. Offsets, lengths and region permissions are
// validated before anything is posted.
func (c *Conn) PostRead(opContext uint64, dst *LocalMR, dstOff int, src *RemoteMR, srcOff int, length int, flags Flags) error {
	const op = "read"
	if c == nil {
		return errInval(op, "nil connection")
	}
	if dst == nil || src == nil {
		return errInval(op, "nil memory region")
	}
	if length <= 0 || dstOff < 0 || srcOff < 0 {
		return errInval(op, "negative or zero offset/length")
	}
	if dstOff+length > dst.Length() {
		return errInval(op, "destination range [%d, %d) exceeds region length %d", dstOff, dstOff+length, dst.Length())
	}
	if srcOff+length > src.Length() {
		return errInval(op, "source range [%d, %d) exceeds region length %d", srcOff, srcOff+length, src.Length())
	}
	if dst.Usage()&UsageReadDst == 0 {
		return errInval(op, "destination region does not permit READ_DST")
	}
	if src.Usage()&UsageReadSrc == 0 {
		return errInval(op, "source region does not permit READ_SRC")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errInval(op, "connection already deleted")
	}
	c.mu.Unlock()

	solicited := flags&WaitForCompletion != 0

	c.postMu.Lock()
	err := c.id.PostRead(
		opContext,
		dst.mr.Addr()+uint64(dstOff), dst.mr.LKey(),
		src.Addr()+uint64(srcOff), src.RKey(),
		uint64(length), solicited,
	)
	c.postMu.Unlock()
	if err != nil {
		return errProvider(op, err)
	}
	telemetry.ReadPosted(context.Background())
	return nil
}

// NextCompletion retrieves the next operation completion: it polls the
// completion queue once and, if nothing is there, blocks on the
// completion-channel notification, re-arms it and polls again. At most
// one goroutine may call it at a time. After a disconnect it drains the
// tail of flush completions before failing with a channel-closed
// provider error.
func (c *Conn) NextCompletion(ctx context.Context) (Completion, error) {
	const op = "conn_next_completion"
	if c == nil {
		return Completion{}, errInval(op, "nil connection")
	}
	for {
		wc, ok, err := c.cq.Poll()
		if err != nil {
			return Completion{}, errProvider(op, err)
		}
		if ok {
			telemetry.CompletionDelivered(ctx)
			return Completion{
				OpContext: wc.WRID,
				Op:        OpRead,
				Status:    Status(wc.Status),
			}, nil
		}
		if err := c.cq.Wait(ctx); err != nil {
			return Completion{}, errProvider(op, err)
		}
	}
}

// Delete tears the connection down: queue pair, completion queue,
// identifier and event channel, in that order. The handle is invalidated
// on success and on failure alike, so a partially destroyed connection
// cannot be deleted twice.
func (c *Conn) Delete() error {
	const op = "conn_delete"
	if c == nil {
		return errInval(op, "nil connection")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	c.id.DestroyQP()
	if err := c.cq.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.id.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.evch.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return errProvider(op, firstErr)
	}
	log.Debug().Msg("Deleted connection")
	return nil
}
