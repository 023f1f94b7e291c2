package fake

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/yuuki/rpma-go/internal/verbs"
)

const eventChannelDepth = 64

// eventChannel is a fake connection-manager event channel.
type eventChannel struct {
	ctx *Context
	ch  chan verbs.Event

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newEventChannel(ctx *Context) *eventChannel {
	return &eventChannel{
		ctx:  ctx,
		ch:   make(chan verbs.Event, eventChannelDepth),
		done: make(chan struct{}),
	}
}

func (c *eventChannel) post(ev verbs.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	select {
	case c.ch <- ev:
	default:
		// Channel backlog exhausted; the event is lost like an
		// unacknowledged cm event would be.
	}
}

// Get implements verbs.EventChannel.
func (c *eventChannel) Get(ctx context.Context) (verbs.Event, error) {
	select {
	case ev := <-c.ch:
		return ev, nil
	case <-c.done:
		return verbs.Event{}, verbs.Errorf("rdma_get_cm_event", syscall.EBADF)
	case <-ctx.Done():
		return verbs.Event{}, ctx.Err()
	}
}

// Destroy implements verbs.EventChannel.
func (c *eventChannel) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return verbs.Errorf("rdma_destroy_event_channel", syscall.EINVAL)
	}
	c.closed = true
	close(c.done)
	c.ctx.fabric.dropHandle()
	return nil
}

// commID is a fake communication identifier.
type commID struct {
	ctx *Context

	mu           sync.Mutex
	evch         *eventChannel
	pd           *protDomain
	cq           *complQueue
	hasQP        bool
	peer         *commID
	dst          string
	listenKey    string
	connected    bool
	disconnected bool
	destroyed    bool
}

func (id *commID) channel() *eventChannel {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.evch
}

// ResolveAddr implements verbs.ID.
func (id *commID) ResolveAddr(addr, service string, timeout time.Duration) error {
	if errno, ok := id.ctx.takeFailure("resolve_addr"); ok {
		return verbs.Errorf("rdma_resolve_addr", errno)
	}
	id.mu.Lock()
	id.dst = addr + ":" + service
	ch := id.evch
	id.mu.Unlock()
	ch.post(verbs.Event{Type: verbs.EventAddrResolved, ID: id})
	return nil
}

// ResolveRoute implements verbs.ID.
func (id *commID) ResolveRoute(timeout time.Duration) error {
	if errno, ok := id.ctx.takeFailure("resolve_route"); ok {
		return verbs.Errorf("rdma_resolve_route", errno)
	}
	id.channel().post(verbs.Event{Type: verbs.EventRouteResolved, ID: id})
	return nil
}

// CreateQP implements verbs.ID.
func (id *commID) CreateQP(pd verbs.PD, cq verbs.CQ, sqSize, rqSize int) error {
	if errno, ok := id.ctx.takeFailure("create_qp"); ok {
		return verbs.Errorf("rdma_create_qp", errno)
	}
	fpd, ok := pd.(*protDomain)
	if !ok {
		return verbs.Errorf("rdma_create_qp", syscall.EINVAL)
	}
	fcq, ok := cq.(*complQueue)
	if !ok {
		return verbs.Errorf("rdma_create_qp", syscall.EINVAL)
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.hasQP {
		return verbs.Errorf("rdma_create_qp", syscall.EINVAL)
	}
	id.pd = fpd
	id.cq = fcq
	id.hasQP = true
	fpd.ref()
	return nil
}

// DestroyQP implements verbs.ID.
func (id *commID) DestroyQP() {
	id.mu.Lock()
	defer id.mu.Unlock()
	if !id.hasQP {
		return
	}
	id.hasQP = false
	id.pd.unref()
	id.pd = nil
	id.cq = nil
}

// Listen implements verbs.ID.
func (id *commID) Listen(addr, service string, backlog int) error {
	if errno, ok := id.ctx.takeFailure("listen"); ok {
		return verbs.Errorf("rdma_listen", errno)
	}
	key := addr + ":" + service
	if !id.ctx.fabric.addListener(key, id) {
		return verbs.Errorf("rdma_bind_addr", syscall.EADDRINUSE)
	}
	id.mu.Lock()
	id.listenKey = key
	id.mu.Unlock()
	return nil
}

// Migrate implements verbs.ID.
func (id *commID) Migrate(ch verbs.EventChannel) error {
	evch, ok := ch.(*eventChannel)
	if !ok {
		return verbs.Errorf("rdma_migrate_id", syscall.EINVAL)
	}
	id.mu.Lock()
	id.evch = evch
	id.mu.Unlock()
	return nil
}

// Connect implements verbs.ID.
func (id *commID) Connect(p *verbs.ConnParams) error {
	if errno, ok := id.ctx.takeFailure("connect"); ok {
		return verbs.Errorf("rdma_connect", errno)
	}
	id.mu.Lock()
	dst := id.dst
	ch := id.evch
	id.mu.Unlock()

	listener := id.ctx.fabric.lookupListener(dst)
	if listener == nil {
		ch.post(verbs.Event{Type: verbs.EventUnreachable, ID: id})
		return nil
	}

	child := &commID{ctx: listener.ctx, evch: listener.channel(), peer: id}
	child.ctx.fabric.addHandle()
	id.mu.Lock()
	id.peer = child
	id.mu.Unlock()

	var pdata []byte
	if p != nil && len(p.PrivateData) > 0 {
		pdata = append([]byte(nil), p.PrivateData...)
	}
	listener.channel().post(verbs.Event{Type: verbs.EventConnectRequest, ID: child, PrivateData: pdata})
	return nil
}

// Accept implements verbs.ID.
func (id *commID) Accept(p *verbs.ConnParams) error {
	if errno, ok := id.ctx.takeFailure("accept"); ok {
		return verbs.Errorf("rdma_accept", errno)
	}
	id.mu.Lock()
	peer := id.peer
	id.connected = true
	ch := id.evch
	id.mu.Unlock()
	if peer == nil {
		return verbs.Errorf("rdma_accept", syscall.EINVAL)
	}
	peer.mu.Lock()
	peer.connected = true
	peerCh := peer.evch
	peer.mu.Unlock()

	var pdata []byte
	if p != nil && len(p.PrivateData) > 0 {
		pdata = append([]byte(nil), p.PrivateData...)
	}
	peerCh.post(verbs.Event{Type: verbs.EventEstablished, ID: peer, PrivateData: pdata})
	ch.post(verbs.Event{Type: verbs.EventEstablished, ID: id})
	return nil
}

// Reject implements verbs.ID.
func (id *commID) Reject() error {
	if errno, ok := id.ctx.takeFailure("reject"); ok {
		return verbs.Errorf("rdma_reject", errno)
	}
	id.mu.Lock()
	peer := id.peer
	id.peer = nil
	id.mu.Unlock()
	if peer != nil {
		peer.channel().post(verbs.Event{Type: verbs.EventRejected, ID: peer})
	}
	return nil
}

// Disconnect implements verbs.ID.
func (id *commID) Disconnect() error {
	id.mu.Lock()
	if !id.connected || id.disconnected {
		id.mu.Unlock()
		return nil
	}
	id.disconnected = true
	peer := id.peer
	ch := id.evch
	cq := id.cq
	id.mu.Unlock()

	ch.post(verbs.Event{Type: verbs.EventDisconnected, ID: id})
	if cq != nil {
		cq.setDraining()
	}
	if peer != nil {
		peer.mu.Lock()
		already := peer.disconnected
		peer.disconnected = true
		peerCh := peer.evch
		peerCQ := peer.cq
		peer.mu.Unlock()
		if !already {
			peerCh.post(verbs.Event{Type: verbs.EventDisconnected, ID: peer})
			if peerCQ != nil {
				peerCQ.setDraining()
			}
		}
	}
	return nil
}

// PostRead implements verbs.ID. A read against a disconnected queue pair
// completes with a flush status; a connected read is executed immediately
// as a byte copy and completes in post order.
func (id *commID) PostRead(wrID uint64, localAddr uint64, lkey uint32, remoteAddr uint64, rkey uint32, length uint64, solicited bool) error {
	if errno, ok := id.ctx.takeFailure("post_read"); ok {
		return verbs.Errorf("ibv_post_send", errno)
	}
	id.mu.Lock()
	if id.destroyed || !id.hasQP {
		id.mu.Unlock()
		return verbs.Errorf("ibv_post_send", syscall.EINVAL)
	}
	cq := id.cq
	flushed := id.disconnected || !id.connected
	id.mu.Unlock()

	if flushed {
		cq.push(verbs.WorkCompletion{WRID: wrID, Opcode: verbs.OpcodeRead, Status: verbs.WCFlushErr})
		return nil
	}

	status := verbs.WCSuccess
	src := id.ctx.fabric.lookupRegion(rkey)
	dst := id.ctx.fabric.lookupRegion(lkey)
	if src == nil || dst == nil ||
		remoteAddr < src.base || remoteAddr+length > src.base+uint64(len(src.buf)) ||
		localAddr < dst.base || localAddr+length > dst.base+uint64(len(dst.buf)) {
		status = 10 // remote access error
	} else {
		copy(dst.buf[localAddr-dst.base:localAddr-dst.base+length], src.buf[remoteAddr-src.base:remoteAddr-src.base+length])
	}
	cq.push(verbs.WorkCompletion{WRID: wrID, Opcode: verbs.OpcodeRead, Status: status})
	return nil
}

// Destroy implements verbs.ID.
func (id *commID) Destroy() error {
	if errno, ok := id.ctx.takeFailure("destroy_id"); ok {
		return verbs.Errorf("rdma_destroy_id", errno)
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.destroyed {
		return verbs.Errorf("rdma_destroy_id", syscall.EINVAL)
	}
	id.destroyed = true
	if id.listenKey != "" {
		id.ctx.fabric.removeListener(id.listenKey)
		id.listenKey = ""
	}
	id.ctx.fabric.dropHandle()
	return nil
}
