// Package fake is an in-process verbs provider. It joins queue pairs
// through Go channels and executes one-sided reads as byte copies, so the
// rpma core and applications built on it can run without RDMA hardware.
// Provider failures are injectable per operation for tests.
package fake

import (
	"sync"
	"syscall"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// Fabric is the process-wide switch connecting fake device contexts. A
// listener registered on one context is reachable from every other
// context of the same fabric.
type Fabric struct {
	mu        sync.Mutex
	listeners map[string]*commID
	regions   map[uint32]*memRegion
	nextKey   uint32
	nextBase  uint64
	handles   int
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		listeners: make(map[string]*commID),
		regions:   make(map[uint32]*memRegion),
		nextKey:   1,
		nextBase:  0x10000,
	}
}

// Handles returns the number of live provider handles (PDs, MRs, CQs,
// identifiers, event channels). Used by leak tests.
func (f *Fabric) Handles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles
}

func (f *Fabric) addHandle()  { f.mu.Lock(); f.handles++; f.mu.Unlock() }
func (f *Fabric) dropHandle() { f.mu.Lock(); f.handles--; f.mu.Unlock() }

func (f *Fabric) addListener(key string, id *commID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listeners[key]; ok {
		return false
	}
	f.listeners[key] = id
	return true
}

func (f *Fabric) removeListener(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, key)
}

func (f *Fabric) lookupListener(key string) *commID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[key]
}

func (f *Fabric) addRegion(r *memRegion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[r.key] = r
}

func (f *Fabric) removeRegion(key uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regions, key)
}

func (f *Fabric) lookupRegion(key uint32) *memRegion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regions[key]
}

func (f *Fabric) nextRegion(buf []byte) (uint32, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.nextKey
	base := f.nextBase
	f.nextKey++
	f.nextBase += uint64(len(buf)) + 0x1000
	return key, base
}

// Context is one fake device context on a fabric.
type Context struct {
	fabric *Fabric
	name   string

	mu   sync.Mutex
	fail map[string]syscall.Errno
}

// NewContext opens a fake device context named name.
func (f *Fabric) NewContext(name string) *Context {
	return &Context{
		fabric: f,
		name:   name,
		fail:   make(map[string]syscall.Errno),
	}
}

// FailNext makes the next call of op on this context fail with errno.
// Operation names follow the underlying provider calls: "alloc_pd",
// "dealloc_pd", "reg_mr", "dereg_mr", "create_cq", "destroy_cq",
// "create_qp", "resolve_addr", "destroy_id".
func (c *Context) FailNext(op string, errno syscall.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[op] = errno
}

func (c *Context) takeFailure(op string) (syscall.Errno, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	errno, ok := c.fail[op]
	if ok {
		delete(c.fail, op)
	}
	return errno, ok
}

// DeviceName implements verbs.Context.
func (c *Context) DeviceName() string { return c.name }

// AllocPD implements verbs.Context.
func (c *Context) AllocPD() (verbs.PD, error) {
	if errno, ok := c.takeFailure("alloc_pd"); ok {
		return nil, verbs.Errorf("ibv_alloc_pd", errno)
	}
	c.fabric.addHandle()
	return &protDomain{ctx: c}, nil
}

// CreateCQ implements verbs.Context.
func (c *Context) CreateCQ(size int) (verbs.CQ, error) {
	if errno, ok := c.takeFailure("create_cq"); ok {
		return nil, verbs.Errorf("ibv_create_cq", errno)
	}
	c.fabric.addHandle()
	return newComplQueue(c, size), nil
}

// CreateEventChannel implements verbs.Context.
func (c *Context) CreateEventChannel() (verbs.EventChannel, error) {
	if errno, ok := c.takeFailure("create_event_channel"); ok {
		return nil, verbs.Errorf("rdma_create_event_channel", errno)
	}
	c.fabric.addHandle()
	return newEventChannel(c), nil
}

// CreateID implements verbs.Context.
func (c *Context) CreateID(ch verbs.EventChannel) (verbs.ID, error) {
	evch, ok := ch.(*eventChannel)
	if !ok {
		return nil, verbs.Errorf("rdma_create_id", syscall.EINVAL)
	}
	if errno, ok := c.takeFailure("create_id"); ok {
		return nil, verbs.Errorf("rdma_create_id", errno)
	}
	c.fabric.addHandle()
	return &commID{ctx: c, evch: evch}, nil
}

// Close implements verbs.Context.
func (c *Context) Close() error { return nil }

// protDomain is a fake protection domain. Dealloc fails with EBUSY while
// registered regions or queue pairs still reference it, which is how the
// real provider enforces bottom-up teardown.
type protDomain struct {
	ctx *Context

	mu     sync.Mutex
	refs   int
	closed bool
}

func (p *protDomain) ref() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

func (p *protDomain) unref() {
	p.mu.Lock()
	p.refs--
	p.mu.Unlock()
}

// Register implements verbs.PD.
func (p *protDomain) Register(buf []byte, access verbs.Access) (verbs.MR, error) {
	if errno, ok := p.ctx.takeFailure("reg_mr"); ok {
		return nil, verbs.Errorf("ibv_reg_mr", errno)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, verbs.Errorf("ibv_reg_mr", syscall.EINVAL)
	}
	p.refs++
	p.mu.Unlock()

	key, base := p.ctx.fabric.nextRegion(buf)
	r := &memRegion{pd: p, buf: buf, base: base, key: key, access: access}
	p.ctx.fabric.addRegion(r)
	p.ctx.fabric.addHandle()
	return r, nil
}

// Dealloc implements verbs.PD.
func (p *protDomain) Dealloc() error {
	if errno, ok := p.ctx.takeFailure("dealloc_pd"); ok {
		return verbs.Errorf("ibv_dealloc_pd", errno)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return verbs.Errorf("ibv_dealloc_pd", syscall.EINVAL)
	}
	if p.refs > 0 {
		return verbs.Errorf("ibv_dealloc_pd", syscall.EBUSY)
	}
	p.closed = true
	p.ctx.fabric.dropHandle()
	return nil
}

// memRegion is a fake registered memory region.
type memRegion struct {
	pd     *protDomain
	buf    []byte
	base   uint64
	key    uint32
	access verbs.Access

	mu     sync.Mutex
	closed bool
}

func (r *memRegion) LKey() uint32   { return r.key }
func (r *memRegion) RKey() uint32   { return r.key }
func (r *memRegion) Addr() uint64   { return r.base }
func (r *memRegion) Length() uint64 { return uint64(len(r.buf)) }

// Deregister implements verbs.MR.
func (r *memRegion) Deregister() error {
	if errno, ok := r.pd.ctx.takeFailure("dereg_mr"); ok {
		return verbs.Errorf("ibv_dereg_mr", errno)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return verbs.Errorf("ibv_dereg_mr", syscall.EINVAL)
	}
	r.closed = true
	r.pd.ctx.fabric.removeRegion(r.key)
	r.pd.ctx.fabric.dropHandle()
	r.pd.unref()
	return nil
}
