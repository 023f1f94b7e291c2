// Package verbs defines the provider interface the rpma package is built
// on: a narrow slice of the ibverbs/rdma_cm surface expressed as Go
// interfaces, so that the library core can run against the real cgo
// provider (verbs/ibv) or the in-process loopback fabric (verbs/fake).
package verbs

import (
	"context"
	"time"
)

// EventType identifies a connection-manager event.
type EventType int

const (
	EventAddrResolved EventType = iota
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventEstablished
	EventConnectError
	EventUnreachable
	EventRejected
	EventDisconnected
	EventDeviceRemoval
	EventTimewaitExit
)

// String returns the rdma_cm-style name of the event.
func (t EventType) String() string {
	switch t {
	case EventAddrResolved:
		return "ADDR_RESOLVED"
	case EventAddrError:
		return "ADDR_ERROR"
	case EventRouteResolved:
		return "ROUTE_RESOLVED"
	case EventRouteError:
		return "ROUTE_ERROR"
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventEstablished:
		return "ESTABLISHED"
	case EventConnectError:
		return "CONNECT_ERROR"
	case EventUnreachable:
		return "UNREACHABLE"
	case EventRejected:
		return "REJECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventDeviceRemoval:
		return "DEVICE_REMOVAL"
	case EventTimewaitExit:
		return "TIMEWAIT_EXIT"
	default:
		return "UNKNOWN"
	}
}

// Event is a single connection-manager event, copied out of the provider
// before the underlying event is acknowledged. For EventConnectRequest,
// ID is the newly created child identifier.
type Event struct {
	Type        EventType
	ID          ID
	PrivateData []byte
}

// Work-completion status values the core interprets. Anything else is
// passed through to the application verbatim.
const (
	WCSuccess  uint32 = 0
	WCFlushErr uint32 = 5
)

// Opcode identifies the operation a work completion belongs to.
type Opcode int

const (
	OpcodeRead Opcode = iota
)

// WorkCompletion is one entry polled from a completion queue.
type WorkCompletion struct {
	WRID   uint64
	Opcode Opcode
	Status uint32
}

// Access is the provider access-flag bitmask for memory registration.
type Access uint32

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteRead
)

// ConnParams parameterizes a connect, accept or reject.
type ConnParams struct {
	PrivateData []byte
}

// Context is an opened device context.
type Context interface {
	// DeviceName returns the provider device name, for logging.
	DeviceName() string
	AllocPD() (PD, error)
	CreateCQ(size int) (CQ, error)
	CreateEventChannel() (EventChannel, error)
	// CreateID creates a communication identifier whose events are
	// delivered to the given channel.
	CreateID(ch EventChannel) (ID, error)
	// Close releases the device context.
	Close() error
}

// PD is a protection domain.
type PD interface {
	// Register registers buf and returns the memory-region handle.
	// The caller keeps ownership of buf.
	Register(buf []byte, access Access) (MR, error)
	Dealloc() error
}

// MR is a registered memory region.
type MR interface {
	LKey() uint32
	RKey() uint32
	Addr() uint64
	Length() uint64
	Deregister() error
}

// CQ is a completion queue together with its completion channel.
type CQ interface {
	// Poll retrieves at most one completion. ok reports whether one
	// was available.
	Poll() (wc WorkCompletion, ok bool, err error)
	// Wait blocks until the completion channel is signaled, then
	// acknowledges the event and re-arms the notification. A destroyed
	// queue unblocks Wait with an EBADF-backed error.
	Wait(ctx context.Context) error
	Destroy() error
}

// EventChannel carries connection-manager events for one or more
// communication identifiers.
type EventChannel interface {
	// Get blocks until the next event is available. Destroying the
	// channel from another goroutine unblocks Get with an EBADF-backed
	// error; this is the sanctioned cancellation path.
	Get(ctx context.Context) (Event, error)
	Destroy() error
}

// ID is a communication identifier: the owner of the queue pair once
// CreateQP has been called.
type ID interface {
	// ResolveAddr initiates address resolution; the result arrives on
	// the identifier's event channel as ADDR_RESOLVED or ADDR_ERROR.
	ResolveAddr(addr, service string, timeout time.Duration) error
	// ResolveRoute initiates route resolution; the result arrives as
	// ROUTE_RESOLVED or ROUTE_ERROR.
	ResolveRoute(timeout time.Duration) error
	// CreateQP creates a reliable-connected queue pair inside pd, with
	// both send and receive completions directed at cq.
	CreateQP(pd PD, cq CQ, sqSize, rqSize int) error
	DestroyQP()
	// Listen binds addr:service and starts listening; connect requests
	// arrive on the identifier's event channel.
	Listen(addr, service string, backlog int) error
	// Migrate moves the identifier to another event channel.
	Migrate(ch EventChannel) error
	Connect(p *ConnParams) error
	Accept(p *ConnParams) error
	Reject() error
	Disconnect() error
	// PostRead posts a one-sided read of length bytes from
	// (remoteAddr, rkey) into the local region at localAddr.
	PostRead(wrID uint64, localAddr uint64, lkey uint32, remoteAddr uint64, rkey uint32, length uint64, solicited bool) error
	Destroy() error
}
