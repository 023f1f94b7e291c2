//go:build linux && cgo

package ibv

// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <infiniband/verbs.h>
// #include <rdma/rdma_cma.h>
//
// // Helpers below keep union accesses and nested-struct writes on the C
// // side, away from cgo's union representation and pointer rules.
//
// static int addrinfo(const char *node, const char *service, int passive, struct rdma_addrinfo **res) {
//     struct rdma_addrinfo hints;
//     memset(&hints, 0, sizeof(hints));
//     hints.ai_port_space = RDMA_PS_TCP;
//     if (passive)
//         hints.ai_flags = RAI_PASSIVE;
//     return rdma_getaddrinfo(node, service, &hints, res);
// }
//
// static const void *event_private_data(struct rdma_cm_event *ev, uint8_t *len) {
//     *len = ev->param.conn.private_data_len;
//     return ev->param.conn.private_data;
// }
//
// static void set_conn_param(struct rdma_conn_param *p, const void *pdata, uint8_t len) {
//     memset(p, 0, sizeof(*p));
//     p->private_data = pdata;
//     p->private_data_len = len;
//     p->responder_resources = 1;
//     p->initiator_depth = 1;
//     p->retry_count = 7;
//     p->rnr_retry_count = 7;
// }
//
// static int post_read_wr(struct ibv_qp *qp, uint64_t wr_id, uint64_t laddr, uint32_t lkey,
//                         uint64_t raddr, uint32_t rkey, uint32_t length, int solicited) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = laddr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = IBV_WR_RDMA_READ;
//     wr.send_flags = IBV_SEND_SIGNALED;
//     if (solicited)
//         wr.send_flags |= IBV_SEND_SOLICITED;
//     wr.wr.rdma.remote_addr = raddr;
//     wr.wr.rdma.rkey = rkey;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
import "C"

import (
	"context"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// eventChannel wraps an rdma_cm event channel.
type eventChannel struct {
	ch *C.struct_rdma_event_channel
}

// CreateEventChannel implements verbs.Context.
func (c *Context) CreateEventChannel() (verbs.EventChannel, error) {
	ch := C.rdma_create_event_channel()
	if ch == nil {
		return nil, errnoErr("rdma_create_event_channel")
	}
	return &eventChannel{ch: ch}, nil
}

func mapEventType(t C.enum_rdma_cm_event_type) (verbs.EventType, bool) {
	switch t {
	case C.RDMA_CM_EVENT_ADDR_RESOLVED:
		return verbs.EventAddrResolved, true
	case C.RDMA_CM_EVENT_ADDR_ERROR:
		return verbs.EventAddrError, true
	case C.RDMA_CM_EVENT_ROUTE_RESOLVED:
		return verbs.EventRouteResolved, true
	case C.RDMA_CM_EVENT_ROUTE_ERROR:
		return verbs.EventRouteError, true
	case C.RDMA_CM_EVENT_CONNECT_REQUEST:
		return verbs.EventConnectRequest, true
	case C.RDMA_CM_EVENT_ESTABLISHED:
		return verbs.EventEstablished, true
	case C.RDMA_CM_EVENT_CONNECT_ERROR:
		return verbs.EventConnectError, true
	case C.RDMA_CM_EVENT_UNREACHABLE:
		return verbs.EventUnreachable, true
	case C.RDMA_CM_EVENT_REJECTED:
		return verbs.EventRejected, true
	case C.RDMA_CM_EVENT_DISCONNECTED:
		return verbs.EventDisconnected, true
	case C.RDMA_CM_EVENT_DEVICE_REMOVAL:
		return verbs.EventDeviceRemoval, true
	case C.RDMA_CM_EVENT_TIMEWAIT_EXIT:
		return verbs.EventTimewaitExit, true
	default:
		return 0, false
	}
}

// Get implements verbs.EventChannel. It blocks in rdma_get_cm_event; the
// event is copied out and acknowledged before returning, so the caller
// never holds provider-owned memory. Destroying the channel from another
// goroutine is the cancellation path, so ctx is consulted only before
// blocking.
func (e *eventChannel) Get(ctx context.Context) (verbs.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return verbs.Event{}, err
		}
		var cev *C.struct_rdma_cm_event
		if ret := C.rdma_get_cm_event(e.ch, &cev); ret != 0 {
			return verbs.Event{}, errnoErr("rdma_get_cm_event")
		}

		t, known := mapEventType(cev.event)
		if !known {
			log.Debug().Int("event", int(cev.event)).Msg("Ignoring unknown CM event type")
			C.rdma_ack_cm_event(cev)
			continue
		}

		ev := verbs.Event{Type: t}
		var pdataLen C.uint8_t
		if pdata := C.event_private_data(cev, &pdataLen); pdata != nil && pdataLen > 0 {
			ev.PrivateData = C.GoBytes(unsafe.Pointer(pdata), C.int(pdataLen))
		}
		ev.ID = &commID{id: cev.id, evch: e}
		C.rdma_ack_cm_event(cev)
		return ev, nil
	}
}

// Destroy implements verbs.EventChannel.
func (e *eventChannel) Destroy() error {
	C.rdma_destroy_event_channel(e.ch)
	return nil
}

// commID wraps an rdma_cm communication identifier.
type commID struct {
	id   *C.struct_rdma_cm_id
	evch *eventChannel
}

// CreateID implements verbs.Context.
func (c *Context) CreateID(ch verbs.EventChannel) (verbs.ID, error) {
	evch, ok := ch.(*eventChannel)
	if !ok {
		return nil, verbs.Errorf("rdma_create_id", unix.EINVAL)
	}
	var id *C.struct_rdma_cm_id
	if ret := C.rdma_create_id(evch.ch, &id, nil, C.RDMA_PS_TCP); ret != 0 {
		return nil, errnoErr("rdma_create_id")
	}
	return &commID{id: id, evch: evch}, nil
}

// ResolveAddr implements verbs.ID.
func (i *commID) ResolveAddr(addr, service string, timeout time.Duration) error {
	cAddr := C.CString(addr)
	defer C.free(unsafe.Pointer(cAddr))
	cService := C.CString(service)
	defer C.free(unsafe.Pointer(cService))

	var res *C.struct_rdma_addrinfo
	if ret := C.addrinfo(cAddr, cService, 0, &res); ret != 0 {
		return errnoErr("rdma_getaddrinfo")
	}
	defer C.rdma_freeaddrinfo(res)

	if ret := C.rdma_resolve_addr(i.id, res.ai_src_addr, res.ai_dst_addr, C.int(timeout.Milliseconds())); ret != 0 {
		return errnoErr("rdma_resolve_addr")
	}
	return nil
}

// ResolveRoute implements verbs.ID.
func (i *commID) ResolveRoute(timeout time.Duration) error {
	if ret := C.rdma_resolve_route(i.id, C.int(timeout.Milliseconds())); ret != 0 {
		return errnoErr("rdma_resolve_route")
	}
	return nil
}

// CreateQP implements verbs.ID.
func (i *commID) CreateQP(pd verbs.PD, cq verbs.CQ, sqSize, rqSize int) error {
	ipd, ok := pd.(*protDomain)
	if !ok {
		return verbs.Errorf("rdma_create_qp", unix.EINVAL)
	}
	icq, ok := cq.(*complQueue)
	if !ok {
		return verbs.Errorf("rdma_create_qp", unix.EINVAL)
	}

	var attr C.struct_ibv_qp_init_attr
	attr.qp_type = C.IBV_QPT_RC
	attr.send_cq = icq.cq
	attr.recv_cq = icq.cq
	attr.cap.max_send_wr = C.uint32_t(sqSize)
	attr.cap.max_recv_wr = C.uint32_t(rqSize)
	attr.cap.max_send_sge = 1
	attr.cap.max_recv_sge = 1

	if ret := C.rdma_create_qp(i.id, ipd.pd, &attr); ret != 0 {
		return errnoErr("rdma_create_qp")
	}
	return nil
}

// DestroyQP implements verbs.ID.
func (i *commID) DestroyQP() {
	C.rdma_destroy_qp(i.id)
}

// Listen implements verbs.ID.
func (i *commID) Listen(addr, service string, backlog int) error {
	cAddr := C.CString(addr)
	defer C.free(unsafe.Pointer(cAddr))
	cService := C.CString(service)
	defer C.free(unsafe.Pointer(cService))

	var res *C.struct_rdma_addrinfo
	if ret := C.addrinfo(cAddr, cService, 1, &res); ret != 0 {
		return errnoErr("rdma_getaddrinfo")
	}
	defer C.rdma_freeaddrinfo(res)

	if ret := C.rdma_bind_addr(i.id, res.ai_src_addr); ret != 0 {
		return errnoErr("rdma_bind_addr")
	}
	if ret := C.rdma_listen(i.id, C.int(backlog)); ret != 0 {
		return errnoErr("rdma_listen")
	}
	return nil
}

// Migrate implements verbs.ID.
func (i *commID) Migrate(ch verbs.EventChannel) error {
	evch, ok := ch.(*eventChannel)
	if !ok {
		return verbs.Errorf("rdma_migrate_id", unix.EINVAL)
	}
	if ret := C.rdma_migrate_id(i.id, evch.ch); ret != 0 {
		return errnoErr("rdma_migrate_id")
	}
	i.evch = evch
	return nil
}

// connParam builds the rdma_conn_param for connect/accept. The private
// data is copied into C memory for the duration of the call.
func connParam(p *verbs.ConnParams) (C.struct_rdma_conn_param, unsafe.Pointer) {
	var param C.struct_rdma_conn_param
	var pdata unsafe.Pointer
	var pdataLen C.uint8_t
	if p != nil && len(p.PrivateData) > 0 {
		pdata = C.CBytes(p.PrivateData)
		pdataLen = C.uint8_t(len(p.PrivateData))
	}
	C.set_conn_param(&param, pdata, pdataLen)
	return param, pdata
}

// Connect implements verbs.ID.
func (i *commID) Connect(p *verbs.ConnParams) error {
	param, pdata := connParam(p)
	if pdata != nil {
		defer C.free(pdata)
	}
	if ret := C.rdma_connect(i.id, &param); ret != 0 {
		return errnoErr("rdma_connect")
	}
	return nil
}

// Accept implements verbs.ID.
func (i *commID) Accept(p *verbs.ConnParams) error {
	param, pdata := connParam(p)
	if pdata != nil {
		defer C.free(pdata)
	}
	if ret := C.rdma_accept(i.id, &param); ret != 0 {
		return errnoErr("rdma_accept")
	}
	return nil
}

// Reject implements verbs.ID.
func (i *commID) Reject() error {
	if ret := C.rdma_reject(i.id, nil, 0); ret != 0 {
		return errnoErr("rdma_reject")
	}
	return nil
}

// Disconnect implements verbs.ID.
func (i *commID) Disconnect() error {
	if ret := C.rdma_disconnect(i.id); ret != 0 {
		return errnoErr("rdma_disconnect")
	}
	return nil
}

// PostRead implements verbs.ID.
func (i *commID) PostRead(wrID uint64, localAddr uint64, lkey uint32, remoteAddr uint64, rkey uint32, length uint64, solicited bool) error {
	var sol C.int
	if solicited {
		sol = 1
	}
	if ret := C.post_read_wr(i.id.qp, C.uint64_t(wrID),
		C.uint64_t(localAddr), C.uint32_t(lkey),
		C.uint64_t(remoteAddr), C.uint32_t(rkey),
		C.uint32_t(length), sol); ret != 0 {
		return verbs.Errorf("ibv_post_send", syscall.Errno(ret))
	}
	return nil
}

// Destroy implements verbs.ID.
func (i *commID) Destroy() error {
	if ret := C.rdma_destroy_id(i.id); ret != 0 {
		return errnoErr("rdma_destroy_id")
	}
	return nil
}
