//go:build linux && cgo

package ibv

// #include <errno.h>
// #include <infiniband/verbs.h>
//
// // Helper to poll a single work completion without Go pointers in the
// // work-completion array.
// static int poll_one(struct ibv_cq *cq, uint64_t *wr_id, int *status, int *opcode) {
//     struct ibv_wc wc;
//     int ne = ibv_poll_cq(cq, 1, &wc);
//     if (ne <= 0)
//         return ne;
//     *wr_id = wc.wr_id;
//     *status = wc.status;
//     *opcode = wc.opcode;
//     return ne;
// }
import "C"

import (
	"context"
	"syscall"
	"unsafe"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// complQueue wraps an ibv completion queue and its completion channel.
type complQueue struct {
	cq *C.struct_ibv_cq
	ch *C.struct_ibv_comp_channel
}

// CreateCQ implements verbs.Context.
func (c *Context) CreateCQ(size int) (verbs.CQ, error) {
	ch := C.ibv_create_comp_channel(c.ctx)
	if ch == nil {
		return nil, errnoErr("ibv_create_comp_channel")
	}
	cq := C.ibv_create_cq(c.ctx, C.int(size), nil, ch, 0)
	if cq == nil {
		err := errnoErr("ibv_create_cq")
		C.ibv_destroy_comp_channel(ch)
		return nil, err
	}
	if ret := C.ibv_req_notify_cq(cq, 0); ret != 0 {
		C.ibv_destroy_cq(cq)
		C.ibv_destroy_comp_channel(ch)
		return nil, verbs.Errorf("ibv_req_notify_cq", syscall.Errno(ret))
	}
	return &complQueue{cq: cq, ch: ch}, nil
}

// Poll implements verbs.CQ.
func (q *complQueue) Poll() (verbs.WorkCompletion, bool, error) {
	var wrID C.uint64_t
	var status, opcode C.int
	ne := C.poll_one(q.cq, &wrID, &status, &opcode)
	if ne < 0 {
		return verbs.WorkCompletion{}, false, verbs.Errorf("ibv_poll_cq", syscall.Errno(-ne))
	}
	if ne == 0 {
		return verbs.WorkCompletion{}, false, nil
	}
	wc := verbs.WorkCompletion{
		WRID:   uint64(wrID),
		Status: uint32(status),
	}
	if opcode == C.IBV_WC_RDMA_READ {
		wc.Opcode = verbs.OpcodeRead
	}
	return wc, true, nil
}

// Wait implements verbs.CQ. It blocks in ibv_get_cq_event; destroying
// the completion channel from another goroutine is the only way to
// unblock it early, so ctx is consulted only before blocking.
func (q *complQueue) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var evCQ *C.struct_ibv_cq
	var evCtx unsafe.Pointer
	if ret := C.ibv_get_cq_event(q.ch, &evCQ, &evCtx); ret != 0 {
		return errnoErr("ibv_get_cq_event")
	}
	C.ibv_ack_cq_events(evCQ, 1)
	if ret := C.ibv_req_notify_cq(q.cq, 0); ret != 0 {
		return verbs.Errorf("ibv_req_notify_cq", syscall.Errno(ret))
	}
	return nil
}

// Destroy implements verbs.CQ.
func (q *complQueue) Destroy() error {
	var firstErr error
	if ret := C.ibv_destroy_cq(q.cq); ret != 0 {
		firstErr = verbs.Errorf("ibv_destroy_cq", syscall.Errno(ret))
	}
	if ret := C.ibv_destroy_comp_channel(q.ch); ret != 0 && firstErr == nil {
		firstErr = verbs.Errorf("ibv_destroy_comp_channel", syscall.Errno(ret))
	}
	return firstErr
}
