//go:build linux && cgo

// Package ibv is the real verbs provider: cgo bindings over libibverbs
// and librdmacm at the granularity the rpma core drives them.
package ibv

// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <infiniband/verbs.h>
// #include <rdma/rdma_cma.h>
//
// static int get_errno(void) {
//     return errno;
// }
//
// // Helper to resolve an address string into rdma_addrinfo. The caller
// // frees the result with rdma_freeaddrinfo.
// static int addrinfo(const char *node, const char *service, int passive, struct rdma_addrinfo **res) {
//     struct rdma_addrinfo hints;
//     memset(&hints, 0, sizeof(hints));
//     hints.ai_port_space = RDMA_PS_TCP;
//     if (passive)
//         hints.ai_flags = RAI_PASSIVE;
//     return rdma_getaddrinfo(node, service, &hints, res);
// }
import "C"

import (
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// errnoErr captures the current C errno into a SysError for op.
func errnoErr(op string) *verbs.SysError {
	return verbs.Errorf(op, syscall.Errno(C.get_errno()))
}

// Context wraps an opened ibv device context. It is obtained through
// OpenByAddress and borrowed by every object created from it.
type Context struct {
	ctx  *C.struct_ibv_context
	name string
}

// OpenByAddress obtains the device context serving the given local
// IPv4/IPv6 address: a temporary identifier is bound to the address and
// the verbs context it lands on is kept.
func OpenByAddress(addr string) (verbs.Context, error) {
	cAddr := C.CString(addr)
	defer C.free(unsafe.Pointer(cAddr))

	var res *C.struct_rdma_addrinfo
	if ret := C.addrinfo(cAddr, nil, 1, &res); ret != 0 {
		return nil, errnoErr("rdma_getaddrinfo")
	}
	defer C.rdma_freeaddrinfo(res)

	var id *C.struct_rdma_cm_id
	if ret := C.rdma_create_id(nil, &id, nil, C.RDMA_PS_TCP); ret != 0 {
		return nil, errnoErr("rdma_create_id")
	}
	if ret := C.rdma_bind_addr(id, res.ai_src_addr); ret != 0 {
		err := errnoErr("rdma_bind_addr")
		C.rdma_destroy_id(id)
		return nil, err
	}
	if id.verbs == nil {
		C.rdma_destroy_id(id)
		return nil, verbs.Errorf("rdma_bind_addr", unix.ENODEV)
	}

	ctx := &Context{ctx: id.verbs, name: C.GoString(C.ibv_get_device_name(id.verbs.device))}
	// The identifier only served to find the device; the context
	// outlives it.
	C.rdma_destroy_id(id)
	log.Debug().Str("device", ctx.name).Str("addr", addr).Msg("Opened RDMA device by address")
	return ctx, nil
}

// DeviceName implements verbs.Context.
func (c *Context) DeviceName() string { return c.name }

// AllocPD implements verbs.Context.
func (c *Context) AllocPD() (verbs.PD, error) {
	pd := C.ibv_alloc_pd(c.ctx)
	if pd == nil {
		return nil, errnoErr("ibv_alloc_pd")
	}
	return &protDomain{pd: pd}, nil
}

// Close implements verbs.Context.
func (c *Context) Close() error {
	// The context belongs to the rdma_cm device table; nothing to free.
	return nil
}

// protDomain wraps an allocated ibv protection domain.
type protDomain struct {
	pd *C.struct_ibv_pd
}

// Register implements verbs.PD.
func (p *protDomain) Register(buf []byte, access verbs.Access) (verbs.MR, error) {
	if len(buf) == 0 {
		return nil, verbs.Errorf("ibv_reg_mr", unix.EINVAL)
	}
	var flags C.int
	if access&verbs.AccessLocalWrite != 0 {
		flags |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if access&verbs.AccessRemoteRead != 0 {
		flags |= C.IBV_ACCESS_REMOTE_READ
	}
	mr := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), flags)
	if mr == nil {
		return nil, errnoErr("ibv_reg_mr")
	}
	return &memRegion{mr: mr}, nil
}

// Dealloc implements verbs.PD.
func (p *protDomain) Dealloc() error {
	if ret := C.ibv_dealloc_pd(p.pd); ret != 0 {
		return verbs.Errorf("ibv_dealloc_pd", syscall.Errno(ret))
	}
	return nil
}

// memRegion wraps a registered ibv memory region.
type memRegion struct {
	mr *C.struct_ibv_mr
}

func (r *memRegion) LKey() uint32   { return uint32(r.mr.lkey) }
func (r *memRegion) RKey() uint32   { return uint32(r.mr.rkey) }
func (r *memRegion) Addr() uint64   { return uint64(uintptr(r.mr.addr)) }
func (r *memRegion) Length() uint64 { return uint64(r.mr.length) }

// Deregister implements verbs.MR.
func (r *memRegion) Deregister() error {
	if ret := C.ibv_dereg_mr(r.mr); ret != 0 {
		return verbs.Errorf("ibv_dereg_mr", syscall.Errno(ret))
	}
	return nil
}
