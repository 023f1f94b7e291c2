package rpma

import (
	"github.com/yuuki/rpma-go/internal/verbs"
	"github.com/yuuki/rpma-go/internal/verbs/ibv"
)

// GetDeviceContext obtains an RDMA device context by a local IPv4/IPv6
// address, using the TCP RDMA port space (reliable, connection-oriented
// queue pairs). The returned context is what NewPeer binds a protection
// domain to.
func GetDeviceContext(addr string) (verbs.Context, error) {
	const op = "utils_get_ibv_context"
	if addr == "" {
		return nil, errInval(op, "empty address")
	}
	ctx, err := ibv.OpenByAddress(addr)
	if err != nil {
		return nil, errProvider(op, err)
	}
	return ctx, nil
}
