//go:build !linux || !cgo

// Package ibv is the real verbs provider. This build lacks cgo or is not
// Linux, so device lookup reports ENOTSUP; the fake provider remains
// available for development and tests.
package ibv

import (
	"syscall"

	"github.com/yuuki/rpma-go/internal/verbs"
)

// OpenByAddress is unavailable without cgo on Linux.
func OpenByAddress(addr string) (verbs.Context, error) {
	return nil, verbs.Errorf("rdma_getaddrinfo", syscall.ENOTSUP)
}
