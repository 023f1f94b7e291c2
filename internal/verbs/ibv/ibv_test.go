package ibv

import (
	"os"
	"testing"
)

// TestOpenByAddressEnvironment exercises device lookup against real
// hardware. It is skipped in CI and wherever no RDMA-capable interface
// serves the address under test.
func TestOpenByAddressEnvironment(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping RDMA hardware test in CI environment")
	}
	addr := os.Getenv("TEST_RPMA_ADDR")
	if addr == "" {
		t.Skip("TEST_RPMA_ADDR not set; skipping hardware-backed device lookup")
	}

	ctx, err := OpenByAddress(addr)
	if err != nil {
		t.Skipf("RDMA environment not detected, skipping test: %v", err)
	}
	defer ctx.Close()

	if ctx.DeviceName() == "" {
		t.Error("opened device context has no name")
	}
	t.Logf("Opened device %s for address %s", ctx.DeviceName(), addr)

	pd, err := ctx.AllocPD()
	if err != nil {
		t.Fatalf("Failed to allocate protection domain: %v", err)
	}
	if err := pd.Dealloc(); err != nil {
		t.Errorf("Failed to deallocate protection domain: %v", err)
	}
}
