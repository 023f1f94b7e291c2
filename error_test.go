package rpma

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rpma-go/internal/verbs"
)

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, -100000, int(CodeUnknown))
	assert.Equal(t, -100001, int(CodeNoSupp))
	assert.Equal(t, -100002, int(CodeProvider))
	assert.Equal(t, -100003, int(CodeNoMem))
	assert.Equal(t, -100004, int(CodeInval))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := errInval("mr_reg", "zero-length buffer")
	assert.ErrorIs(t, err, ErrInval)
	assert.NotErrorIs(t, err, ErrProvider)

	perr := errProvider("peer_delete", verbs.Errorf("ibv_dealloc_pd", syscall.EBUSY))
	assert.ErrorIs(t, perr, ErrProvider)
	assert.Equal(t, syscall.EBUSY, ProviderErrno(perr))
}

func TestProviderErrorWithoutErrnoIsUnknown(t *testing.T) {
	err := errProvider("peer_new", verbs.Errorf("ibv_alloc_pd", 0))
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Zero(t, ProviderErrno(err))
}

func TestProviderErrnoOnForeignError(t *testing.T) {
	assert.Zero(t, ProviderErrno(errors.New("not ours")))
	assert.Zero(t, ProviderErrno(nil))
}

func TestErrorMessageCarriesOpAndCode(t *testing.T) {
	err := errInval("conn_req_connect", "private data exceeds %d bytes", 255)
	assert.Contains(t, err.Error(), "rpma_conn_req_connect")
	assert.Contains(t, err.Error(), "-100004")
	assert.Contains(t, err.Error(), "255")
}

// Errors are immutable values, so failures on one goroutine can never
// clobber the message another goroutine observes.
func TestConcurrentErrorsDoNotInterfere(t *testing.T) {
	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				errs[i] = errInval("worker", "failure %d", i)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.ErrorIs(t, err, ErrInval)
		assert.Contains(t, err.Error(), fmt.Sprintf("failure %d", i))
	}
}

func TestEventErrnoMapping(t *testing.T) {
	tests := []struct {
		event verbs.EventType
		errno syscall.Errno
	}{
		{verbs.EventRejected, syscall.ECONNREFUSED},
		{verbs.EventUnreachable, syscall.EHOSTUNREACH},
		{verbs.EventConnectError, syscall.ECONNABORTED},
		{verbs.EventDeviceRemoval, syscall.ENODEV},
		{verbs.EventTimewaitExit, syscall.ETIMEDOUT},
	}
	for _, tt := range tests {
		err := errEvent("conn_next_event", tt.event)
		assert.ErrorIs(t, err, ErrProvider)
		assert.Equal(t, tt.errno, ProviderErrno(err), tt.event.String())
	}
}
