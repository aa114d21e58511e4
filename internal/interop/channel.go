package interop

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/born-ml/tokbridge/internal/tokerr"
)

// ErrorChannel turns native failure statuses into typed errors.
//
// The native last-error string is fetched on the same OS thread, immediately after the failing
// call. When the library keeps its error state in a single shared slot, the call and the fetch
// additionally run under a per-library mutex so a concurrent failure cannot overwrite the
// message in between.
type ErrorChannel struct {
	api    API
	shared bool
	mu     sync.Mutex
}

var channels sync.Map // API -> *ErrorChannel

// ChannelFor returns the error channel of api. There is one channel per API value, since the
// serialization it provides must cover every caller of the same library.
func ChannelFor(api API) *ErrorChannel {
	if c, ok := channels.Load(api); ok {
		return c.(*ErrorChannel)
	}
	c, _ := channels.LoadOrStore(api, &ErrorChannel{api: api, shared: !api.ErrorStateThreadLocal()})
	return c.(*ErrorChannel)
}

// Shared reports whether calls through this channel are serialized.
func (c *ErrorChannel) Shared() bool { return c.shared }

// call runs fn and, on failure, reads the last-error message before anything else can run on
// this thread.
func (c *ErrorChannel) call(fn func() Status) (Status, string) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if c.shared {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	status := fn()
	if status == StatusOK {
		return status, ""
	}
	return status, c.lastError()
}

func (c *ErrorChannel) lastError() string {
	if msg := GoString(c.api.LastError()); msg != "" {
		return msg
	}
	return tokerr.UnspecifiedNativeError
}

// Construct runs a native constructor. A non-zero status or a nil object both yield a
// NativeConstructionError carrying the native message.
func (c *ErrorChannel) Construct(object string, ctor func(out *unsafe.Pointer) Status) (unsafe.Pointer, error) {
	var out unsafe.Pointer
	status, msg := c.call(func() Status {
		s := ctor(&out)
		if s == StatusOK && out == nil {
			// Treat a null object as failure so the message is fetched under the same guard.
			return -1
		}
		return s
	})
	if status != StatusOK {
		return nil, &tokerr.NativeConstructionError{Object: object, Status: status, Message: msg}
	}
	return out, nil
}

// Check runs a fallible native call and converts a failure into a NativeCallError.
func (c *ErrorChannel) Check(op string, fn func() Status) error {
	if status, msg := c.call(fn); status != StatusOK {
		return &tokerr.NativeCallError{Op: op, Status: status, Message: msg}
	}
	return nil
}
