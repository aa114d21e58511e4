// Package handle wraps opaque native objects in reference-counted, disposal-safe handles.
//
// Every operation that dereferences the native pointer runs inside Invoke (or Call), which
// holds a reference for the duration of the operation. Dispose marks the handle invalid right
// away but defers the native free until the last in-flight reference is released, so a
// concurrent Dispose never frees an object another goroutine is still using. The free function
// runs at most once.
package handle

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/tokerr"
)

// State is the lifecycle state of a Handle.
type State int

const (
	// Uninitialized is the state of a zero Handle, which never owned a pointer. Operations on it
	// fail as they do on a disposed handle; Dispose moves it to Invalid.
	Uninitialized State = iota
	Valid
	Invalid
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FreeFunc releases the native object.
type FreeFunc func(ptr unsafe.Pointer)

// Handle owns exactly one native pointer. Handles are built with New or Create; the zero value
// is Uninitialized.
type Handle struct {
	mu    sync.Mutex
	ptr   unsafe.Pointer
	state State
	refs  int
	freed bool

	finalizer bool

	free   FreeFunc
	kind   string
	id     uuid.UUID
	logger logr.Logger
}

type options struct {
	logger    logr.Logger
	finalizer bool
}

// Option configures a Handle.
type Option func(*options)

// WithLogger sets the logger used for lifecycle events and leak reports.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithoutFinalizer disables the leak backstop. Handles whose lifetime is bounded by another
// handle (an encoding released by its owner) use it.
func WithoutFinalizer() Option {
	return func(o *options) {
		o.finalizer = false
	}
}

// New wraps an existing native pointer. A nil ptr yields an Invalid handle that never calls free.
func New(kind string, ptr unsafe.Pointer, free FreeFunc, opts ...Option) *Handle {
	o := options{logger: logr.Discard(), finalizer: true}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Handle{
		ptr:    ptr,
		state:  Valid,
		free:   free,
		kind:   kind,
		id:     uuid.New(),
		logger: o.logger,
	}
	if ptr == nil {
		h.state = Invalid
		h.freed = true
		return h
	}
	if o.finalizer {
		h.finalizer = true
		runtime.SetFinalizer(h, (*Handle).finalize)
	}
	h.logger.V(1).Info("native handle created", "kind", kind, "id", h.id)
	return h
}

// Create invokes a native constructor through ch and wraps the result. A non-zero status or a
// nil object fails with a NativeConstructionError carrying the native last error.
func Create(kind string, ch *interop.ErrorChannel, ctor func(out *unsafe.Pointer) interop.Status, free FreeFunc, opts ...Option) (*Handle, error) {
	ptr, err := ch.Construct(kind, ctor)
	if err != nil {
		return nil, err
	}
	return New(kind, ptr, free, opts...), nil
}

// ID returns the handle's identity, used in log lines.
func (h *Handle) ID() uuid.UUID { return h.id }

// Kind returns the native object kind ("bpe", "tokenizer", ...).
func (h *Handle) Kind() string { return h.kind }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Refs returns the number of in-flight operations.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// acquire adds a reference, failing if the handle is no longer valid.
func (h *Handle) acquire() (unsafe.Pointer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Valid {
		return nil, &tokerr.ResourceDisposedError{Object: h.kind}
	}
	h.refs++
	return h.ptr, nil
}

// release drops a reference and frees the object if disposal is pending and this was the last one.
func (h *Handle) release() {
	h.mu.Lock()
	h.refs--
	freeNow := h.refs == 0 && h.state == Invalid && !h.freed
	var ptr unsafe.Pointer
	if freeNow {
		h.freed = true
		ptr, h.ptr = h.ptr, nil
	}
	h.mu.Unlock()

	if freeNow {
		h.freeNative(ptr, "deferred")
	}
}

// Invoke runs fn with the raw pointer while holding a reference. The reference is released even
// if fn panics. It fails with a ResourceDisposedError once Dispose has been called.
func (h *Handle) Invoke(fn func(ptr unsafe.Pointer) error) error {
	ptr, err := h.acquire()
	if err != nil {
		return err
	}
	defer h.release()
	return fn(ptr)
}

// Call is Invoke for operations that produce a value.
func Call[T any](h *Handle, fn func(ptr unsafe.Pointer) (T, error)) (T, error) {
	var zero T
	ptr, err := h.acquire()
	if err != nil {
		return zero, err
	}
	defer h.release()
	v, err := fn(ptr)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Dispose marks the handle invalid and frees the native object, immediately if no operation is
// in flight, otherwise when the last one completes. Calling Dispose again is a no-op.
func (h *Handle) Dispose() {
	h.mu.Lock()
	if h.state == Invalid {
		h.mu.Unlock()
		return
	}
	h.state = Invalid
	freeNow := h.refs == 0 && !h.freed
	var ptr unsafe.Pointer
	if freeNow {
		h.freed = true
		ptr, h.ptr = h.ptr, nil
	}
	pending := h.refs
	clearFinalizer := h.finalizer
	h.finalizer = false
	h.mu.Unlock()

	if clearFinalizer {
		runtime.SetFinalizer(h, nil)
	}
	if freeNow {
		h.freeNative(ptr, "dispose")
		return
	}
	h.logger.V(1).Info("native handle release deferred", "kind", h.kind, "id", h.id, "inFlight", pending)
}

// Close is Dispose; it lets handles be used as io.Closer-style resources.
func (h *Handle) Close() error {
	h.Dispose()
	return nil
}

func (h *Handle) freeNative(ptr unsafe.Pointer, path string) {
	if h.free != nil && ptr != nil {
		h.free(ptr)
	}
	h.logger.V(1).Info("native handle released", "kind", h.kind, "id", h.id, "path", path)
}

// finalize is the leak backstop for handles that were never disposed.
func (h *Handle) finalize() {
	h.logger.Error(nil, "native handle was not disposed; releasing from finalizer", "kind", h.kind, "id", h.id)
	h.Dispose()
}
