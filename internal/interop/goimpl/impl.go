// Package goimpl is an in-process implementation of the tokbridge native ABI.
//
// It behaves like the shared library from the caller's point of view: objects are opaque
// pointers, outputs are buffers the caller must release with the matching Free* function, and
// failures set a last-error string. Every allocation, construction and release is accounted
// for, which makes it the fake backend for leak and ordering tests as well as a usable engine
// on machines without the native library.
package goimpl

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/go-logr/logr"

	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/parallel"
)

// Status codes returned by the implementation.
const (
	statusInvalidArgument interop.Status = 2
	statusEngine          interop.Status = 3
	statusPanic           interop.Status = 4
)

type blockKind uint8

const (
	kindStaging blockKind = iota // from Malloc
	kindOutput                   // returned to the caller through an out-parameter
	kindObject                   // identity of an engine object
)

type block struct {
	words []uint64 // 8-byte aligned backing store
	size  uintptr
	kind  blockKind
}

type object struct {
	kind  string
	value any
}

// Event is one entry in the event log: a release performed by the implementation, or a marker
// recorded by a test through Mark.
type Event struct {
	Seq   uint64
	Label string
	Ptr   uintptr
}

// Stats is a snapshot of the implementation's accounting.
type Stats struct {
	ObjectsCreated int
	ObjectsFreed   int
	LiveObjects    int

	Mallocs int // staging allocations
	Frees   int // staging releases

	Outputs      int // buffers handed to the caller
	OutputsFreed int

	LiveAllocations int // staging + outputs not yet released
	LiveBytes       uintptr

	InvalidFrees int // frees of unknown pointers, including double frees
}

// Impl implements interop.API in Go. Create it with New; the zero value is not usable.
type Impl struct {
	mu      sync.Mutex
	blocks  map[uintptr]*block
	bases   []uintptr // sorted keys of blocks
	objects map[uintptr]*object
	stats   Stats
	events  []Event
	seq     uint64

	errMu  sync.Mutex
	errBuf []byte

	threadLocal bool
	parallel    parallel.Config
	logger      logr.Logger
}

// Option configures an Impl.
type Option func(*Impl)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger logr.Logger) Option {
	return func(m *Impl) {
		m.logger = logger
	}
}

// WithThreadLocalErrors controls what ErrorStateThreadLocal reports. The implementation keeps
// one error slot either way; callers that believe it is thread-local skip serialization.
func WithThreadLocalErrors(threadLocal bool) Option {
	return func(m *Impl) {
		m.threadLocal = threadLocal
	}
}

// WithParallel sets the worker configuration used by batch calls.
func WithParallel(cfg parallel.Config) Option {
	return func(m *Impl) {
		m.parallel = cfg
	}
}

// New creates an implementation with empty accounting.
func New(opts ...Option) *Impl {
	m := &Impl{
		blocks:   make(map[uintptr]*block),
		objects:  make(map[uintptr]*object),
		parallel: parallel.DefaultConfig(),
		logger:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stats returns a snapshot of the accounting counters.
func (m *Impl) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Events returns a copy of the event log.
func (m *Impl) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Mark appends a labeled marker to the event log, so tests can order their own milestones
// relative to releases.
func (m *Impl) Mark(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(label, 0)
}

func (m *Impl) recordLocked(label string, p uintptr) {
	m.seq++
	m.events = append(m.events, Event{Seq: m.seq, Label: label, Ptr: p})
}

// allocLocked reserves an 8-byte aligned block of at least size bytes. m.mu must be held.
func (m *Impl) allocLocked(size uintptr, kind blockKind) unsafe.Pointer {
	words := make([]uint64, max((size+7)/8, 1))
	p := unsafe.Pointer(&words[0])
	m.trackLocked(uintptr(p), &block{words: words, size: size, kind: kind})
	switch kind {
	case kindStaging:
		m.stats.Mallocs++
	case kindOutput:
		m.stats.Outputs++
	}
	if kind != kindObject {
		m.stats.LiveAllocations++
		m.stats.LiveBytes += size
	}
	return p
}

func (m *Impl) trackLocked(base uintptr, b *block) {
	m.blocks[base] = b
	i, _ := slices.BinarySearch(m.bases, base)
	m.bases = slices.Insert(m.bases, i, base)
}

func (m *Impl) untrackLocked(base uintptr) {
	delete(m.blocks, base)
	if i, found := slices.BinarySearch(m.bases, base); found {
		m.bases = slices.Delete(m.bases, i, i+1)
	}
}

// releaseLocked frees a staging or output block. m.mu must be held.
func (m *Impl) releaseLocked(base uintptr, kind blockKind) {
	if base == 0 {
		return
	}
	b, ok := m.blocks[base]
	if !ok || b.kind != kind {
		m.stats.InvalidFrees++
		m.logger.Error(nil, "invalid free", "ptr", fmt.Sprintf("%#x", base))
		return
	}
	m.untrackLocked(base)
	m.stats.LiveAllocations--
	m.stats.LiveBytes -= b.size
	if kind == kindStaging {
		m.stats.Frees++
	} else {
		m.stats.OutputsFreed++
	}
}

// Malloc returns zeroed, 8-byte aligned memory that stays valid until Free.
func (m *Impl) Malloc(size uintptr) unsafe.Pointer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocLocked(size, kindStaging)
}

// Free releases memory obtained from Malloc. Nil is ignored.
func (m *Impl) Free(p unsafe.Pointer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(uintptr(p), kindStaging)
}

// output copies data into a caller-owned output buffer. Empty data yields nil.
func (m *Impl) output(data []byte) unsafe.Pointer {
	if len(data) == 0 {
		return nil
	}
	m.mu.Lock()
	p := m.allocLocked(uintptr(len(data)), kindOutput)
	m.mu.Unlock()
	copy(unsafe.Slice((*byte)(p), len(data)), data)
	return p
}

func (m *Impl) outputString(s string) unsafe.Pointer {
	m.mu.Lock()
	p := m.allocLocked(uintptr(len(s))+1, kindOutput)
	m.mu.Unlock()
	copy(unsafe.Slice((*byte)(p), len(s)), s)
	return p
}

func (m *Impl) outputU32(ids []uint32) unsafe.Pointer {
	if len(ids) == 0 {
		return nil
	}
	return m.output(unsafe.Slice((*byte)(unsafe.Pointer(&ids[0])), len(ids)*4))
}

func (m *Impl) outputI32(ids []int32) unsafe.Pointer {
	if len(ids) == 0 {
		return nil
	}
	return m.output(unsafe.Slice((*byte)(unsafe.Pointer(&ids[0])), len(ids)*4))
}

func (m *Impl) outputSizes(sizes []uintptr) unsafe.Pointer {
	if len(sizes) == 0 {
		return nil
	}
	return m.output(unsafe.Slice((*byte)(unsafe.Pointer(&sizes[0])), len(sizes)*int(interop.PointerSize)))
}

// outputStrings builds a char** array of independently allocated strings.
func (m *Impl) outputStrings(strs []string) unsafe.Pointer {
	if len(strs) == 0 {
		return nil
	}
	ptrs := make([]uintptr, len(strs))
	for i, s := range strs {
		ptrs[i] = uintptr(m.outputString(s))
	}
	return m.outputSizes(ptrs)
}

// newObject registers value and returns its opaque identity pointer.
func (m *Impl) newObject(kind string, value any) unsafe.Pointer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.allocLocked(8, kindObject)
	m.objects[uintptr(p)] = &object{kind: kind, value: value}
	m.stats.ObjectsCreated++
	m.stats.LiveObjects++
	m.logger.V(1).Info("native object created", "kind", kind, "ptr", fmt.Sprintf("%#x", uintptr(p)))
	return p
}

func (m *Impl) lookup(p unsafe.Pointer, kind string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[uintptr(p)]
	if !ok || o.kind != kind {
		return nil, false
	}
	return o.value, true
}

func (m *Impl) freeObject(p unsafe.Pointer, kind string) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[uintptr(p)]
	if !ok || o.kind != kind {
		m.stats.InvalidFrees++
		m.logger.Error(nil, "invalid object free", "kind", kind, "ptr", fmt.Sprintf("%#x", uintptr(p)))
		return
	}
	delete(m.objects, uintptr(p))
	m.untrackLocked(uintptr(p))
	m.stats.ObjectsFreed++
	m.stats.LiveObjects--
	m.recordLocked("free:"+kind, uintptr(p))
	m.logger.V(1).Info("native object freed", "kind", kind, "ptr", fmt.Sprintf("%#x", uintptr(p)))
}

// fail records msg as the last error and returns status.
func (m *Impl) fail(status interop.Status, format string, args ...any) interop.Status {
	msg := fmt.Sprintf(format, args...)
	m.errMu.Lock()
	m.errBuf = append([]byte(msg), 0)
	m.errMu.Unlock()
	return status
}

// guard runs fn, converting a panic inside an engine into a failure status.
func (m *Impl) guard(op string, fn func() interop.Status) (status interop.Status) {
	defer func() {
		if r := recover(); r != nil {
			status = m.fail(statusPanic, "%s: %v", op, r)
		}
	}()
	return fn()
}

// workerPanic is a panic recovered on a batch worker goroutine, where guard cannot see it.
type workerPanic struct{ value any }

func (p *workerPanic) Error() string { return fmt.Sprint(p.value) }

// recovered runs one sequence of a batch, turning a panic into a *workerPanic error.
func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &workerPanic{value: r}
		}
	}()
	return fn()
}

// failBatch reports the error of a batch call, keeping panics distinct from engine failures.
func (m *Impl) failBatch(op string, err error) interop.Status {
	var p *workerPanic
	if errors.As(err, &p) {
		return m.fail(statusPanic, "%s: %v", op, p.value)
	}
	return m.fail(statusEngine, "%v", err)
}

// LastError returns the message of the most recent failure, or nil if none was recorded.
func (m *Impl) LastError() unsafe.Pointer {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if len(m.errBuf) == 0 {
		return nil
	}
	return unsafe.Pointer(&m.errBuf[0])
}

// ErrorStateThreadLocal reports the value set by WithThreadLocalErrors.
func (m *Impl) ErrorStateThreadLocal() bool { return m.threadLocal }

func (m *Impl) FreeString(p unsafe.Pointer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(uintptr(p), kindOutput)
}

func (m *Impl) FreeBytes(p unsafe.Pointer, _ uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(uintptr(p), kindOutput)
}

func (m *Impl) FreeU32(p unsafe.Pointer, _ uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(uintptr(p), kindOutput)
}

func (m *Impl) FreeI32(p unsafe.Pointer, _ uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(uintptr(p), kindOutput)
}

func (m *Impl) FreeSizes(p unsafe.Pointer, _ uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(uintptr(p), kindOutput)
}

// FreeStringArray releases each string of a char** array, then the array itself.
func (m *Impl) FreeStringArray(p unsafe.Pointer, n uintptr) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range unsafe.Slice((*uintptr)(p), n) {
		m.releaseLocked(s, kindOutput)
	}
	m.releaseLocked(uintptr(p), kindOutput)
}

// Resolve maps an address carried in an ABI record back to a pointer. The pointer is derived
// from the live block containing addr, never converted from the integer itself; addresses
// outside every live block resolve to nil.
func (m *Impl) Resolve(addr uintptr) unsafe.Pointer {
	p, _ := m.span(addr)
	return p
}

// span resolves addr and reports how many bytes of its block remain from there.
func (m *Impl) span(addr uintptr) (unsafe.Pointer, uintptr) {
	if addr == 0 {
		return nil, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, found := slices.BinarySearch(m.bases, addr)
	if !found {
		i--
	}
	if i < 0 {
		return nil, 0
	}
	base := m.bases[i]
	b := m.blocks[base]
	capacity := uintptr(len(b.words)) * 8
	off := addr - base
	if off >= capacity {
		return nil, 0
	}
	return unsafe.Add(unsafe.Pointer(&b.words[0]), off), capacity - off
}

// bytesAt returns the n bytes at addr. ok is false when they do not lie inside one live block.
func (m *Impl) bytesAt(addr, n uintptr) (data []byte, ok bool) {
	if n == 0 {
		return nil, true
	}
	p, avail := m.span(addr)
	if p == nil || n > avail {
		return nil, false
	}
	return unsafe.Slice((*byte)(p), n), true
}

// stringAt returns the NUL-terminated string at addr.
func (m *Impl) stringAt(addr uintptr) (string, bool) {
	p, avail := m.span(addr)
	if p == nil {
		return "", false
	}
	b := unsafe.Slice((*byte)(p), avail)
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		return "", false
	}
	return string(b[:n]), true
}

func readBytes(p unsafe.Pointer, n uintptr) []byte {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

func readU32(p unsafe.Pointer, n uintptr) []uint32 {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(p), n)
}

func readSizes(p unsafe.Pointer, n uintptr) []uintptr {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*uintptr)(p), n)
}

var _ interop.API = (*Impl)(nil)
