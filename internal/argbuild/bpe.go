// Package argbuild packs the multi-array arguments of native constructors into unmanaged memory.
//
// A builder is owned by one caller for one construction call. Validation happens before the
// first allocation; every allocation is tracked and released exactly once by Dispose.
package argbuild

import (
	"math"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"

	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/marshal"
	"github.com/born-ml/tokbridge/internal/tokerr"
)

// MergeRank is one entry of a BPE merge-rank table: a token's raw bytes and its rank (the token id).
type MergeRank struct {
	Token []byte
	Rank  int
}

// SpecialToken is a special token and its id.
type SpecialToken struct {
	Content string
	ID      int
}

// allocation is a raw block owned by the builder.
type allocation struct {
	alloc interop.Allocator
	ptr   unsafe.Pointer
}

func (a *allocation) Close() {
	if a.ptr != nil {
		a.alloc.Free(a.ptr)
		a.ptr = nil
	}
}

type options struct {
	pattern    string
	hasPattern bool
	logger     logr.Logger
}

// Option configures a builder.
type Option func(*options)

// WithPattern sets the pre-tokenization pattern passed to the native constructor. Without it the
// engine's default pattern is used.
func WithPattern(pattern string) Option {
	return func(o *options) {
		o.pattern = pattern
		o.hasPattern = true
	}
}

// WithLogger sets the logger used for packing and leak reports.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// BPEArgs holds the staged arguments of tb_bpe_new.
//
// All merge tokens share one contiguous byte buffer; the merge entries point into it. Each
// special token is its own NUL-terminated allocation.
type BPEArgs struct {
	mu       sync.Mutex
	disposed bool
	tracked  []marshal.Releaser

	data     unsafe.Pointer
	dataLen  uintptr
	merges   unsafe.Pointer
	nMerges  int
	specials unsafe.Pointer
	nSpecial int
	pattern  unsafe.Pointer

	logger logr.Logger
}

// NewBPEArgs validates and packs merges and specials. Invalid input fails with an
// ArgumentValidationError before anything is allocated.
func NewBPEArgs(alloc interop.Allocator, merges []MergeRank, specials []SpecialToken, opts ...Option) (*BPEArgs, error) {
	o := options{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	var total uintptr
	for i, m := range merges {
		if len(m.Token) == 0 {
			return nil, tokerr.InvalidArgument("merges", "entry %d has an empty token", i)
		}
		if m.Rank < 0 || int64(m.Rank) > math.MaxUint32 {
			return nil, tokerr.InvalidArgument("merges", "entry %d: rank %d is out of range [0, %d]", i, m.Rank, uint32(math.MaxUint32))
		}
		total += uintptr(len(m.Token))
	}
	for i, s := range specials {
		if s.ID < 0 || int64(s.ID) > math.MaxUint32 {
			return nil, tokerr.InvalidArgument("specials", "entry %d (%q): id %d is out of range [0, %d]", i, s.Content, s.ID, uint32(math.MaxUint32))
		}
		if s.Content == "" {
			return nil, tokerr.InvalidArgument("specials", "entry %d has empty content", i)
		}
		if j := strings.IndexByte(s.Content, 0); j >= 0 {
			return nil, tokerr.InvalidArgument("specials", "entry %d contains a NUL byte at offset %d", i, j)
		}
	}
	if o.hasPattern && strings.IndexByte(o.pattern, 0) >= 0 {
		return nil, tokerr.InvalidArgument("pattern", "contains a NUL byte")
	}

	a := &BPEArgs{
		nMerges:  len(merges),
		nSpecial: len(specials),
		dataLen:  total,
		logger:   o.logger,
	}

	a.data = a.raw(alloc, total)
	a.merges = a.raw(alloc, uintptr(len(merges))*interop.MergeEntrySize)
	if len(merges) > 0 {
		data := unsafe.Slice((*byte)(a.data), total)
		entries := unsafe.Slice((*interop.MergeEntry)(a.merges), len(merges))
		var off uintptr
		for i, m := range merges {
			n := uintptr(copy(data[off:], m.Token))
			entries[i] = interop.MergeEntry{
				Bytes: uintptr(a.data) + off,
				Len:   n,
				Rank:  uint32(m.Rank), //nolint:gosec // G115: range checked above.
			}
			off += n
		}
	}

	a.specials = a.raw(alloc, uintptr(len(specials))*interop.SpecialEntrySize)
	if len(specials) > 0 {
		entries := unsafe.Slice((*interop.SpecialEntry)(a.specials), len(specials))
		for i, s := range specials {
			u, _ := marshal.NewUtf8(alloc, s.Content)
			a.tracked = append(a.tracked, u)
			entries[i] = interop.SpecialEntry{
				Str:  uintptr(u.Ptr()),
				Rank: uint32(s.ID), //nolint:gosec // G115: range checked above.
			}
		}
	}

	if o.hasPattern {
		u, _ := marshal.NewUtf8(alloc, o.pattern)
		a.tracked = append(a.tracked, u)
		a.pattern = u.Ptr()
	}

	runtime.SetFinalizer(a, (*BPEArgs).finalize)
	a.logger.V(1).Info("bpe arguments packed",
		"merges", len(merges), "specials", len(specials),
		"tokenBytes", humanize.Bytes(uint64(total)), "allocations", len(a.tracked))
	return a, nil
}

// raw allocates and tracks size bytes. Zero sizes are not allocated.
func (a *BPEArgs) raw(alloc interop.Allocator, size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	p := alloc.Malloc(size)
	if p == nil {
		panic("argbuild: out of memory allocating unmanaged buffer")
	}
	a.tracked = append(a.tracked, &allocation{alloc: alloc, ptr: p})
	return p
}

// Merges returns the tb_merge_entry array.
func (a *BPEArgs) Merges() unsafe.Pointer { return a.merges }

// NumMerges returns the number of merge entries.
func (a *BPEArgs) NumMerges() uintptr { return uintptr(a.nMerges) }

// Specials returns the tb_special_entry array.
func (a *BPEArgs) Specials() unsafe.Pointer { return a.specials }

// NumSpecials returns the number of special entries.
func (a *BPEArgs) NumSpecials() uintptr { return uintptr(a.nSpecial) }

// Pattern returns the NUL-terminated pattern, or nil for the engine default.
func (a *BPEArgs) Pattern() unsafe.Pointer { return a.pattern }

// TokenBytes returns the shared token byte buffer. It is valid until Dispose.
func (a *BPEArgs) TokenBytes() []byte {
	if a.data == nil {
		return nil
	}
	return unsafe.Slice((*byte)(a.data), a.dataLen)
}

// MergeEntries returns a view of the packed merge entries. It is valid until Dispose.
func (a *BPEArgs) MergeEntries() []interop.MergeEntry {
	if a.merges == nil {
		return nil
	}
	return unsafe.Slice((*interop.MergeEntry)(a.merges), a.nMerges)
}

// Allocations returns the number of tracked allocations still owned by the builder.
func (a *BPEArgs) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return 0
	}
	return len(a.tracked)
}

// Dispose releases every tracked allocation. Calling it again is a no-op.
func (a *BPEArgs) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	tracked := a.tracked
	a.tracked = nil
	a.data, a.merges, a.specials, a.pattern = nil, nil, nil, nil
	a.mu.Unlock()

	runtime.SetFinalizer(a, nil)
	for i := len(tracked) - 1; i >= 0; i-- {
		tracked[i].Close()
	}
}

// Close is Dispose.
func (a *BPEArgs) Close() error {
	a.Dispose()
	return nil
}

func (a *BPEArgs) finalize() {
	a.logger.Error(nil, "bpe arguments were not disposed; releasing from finalizer", "allocations", len(a.tracked))
	a.Dispose()
}
