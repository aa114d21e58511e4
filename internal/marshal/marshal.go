// Package marshal stages Go values in unmanaged memory for native calls and copies native
// outputs back into Go memory.
//
// Input buffers are allocated from an interop.Allocator and owned by the value that allocated
// them; Close releases them exactly once. Zero-length inputs never allocate: they are
// represented as a nil pointer with length zero. A Scope groups the buffers of one call so a
// single deferred Close releases all of them on every exit path.
//
// Output helpers (Take*) copy a native-owned result into Go memory and then release it with the
// matching native free function before returning.
package marshal

import (
	"strings"
	"unsafe"

	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/tokerr"
)

// Releaser is anything Scope can release.
type Releaser interface {
	Close()
}

// buffer is one unmanaged allocation.
type buffer struct {
	alloc interop.Allocator
	ptr   unsafe.Pointer
	size  uintptr
}

func newBuffer(alloc interop.Allocator, size uintptr) buffer {
	if size == 0 {
		return buffer{alloc: alloc}
	}
	p := alloc.Malloc(size)
	if p == nil {
		panic("marshal: out of memory allocating unmanaged buffer")
	}
	return buffer{alloc: alloc, ptr: p, size: size}
}

func (b *buffer) bytes() []byte {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

func (b *buffer) release() {
	if b.ptr != nil {
		b.alloc.Free(b.ptr)
		b.ptr = nil
	}
}

// Utf8 is a NUL-terminated native copy of a Go string.
type Utf8 struct {
	buf buffer
	n   int
}

// NewUtf8 copies s into native memory. Strings with embedded NUL bytes cannot be represented
// and are rejected before anything is allocated.
func NewUtf8(alloc interop.Allocator, s string) (*Utf8, error) {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return nil, tokerr.InvalidArgument("text", "contains a NUL byte at offset %d", i)
	}
	u := &Utf8{buf: newBuffer(alloc, uintptr(len(s))+1), n: len(s)}
	copy(u.buf.bytes(), s)
	u.buf.bytes()[len(s)] = 0
	return u, nil
}

// Ptr returns the address of the first byte. It is never nil before Close.
func (u *Utf8) Ptr() unsafe.Pointer { return u.buf.ptr }

// Len returns the byte length, excluding the terminator.
func (u *Utf8) Len() int { return u.n }

// Close releases the native copy. Calling it again is a no-op.
func (u *Utf8) Close() { u.buf.release() }

// Bytes is a native copy of a byte slice (not NUL-terminated).
type Bytes struct {
	buf buffer
}

// NewBytes copies data into native memory.
func NewBytes(alloc interop.Allocator, data []byte) *Bytes {
	b := &Bytes{buf: newBuffer(alloc, uintptr(len(data)))}
	copy(b.buf.bytes(), data)
	return b
}

// NewStringBytes copies the bytes of s into native memory without a terminator.
func NewStringBytes(alloc interop.Allocator, s string) *Bytes {
	b := &Bytes{buf: newBuffer(alloc, uintptr(len(s)))}
	copy(b.buf.bytes(), s)
	return b
}

func (b *Bytes) Ptr() unsafe.Pointer { return b.buf.ptr }
func (b *Bytes) Len() uintptr        { return b.buf.size }
func (b *Bytes) Close()              { b.buf.release() }

// Uint32s is a native uint32_t array.
type Uint32s struct {
	buf buffer
	n   int
}

// NewUint32s copies ids into native memory.
func NewUint32s(alloc interop.Allocator, ids []uint32) *Uint32s {
	a := &Uint32s{buf: newBuffer(alloc, uintptr(len(ids))*4), n: len(ids)}
	if a.n > 0 {
		copy(unsafe.Slice((*uint32)(a.buf.ptr), a.n), ids)
	}
	return a
}

func (a *Uint32s) Ptr() unsafe.Pointer { return a.buf.ptr }
func (a *Uint32s) Len() uintptr        { return uintptr(a.n) }
func (a *Uint32s) Close()              { a.buf.release() }

// Int32s is a native int32_t array.
type Int32s struct {
	buf buffer
	n   int
}

// NewInt32s copies ids into native memory.
func NewInt32s(alloc interop.Allocator, ids []int32) *Int32s {
	a := &Int32s{buf: newBuffer(alloc, uintptr(len(ids))*4), n: len(ids)}
	if a.n > 0 {
		copy(unsafe.Slice((*int32)(a.buf.ptr), a.n), ids)
	}
	return a
}

func (a *Int32s) Ptr() unsafe.Pointer { return a.buf.ptr }
func (a *Int32s) Len() uintptr        { return uintptr(a.n) }
func (a *Int32s) Close()              { a.buf.release() }

// Uint32Batch is a batch of variable-length id sequences laid out as one flat uint32_t buffer
// plus a size_t table holding each sequence's length.
type Uint32Batch struct {
	flat  buffer
	lens  buffer
	count int
	total int
}

// NewUint32Batch packs seqs. Empty sequences contribute a zero length and no ids.
func NewUint32Batch(alloc interop.Allocator, seqs [][]uint32) *Uint32Batch {
	total := 0
	for _, s := range seqs {
		total += len(s)
	}
	b := &Uint32Batch{count: len(seqs), total: total}
	b.flat = newBuffer(alloc, uintptr(total)*4)
	b.lens = newBuffer(alloc, uintptr(len(seqs))*interop.PointerSize)

	var flat []uint32
	if total > 0 {
		flat = unsafe.Slice((*uint32)(b.flat.ptr), total)
	}
	var lens []uintptr
	if len(seqs) > 0 {
		lens = unsafe.Slice((*uintptr)(b.lens.ptr), len(seqs))
	}
	off := 0
	for i, s := range seqs {
		lens[i] = uintptr(len(s))
		off += copy(flat[off:], s)
	}
	return b
}

// Flat returns the concatenated ids.
func (b *Uint32Batch) Flat() unsafe.Pointer { return b.flat.ptr }

// Lens returns the per-sequence length table.
func (b *Uint32Batch) Lens() unsafe.Pointer { return b.lens.ptr }

// Count returns the number of sequences.
func (b *Uint32Batch) Count() uintptr { return uintptr(b.count) }

// Total returns the number of ids across all sequences.
func (b *Uint32Batch) Total() uintptr { return uintptr(b.total) }

// Close releases both buffers.
func (b *Uint32Batch) Close() {
	b.flat.release()
	b.lens.release()
}

// StringBatch is a native char* array whose entries are independently allocated
// NUL-terminated strings. The strings live until the batch is closed.
type StringBatch struct {
	views []*Utf8
	table buffer
}

// NewStringBatch copies strs. On a validation error nothing stays allocated.
func NewStringBatch(alloc interop.Allocator, strs []string) (*StringBatch, error) {
	for i, s := range strs {
		if j := strings.IndexByte(s, 0); j >= 0 {
			return nil, tokerr.InvalidArgument("strings", "entry %d contains a NUL byte at offset %d", i, j)
		}
	}
	b := &StringBatch{views: make([]*Utf8, len(strs))}
	for i, s := range strs {
		b.views[i], _ = NewUtf8(alloc, s)
	}
	b.table = newBuffer(alloc, uintptr(len(strs))*interop.PointerSize)
	if len(strs) > 0 {
		table := unsafe.Slice((*uintptr)(b.table.ptr), len(strs))
		for i, v := range b.views {
			table[i] = uintptr(v.Ptr())
		}
	}
	return b, nil
}

// Table returns the char* array.
func (b *StringBatch) Table() unsafe.Pointer { return b.table.ptr }

// Len returns the number of strings.
func (b *StringBatch) Len() uintptr { return uintptr(len(b.views)) }

// Close releases the table, then every string it points to.
func (b *StringBatch) Close() {
	b.table.release()
	for _, v := range b.views {
		v.Close()
	}
}

// ByteViews is a native tb_byte_view array over independently allocated byte buffers.
type ByteViews struct {
	data  []*Bytes
	views buffer
}

// NewByteViews copies each string's bytes and builds the view array over the copies.
func NewByteViews(alloc interop.Allocator, strs []string) *ByteViews {
	b := &ByteViews{data: make([]*Bytes, len(strs))}
	for i, s := range strs {
		b.data[i] = NewStringBytes(alloc, s)
	}
	b.views = newBuffer(alloc, uintptr(len(strs))*interop.ByteViewSize)
	if len(strs) > 0 {
		views := unsafe.Slice((*interop.ByteView)(b.views.ptr), len(strs))
		for i, d := range b.data {
			views[i] = interop.ByteView{Ptr: uintptr(d.Ptr()), Len: d.Len()}
		}
	}
	return b
}

func (b *ByteViews) Ptr() unsafe.Pointer { return b.views.ptr }
func (b *ByteViews) Len() uintptr        { return uintptr(len(b.data)) }

// Close releases the view array, then the viewed buffers.
func (b *ByteViews) Close() {
	b.views.release()
	for _, d := range b.data {
		d.Close()
	}
}

// Scope collects the buffers staged for one native call.
type Scope struct {
	alloc     interop.Allocator
	releasers []Releaser
}

// NewScope creates a scope allocating from alloc.
func NewScope(alloc interop.Allocator) *Scope {
	return &Scope{alloc: alloc}
}

// Track adds r to the scope.
func (s *Scope) Track(r Releaser) {
	s.releasers = append(s.releasers, r)
}

// Close releases everything tracked, most recent first. It is idempotent.
func (s *Scope) Close() {
	for i := len(s.releasers) - 1; i >= 0; i-- {
		s.releasers[i].Close()
	}
	s.releasers = nil
}

func (s *Scope) Utf8(str string) (*Utf8, error) {
	u, err := NewUtf8(s.alloc, str)
	if err != nil {
		return nil, err
	}
	s.Track(u)
	return u, nil
}

func (s *Scope) Bytes(data []byte) *Bytes {
	b := NewBytes(s.alloc, data)
	s.Track(b)
	return b
}

func (s *Scope) StringBytes(str string) *Bytes {
	b := NewStringBytes(s.alloc, str)
	s.Track(b)
	return b
}

func (s *Scope) Uint32s(ids []uint32) *Uint32s {
	a := NewUint32s(s.alloc, ids)
	s.Track(a)
	return a
}

func (s *Scope) Int32s(ids []int32) *Int32s {
	a := NewInt32s(s.alloc, ids)
	s.Track(a)
	return a
}

func (s *Scope) Uint32Batch(seqs [][]uint32) *Uint32Batch {
	b := NewUint32Batch(s.alloc, seqs)
	s.Track(b)
	return b
}

func (s *Scope) StringBatch(strs []string) (*StringBatch, error) {
	b, err := NewStringBatch(s.alloc, strs)
	if err != nil {
		return nil, err
	}
	s.Track(b)
	return b, nil
}

func (s *Scope) ByteViews(strs []string) *ByteViews {
	b := NewByteViews(s.alloc, strs)
	s.Track(b)
	return b
}
