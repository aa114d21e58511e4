// Package interop declares the native tokenization ABI and the process-wide slot that selects
// which implementation of it is used.
//
// The ABI is a fixed contract: every function mirrors one exported symbol of the tokbridge
// native library. Pointers crossing the boundary are unsafe.Pointer values that refer either
// to memory obtained from the implementation's Allocator (inputs) or to memory owned by the
// native side (outputs, released with the matching Free* function).
package interop

import (
	"unsafe"
)

// Status is the return code of fallible native calls. Zero is success.
type Status = int32

const (
	// StatusOK is the success status.
	StatusOK Status = 0
	// StatusNotFound is returned by key lookups (tb_tokenizer_token_to_id) for absent keys.
	// It is not a failure and does not set a last error.
	StatusNotFound Status = 1
)

// LibraryName is the symbolic name of the native library.
const LibraryName = "tokbridge"

// ByteView mirrors tb_byte_view.
type ByteView struct {
	Ptr uintptr
	Len uintptr
}

// MergeEntry mirrors tb_merge_entry. Bytes points into the builder's shared byte buffer.
type MergeEntry struct {
	Bytes uintptr
	Len   uintptr
	Rank  uint32
}

// SpecialEntry mirrors tb_special_entry. Str is an individually allocated NUL-terminated string.
type SpecialEntry struct {
	Str  uintptr
	Rank uint32
}

// Record sizes. Go's natural struct layout matches the C layout of the records above.
const (
	ByteViewSize     = unsafe.Sizeof(ByteView{})
	MergeEntrySize   = unsafe.Sizeof(MergeEntry{})
	SpecialEntrySize = unsafe.Sizeof(SpecialEntry{})
	PointerSize      = unsafe.Sizeof(uintptr(0))
)

// Allocator provides unmanaged memory for staging call inputs. Malloc never returns nil for a
// non-zero size; zero-size requests may return nil.
type Allocator interface {
	Malloc(size uintptr) unsafe.Pointer
	Free(p unsafe.Pointer)
}

// API is the complete native surface. Out-parameters are pointers to caller-owned slots.
type API interface {
	Allocator

	LastError() unsafe.Pointer
	ErrorStateThreadLocal() bool

	FreeString(p unsafe.Pointer)
	FreeBytes(p unsafe.Pointer, n uintptr)
	FreeU32(p unsafe.Pointer, n uintptr)
	FreeI32(p unsafe.Pointer, n uintptr)
	FreeSizes(p unsafe.Pointer, n uintptr)
	FreeStringArray(p unsafe.Pointer, n uintptr)

	BPENew(merges unsafe.Pointer, nMerges uintptr, specials unsafe.Pointer, nSpecials uintptr, pattern unsafe.Pointer, out *unsafe.Pointer) Status
	BPEFree(h unsafe.Pointer)
	BPEEncode(h, text unsafe.Pointer, n uintptr, allowSpecial bool, ids *unsafe.Pointer, count *uintptr) Status
	BPEEncodeBatch(h, views unsafe.Pointer, n uintptr, flat, lens *unsafe.Pointer, total *uintptr) Status
	BPEDecode(h, ids unsafe.Pointer, n uintptr, out *unsafe.Pointer, outLen *uintptr) Status
	BPEDecodeBatch(h, flat, lens unsafe.Pointer, count uintptr, out *unsafe.Pointer) Status

	TokenizerFromBytes(data unsafe.Pointer, n uintptr, out *unsafe.Pointer) Status
	TokenizerFree(h unsafe.Pointer)
	TokenizerEncode(h, text unsafe.Pointer, addSpecial bool, enc *unsafe.Pointer) Status
	TokenizerDecode(h, ids unsafe.Pointer, n uintptr, skipSpecial bool, out *unsafe.Pointer) Status
	TokenizerTokenToID(h, token unsafe.Pointer, id *uint32) Status
	TokenizerVocabSize(h unsafe.Pointer, withAdded bool) uintptr

	EncodingIDs(enc unsafe.Pointer, ids *unsafe.Pointer, n *uintptr) Status
	EncodingTokens(enc unsafe.Pointer, toks *unsafe.Pointer, n *uintptr) Status
	EncodingFree(enc unsafe.Pointer)

	SPFromBytes(data unsafe.Pointer, n uintptr, out *unsafe.Pointer) Status
	SPFree(h unsafe.Pointer)
	SPEncode(h, text unsafe.Pointer, ids *unsafe.Pointer, n *uintptr) Status
	SPDecode(h, ids unsafe.Pointer, n uintptr, out *unsafe.Pointer) Status
	SPPieceToID(h, piece unsafe.Pointer) int32

	DecoderByteLevelNew(out *unsafe.Pointer) Status
	DecoderFree(h unsafe.Pointer)
	DecoderDecode(h, tokens unsafe.Pointer, n uintptr, out *unsafe.Pointer) Status
}

// GoString copies a NUL-terminated native string into Go memory. A nil pointer yields "".
func GoString(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}
