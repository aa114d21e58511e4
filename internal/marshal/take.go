package marshal

import (
	"fmt"
	"unsafe"

	"github.com/born-ml/tokbridge/internal/interop"
)

// TakeU32 copies a native uint32_t array and frees it with tb_free_u32.
func TakeU32(api interop.API, p unsafe.Pointer, n uintptr) []uint32 {
	out := make([]uint32, n)
	if p == nil {
		return out
	}
	copy(out, unsafe.Slice((*uint32)(p), n))
	api.FreeU32(p, n)
	return out
}

// TakeI32 copies a native int32_t array and frees it with tb_free_i32.
func TakeI32(api interop.API, p unsafe.Pointer, n uintptr) []int32 {
	out := make([]int32, n)
	if p == nil {
		return out
	}
	copy(out, unsafe.Slice((*int32)(p), n))
	api.FreeI32(p, n)
	return out
}

// TakeBytes copies a native byte buffer and frees it with tb_free_bytes.
func TakeBytes(api interop.API, p unsafe.Pointer, n uintptr) []byte {
	out := make([]byte, n)
	if p == nil {
		return out
	}
	copy(out, unsafe.Slice((*byte)(p), n))
	api.FreeBytes(p, n)
	return out
}

// TakeSizes copies a native size_t array and frees it with tb_free_sizes.
func TakeSizes(api interop.API, p unsafe.Pointer, n uintptr) []uintptr {
	out := make([]uintptr, n)
	if p == nil {
		return out
	}
	copy(out, unsafe.Slice((*uintptr)(p), n))
	api.FreeSizes(p, n)
	return out
}

// TakeString copies a native NUL-terminated string and frees it with tb_free_string.
func TakeString(api interop.API, p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	s := interop.GoString(p)
	api.FreeString(p)
	return s
}

// TakeStringArray copies a native char* array of n strings and frees it, strings included, with
// tb_free_string_array.
func TakeStringArray(api interop.API, p unsafe.Pointer, n uintptr) []string {
	out := make([]string, n)
	if p == nil {
		return out
	}
	for i, s := range unsafe.Slice((*unsafe.Pointer)(p), n) {
		out[i] = interop.GoString(s)
	}
	api.FreeStringArray(p, n)
	return out
}

// TakeU32Batch splits a flat id buffer by a length table into count sequences. Both native
// buffers are freed even when the table is inconsistent with total.
func TakeU32Batch(api interop.API, flat unsafe.Pointer, total uintptr, lens unsafe.Pointer, count uintptr) ([][]uint32, error) {
	ids := TakeU32(api, flat, total)
	sizes := TakeSizes(api, lens, count)

	out := make([][]uint32, count)
	var off uintptr
	for i, n := range sizes {
		if off+n > total {
			return nil, fmt.Errorf("marshal: sequence %d overruns the flat buffer (%d + %d > %d)", i, off, n, total)
		}
		out[i] = ids[off : off+n : off+n]
		off += n
	}
	if off != total {
		return nil, fmt.Errorf("marshal: length table covers %d of %d ids", off, total)
	}
	return out, nil
}
