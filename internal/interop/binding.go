//go:build darwin || freebsd || linux || netbsd || windows

package interop

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/born-ml/tokbridge/internal/resolver"
)

// Binding implements API by calling into the loaded tokbridge library through purego. Staging
// memory comes from the C runtime's malloc and free.
type Binding struct {
	lib, crt    resolver.LibraryHandle
	threadLocal bool

	malloc func(size uintptr) unsafe.Pointer
	free   func(p unsafe.Pointer)

	lastError       func() unsafe.Pointer
	freeString      func(p unsafe.Pointer)
	freeBytes       func(p unsafe.Pointer, n uintptr)
	freeU32         func(p unsafe.Pointer, n uintptr)
	freeI32         func(p unsafe.Pointer, n uintptr)
	freeSizes       func(p unsafe.Pointer, n uintptr)
	freeStringArray func(p unsafe.Pointer, n uintptr)

	bpeNew         func(merges unsafe.Pointer, nMerges uintptr, specials unsafe.Pointer, nSpecials uintptr, pattern unsafe.Pointer, out *unsafe.Pointer) int32
	bpeFree        func(h unsafe.Pointer)
	bpeEncode      func(h, text unsafe.Pointer, n uintptr, allowSpecial bool, ids *unsafe.Pointer, count *uintptr) int32
	bpeEncodeBatch func(h, views unsafe.Pointer, n uintptr, flat, lens *unsafe.Pointer, total *uintptr) int32
	bpeDecode      func(h, ids unsafe.Pointer, n uintptr, out *unsafe.Pointer, outLen *uintptr) int32
	bpeDecodeBatch func(h, flat, lens unsafe.Pointer, count uintptr, out *unsafe.Pointer) int32

	tokenizerFromBytes func(data unsafe.Pointer, n uintptr, out *unsafe.Pointer) int32
	tokenizerFree      func(h unsafe.Pointer)
	tokenizerEncode    func(h, text unsafe.Pointer, addSpecial bool, enc *unsafe.Pointer) int32
	tokenizerDecode    func(h, ids unsafe.Pointer, n uintptr, skipSpecial bool, out *unsafe.Pointer) int32
	tokenizerTokenToID func(h, token unsafe.Pointer, id *uint32) int32
	tokenizerVocabSize func(h unsafe.Pointer, withAdded bool) uintptr

	encodingIDs    func(enc unsafe.Pointer, ids *unsafe.Pointer, n *uintptr) int32
	encodingTokens func(enc unsafe.Pointer, toks *unsafe.Pointer, n *uintptr) int32
	encodingFree   func(enc unsafe.Pointer)

	spFromBytes func(data unsafe.Pointer, n uintptr, out *unsafe.Pointer) int32
	spFree      func(h unsafe.Pointer)
	spEncode    func(h, text unsafe.Pointer, ids *unsafe.Pointer, n *uintptr) int32
	spDecode    func(h, ids unsafe.Pointer, n uintptr, out *unsafe.Pointer) int32
	spPieceToID func(h, piece unsafe.Pointer) int32

	decoderByteLevelNew func(out *unsafe.Pointer) int32
	decoderFree         func(h unsafe.Pointer)
	decoderDecode       func(h, tokens unsafe.Pointer, n uintptr, out *unsafe.Pointer) int32
}

type symbol struct {
	fptr any
	name string
}

// Bind registers every ABI function from lib and malloc/free from crt. All required symbols
// are looked up before any is registered, so a missing symbol fails the whole bind with the
// complete list of what is absent.
func Bind(lib, crt resolver.LibraryHandle) (*Binding, error) {
	b := &Binding{lib: lib, crt: crt}

	if err := register(crt, []symbol{
		{&b.malloc, "malloc"},
		{&b.free, "free"},
	}); err != nil {
		return nil, err
	}

	if err := register(lib, []symbol{
		{&b.lastError, "tb_last_error"},
		{&b.freeString, "tb_free_string"},
		{&b.freeBytes, "tb_free_bytes"},
		{&b.freeU32, "tb_free_u32"},
		{&b.freeI32, "tb_free_i32"},
		{&b.freeSizes, "tb_free_sizes"},
		{&b.freeStringArray, "tb_free_string_array"},

		{&b.bpeNew, "tb_bpe_new"},
		{&b.bpeFree, "tb_bpe_free"},
		{&b.bpeEncode, "tb_bpe_encode"},
		{&b.bpeEncodeBatch, "tb_bpe_encode_batch"},
		{&b.bpeDecode, "tb_bpe_decode"},
		{&b.bpeDecodeBatch, "tb_bpe_decode_batch"},

		{&b.tokenizerFromBytes, "tb_tokenizer_from_bytes"},
		{&b.tokenizerFree, "tb_tokenizer_free"},
		{&b.tokenizerEncode, "tb_tokenizer_encode"},
		{&b.tokenizerDecode, "tb_tokenizer_decode"},
		{&b.tokenizerTokenToID, "tb_tokenizer_token_to_id"},
		{&b.tokenizerVocabSize, "tb_tokenizer_vocab_size"},

		{&b.encodingIDs, "tb_encoding_ids"},
		{&b.encodingTokens, "tb_encoding_tokens"},
		{&b.encodingFree, "tb_encoding_free"},

		{&b.spFromBytes, "tb_sp_from_bytes"},
		{&b.spFree, "tb_sp_free"},
		{&b.spEncode, "tb_sp_encode"},
		{&b.spDecode, "tb_sp_decode"},
		{&b.spPieceToID, "tb_sp_piece_to_id"},

		{&b.decoderByteLevelNew, "tb_decoder_bytelevel_new"},
		{&b.decoderFree, "tb_decoder_free"},
		{&b.decoderDecode, "tb_decoder_decode"},
	}); err != nil {
		return nil, err
	}

	// Optional: libraries that do not export it keep their error state in one shared slot.
	if sym, err := resolver.Symbol(lib, "tb_error_state_is_thread_local"); err == nil && sym != 0 {
		var isThreadLocal func() bool
		purego.RegisterFunc(&isThreadLocal, sym)
		b.threadLocal = isThreadLocal()
	}
	return b, nil
}

func register(lib resolver.LibraryHandle, table []symbol) error {
	addrs := make([]uintptr, len(table))
	var missing []string
	for i, s := range table {
		sym, err := resolver.Symbol(lib, s.name)
		if err != nil || sym == 0 {
			missing = append(missing, s.name)
			continue
		}
		addrs[i] = sym
	}
	if len(missing) > 0 {
		return fmt.Errorf("interop: native library is missing symbols: %s", strings.Join(missing, ", "))
	}
	for i, s := range table {
		purego.RegisterFunc(s.fptr, addrs[i])
	}
	return nil
}

func (b *Binding) Malloc(size uintptr) unsafe.Pointer { return b.malloc(size) }
func (b *Binding) Free(p unsafe.Pointer) {
	if p != nil {
		b.free(p)
	}
}

func (b *Binding) LastError() unsafe.Pointer             { return b.lastError() }
func (b *Binding) ErrorStateThreadLocal() bool           { return b.threadLocal }
func (b *Binding) FreeString(p unsafe.Pointer)           { b.freeString(p) }
func (b *Binding) FreeBytes(p unsafe.Pointer, n uintptr) { b.freeBytes(p, n) }
func (b *Binding) FreeU32(p unsafe.Pointer, n uintptr)   { b.freeU32(p, n) }
func (b *Binding) FreeI32(p unsafe.Pointer, n uintptr)   { b.freeI32(p, n) }
func (b *Binding) FreeSizes(p unsafe.Pointer, n uintptr) { b.freeSizes(p, n) }
func (b *Binding) FreeStringArray(p unsafe.Pointer, n uintptr) {
	b.freeStringArray(p, n)
}

func (b *Binding) BPENew(merges unsafe.Pointer, nMerges uintptr, specials unsafe.Pointer, nSpecials uintptr, pattern unsafe.Pointer, out *unsafe.Pointer) Status {
	return b.bpeNew(merges, nMerges, specials, nSpecials, pattern, out)
}

func (b *Binding) BPEFree(h unsafe.Pointer) { b.bpeFree(h) }

func (b *Binding) BPEEncode(h, text unsafe.Pointer, n uintptr, allowSpecial bool, ids *unsafe.Pointer, count *uintptr) Status {
	return b.bpeEncode(h, text, n, allowSpecial, ids, count)
}

func (b *Binding) BPEEncodeBatch(h, views unsafe.Pointer, n uintptr, flat, lens *unsafe.Pointer, total *uintptr) Status {
	return b.bpeEncodeBatch(h, views, n, flat, lens, total)
}

func (b *Binding) BPEDecode(h, ids unsafe.Pointer, n uintptr, out *unsafe.Pointer, outLen *uintptr) Status {
	return b.bpeDecode(h, ids, n, out, outLen)
}

func (b *Binding) BPEDecodeBatch(h, flat, lens unsafe.Pointer, count uintptr, out *unsafe.Pointer) Status {
	return b.bpeDecodeBatch(h, flat, lens, count, out)
}

func (b *Binding) TokenizerFromBytes(data unsafe.Pointer, n uintptr, out *unsafe.Pointer) Status {
	return b.tokenizerFromBytes(data, n, out)
}

func (b *Binding) TokenizerFree(h unsafe.Pointer) { b.tokenizerFree(h) }

func (b *Binding) TokenizerEncode(h, text unsafe.Pointer, addSpecial bool, enc *unsafe.Pointer) Status {
	return b.tokenizerEncode(h, text, addSpecial, enc)
}

func (b *Binding) TokenizerDecode(h, ids unsafe.Pointer, n uintptr, skipSpecial bool, out *unsafe.Pointer) Status {
	return b.tokenizerDecode(h, ids, n, skipSpecial, out)
}

func (b *Binding) TokenizerTokenToID(h, token unsafe.Pointer, id *uint32) Status {
	return b.tokenizerTokenToID(h, token, id)
}

func (b *Binding) TokenizerVocabSize(h unsafe.Pointer, withAdded bool) uintptr {
	return b.tokenizerVocabSize(h, withAdded)
}

func (b *Binding) EncodingIDs(enc unsafe.Pointer, ids *unsafe.Pointer, n *uintptr) Status {
	return b.encodingIDs(enc, ids, n)
}

func (b *Binding) EncodingTokens(enc unsafe.Pointer, toks *unsafe.Pointer, n *uintptr) Status {
	return b.encodingTokens(enc, toks, n)
}

func (b *Binding) EncodingFree(enc unsafe.Pointer) { b.encodingFree(enc) }

func (b *Binding) SPFromBytes(data unsafe.Pointer, n uintptr, out *unsafe.Pointer) Status {
	return b.spFromBytes(data, n, out)
}

func (b *Binding) SPFree(h unsafe.Pointer) { b.spFree(h) }

func (b *Binding) SPEncode(h, text unsafe.Pointer, ids *unsafe.Pointer, n *uintptr) Status {
	return b.spEncode(h, text, ids, n)
}

func (b *Binding) SPDecode(h, ids unsafe.Pointer, n uintptr, out *unsafe.Pointer) Status {
	return b.spDecode(h, ids, n, out)
}

func (b *Binding) SPPieceToID(h, piece unsafe.Pointer) int32 { return b.spPieceToID(h, piece) }

func (b *Binding) DecoderByteLevelNew(out *unsafe.Pointer) Status { return b.decoderByteLevelNew(out) }

func (b *Binding) DecoderFree(h unsafe.Pointer) { b.decoderFree(h) }

func (b *Binding) DecoderDecode(h, tokens unsafe.Pointer, n uintptr, out *unsafe.Pointer) Status {
	return b.decoderDecode(h, tokens, n, out)
}

var _ API = (*Binding)(nil)
