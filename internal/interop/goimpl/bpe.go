package goimpl

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkoukk/tiktoken-go"

	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/parallel"
)

// DefaultPattern is the cl100k pre-tokenization pattern, used when no pattern is supplied.
const DefaultPattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`

const kindBPE = "bpe"

// bpeModel executes byte-pair encoding through tiktoken-go.
type bpeModel struct {
	tk       *tiktoken.Tiktoken
	specials int
}

func (b *bpeModel) encode(text string, allowSpecial bool) []int {
	// tiktoken's special-token scan never terminates on an empty special set.
	if !allowSpecial || b.specials == 0 {
		return b.tk.EncodeOrdinary(text)
	}
	return b.tk.Encode(text, []string{"all"}, nil)
}

func toU32(ids []int) []uint32 {
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id) //nolint:gosec // G115: ranks are validated as uint32 at construction.
	}
	return out
}

func toInts(ids []uint32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// BPENew builds a model from merge entries, special entries and a pattern (nil for the default).
func (m *Impl) BPENew(merges unsafe.Pointer, nMerges uintptr, specials unsafe.Pointer, nSpecials uintptr, pattern unsafe.Pointer, out *unsafe.Pointer) interop.Status {
	if out == nil {
		return m.fail(statusInvalidArgument, "tb_bpe_new: out is null")
	}
	*out = nil
	if (merges == nil && nMerges > 0) || (specials == nil && nSpecials > 0) {
		return m.fail(statusInvalidArgument, "tb_bpe_new: null table with non-zero length")
	}

	return m.guard("tb_bpe_new", func() interop.Status {
		pat := DefaultPattern
		if pattern != nil {
			pat = interop.GoString(pattern)
		}

		encoder := make(map[string]int, nMerges)
		if nMerges > 0 {
			for i, e := range unsafe.Slice((*interop.MergeEntry)(merges), nMerges) {
				b, ok := m.bytesAt(e.Bytes, e.Len)
				if !ok {
					return m.fail(statusInvalidArgument, "merge entry %d: bytes outside any live allocation", i)
				}
				token := string(b)
				if _, dup := encoder[token]; dup {
					return m.fail(statusInvalidArgument, "merge entry %d: duplicate token %q", i, token)
				}
				encoder[token] = int(e.Rank)
			}
		}

		specialEncoder := make(map[string]int, nSpecials)
		specialSet := make(map[string]any, nSpecials)
		if nSpecials > 0 {
			for i, e := range unsafe.Slice((*interop.SpecialEntry)(specials), nSpecials) {
				if e.Str == 0 {
					return m.fail(statusInvalidArgument, "special entry %d: null string", i)
				}
				s, ok := m.stringAt(e.Str)
				if !ok {
					return m.fail(statusInvalidArgument, "special entry %d: string outside any live allocation", i)
				}
				specialEncoder[s] = int(e.Rank)
				specialSet[s] = nil
			}
		}

		core, err := tiktoken.NewCoreBPE(encoder, specialEncoder, pat)
		if err != nil {
			if strings.HasPrefix(err.Error(), "error compiling regex") {
				return m.fail(statusInvalidArgument, "invalid pre-tokenization pattern: %v", err)
			}
			return m.fail(statusEngine, "%v", err)
		}
		enc := &tiktoken.Encoding{
			Name:           "tokbridge",
			PatStr:         pat,
			MergeableRanks: encoder,
			SpecialTokens:  specialEncoder,
		}
		*out = m.newObject(kindBPE, &bpeModel{tk: tiktoken.NewTiktoken(core, enc, specialSet), specials: len(specialEncoder)})
		return interop.StatusOK
	})
}

func (m *Impl) BPEFree(h unsafe.Pointer) { m.freeObject(h, kindBPE) }

func (m *Impl) bpe(h unsafe.Pointer) (*bpeModel, bool) {
	v, ok := m.lookup(h, kindBPE)
	if !ok {
		return nil, false
	}
	return v.(*bpeModel), true
}

func (m *Impl) BPEEncode(h, text unsafe.Pointer, n uintptr, allowSpecial bool, ids *unsafe.Pointer, count *uintptr) interop.Status {
	model, ok := m.bpe(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_bpe_encode: invalid handle")
	}
	if ids == nil || count == nil {
		return m.fail(statusInvalidArgument, "tb_bpe_encode: null output")
	}
	return m.guard("tb_bpe_encode", func() interop.Status {
		out := toU32(model.encode(string(readBytes(text, n)), allowSpecial))
		*ids = m.outputU32(out)
		*count = uintptr(len(out))
		return interop.StatusOK
	})
}

func (m *Impl) BPEEncodeBatch(h, views unsafe.Pointer, n uintptr, flat, lens *unsafe.Pointer, total *uintptr) interop.Status {
	model, ok := m.bpe(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_bpe_encode_batch: invalid handle")
	}
	if flat == nil || lens == nil || total == nil {
		return m.fail(statusInvalidArgument, "tb_bpe_encode_batch: null output")
	}
	return m.guard("tb_bpe_encode_batch", func() interop.Status {
		var texts []interop.ByteView
		if n > 0 {
			texts = unsafe.Slice((*interop.ByteView)(views), n)
		}
		results := make([][]int, len(texts))
		err := parallel.ForErr(len(texts), func(i int) error {
			return recovered(func() error {
				b, ok := m.bytesAt(texts[i].Ptr, texts[i].Len)
				if !ok {
					return fmt.Errorf("sequence %d: text outside any live allocation", i)
				}
				results[i] = model.encode(string(b), true)
				return nil
			})
		}, m.parallel)
		if err != nil {
			return m.failBatch("tb_bpe_encode_batch", err)
		}

		sizes := make([]uintptr, len(results))
		var all []uint32
		for i, r := range results {
			sizes[i] = uintptr(len(r))
			all = append(all, toU32(r)...)
		}
		*flat = m.outputU32(all)
		*lens = m.outputSizes(sizes)
		*total = uintptr(len(all))
		return interop.StatusOK
	})
}

func (m *Impl) BPEDecode(h, ids unsafe.Pointer, n uintptr, out *unsafe.Pointer, outLen *uintptr) interop.Status {
	model, ok := m.bpe(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_bpe_decode: invalid handle")
	}
	if out == nil || outLen == nil {
		return m.fail(statusInvalidArgument, "tb_bpe_decode: null output")
	}
	return m.guard("tb_bpe_decode", func() interop.Status {
		text := model.tk.Decode(toInts(readU32(ids, n)))
		*out = m.output([]byte(text))
		*outLen = uintptr(len(text))
		return interop.StatusOK
	})
}

func (m *Impl) BPEDecodeBatch(h, flat, lens unsafe.Pointer, count uintptr, out *unsafe.Pointer) interop.Status {
	model, ok := m.bpe(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_bpe_decode_batch: invalid handle")
	}
	if out == nil {
		return m.fail(statusInvalidArgument, "tb_bpe_decode_batch: null output")
	}
	return m.guard("tb_bpe_decode_batch", func() interop.Status {
		sizes := readSizes(lens, count)
		var totalIDs uintptr
		for _, s := range sizes {
			totalIDs += s
		}
		all := readU32(flat, totalIDs)

		texts := make([]string, len(sizes))
		offsets := make([]uintptr, len(sizes))
		var off uintptr
		for i, s := range sizes {
			offsets[i] = off
			off += s
		}
		err := parallel.ForErr(len(sizes), func(i int) error {
			return recovered(func() error {
				text := model.tk.Decode(toInts(all[offsets[i] : offsets[i]+sizes[i]]))
				if strings.IndexByte(text, 0) >= 0 {
					return fmt.Errorf("sequence %d decodes to text containing NUL", i)
				}
				texts[i] = text
				return nil
			})
		}, m.parallel)
		if err != nil {
			return m.failBatch("tb_bpe_decode_batch", err)
		}
		*out = m.outputStrings(texts)
		return interop.StatusOK
	})
}
