package engine

import (
	"math"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/born-ml/tokbridge/internal/argbuild"
	"github.com/born-ml/tokbridge/internal/config"
	"github.com/born-ml/tokbridge/internal/handle"
	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/marshal"
	"github.com/born-ml/tokbridge/internal/tokerr"
)

// BPE is a byte-pair-encoding model built from merge ranks and special tokens.
type BPE struct {
	object
	specials int
}

// NewBPE packs merges and specials and constructs the native model. The staged arguments are
// released once construction returns, whatever the outcome.
func NewBPE(merges []argbuild.MergeRank, specials []argbuild.SpecialToken, opts ...Option) (*BPE, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	argOpts := []argbuild.Option{argbuild.WithLogger(o.logger)}
	if o.hasPattern {
		argOpts = append(argOpts, argbuild.WithPattern(o.pattern))
	}
	args, err := argbuild.NewBPEArgs(o.api, merges, specials, argOpts...)
	if err != nil {
		return nil, err
	}
	defer args.Dispose()

	api := o.api
	obj, err := newObject("bpe", o, func(out *unsafe.Pointer) interop.Status {
		return api.BPENew(args.Merges(), args.NumMerges(), args.Specials(), args.NumSpecials(), args.Pattern(), out)
	}, api.BPEFree)
	if err != nil {
		return nil, err
	}
	return &BPE{object: obj, specials: len(specials)}, nil
}

// LoadBPEFile reads a merge-rank file and constructs a model from it.
func LoadBPEFile(path string, specials []argbuild.SpecialToken, opts ...Option) (*BPE, error) {
	entries, err := config.ParseMergeRanksFile(path)
	if err != nil {
		return nil, err
	}
	return NewBPEFromRanks(entries, specials, opts...)
}

// NewBPEFromRanks constructs a model from parsed merge-rank entries.
func NewBPEFromRanks(entries []config.MergeRankEntry, specials []argbuild.SpecialToken, opts ...Option) (*BPE, error) {
	merges := make([]argbuild.MergeRank, len(entries))
	var size uint64
	for i, e := range entries {
		merges[i] = argbuild.MergeRank{Token: e.Token, Rank: e.Rank}
		size += uint64(len(e.Token))
	}
	b, err := NewBPE(merges, specials, opts...)
	if err != nil {
		return nil, err
	}
	b.logger.V(1).Info("bpe model loaded", "merges", len(merges), "specials", len(specials), "tokenBytes", humanize.Bytes(size))
	return b, nil
}

// NumSpecials returns the number of special tokens the model was built with.
func (b *BPE) NumSpecials() int { return b.specials }

// Encode tokenizes text. With allowSpecial, special-token text maps to its id; otherwise it is
// encoded as ordinary bytes.
func (b *BPE) Encode(text string, allowSpecial bool) ([]uint32, error) {
	return handle.Call(b.h, func(ptr unsafe.Pointer) ([]uint32, error) {
		sc := marshal.NewScope(b.api)
		defer sc.Close()
		in := sc.StringBytes(text)

		var ids unsafe.Pointer
		var n uintptr
		if err := b.ch.Check("tb_bpe_encode", func() interop.Status {
			return b.api.BPEEncode(ptr, in.Ptr(), in.Len(), allowSpecial, &ids, &n)
		}); err != nil {
			return nil, err
		}
		return marshal.TakeU32(b.api, ids, n), nil
	})
}

// EncodeBatch tokenizes every text, allowing special tokens. The result has one sequence per
// input, in input order.
func (b *BPE) EncodeBatch(texts []string) ([][]uint32, error) {
	return handle.Call(b.h, func(ptr unsafe.Pointer) ([][]uint32, error) {
		if len(texts) == 0 {
			return [][]uint32{}, nil
		}
		sc := marshal.NewScope(b.api)
		defer sc.Close()
		views := sc.ByteViews(texts)

		var flat, lens unsafe.Pointer
		var total uintptr
		if err := b.ch.Check("tb_bpe_encode_batch", func() interop.Status {
			return b.api.BPEEncodeBatch(ptr, views.Ptr(), views.Len(), &flat, &lens, &total)
		}); err != nil {
			return nil, err
		}
		return marshal.TakeU32Batch(b.api, flat, total, lens, views.Len())
	})
}

// Decode turns ids back into bytes. The result need not be valid UTF-8.
func (b *BPE) Decode(ids []uint32) ([]byte, error) {
	return handle.Call(b.h, func(ptr unsafe.Pointer) ([]byte, error) {
		sc := marshal.NewScope(b.api)
		defer sc.Close()
		in := sc.Uint32s(ids)

		var out unsafe.Pointer
		var n uintptr
		if err := b.ch.Check("tb_bpe_decode", func() interop.Status {
			return b.api.BPEDecode(ptr, in.Ptr(), in.Len(), &out, &n)
		}); err != nil {
			return nil, err
		}
		return marshal.TakeBytes(b.api, out, n), nil
	})
}

// DecodeBatch decodes every sequence.
func (b *BPE) DecodeBatch(seqs [][]uint32) ([]string, error) {
	return handle.Call(b.h, func(ptr unsafe.Pointer) ([]string, error) {
		if len(seqs) == 0 {
			return []string{}, nil
		}
		sc := marshal.NewScope(b.api)
		defer sc.Close()
		batch := sc.Uint32Batch(seqs)

		var out unsafe.Pointer
		if err := b.ch.Check("tb_bpe_decode_batch", func() interop.Status {
			return b.api.BPEDecodeBatch(ptr, batch.Flat(), batch.Lens(), batch.Count(), &out)
		}); err != nil {
			return nil, err
		}
		return marshal.TakeStringArray(b.api, out, batch.Count()), nil
	})
}

// TextCodec adapts a BPE model to int token ids.
type TextCodec struct {
	BPE          *BPE
	AllowSpecial bool
}

// Encode tokenizes text.
func (c TextCodec) Encode(text string) ([]int, error) {
	ids, err := c.BPE.Encode(text, c.AllowSpecial)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode decodes ids. Ids outside the uint32 range are rejected.
func (c TextCodec) Decode(ids []int) (string, error) {
	in, err := toUint32s(ids)
	if err != nil {
		return "", err
	}
	out, err := c.BPE.Decode(in)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func toUint32s(ids []int) ([]uint32, error) {
	out := make([]uint32, len(ids))
	for i, id := range ids {
		if id < 0 || int64(id) > math.MaxUint32 {
			return nil, tokerr.InvalidArgument("ids", "id %d at %d is out of range", id, i)
		}
		out[i] = uint32(id) //nolint:gosec // G115: range checked above.
	}
	return out, nil
}
