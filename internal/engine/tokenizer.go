package engine

import (
	"os"
	"unsafe"

	"github.com/born-ml/tokbridge/internal/handle"
	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/marshal"
	"github.com/born-ml/tokbridge/internal/tokerr"
)

// Tokenizer is a native tokenizer built from a tokenizer.json document.
type Tokenizer struct {
	object
}

// NewTokenizer constructs a tokenizer from tokenizer.json content.
func NewTokenizer(doc []byte, opts ...Option) (*Tokenizer, error) {
	if len(doc) == 0 {
		return nil, tokerr.InvalidArgument("doc", "tokenizer document is empty")
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	sc := marshal.NewScope(o.api)
	defer sc.Close()
	in := sc.Bytes(doc)

	api := o.api
	obj, err := newObject("tokenizer", o, func(out *unsafe.Pointer) interop.Status {
		return api.TokenizerFromBytes(in.Ptr(), in.Len(), out)
	}, api.TokenizerFree)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{object: obj}, nil
}

// LoadTokenizerFile reads and constructs a tokenizer.json file.
func LoadTokenizerFile(path string, opts ...Option) (*Tokenizer, error) {
	doc, err := os.ReadFile(path) //nolint:gosec // asset path is chosen by the caller.
	if err != nil {
		return nil, err
	}
	return NewTokenizer(doc, opts...)
}

// Encode tokenizes text into a native Encoding, which the caller must Close. text must not
// contain NUL bytes.
func (t *Tokenizer) Encode(text string, addSpecial bool) (*Encoding, error) {
	return handle.Call(t.h, func(ptr unsafe.Pointer) (*Encoding, error) {
		sc := marshal.NewScope(t.api)
		defer sc.Close()
		in, err := sc.Utf8(text)
		if err != nil {
			return nil, err
		}
		h, err := handle.Create("encoding", t.ch, func(out *unsafe.Pointer) interop.Status {
			return t.api.TokenizerEncode(ptr, in.Ptr(), addSpecial, out)
		}, t.api.EncodingFree, handle.WithLogger(t.logger))
		if err != nil {
			return nil, err
		}
		return &Encoding{object: object{api: t.api, ch: t.ch, h: h, logger: t.logger}}, nil
	})
}

// EncodeIDs tokenizes text and returns only the ids.
func (t *Tokenizer) EncodeIDs(text string, addSpecial bool) ([]uint32, error) {
	enc, err := t.Encode(text, addSpecial)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.IDs()
}

// Decode turns ids back into text, optionally dropping special tokens.
func (t *Tokenizer) Decode(ids []uint32, skipSpecial bool) (string, error) {
	return handle.Call(t.h, func(ptr unsafe.Pointer) (string, error) {
		sc := marshal.NewScope(t.api)
		defer sc.Close()
		in := sc.Uint32s(ids)

		var out unsafe.Pointer
		if err := t.ch.Check("tb_tokenizer_decode", func() interop.Status {
			return t.api.TokenizerDecode(ptr, in.Ptr(), in.Len(), skipSpecial, &out)
		}); err != nil {
			return "", err
		}
		return marshal.TakeString(t.api, out), nil
	})
}

// TokenToID looks a token up. found is false when the vocabulary does not contain it.
func (t *Tokenizer) TokenToID(token string) (id uint32, found bool, err error) {
	err = t.h.Invoke(func(ptr unsafe.Pointer) error {
		sc := marshal.NewScope(t.api)
		defer sc.Close()
		in, uerr := sc.Utf8(token)
		if uerr != nil {
			return uerr
		}
		found = true
		return t.ch.Check("tb_tokenizer_token_to_id", func() interop.Status {
			status := t.api.TokenizerTokenToID(ptr, in.Ptr(), &id)
			if status == interop.StatusNotFound {
				found = false
				return interop.StatusOK
			}
			return status
		})
	})
	if err != nil || !found {
		return 0, false, err
	}
	return id, true, nil
}

// VocabSize returns the vocabulary size, with or without added tokens.
func (t *Tokenizer) VocabSize(withAdded bool) (int, error) {
	return handle.Call(t.h, func(ptr unsafe.Pointer) (int, error) {
		return int(t.api.TokenizerVocabSize(ptr, withAdded)), nil //nolint:gosec // G115: vocabulary sizes fit in int.
	})
}

// Encoding is the native result of Tokenizer.Encode.
type Encoding struct {
	object
}

// IDs returns the token ids.
func (e *Encoding) IDs() ([]uint32, error) {
	return handle.Call(e.h, func(ptr unsafe.Pointer) ([]uint32, error) {
		var ids unsafe.Pointer
		var n uintptr
		if err := e.ch.Check("tb_encoding_ids", func() interop.Status {
			return e.api.EncodingIDs(ptr, &ids, &n)
		}); err != nil {
			return nil, err
		}
		return marshal.TakeU32(e.api, ids, n), nil
	})
}

// Tokens returns the token strings.
func (e *Encoding) Tokens() ([]string, error) {
	return handle.Call(e.h, func(ptr unsafe.Pointer) ([]string, error) {
		var toks unsafe.Pointer
		var n uintptr
		if err := e.ch.Check("tb_encoding_tokens", func() interop.Status {
			return e.api.EncodingTokens(ptr, &toks, &n)
		}); err != nil {
			return nil, err
		}
		return marshal.TakeStringArray(e.api, toks, n), nil
	})
}

// TokenizerCodec adapts a Tokenizer to int token ids.
type TokenizerCodec struct {
	Tokenizer   *Tokenizer
	AddSpecial  bool
	SkipSpecial bool
}

// Encode tokenizes text.
func (c TokenizerCodec) Encode(text string) ([]int, error) {
	ids, err := c.Tokenizer.EncodeIDs(text, c.AddSpecial)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode decodes ids.
func (c TokenizerCodec) Decode(ids []int) (string, error) {
	in, err := toUint32s(ids)
	if err != nil {
		return "", err
	}
	return c.Tokenizer.Decode(in, c.SkipSpecial)
}
