package engine

import (
	"unsafe"

	"github.com/born-ml/tokbridge/internal/handle"
	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/marshal"
)

// Decoder is a native byte-level decoder: it maps a batch of token strings back to text.
type Decoder struct {
	object
}

// NewByteLevelDecoder constructs a byte-level decoder.
func NewByteLevelDecoder(opts ...Option) (*Decoder, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	obj, err := newObject("decoder", o, o.api.DecoderByteLevelNew, o.api.DecoderFree)
	if err != nil {
		return nil, err
	}
	return &Decoder{object: obj}, nil
}

// Decode joins the token strings. No token may contain a NUL byte.
func (d *Decoder) Decode(tokens []string) (string, error) {
	return handle.Call(d.h, func(ptr unsafe.Pointer) (string, error) {
		sc := marshal.NewScope(d.api)
		defer sc.Close()
		batch, err := sc.StringBatch(tokens)
		if err != nil {
			return "", err
		}
		var out unsafe.Pointer
		if err := d.ch.Check("tb_decoder_decode", func() interop.Status {
			return d.api.DecoderDecode(ptr, batch.Table(), batch.Len(), &out)
		}); err != nil {
			return "", err
		}
		return marshal.TakeString(d.api, out), nil
	})
}
