package engine

import (
	"os"
	"unsafe"

	"github.com/born-ml/tokbridge/internal/handle"
	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/marshal"
	"github.com/born-ml/tokbridge/internal/tokerr"
)

// Processor is a native SentencePiece processor.
type Processor struct {
	object
}

// NewProcessor constructs a processor from a serialized model.
func NewProcessor(model []byte, opts ...Option) (*Processor, error) {
	if len(model) == 0 {
		return nil, tokerr.InvalidArgument("model", "sentencepiece model is empty")
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	sc := marshal.NewScope(o.api)
	defer sc.Close()
	in := sc.Bytes(model)

	api := o.api
	obj, err := newObject("processor", o, func(out *unsafe.Pointer) interop.Status {
		return api.SPFromBytes(in.Ptr(), in.Len(), out)
	}, api.SPFree)
	if err != nil {
		return nil, err
	}
	return &Processor{object: obj}, nil
}

// LoadProcessorFile reads and constructs a SentencePiece model file.
func LoadProcessorFile(path string, opts ...Option) (*Processor, error) {
	model, err := os.ReadFile(path) //nolint:gosec // asset path is chosen by the caller.
	if err != nil {
		return nil, err
	}
	return NewProcessor(model, opts...)
}

// Encode segments text into piece ids.
func (p *Processor) Encode(text string) ([]int32, error) {
	return handle.Call(p.h, func(ptr unsafe.Pointer) ([]int32, error) {
		sc := marshal.NewScope(p.api)
		defer sc.Close()
		in, err := sc.Utf8(text)
		if err != nil {
			return nil, err
		}
		var ids unsafe.Pointer
		var n uintptr
		if err := p.ch.Check("tb_sp_encode", func() interop.Status {
			return p.api.SPEncode(ptr, in.Ptr(), &ids, &n)
		}); err != nil {
			return nil, err
		}
		return marshal.TakeI32(p.api, ids, n), nil
	})
}

// Decode joins piece ids back into text.
func (p *Processor) Decode(ids []int32) (string, error) {
	return handle.Call(p.h, func(ptr unsafe.Pointer) (string, error) {
		sc := marshal.NewScope(p.api)
		defer sc.Close()
		in := sc.Int32s(ids)

		var out unsafe.Pointer
		if err := p.ch.Check("tb_sp_decode", func() interop.Status {
			return p.api.SPDecode(ptr, in.Ptr(), in.Len(), &out)
		}); err != nil {
			return "", err
		}
		return marshal.TakeString(p.api, out), nil
	})
}

// PieceToID looks a piece up. found is false when the piece is not in the model.
func (p *Processor) PieceToID(piece string) (id int32, found bool, err error) {
	id, err = handle.Call(p.h, func(ptr unsafe.Pointer) (int32, error) {
		sc := marshal.NewScope(p.api)
		defer sc.Close()
		in, err := sc.Utf8(piece)
		if err != nil {
			return 0, err
		}
		return p.api.SPPieceToID(ptr, in.Ptr()), nil
	})
	if err != nil || id < 0 {
		return 0, false, err
	}
	return id, true, nil
}
