package goimpl

import (
	"strings"
	"unicode/utf8"
	"unsafe"

	"github.com/born-ml/tokbridge/internal/interop"
)

const kindDecoder = "decoder"

// byteLevelDecoder reverses the GPT-2 byte-to-unicode mapping used by byte-level BPE vocabularies.
type byteLevelDecoder struct {
	runeToByte map[rune]byte
}

func newByteLevelDecoder() *byteLevelDecoder {
	d := &byteLevelDecoder{runeToByte: make(map[rune]byte, 256)}
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			d.runeToByte[rune(b)] = byte(b)
			continue
		}
		d.runeToByte[rune(256+n)] = byte(b)
		n++
	}
	return d
}

func (d *byteLevelDecoder) decode(tokens []string) string {
	var out []byte
	for _, tok := range tokens {
		for _, r := range tok {
			if b, ok := d.runeToByte[r]; ok {
				out = append(out, b)
				continue
			}
			out = utf8.AppendRune(out, r)
		}
	}
	return strings.ToValidUTF8(string(out), "�")
}

// DecoderByteLevelNew creates a byte-level decoder.
func (m *Impl) DecoderByteLevelNew(out *unsafe.Pointer) interop.Status {
	if out == nil {
		return m.fail(statusInvalidArgument, "tb_decoder_bytelevel_new: out is null")
	}
	*out = m.newObject(kindDecoder, newByteLevelDecoder())
	return interop.StatusOK
}

func (m *Impl) DecoderFree(h unsafe.Pointer) { m.freeObject(h, kindDecoder) }

// DecoderDecode joins a batch of token strings (const char* const*) and decodes the result.
func (m *Impl) DecoderDecode(h, tokens unsafe.Pointer, n uintptr, out *unsafe.Pointer) interop.Status {
	v, ok := m.lookup(h, kindDecoder)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_decoder_decode: invalid handle")
	}
	if out == nil || (tokens == nil && n > 0) {
		return m.fail(statusInvalidArgument, "tb_decoder_decode: null argument")
	}
	toks := make([]string, 0, n)
	for i, p := range readSizes(tokens, n) {
		if p == 0 {
			return m.fail(statusInvalidArgument, "tb_decoder_decode: token %d is null", i)
		}
		tok, ok := m.stringAt(p)
		if !ok {
			return m.fail(statusInvalidArgument, "tb_decoder_decode: token %d outside any live allocation", i)
		}
		toks = append(toks, tok)
	}
	*out = m.outputString(v.(*byteLevelDecoder).decode(toks))
	return interop.StatusOK
}
