package goimpl

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
	"unsafe"

	"github.com/born-ml/tokbridge/internal/interop"
)

const kindProcessor = "processor"

// spaceMarker is the SentencePiece word-boundary symbol (U+2581).
const spaceMarker = "▁"

// pieceModel is a stand-in for a SentencePiece processor. It reads the plain-text vocabulary
// export ("piece<TAB>score" per line, id = line index) and segments by greedy longest match.
type pieceModel struct {
	pieces   []string
	ids      map[string]int32
	maxRunes int
	unk      int32
}

func parsePieceVocab(data []byte) (*pieceModel, error) {
	p := &pieceModel{ids: make(map[string]int32), unk: -1}
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		piece, _, _ := strings.Cut(text, "\t")
		if piece == "" {
			return nil, fmt.Errorf("line %d: empty piece", line)
		}
		id := int32(len(p.pieces)) //nolint:gosec // G115: piece count fits in int32.
		p.pieces = append(p.pieces, piece)
		if _, dup := p.ids[piece]; !dup {
			p.ids[piece] = id
		}
		p.maxRunes = max(p.maxRunes, utf8.RuneCountInString(piece))
		if piece == "<unk>" {
			p.unk = id
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(p.pieces) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	return p, nil
}

func (p *pieceModel) encode(text string) []int32 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	norm := spaceMarker + strings.Join(words, spaceMarker)
	runes := []rune(norm)
	var ids []int32
	for i := 0; i < len(runes); {
		matched := false
		for n := min(p.maxRunes, len(runes)-i); n > 0; n-- {
			if id, ok := p.ids[string(runes[i:i+n])]; ok {
				ids = append(ids, id)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			if p.unk >= 0 {
				ids = append(ids, p.unk)
			}
			i++
		}
	}
	return ids
}

func (p *pieceModel) decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(p.pieces) {
			return "", fmt.Errorf("piece id %d is out of range [0, %d)", id, len(p.pieces))
		}
		if id == p.unk {
			sb.WriteString(" ⁇ ")
			continue
		}
		sb.WriteString(p.pieces[id])
	}
	return strings.TrimPrefix(strings.ReplaceAll(sb.String(), spaceMarker, " "), " "), nil
}

// SPFromBytes loads a processor from a vocabulary export.
func (m *Impl) SPFromBytes(data unsafe.Pointer, n uintptr, out *unsafe.Pointer) interop.Status {
	if out == nil {
		return m.fail(statusInvalidArgument, "tb_sp_from_bytes: out is null")
	}
	*out = nil
	if data == nil || n == 0 {
		return m.fail(statusInvalidArgument, "tb_sp_from_bytes: empty model")
	}
	p, err := parsePieceVocab(readBytes(data, n))
	if err != nil {
		return m.fail(statusEngine, "sentencepiece model: %v", err)
	}
	*out = m.newObject(kindProcessor, p)
	return interop.StatusOK
}

func (m *Impl) SPFree(h unsafe.Pointer) { m.freeObject(h, kindProcessor) }

func (m *Impl) processor(h unsafe.Pointer) (*pieceModel, bool) {
	v, ok := m.lookup(h, kindProcessor)
	if !ok {
		return nil, false
	}
	return v.(*pieceModel), true
}

func (m *Impl) SPEncode(h, text unsafe.Pointer, ids *unsafe.Pointer, n *uintptr) interop.Status {
	p, ok := m.processor(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_sp_encode: invalid handle")
	}
	if text == nil || ids == nil || n == nil {
		return m.fail(statusInvalidArgument, "tb_sp_encode: null argument")
	}
	out := p.encode(interop.GoString(text))
	*ids = m.outputI32(out)
	*n = uintptr(len(out))
	return interop.StatusOK
}

func (m *Impl) SPDecode(h, ids unsafe.Pointer, n uintptr, out *unsafe.Pointer) interop.Status {
	p, ok := m.processor(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_sp_decode: invalid handle")
	}
	if out == nil {
		return m.fail(statusInvalidArgument, "tb_sp_decode: null output")
	}
	var in []int32
	if ids != nil && n > 0 {
		in = unsafe.Slice((*int32)(ids), n)
	}
	s, err := p.decode(in)
	if err != nil {
		return m.fail(statusEngine, "%v", err)
	}
	*out = m.outputString(s)
	return interop.StatusOK
}

// SPPieceToID returns the id of piece, or -1 when it is absent.
func (m *Impl) SPPieceToID(h, piece unsafe.Pointer) int32 {
	p, ok := m.processor(h)
	if !ok || piece == nil {
		return -1
	}
	if id, found := p.ids[interop.GoString(piece)]; found {
		return id
	}
	return -1
}
