package goimpl

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unsafe"

	"github.com/dlclark/regexp2"

	"github.com/born-ml/tokbridge/internal/interop"
)

const (
	kindTokenizer = "tokenizer"
	kindEncoding  = "encoding"
)

// statusNotFound is returned by tb_tokenizer_token_to_id for unknown tokens. It does not set a
// last error.
const statusNotFound = interop.StatusNotFound

// tokenizerJSON is the subset of a tokenizer.json document the stand-in engine reads.
type tokenizerJSON struct {
	Model struct {
		Type     string            `json:"type"`
		Vocab    json.RawMessage   `json:"vocab"`
		Merges   []json.RawMessage `json:"merges"`
		UnkToken *string           `json:"unk_token"`
	} `json:"model"`
	AddedTokens []struct {
		ID      uint32 `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	PreTokenizer *preTokenizerJSON `json:"pre_tokenizer"`
}

// preTokenizerJSON covers a Split pre-tokenizer, alone or inside a Sequence.
type preTokenizerJSON struct {
	Type    string `json:"type"`
	Pattern struct {
		Regex string `json:"Regex"`
	} `json:"pattern"`
	Pretokenizers []preTokenizerJSON `json:"pretokenizers"`
}

// splitRegex returns the first Split regex, depth first.
func (p *preTokenizerJSON) splitRegex() (string, bool) {
	if p.Type == "Split" && p.Pattern.Regex != "" {
		return p.Pattern.Regex, true
	}
	for i := range p.Pretokenizers {
		if re, ok := p.Pretokenizers[i].splitRegex(); ok {
			return re, true
		}
	}
	return "", false
}

type pair struct {
	first, second string
}

// wordTokenizer is a vocabulary-lookup stand-in for the tokenizer-json engine: whole words
// are looked up first, then split into characters and merged by rank.
type wordTokenizer struct {
	vocab     map[string]uint32
	reverse   map[uint32]string
	ranks     map[pair]int
	added     map[string]uint32
	special   map[uint32]bool
	addedOnly int // added tokens whose content is not in the model vocabulary
	split     *regexp2.Regexp

	bos, unk       uint32
	hasBOS, hasUnk bool
}

func parseTokenizerJSON(data []byte) (*wordTokenizer, error) {
	var doc tokenizerJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}

	t := &wordTokenizer{
		vocab:   make(map[string]uint32),
		reverse: make(map[uint32]string),
		ranks:   make(map[pair]int),
		added:   make(map[string]uint32),
		special: make(map[uint32]bool),
	}

	if len(doc.Model.Vocab) > 0 {
		if err := t.readVocab(doc.Model.Vocab); err != nil {
			return nil, err
		}
	}

	for i, raw := range doc.Model.Merges {
		p, err := parseMerge(raw)
		if err != nil {
			return nil, fmt.Errorf("merge %d: %w", i, err)
		}
		if _, seen := t.ranks[p]; !seen {
			t.ranks[p] = i
		}
	}

	for _, a := range doc.AddedTokens {
		if _, inVocab := t.vocab[a.Content]; !inVocab {
			t.addedOnly++
		}
		t.added[a.Content] = a.ID
		t.reverse[a.ID] = a.Content
		if a.Special {
			t.special[a.ID] = true
			switch strings.ToLower(a.Content) {
			case "<s>", "<bos>", "[cls]", "<|begin_of_text|>":
				t.bos, t.hasBOS = a.ID, true
			}
		}
	}

	if doc.PreTokenizer != nil {
		if pat, ok := doc.PreTokenizer.splitRegex(); ok {
			re, err := regexp2.Compile(pat, regexp2.None)
			if err != nil {
				return nil, fmt.Errorf("pre_tokenizer: %w", err)
			}
			t.split = re
		}
	}

	if doc.Model.UnkToken != nil {
		if id, ok := t.lookup(*doc.Model.UnkToken); ok {
			t.unk, t.hasUnk = id, true
		}
	}
	return t, nil
}

// readVocab accepts both the BPE/WordPiece object form and the Unigram [[piece, score]] form.
func (t *wordTokenizer) readVocab(raw json.RawMessage) error {
	var byToken map[string]uint32
	if err := json.Unmarshal(raw, &byToken); err == nil {
		for tok, id := range byToken {
			t.vocab[tok] = id
			t.reverse[id] = tok
		}
		return nil
	}
	var pieces [][]any
	if err := json.Unmarshal(raw, &pieces); err != nil {
		return fmt.Errorf("model.vocab: %w", err)
	}
	for i, p := range pieces {
		if len(p) == 0 {
			return fmt.Errorf("model.vocab[%d]: empty entry", i)
		}
		s, ok := p[0].(string)
		if !ok {
			return fmt.Errorf("model.vocab[%d]: piece is not a string", i)
		}
		t.vocab[s] = uint32(i) //nolint:gosec // G115: vocabulary index fits in uint32.
		t.reverse[uint32(i)] = s
	}
	return nil
}

func parseMerge(raw json.RawMessage) (pair, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parts := strings.Split(s, " ")
		if len(parts) != 2 {
			return pair{}, fmt.Errorf("expected 2 symbols, got %d", len(parts))
		}
		return pair{parts[0], parts[1]}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 2 {
		return pair{}, fmt.Errorf("expected a string or a pair of strings")
	}
	return pair{arr[0], arr[1]}, nil
}

func (t *wordTokenizer) lookup(token string) (uint32, bool) {
	if id, ok := t.added[token]; ok {
		return id, true
	}
	id, ok := t.vocab[token]
	return id, ok
}

// encode splits text on whitespace, or with the Split pre-tokenizer regex when the document has
// one. Whitespace-split words after the first keep their leading space, so the vocabulary decides
// how spaces are tokenized.
func (t *wordTokenizer) encode(text string, addSpecial bool) ([]uint32, []string) {
	var ids []uint32
	var toks []string
	emit := func(id uint32, tok string) {
		ids = append(ids, id)
		toks = append(toks, tok)
	}
	if addSpecial && t.hasBOS {
		emit(t.bos, t.reverse[t.bos])
	}

	words, spaced := strings.FieldsFunc(text, unicode.IsSpace), true
	if t.split != nil {
		words, spaced = t.splitWords(text), false
	}
	for i, word := range words {
		if id, ok := t.added[word]; ok {
			emit(id, word)
			continue
		}
		if spaced && i > 0 {
			word = " " + word
		}
		if id, ok := t.vocab[word]; ok {
			emit(id, word)
			continue
		}
		for _, sym := range t.merge(word) {
			switch id, ok := t.vocab[sym]; {
			case ok:
				emit(id, sym)
			case t.hasUnk:
				emit(t.unk, t.reverse[t.unk])
			}
		}
	}
	return ids, toks
}

// splitWords isolates every regex match. Text between matches is kept as its own word.
func (t *wordTokenizer) splitWords(text string) []string {
	runes := []rune(text)
	var words []string
	last := 0
	m, err := t.split.FindRunesMatch(runes)
	for err == nil && m != nil {
		if m.Index > last {
			words = append(words, string(runes[last:m.Index]))
		}
		if m.Length > 0 {
			words = append(words, m.String())
		}
		last = m.Index + m.Length
		m, err = t.split.FindNextMatch(m)
	}
	if last < len(runes) {
		words = append(words, string(runes[last:]))
	}
	return words
}

// merge applies the lowest-ranked merge repeatedly until none applies.
func (t *wordTokenizer) merge(word string) []string {
	var syms []string
	for _, r := range word {
		syms = append(syms, string(r))
	}
	for len(syms) > 1 {
		best, bestRank := -1, len(t.ranks)+1
		for i := 0; i < len(syms)-1; i++ {
			if rank, ok := t.ranks[pair{syms[i], syms[i+1]}]; ok && rank < bestRank {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		merged := syms[best] + syms[best+1]
		syms = append(syms[:best+1], syms[best+2:]...)
		syms[best] = merged
	}
	return syms
}

func (t *wordTokenizer) decode(ids []uint32, skipSpecial bool) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if skipSpecial && t.special[id] {
			continue
		}
		tok, ok := t.reverse[id]
		if !ok {
			return "", fmt.Errorf("token id %d is out of range", id)
		}
		sb.WriteString(tok)
	}
	return sb.String(), nil
}

type encoding struct {
	ids  []uint32
	toks []string
}

// TokenizerFromBytes parses a tokenizer.json document.
func (m *Impl) TokenizerFromBytes(data unsafe.Pointer, n uintptr, out *unsafe.Pointer) interop.Status {
	if out == nil {
		return m.fail(statusInvalidArgument, "tb_tokenizer_from_bytes: out is null")
	}
	*out = nil
	if data == nil || n == 0 {
		return m.fail(statusInvalidArgument, "tb_tokenizer_from_bytes: empty document")
	}
	t, err := parseTokenizerJSON(readBytes(data, n))
	if err != nil {
		return m.fail(statusEngine, "%v", err)
	}
	*out = m.newObject(kindTokenizer, t)
	return interop.StatusOK
}

func (m *Impl) TokenizerFree(h unsafe.Pointer) { m.freeObject(h, kindTokenizer) }

func (m *Impl) tokenizer(h unsafe.Pointer) (*wordTokenizer, bool) {
	v, ok := m.lookup(h, kindTokenizer)
	if !ok {
		return nil, false
	}
	return v.(*wordTokenizer), true
}

func (m *Impl) TokenizerEncode(h, text unsafe.Pointer, addSpecial bool, enc *unsafe.Pointer) interop.Status {
	t, ok := m.tokenizer(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_tokenizer_encode: invalid handle")
	}
	if text == nil || enc == nil {
		return m.fail(statusInvalidArgument, "tb_tokenizer_encode: null argument")
	}
	ids, toks := t.encode(interop.GoString(text), addSpecial)
	*enc = m.newObject(kindEncoding, &encoding{ids: ids, toks: toks})
	return interop.StatusOK
}

func (m *Impl) TokenizerDecode(h, ids unsafe.Pointer, n uintptr, skipSpecial bool, out *unsafe.Pointer) interop.Status {
	t, ok := m.tokenizer(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_tokenizer_decode: invalid handle")
	}
	if out == nil {
		return m.fail(statusInvalidArgument, "tb_tokenizer_decode: null output")
	}
	s, err := t.decode(readU32(ids, n), skipSpecial)
	if err != nil {
		return m.fail(statusEngine, "%v", err)
	}
	*out = m.outputString(s)
	return interop.StatusOK
}

func (m *Impl) TokenizerTokenToID(h, token unsafe.Pointer, id *uint32) interop.Status {
	t, ok := m.tokenizer(h)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_tokenizer_token_to_id: invalid handle")
	}
	if token == nil || id == nil {
		return m.fail(statusInvalidArgument, "tb_tokenizer_token_to_id: null argument")
	}
	v, found := t.lookup(interop.GoString(token))
	if !found {
		return statusNotFound
	}
	*id = v
	return interop.StatusOK
}

func (m *Impl) TokenizerVocabSize(h unsafe.Pointer, withAdded bool) uintptr {
	t, ok := m.tokenizer(h)
	if !ok {
		return 0
	}
	if withAdded {
		return uintptr(len(t.vocab) + t.addedOnly)
	}
	return uintptr(len(t.vocab))
}

func (m *Impl) encoding(h unsafe.Pointer) (*encoding, bool) {
	v, ok := m.lookup(h, kindEncoding)
	if !ok {
		return nil, false
	}
	return v.(*encoding), true
}

func (m *Impl) EncodingIDs(enc unsafe.Pointer, ids *unsafe.Pointer, n *uintptr) interop.Status {
	e, ok := m.encoding(enc)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_encoding_ids: invalid handle")
	}
	if ids == nil || n == nil {
		return m.fail(statusInvalidArgument, "tb_encoding_ids: null output")
	}
	*ids = m.outputU32(e.ids)
	*n = uintptr(len(e.ids))
	return interop.StatusOK
}

func (m *Impl) EncodingTokens(enc unsafe.Pointer, toks *unsafe.Pointer, n *uintptr) interop.Status {
	e, ok := m.encoding(enc)
	if !ok {
		return m.fail(statusInvalidArgument, "tb_encoding_tokens: invalid handle")
	}
	if toks == nil || n == nil {
		return m.fail(statusInvalidArgument, "tb_encoding_tokens: null output")
	}
	*toks = m.outputStrings(e.toks)
	*n = uintptr(len(e.toks))
	return interop.StatusOK
}

func (m *Impl) EncodingFree(enc unsafe.Pointer) { m.freeObject(enc, kindEncoding) }
