package goimpl

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/parallel"
)

// cstr stages s as a NUL-terminated string in m's staging memory.
func cstr(m *Impl, s string) unsafe.Pointer {
	p := m.Malloc(uintptr(len(s)) + 1)
	copy(unsafe.Slice((*byte)(p), len(s)), s)
	return p
}

func stageBytes(m *Impl, s string) unsafe.Pointer {
	if s == "" {
		return nil
	}
	p := m.Malloc(uintptr(len(s)))
	copy(unsafe.Slice((*byte)(p), len(s)), s)
	return p
}

type rankedToken struct {
	token string
	rank  uint32
}

// byteVocab returns every single byte at rank = byte value, plus extra merged tokens.
func byteVocab(extra ...rankedToken) []rankedToken {
	out := make([]rankedToken, 0, 256+len(extra))
	for b := 0; b < 256; b++ {
		out = append(out, rankedToken{string([]byte{byte(b)}), uint32(b)})
	}
	return append(out, extra...)
}

func newBPE(t *testing.T, m *Impl, merges, specials []rankedToken, pattern string) unsafe.Pointer {
	t.Helper()
	var staged []unsafe.Pointer
	defer func() {
		for _, p := range staged {
			m.Free(p)
		}
	}()

	var mergeTable unsafe.Pointer
	if len(merges) > 0 {
		mergeTable = m.Malloc(uintptr(len(merges)) * interop.MergeEntrySize)
		staged = append(staged, mergeTable)
		entries := unsafe.Slice((*interop.MergeEntry)(mergeTable), len(merges))
		for i, e := range merges {
			p := stageBytes(m, e.token)
			staged = append(staged, p)
			entries[i] = interop.MergeEntry{Bytes: uintptr(p), Len: uintptr(len(e.token)), Rank: e.rank}
		}
	}
	var specialTable unsafe.Pointer
	if len(specials) > 0 {
		specialTable = m.Malloc(uintptr(len(specials)) * interop.SpecialEntrySize)
		staged = append(staged, specialTable)
		entries := unsafe.Slice((*interop.SpecialEntry)(specialTable), len(specials))
		for i, e := range specials {
			p := cstr(m, e.token)
			staged = append(staged, p)
			entries[i] = interop.SpecialEntry{Str: uintptr(p), Rank: e.rank}
		}
	}
	var pat unsafe.Pointer
	if pattern != "" {
		pat = cstr(m, pattern)
		staged = append(staged, pat)
	}

	var h unsafe.Pointer
	status := m.BPENew(mergeTable, uintptr(len(merges)), specialTable, uintptr(len(specials)), pat, &h)
	require.Equal(t, interop.StatusOK, status, interop.GoString(m.LastError()))
	require.NotNil(t, h)
	return h
}

func encodeBPE(t *testing.T, m *Impl, h unsafe.Pointer, text string, allowSpecial bool) []uint32 {
	t.Helper()
	in := stageBytes(m, text)
	defer m.Free(in)
	var ids unsafe.Pointer
	var n uintptr
	require.Equal(t, interop.StatusOK, m.BPEEncode(h, in, uintptr(len(text)), allowSpecial, &ids, &n))
	out := append([]uint32{}, readU32(ids, n)...)
	m.FreeU32(ids, n)
	return out
}

func TestBPEEncodeDecode(t *testing.T) {
	m := New()
	h := newBPE(t, m,
		byteVocab(rankedToken{"ab", 256}, rankedToken{"abc", 257}),
		[]rankedToken{{"<|end|>", 300}},
		"")
	defer m.BPEFree(h)

	assert.Equal(t, []uint32{257}, encodeBPE(t, m, h, "abc", false))
	assert.Equal(t, []uint32{256, 'x'}, encodeBPE(t, m, h, "abx", false))
	assert.Equal(t, []uint32{257, 300}, encodeBPE(t, m, h, "abc<|end|>", true))
	assert.NotContains(t, encodeBPE(t, m, h, "abc<|end|>", false), uint32(300),
		"special text is ordinary text when specials are disallowed")
	assert.Empty(t, encodeBPE(t, m, h, "", true))

	ids := []uint32{257, ' ', 256}
	in := m.Malloc(uintptr(len(ids)) * 4)
	copy(unsafe.Slice((*uint32)(in), len(ids)), ids)
	var out unsafe.Pointer
	var n uintptr
	require.Equal(t, interop.StatusOK, m.BPEDecode(h, in, uintptr(len(ids)), &out, &n))
	assert.Equal(t, "abc ab", string(readBytes(out, n)))
	m.FreeBytes(out, n)
	m.Free(in)

	assert.Zero(t, m.Stats().LiveAllocations)
}

// An empty special set must not hang encoding even when specials are allowed.
func TestBPEEncodeWithoutSpecials(t *testing.T) {
	m := New()
	h := newBPE(t, m, byteVocab(), nil, `\S+|\s+`)
	defer m.BPEFree(h)
	assert.Equal(t, []uint32{'h', 'i'}, encodeBPE(t, m, h, "hi", true))
}

func TestBPENewRejectsBadInput(t *testing.T) {
	m := New()
	var h unsafe.Pointer

	pat := cstr(m, `(unclosed`)
	assert.Equal(t, statusInvalidArgument, m.BPENew(nil, 0, nil, 0, pat, &h))
	assert.Nil(t, h)
	assert.Contains(t, interop.GoString(m.LastError()), "pattern")
	m.Free(pat)

	assert.Equal(t, statusInvalidArgument, m.BPENew(nil, 3, nil, 0, nil, &h))
	assert.Equal(t, statusInvalidArgument, m.BPENew(nil, 0, nil, 0, nil, nil))

	// Duplicate token bytes.
	dup := m.Malloc(2 * interop.MergeEntrySize)
	a := stageBytes(m, "a")
	entries := unsafe.Slice((*interop.MergeEntry)(dup), 2)
	entries[0] = interop.MergeEntry{Bytes: uintptr(a), Len: 1, Rank: 0}
	entries[1] = interop.MergeEntry{Bytes: uintptr(a), Len: 1, Rank: 1}
	assert.Equal(t, statusInvalidArgument, m.BPENew(dup, 2, nil, 0, nil, &h))
	assert.Contains(t, interop.GoString(m.LastError()), "duplicate")
	m.Free(a)
	m.Free(dup)

	assert.Zero(t, m.Stats().ObjectsCreated)
	assert.Zero(t, m.Stats().LiveAllocations)
}

func TestResolve(t *testing.T) {
	m := New()
	p := cstr(m, "hello")
	defer m.Free(p)

	assert.Equal(t, p, m.Resolve(uintptr(p)))
	assert.Equal(t, "llo", interop.GoString(m.Resolve(uintptr(p)+2)))
	assert.Nil(t, m.Resolve(0))
	assert.Nil(t, m.Resolve(uintptr(p)+4096), "past the end of the block")

	b, ok := m.bytesAt(uintptr(p)+1, 3)
	require.True(t, ok)
	assert.Equal(t, "ell", string(b))
	_, ok = m.bytesAt(uintptr(p), 4096)
	assert.False(t, ok)
	b, ok = m.bytesAt(0, 0)
	assert.True(t, ok)
	assert.Empty(t, b)

	q := m.Malloc(8)
	m.Free(q)
	assert.Nil(t, m.Resolve(uintptr(q)), "freed blocks no longer resolve")
}

func TestBPENewRejectsDanglingEntries(t *testing.T) {
	m := New()
	var h unsafe.Pointer

	table := m.Malloc(interop.MergeEntrySize)
	gone := stageBytes(m, "a")
	m.Free(gone)
	unsafe.Slice((*interop.MergeEntry)(table), 1)[0] = interop.MergeEntry{Bytes: uintptr(gone), Len: 1}
	assert.Equal(t, statusInvalidArgument, m.BPENew(table, 1, nil, 0, nil, &h))
	assert.Contains(t, interop.GoString(m.LastError()), "merge entry 0")
	m.Free(table)

	specials := m.Malloc(interop.SpecialEntrySize)
	s := cstr(m, "<|end|>")
	m.Free(s)
	unsafe.Slice((*interop.SpecialEntry)(specials), 1)[0] = interop.SpecialEntry{Str: uintptr(s), Rank: 1}
	assert.Equal(t, statusInvalidArgument, m.BPENew(nil, 0, specials, 1, nil, &h))
	assert.Contains(t, interop.GoString(m.LastError()), "special entry 0")
	m.Free(specials)

	assert.Nil(t, h)
	assert.Zero(t, m.Stats().ObjectsCreated)
	assert.Zero(t, m.Stats().LiveAllocations)
}

// A panic on a batch worker goroutine becomes a failure status instead of crashing the process.
func TestBPEBatchWorkerPanic(t *testing.T) {
	m := New(WithParallel(parallel.Config{Workers: 4}))
	h := m.newObject(kindBPE, &bpeModel{})
	defer m.BPEFree(h)

	texts := []string{"a", "b", "c", "d"}
	views := m.Malloc(uintptr(len(texts)) * interop.ByteViewSize)
	defer m.Free(views)
	for i, s := range texts {
		p := stageBytes(m, s)
		defer m.Free(p)
		unsafe.Slice((*interop.ByteView)(views), len(texts))[i] = interop.ByteView{Ptr: uintptr(p), Len: 1}
	}
	var flat, lens unsafe.Pointer
	var total uintptr
	assert.Equal(t, statusPanic, m.BPEEncodeBatch(h, views, uintptr(len(texts)), &flat, &lens, &total))
	assert.Contains(t, interop.GoString(m.LastError()), "tb_bpe_encode_batch")

	sizes := m.Malloc(uintptr(len(texts)) * interop.PointerSize)
	defer m.Free(sizes)
	copy(unsafe.Slice((*uintptr)(sizes), len(texts)), []uintptr{0, 0, 0, 0})
	var out unsafe.Pointer
	assert.Equal(t, statusPanic, m.BPEDecodeBatch(h, nil, sizes, uintptr(len(texts)), &out))
	assert.Contains(t, interop.GoString(m.LastError()), "tb_bpe_decode_batch")
	assert.Nil(t, out)
}

func TestBPEBatch(t *testing.T) {
	m := New(WithParallel(parallel.Config{Workers: 4}))
	h := newBPE(t, m, byteVocab(rankedToken{"ab", 256}), nil, "")
	defer m.BPEFree(h)

	texts := []string{"ab", "", "ba", "abab"}
	views := m.Malloc(uintptr(len(texts)) * interop.ByteViewSize)
	var staged []unsafe.Pointer
	for i, s := range texts {
		p := stageBytes(m, s)
		staged = append(staged, p)
		unsafe.Slice((*interop.ByteView)(views), len(texts))[i] = interop.ByteView{Ptr: uintptr(p), Len: uintptr(len(s))}
	}

	var flat, lens unsafe.Pointer
	var total uintptr
	require.Equal(t, interop.StatusOK, m.BPEEncodeBatch(h, views, uintptr(len(texts)), &flat, &lens, &total))
	assert.Equal(t, []uintptr{1, 0, 2, 2}, readSizes(lens, uintptr(len(texts))))
	assert.Equal(t, []uint32{256, 'b', 'a', 256, 256}, readU32(flat, total))

	var out unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.BPEDecodeBatch(h, flat, lens, uintptr(len(texts)), &out))
	var got []string
	for _, p := range readSizes(out, uintptr(len(texts))) {
		got = append(got, interop.GoString(m.Resolve(p)))
	}
	assert.Equal(t, texts, got)

	m.FreeStringArray(out, uintptr(len(texts)))
	m.FreeU32(flat, total)
	m.FreeSizes(lens, uintptr(len(texts)))
	for _, p := range staged {
		m.Free(p)
	}
	m.Free(views)
	assert.Zero(t, m.Stats().LiveAllocations)
	assert.Zero(t, m.Stats().InvalidFrees)
}

const tinyTokenizer = `{
  "model": {
    "type": "BPE",
    "vocab": {"h": 0, "e": 1, "l": 2, "o": 3, "he": 4, "ll": 5, "hello": 6, " ": 7, "w": 8, "<unk>": 9},
    "merges": ["h e", ["l", "l"]],
    "unk_token": "<unk>"
  },
  "added_tokens": [
    {"id": 10, "content": "<s>", "special": true},
    {"id": 11, "content": "</s>", "special": true},
    {"id": 12, "content": "<s>", "special": true}
  ]
}`

func newTokenizer(t *testing.T, m *Impl, doc string) unsafe.Pointer {
	t.Helper()
	data := stageBytes(m, doc)
	defer m.Free(data)
	var h unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.TokenizerFromBytes(data, uintptr(len(doc)), &h), interop.GoString(m.LastError()))
	return h
}

func TestTokenizerEncode(t *testing.T) {
	m := New()
	h := newTokenizer(t, m, tinyTokenizer)
	defer m.TokenizerFree(h)

	text := cstr(m, "hello hel w")
	var enc unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.TokenizerEncode(h, text, true, &enc))
	m.Free(text)

	var ids unsafe.Pointer
	var n uintptr
	require.Equal(t, interop.StatusOK, m.EncodingIDs(enc, &ids, &n))
	// Last write wins for duplicated added tokens: "<s>" is 12.
	assert.Equal(t, []uint32{12, 6, 7, 4, 2, 7, 8}, readU32(ids, n))
	m.FreeU32(ids, n)

	var toks unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.EncodingTokens(enc, &toks, &n))
	var got []string
	for _, p := range readSizes(toks, n) {
		got = append(got, interop.GoString(m.Resolve(p)))
	}
	assert.Equal(t, []string{"<s>", "hello", " ", "he", "l", " ", "w"}, got)
	m.FreeStringArray(toks, n)
	m.EncodingFree(enc)

	assert.Zero(t, m.Stats().LiveAllocations)
	assert.Equal(t, 1, m.Stats().LiveObjects)
}

func TestTokenizerDecodeAndLookup(t *testing.T) {
	m := New()
	h := newTokenizer(t, m, tinyTokenizer)
	defer m.TokenizerFree(h)

	ids := []uint32{12, 6, 7, 8, 11}
	in := m.Malloc(uintptr(len(ids)) * 4)
	defer m.Free(in)
	copy(unsafe.Slice((*uint32)(in), len(ids)), ids)

	var out unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.TokenizerDecode(h, in, uintptr(len(ids)), true, &out))
	assert.Equal(t, "hello w", interop.GoString(out))
	m.FreeString(out)

	require.Equal(t, interop.StatusOK, m.TokenizerDecode(h, in, uintptr(len(ids)), false, &out))
	assert.Equal(t, "<s>hello w</s>", interop.GoString(out))
	m.FreeString(out)

	tok := cstr(m, "</s>")
	defer m.Free(tok)
	var id uint32
	assert.Equal(t, interop.StatusOK, m.TokenizerTokenToID(h, tok, &id))
	assert.Equal(t, uint32(11), id)

	missing := cstr(m, "nope")
	defer m.Free(missing)
	assert.Equal(t, interop.StatusNotFound, m.TokenizerTokenToID(h, missing, &id))

	assert.Equal(t, uintptr(10), m.TokenizerVocabSize(h, false))
	assert.Equal(t, uintptr(13), m.TokenizerVocabSize(h, true))
}

func TestTokenizerSplitPreTokenizer(t *testing.T) {
	m := New()
	doc := `{
  "model": {"type": "BPE", "vocab": {"hello": 0, " world": 1, "!": 2, " ": 3}, "merges": []},
  "pre_tokenizer": {"type": "Sequence", "pretokenizers": [
    {"type": "Split", "pattern": {"Regex": " ?\\p{L}+|\\s+(?!\\S)|\\p{P}"}, "behavior": "Isolated"},
    {"type": "ByteLevel"}
  ]}
}`
	h := newTokenizer(t, m, doc)
	defer m.TokenizerFree(h)

	text := cstr(m, "hello world!")
	var enc unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.TokenizerEncode(h, text, false, &enc))
	m.Free(text)
	var ids unsafe.Pointer
	var n uintptr
	require.Equal(t, interop.StatusOK, m.EncodingIDs(enc, &ids, &n))
	assert.Equal(t, []uint32{0, 1, 2}, readU32(ids, n))
	m.FreeU32(ids, n)
	m.EncodingFree(enc)

	bad := `{"model": {"vocab": {}}, "pre_tokenizer": {"type": "Split", "pattern": {"Regex": "(unclosed"}}}`
	data := stageBytes(m, bad)
	defer m.Free(data)
	var h2 unsafe.Pointer
	assert.Equal(t, statusEngine, m.TokenizerFromBytes(data, uintptr(len(bad)), &h2))
	assert.Contains(t, interop.GoString(m.LastError()), "pre_tokenizer")
}

func TestTokenizerRejectsMalformed(t *testing.T) {
	m := New()
	doc := `{"model": {"merges": ["a b c"]}}`
	data := stageBytes(m, doc)
	defer m.Free(data)
	var h unsafe.Pointer
	assert.Equal(t, statusEngine, m.TokenizerFromBytes(data, uintptr(len(doc)), &h))
	assert.Nil(t, h)
	assert.Contains(t, interop.GoString(m.LastError()), "merge 0")
}

func TestSentencePiece(t *testing.T) {
	m := New()
	vocab := "<unk>\t0\n<s>\t0\n</s>\t0\n▁hello\t-1\n▁wor\t-2\nld\t-3\n▁\t-4\n"
	data := stageBytes(m, vocab)
	defer m.Free(data)

	var h unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.SPFromBytes(data, uintptr(len(vocab)), &h))
	defer m.SPFree(h)

	text := cstr(m, "hello  world!")
	defer m.Free(text)
	var ids unsafe.Pointer
	var n uintptr
	require.Equal(t, interop.StatusOK, m.SPEncode(h, text, &ids, &n))
	got := append([]int32{}, unsafe.Slice((*int32)(ids), n)...)
	m.FreeI32(ids, n)
	assert.Equal(t, []int32{3, 4, 5, 0}, got)

	in := m.Malloc(uintptr(len(got)) * 4)
	defer m.Free(in)
	copy(unsafe.Slice((*int32)(in), len(got)), got)
	var out unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.SPDecode(h, in, uintptr(len(got)), &out))
	assert.Equal(t, "hello world ⁇ ", interop.GoString(out))
	m.FreeString(out)

	piece := cstr(m, "</s>")
	defer m.Free(piece)
	assert.Equal(t, int32(2), m.SPPieceToID(h, piece))
	absent := cstr(m, "zzz")
	defer m.Free(absent)
	assert.Equal(t, int32(-1), m.SPPieceToID(h, absent))

	bad := []int32{99}
	copy(unsafe.Slice((*int32)(in), 1), bad)
	assert.Equal(t, statusEngine, m.SPDecode(h, in, 1, &out))
	assert.Contains(t, interop.GoString(m.LastError()), "out of range")
}

func TestByteLevelDecoder(t *testing.T) {
	m := New()
	var h unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.DecoderByteLevelNew(&h))
	defer m.DecoderFree(h)

	// "Ġ" is the byte-level form of a space.
	toks := []string{"Hello", "Ġworld", "!"}
	table := m.Malloc(uintptr(len(toks)) * interop.PointerSize)
	defer m.Free(table)
	for i, s := range toks {
		p := cstr(m, s)
		defer m.Free(p)
		unsafe.Slice((*uintptr)(table), len(toks))[i] = uintptr(p)
	}
	var out unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.DecoderDecode(h, table, uintptr(len(toks)), &out))
	assert.Equal(t, "Hello world!", interop.GoString(out))
	m.FreeString(out)
}

func TestInvalidFreesAreCounted(t *testing.T) {
	m := New()
	p := m.Malloc(16)
	m.Free(p)
	m.Free(p)
	m.Free(nil)

	var h unsafe.Pointer
	require.Equal(t, interop.StatusOK, m.DecoderByteLevelNew(&h))
	m.BPEFree(h) // wrong kind
	m.DecoderFree(h)
	m.DecoderFree(h)

	stats := m.Stats()
	assert.Equal(t, 3, stats.InvalidFrees)
	assert.Equal(t, 1, stats.ObjectsFreed)
	assert.Zero(t, stats.LiveObjects)

	events := m.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "free:decoder", events[0].Label)
}
