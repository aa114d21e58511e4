package tokenizer

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tokbridge/internal/config"
	"github.com/born-ml/tokbridge/internal/gguf"
	"github.com/born-ml/tokbridge/internal/interop/goimpl"
	"github.com/born-ml/tokbridge/internal/tokerr"
)

// ggufWriter builds a little-endian GGUF metadata block.
type ggufWriter struct {
	n   uint64
	kvs bytes.Buffer
}

func (w *ggufWriter) str(b *bytes.Buffer, s string) {
	_ = binary.Write(b, binary.LittleEndian, uint64(len(s)))
	b.WriteString(s)
}

func (w *ggufWriter) key(k string, vt gguf.ValueType) {
	w.n++
	w.str(&w.kvs, k)
	_ = binary.Write(&w.kvs, binary.LittleEndian, uint32(vt))
}

func (w *ggufWriter) String(k, v string) {
	w.key(k, gguf.ValueTypeString)
	w.str(&w.kvs, v)
}

func (w *ggufWriter) Uint32(k string, v uint32) {
	w.key(k, gguf.ValueTypeUint32)
	_ = binary.Write(&w.kvs, binary.LittleEndian, v)
}

func (w *ggufWriter) Bool(k string, v bool) {
	w.key(k, gguf.ValueTypeBool)
	_ = binary.Write(&w.kvs, binary.LittleEndian, v)
}

func (w *ggufWriter) Strings(k string, v []string) {
	w.key(k, gguf.ValueTypeArray)
	_ = binary.Write(&w.kvs, binary.LittleEndian, uint32(gguf.ValueTypeString))
	_ = binary.Write(&w.kvs, binary.LittleEndian, uint64(len(v)))
	for _, s := range v {
		w.str(&w.kvs, s)
	}
}

func (w *ggufWriter) Int32s(k string, v []int32) {
	w.key(k, gguf.ValueTypeArray)
	_ = binary.Write(&w.kvs, binary.LittleEndian, uint32(gguf.ValueTypeInt32))
	_ = binary.Write(&w.kvs, binary.LittleEndian, uint64(len(v)))
	_ = binary.Write(&w.kvs, binary.LittleEndian, v)
}

func (w *ggufWriter) WriteFile(t *testing.T) string {
	t.Helper()
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, gguf.MagicGGUFLE)
	_ = binary.Write(&out, binary.LittleEndian, gguf.Version3)
	_ = binary.Write(&out, binary.LittleEndian, uint64(0))
	_ = binary.Write(&out, binary.LittleEndian, w.n)
	out.Write(w.kvs.Bytes())
	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))
	return path
}

func tinyGGUF() *ggufWriter {
	w := &ggufWriter{}
	w.String("general.architecture", "llama")
	w.Uint32("llama.context_length", 2048)
	w.String(gguf.KeyModel, "gpt2")
	w.Strings(gguf.KeyTokens, []string{"h", "e", "l", "o", "he", "ll", "hello", " ", "w", "<unk>", "<s>", "</s>"})
	w.Int32s(gguf.KeyTokenTypes, []int32{1, 1, 1, 1, 1, 1, 1, 1, 1, 2, 3, 3})
	w.Strings(gguf.KeyMerges, []string{"h e", "l l"})
	w.Uint32(gguf.KeyBOS, 10)
	w.Uint32(gguf.KeyEOS, 11)
	w.Uint32(gguf.KeyUNK, 9)
	w.Bool(gguf.KeyAddBOS, true)
	w.String(gguf.KeyChatTemplate, "{% for m in messages %}<|im_start|>{{ m.role }}\n{{ m.content }}<|im_end|>\n{% endfor %}")
	return w
}

func TestLoadGGUF(t *testing.T) {
	impl := goimpl.New()
	path := tinyGGUF().WriteFile(t)
	b, err := LoadGGUF(path, WithEngine(impl))
	require.NoError(t, err)

	assert.Equal(t, path, b.Dir)
	assert.Equal(t, KindBPE, b.Metadata.Kind)
	require.NotNil(t, b.Resolved.MaxLength)
	assert.Equal(t, 2048, *b.Resolved.MaxLength)

	payload, ok, err := b.Payload(nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<s>", payload["bos_token"])
	assert.Equal(t, "</s>", payload["eos_token"])

	c, ok := b.Settings().Criterion(config.CriterionStopTokenIDs)
	require.True(t, ok)
	assert.Equal(t, []int{11}, c.TokenIDs)

	ids, err := b.Tokenizer.EncodeIDs("hello w", true)
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 6, 7, 8}, ids)
	text, err := b.Tokenizer.Decode(ids, true)
	require.NoError(t, err)
	assert.Equal(t, "hello w", text)

	require.NotNil(t, b.ChatRenderer())
	assert.Equal(t, "ChatML", b.ChatRenderer().Name())

	require.NoError(t, b.Close())
	assert.Zero(t, impl.Stats().LiveObjects)
}

func TestLoadGGUFErrors(t *testing.T) {
	impl := goimpl.New()

	_, err := LoadGGUF(filepath.Join(t.TempDir(), "missing.gguf"), WithEngine(impl))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.gguf")
	require.NoError(t, os.WriteFile(path, []byte("GGML"), 0o600))
	_, err = LoadGGUF(path, WithEngine(impl))
	require.ErrorIs(t, err, tokerr.ErrFormat)
	var fe *tokerr.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, path, fe.Source)

	w := &ggufWriter{}
	w.String(gguf.KeyModel, "rwkv")
	w.Strings(gguf.KeyTokens, []string{"a"})
	_, err = LoadGGUF(w.WriteFile(t), WithEngine(impl))
	assert.ErrorIs(t, err, tokerr.ErrFormat)

	assert.Zero(t, impl.Stats().ObjectsCreated)
}
