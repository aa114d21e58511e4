package interop_test

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tokbridge/internal/interop"
	"github.com/born-ml/tokbridge/internal/interop/goimpl"
	"github.com/born-ml/tokbridge/internal/tokerr"
)

func TestUseNests(t *testing.T) {
	a := goimpl.New()
	b := goimpl.New()

	restoreA := interop.Use(a)
	got, err := interop.Current()
	require.NoError(t, err)
	assert.Same(t, a, got)

	restoreB := interop.Use(b)
	got, err = interop.Current()
	require.NoError(t, err)
	assert.Same(t, b, got)

	restoreB()
	restoreB()
	got, err = interop.Current()
	require.NoError(t, err)
	assert.Same(t, a, got)

	restoreA()
}

func TestChannelForIsPerAPI(t *testing.T) {
	a := goimpl.New()
	assert.Same(t, interop.ChannelFor(a), interop.ChannelFor(a))
	assert.NotSame(t, interop.ChannelFor(a), interop.ChannelFor(goimpl.New()))

	assert.True(t, interop.ChannelFor(a).Shared(), "a shared error slot serializes calls")
	local := goimpl.New(goimpl.WithThreadLocalErrors(true))
	assert.False(t, interop.ChannelFor(local).Shared())
}

func TestCheckCarriesNativeMessage(t *testing.T) {
	impl := goimpl.New()
	ch := interop.ChannelFor(impl)

	err := ch.Check("tb_bpe_encode", func() interop.Status {
		var ids unsafe.Pointer
		var n uintptr
		return impl.BPEEncode(nil, nil, 0, false, &ids, &n)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, tokerr.ErrNativeCall)
	var ce *tokerr.NativeCallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "tb_bpe_encode", ce.Op)
	assert.Contains(t, ce.Message, "invalid handle")

	assert.NoError(t, ch.Check("noop", func() interop.Status { return interop.StatusOK }))
}

func TestCheckFallbackMessage(t *testing.T) {
	impl := goimpl.New()
	err := interop.ChannelFor(impl).Check("op", func() interop.Status { return 9 })
	var ce *tokerr.NativeCallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, tokerr.UnspecifiedNativeError, ce.Message)
	assert.Equal(t, int32(9), ce.Status)
}

func TestConstructNullObject(t *testing.T) {
	impl := goimpl.New()
	_, err := interop.ChannelFor(impl).Construct("bpe", func(*unsafe.Pointer) interop.Status {
		return interop.StatusOK
	})
	var ce *tokerr.NativeConstructionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "bpe", ce.Object)
	assert.Equal(t, tokerr.UnspecifiedNativeError, ce.Message)
}

// Concurrent failures on a shared error slot each see their own message.
func TestSharedChannelKeepsMessagesApart(t *testing.T) {
	impl := goimpl.New()
	ch := interop.ChannelFor(impl)
	require.True(t, ch.Shared())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out unsafe.Pointer
			if i%2 == 0 {
				err := ch.Check("decode", func() interop.Status { return impl.SPDecode(nil, nil, 0, &out) })
				assert.ErrorContains(t, err, "tb_sp_decode")
				return
			}
			err := ch.Check("decode", func() interop.Status { return impl.TokenizerDecode(nil, nil, 0, false, &out) })
			assert.ErrorContains(t, err, "tb_tokenizer_decode")
		}(i)
	}
	wg.Wait()
}

func TestGoString(t *testing.T) {
	assert.Equal(t, "", interop.GoString(nil))
	buf := []byte("abc\x00def")
	assert.Equal(t, "abc", interop.GoString(unsafe.Pointer(&buf[0])))
}

func TestABISizes(t *testing.T) {
	assert.Equal(t, 2*interop.PointerSize, interop.ByteViewSize)
	assert.Equal(t, 3*interop.PointerSize, interop.MergeEntrySize, "rank is padded to pointer alignment")
	assert.Equal(t, 2*interop.PointerSize, interop.SpecialEntrySize)
}
