package parallel

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFor(t *testing.T) {
	cfg := Config{Workers: 4, MinBatch: 2}

	var counter int64
	n := 1000
	seen := make([]bool, n)
	For(n, func(i int) {
		atomic.AddInt64(&counter, 1)
		seen[i] = true
	}, cfg)

	assert.Equal(t, int64(n), counter)
	for i, ok := range seen {
		assert.True(t, ok, "index %d not visited", i)
	}
}

func TestForInline(t *testing.T) {
	for name, cfg := range map[string]Config{
		"sequential":  Sequential(),
		"one worker":  {Workers: 1},
		"small batch": {Workers: 8, MinBatch: 100},
	} {
		t.Run(name, func(t *testing.T) {
			var order []int
			For(5, func(i int) {
				order = append(order, i)
			}, cfg)
			assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
		})
	}

	called := false
	For(0, func(int) { called = true }, DefaultConfig())
	assert.False(t, called)
}

func TestMap(t *testing.T) {
	got := Map(100, func(i int) string { return fmt.Sprint(i * i) }, Config{Workers: 3})
	require.Len(t, got, 100)
	assert.Equal(t, "0", got[0])
	assert.Equal(t, "9801", got[99])

	assert.Empty(t, Map(0, func(int) int { return 1 }, DefaultConfig()))
}

func TestForErr(t *testing.T) {
	var ran int64
	err := ForErr(50, func(i int) error {
		atomic.AddInt64(&ran, 1)
		if i == 7 || i == 30 {
			return fmt.Errorf("sequence %d", i)
		}
		return nil
	}, Config{Workers: 4})
	require.EqualError(t, err, "sequence 7")
	assert.Equal(t, int64(50), ran)

	assert.NoError(t, ForErr(3, func(int) error { return nil }, Sequential()))
}

func BenchmarkFor(b *testing.B) {
	n := 10000
	for name, cfg := range map[string]Config{"parallel": DefaultConfig(), "sequential": Sequential()} {
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				var sum int64
				For(n, func(i int) {
					atomic.AddInt64(&sum, int64(i))
				}, cfg)
			}
		})
	}
}
