package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
)

func TestDedupCache_IsSeen(t *testing.T) {
	c := NewDedupCache(30 * time.Second)

	assert.False(t, c.IsSeen("k1"))
	c.Mark("k1")
	assert.True(t, c.IsSeen("k1"))
	assert.False(t, c.IsSeen("k2"))

	c.Forget("k1")
	assert.False(t, c.IsSeen("k1"))
}

func TestDedupCache_TTL(t *testing.T) {
	c := NewDedupCache(100 * time.Millisecond)

	c.Mark("k1")
	assert.True(t, c.IsSeen("k1"))

	// 等待过期
	time.Sleep(150 * time.Millisecond)
	assert.False(t, c.IsSeen("k1"))
}

func TestDedupCache_MarkIfAbsentConcurrent(t *testing.T) {
	c := NewDedupCache(30 * time.Second)
	var (
		wg    sync.WaitGroup
		first atomic.Int32
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.MarkIfAbsent("BTCUSDT|1|Buy|OPEN|0.5") {
				first.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), first.Load())
}

type fakeLoader struct {
	keys []string
	err  error
}

func (f fakeLoader) ProcessedKeysSince(time.Time) ([]string, error) {
	return f.keys, f.err
}

func TestDedupCache_LoadFromDB(t *testing.T) {
	c := NewDedupCache(time.Minute)

	require.NoError(t, c.LoadFromDB(fakeLoader{keys: []string{"a", "b"}}, zerolog.Nop()))
	assert.True(t, c.IsSeen("a"))
	assert.True(t, c.IsSeen("b"))

	assert.Error(t, c.LoadFromDB(nil, zerolog.Nop()))
	assert.Error(t, c.LoadFromDB(fakeLoader{err: errors.New("db down")}, zerolog.Nop()))
}

func TestDedupCache_Stats(t *testing.T) {
	c := NewDedupCache(5 * time.Minute)

	for i := 0; i < 3; i++ {
		c.Mark(fmt.Sprintf("k%d", i))
	}

	stats := c.Stats()
	assert.Equal(t, 3, stats["item_count"])
	assert.Equal(t, 300.0, stats["ttl_seconds"])

	c.Flush()
	assert.Equal(t, 0, c.Len())
}

func TestFilterCache(t *testing.T) {
	c := NewFilterCache()
	c.SetAll([]exchange.InstrumentFilter{
		{Symbol: "BTCUSDT", QtyStep: 0.001, MinQty: 0.001},
		{Symbol: "ETHUSDT", QtyStep: 0.01, MinQty: 0.01},
	})

	f, ok := c.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.01, f.QtyStep)
	assert.Equal(t, int64(2), c.Len())

	c.Clear()
	_, ok = c.Get("ETHUSDT")
	assert.False(t, ok)
}

func BenchmarkDedupCache_MarkIfAbsent(b *testing.B) {
	c := NewDedupCache(30 * time.Minute)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.MarkIfAbsent(fmt.Sprintf("key-%d", i))
	}
}
