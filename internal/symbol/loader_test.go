package symbol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1g0-creator/ct-bot-sub000/internal/cache"
	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
)

type fakeSource struct {
	single atomic.Int64
	fail   bool
}

func (f *fakeSource) Instrument(_ context.Context, symbol string) (exchange.InstrumentFilter, error) {
	f.single.Add(1)
	time.Sleep(10 * time.Millisecond)
	if f.fail {
		return exchange.InstrumentFilter{}, errors.New("boom")
	}
	return exchange.InstrumentFilter{Symbol: symbol, QtyStep: 0.01, MinQty: 0.01}, nil
}

func (f *fakeSource) Instruments(context.Context) ([]exchange.InstrumentFilter, error) {
	return []exchange.InstrumentFilter{
		{Symbol: "BTCUSDT", QtyStep: 0.001, MinQty: 0.001},
		{Symbol: "ETHUSDT", QtyStep: 0.01, MinQty: 0.01},
	}, nil
}

func TestLoader_LoadAndHit(t *testing.T) {
	src := &fakeSource{}
	c := cache.NewFilterCache()
	l := NewLoader(src, c, time.Hour, zerolog.Nop())

	require.NoError(t, l.Load(context.Background()))
	assert.Equal(t, int64(2), c.Len())

	f, err := l.Filter(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.001, f.QtyStep)
	assert.Equal(t, int64(0), src.single.Load())
}

func TestLoader_MissFetchesOnce(t *testing.T) {
	src := &fakeSource{}
	l := NewLoader(src, cache.NewFilterCache(), time.Hour, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := l.Filter(context.Background(), "SOLUSDT")
			assert.NoError(t, err)
			assert.Equal(t, "SOLUSDT", f.Symbol)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, src.single.Load(), int64(2))

	_, err := l.Filter(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.LessOrEqual(t, src.single.Load(), int64(2))
}

func TestLoader_MissError(t *testing.T) {
	l := NewLoader(&fakeSource{fail: true}, cache.NewFilterCache(), time.Hour, zerolog.Nop())
	_, err := l.Filter(context.Background(), "XRPUSDT")
	assert.Error(t, err)
}
