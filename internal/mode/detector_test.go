package mode

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
)

type fakeProber struct {
	calls atomic.Int32
	idxs  []exchange.PositionIdx
	err   error
	delay time.Duration
}

func (f *fakeProber) Positions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]exchange.Position, 0, len(f.idxs))
	for _, idx := range f.idxs {
		out = append(out, exchange.Position{Symbol: symbol, PositionIdx: idx})
	}
	return out, nil
}

func TestFromIdx(t *testing.T) {
	m, ok := FromIdx([]exchange.PositionIdx{0})
	assert.True(t, ok)
	assert.Equal(t, OneWay, m)

	m, ok = FromIdx([]exchange.PositionIdx{1, 2})
	assert.True(t, ok)
	assert.Equal(t, Hedge, m)

	_, ok = FromIdx(nil)
	assert.False(t, ok)
}

func TestDetector_UpdateFromFeed(t *testing.T) {
	d := NewDetector(&fakeProber{}, time.Minute, time.Minute, zerolog.Nop())

	_, ok := d.Mode("BTCUSDT")
	assert.False(t, ok)

	d.UpdateFromFeed("BTCUSDT", []exchange.PositionIdx{2})
	m, ok := d.Mode("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, Hedge, m)

	d.Clear()
	_, ok = d.Mode("BTCUSDT")
	assert.False(t, ok)
}

func TestDetector_EnsureProbeSingleFlightAndThrottle(t *testing.T) {
	p := &fakeProber{idxs: []exchange.PositionIdx{1, 2}, delay: 20 * time.Millisecond}
	d := NewDetector(p, time.Minute, time.Minute, zerolog.Nop())

	for i := 0; i < 10; i++ {
		d.EnsureProbe(context.Background(), "ETHUSDT")
	}
	d.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	m, ok := d.Mode("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, Hedge, m)
}

func TestDetector_ProbeFailureThrottled(t *testing.T) {
	p := &fakeProber{err: errors.New("timeout")}
	d := NewDetector(p, time.Minute, time.Minute, zerolog.Nop())

	d.EnsureProbe(context.Background(), "SOLUSDT")
	d.Wait()
	d.EnsureProbe(context.Background(), "SOLUSDT")
	d.Wait()

	// 失败后节流窗口内不再探测
	assert.Equal(t, int32(1), p.calls.Load())
	_, ok := d.Mode("SOLUSDT")
	assert.False(t, ok)
}

func TestDetector_ProbeEmpty(t *testing.T) {
	d := NewDetector(&fakeProber{}, time.Minute, time.Minute, zerolog.Nop())
	_, err := d.Probe(context.Background(), "XRPUSDT")
	assert.ErrorIs(t, err, ErrNoPositions)
}
