package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/mode"
)

func hedgePos(idx exchange.PositionIdx, size float64) exchange.Position {
	side, _ := idx.LegSide()
	return exchange.Position{Symbol: "BTCUSDT", Side: side, Size: size, PositionIdx: idx, MarkPrice: 60000}
}

func onewayPos(side exchange.Side, size float64) exchange.Position {
	return exchange.Position{Symbol: "ETHUSDT", Side: side, Size: size, PositionIdx: exchange.IdxOneWay, EntryPrice: 3000}
}

func TestClassifier_HedgeLegs(t *testing.T) {
	c := NewClassifier()
	now := time.Now()

	sig, ok := c.Observe(mode.Hedge, hedgePos(exchange.IdxHedgeSell, 0.3), 1, now)
	require.True(t, ok)
	assert.Equal(t, TypeOpen, sig.Type)
	assert.Equal(t, exchange.SideSell, sig.Side)
	assert.Equal(t, int64(1), sig.Version)

	// 多头腿独立
	sig, ok = c.Observe(mode.Hedge, hedgePos(exchange.IdxHedgeBuy, 0.5), 1, now)
	require.True(t, ok)
	assert.Equal(t, TypeOpen, sig.Type)
	assert.Equal(t, exchange.SideBuy, sig.Side)

	sig, ok = c.Observe(mode.Hedge, hedgePos(exchange.IdxHedgeSell, 0.1), 1, now)
	require.True(t, ok)
	assert.Equal(t, TypeModify, sig.Type)
	assert.Equal(t, exchange.SideBuy, sig.Side)
	assert.True(t, sig.ReduceOnly)

	sig, ok = c.Observe(mode.Hedge, hedgePos(exchange.IdxHedgeSell, 0), 1, now)
	require.True(t, ok)
	assert.Equal(t, TypeClose, sig.Type)
	assert.Equal(t, exchange.IdxHedgeSell, sig.PositionIdx)

	_, ok = c.Observe(mode.Hedge, hedgePos(exchange.IdxHedgeBuy, 0.5), 1, now)
	assert.False(t, ok)
}

func TestClassifier_OneWayReversal(t *testing.T) {
	c := NewClassifier()
	now := time.Now()
	c.Seed(mode.OneWay, []exchange.Position{onewayPos(exchange.SideSell, 1.5)})

	sig, ok := c.Observe(mode.OneWay, onewayPos(exchange.SideBuy, 1.0), 2, now)
	require.True(t, ok)
	assert.Equal(t, TypeModify, sig.Type)
	assert.Equal(t, exchange.SideBuy, sig.Side)
	assert.False(t, sig.ReduceOnly)
	assert.Equal(t, 1.0, sig.Size)

	sig, ok = c.Observe(mode.OneWay, onewayPos(exchange.SideBuy, 0.4), 2, now)
	require.True(t, ok)
	assert.Equal(t, exchange.SideSell, sig.Side)
	assert.True(t, sig.ReduceOnly)

	sig, ok = c.Observe(mode.OneWay, onewayPos("", 0), 2, now)
	require.True(t, ok)
	assert.Equal(t, TypeClose, sig.Type)
	assert.Equal(t, exchange.SideSell, sig.Side)
	assert.Equal(t, 3000.0, sig.Price)
}
