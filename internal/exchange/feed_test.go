package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePositions(t *testing.T) {
	data := []byte(`[{"symbol":"BTCUSDT","side":"Sell","size":"0.5","avgPrice":"60000","markPrice":"60100","leverage":"10","tradeMode":1,"positionIdx":2,"updatedTime":"1700000000000"}]`)
	ps, err := ParsePositions(data)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, SideSell, ps[0].Side)
	assert.Equal(t, IdxHedgeSell, ps[0].PositionIdx)
	assert.Equal(t, MarginIsolated, ps[0].MarginMode)
	assert.InDelta(t, -0.5, ps[0].Signed(), 1e-12)
}

func TestParseExecutionsAndOrders(t *testing.T) {
	ex, err := ParseExecutions([]byte(`[{"symbol":"ETHUSDT","side":"Buy","orderId":"o1","orderLinkId":"l1","execPrice":"2000.5","execQty":"1.2","execFee":"0.3","closedSize":"0","execTime":"1700000000000"}]`))
	require.NoError(t, err)
	require.Len(t, ex, 1)
	assert.InDelta(t, 2000.5, ex[0].ExecPrice, 1e-9)
	assert.Equal(t, "l1", ex[0].OrderLinkID)

	orders, err := ParseOrders([]byte(`[{"orderId":"o1","orderLinkId":"l1","symbol":"ETHUSDT","side":"Buy","orderStatus":"Filled","avgPrice":"2000.5","cumExecQty":"1.2"}]`))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "Filled", orders[0].Status)
}

func TestParseWallet(t *testing.T) {
	now := time.Now()
	b, err := ParseWallet([]byte(`[{"accountType":"UNIFIED","totalEquity":"1050.5","totalWalletBalance":"1000","totalAvailableBalance":"900","coin":[{"coin":"USDT","equity":"1050.5","walletBalance":"1000","locked":"10"}]}]`), now)
	require.NoError(t, err)
	assert.InDelta(t, 1050.5, b.TotalEquity, 1e-9)
	require.Len(t, b.Coins, 1)
	assert.InDelta(t, 10.0, b.Coins[0].Locked, 1e-9)

	_, err = ParseWallet([]byte(`[]`), now)
	assert.ErrorIs(t, err, ErrEmptyResult)
}
