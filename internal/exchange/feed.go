package exchange

import (
	"encoding/json"
	"time"

	"github.com/spf13/cast"
)

type rawWallet struct {
	AccountType           string `json:"accountType"`
	TotalEquity           string `json:"totalEquity"`
	TotalWalletBalance    string `json:"totalWalletBalance"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
	Coin                  []struct {
		Coin          string `json:"coin"`
		Equity        string `json:"equity"`
		WalletBalance string `json:"walletBalance"`
		Locked        string `json:"locked"`
	} `json:"coin"`
}

func (rw rawWallet) convert(ts time.Time) Balance {
	b := Balance{
		TotalEquity:      cast.ToFloat64(rw.TotalEquity),
		WalletBalance:    cast.ToFloat64(rw.TotalWalletBalance),
		AvailableBalance: cast.ToFloat64(rw.TotalAvailableBalance),
		Timestamp:        ts,
	}
	for _, coin := range rw.Coin {
		b.Coins = append(b.Coins, CoinBalance{
			Coin:          coin.Coin,
			Equity:        cast.ToFloat64(coin.Equity),
			WalletBalance: cast.ToFloat64(coin.WalletBalance),
			Locked:        cast.ToFloat64(coin.Locked),
		})
	}
	return b
}

// OrderUpdate order 频道推送
type OrderUpdate struct {
	OrderID      string
	OrderLinkID  string
	Symbol       string
	Side         Side
	Status       string
	AvgPrice     float64
	CumExecQty   float64
	RejectReason string
	UpdatedAt    time.Time
}

// ParsePositions position 频道的 data 数组
func ParsePositions(data []byte) ([]Position, error) {
	var raw []rawPosition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, rp := range raw {
		out = append(out, rp.convert())
	}
	return out, nil
}

func ParseExecutions(data []byte) ([]Execution, error) {
	var raw []struct {
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		ExecPrice   string `json:"execPrice"`
		ExecQty     string `json:"execQty"`
		ExecFee     string `json:"execFee"`
		ClosedSize  string `json:"closedSize"`
		ExecTime    string `json:"execTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(raw))
	for _, r := range raw {
		out = append(out, Execution{
			Symbol:      r.Symbol,
			Side:        Side(r.Side),
			OrderID:     r.OrderID,
			OrderLinkID: r.OrderLinkID,
			ExecPrice:   cast.ToFloat64(r.ExecPrice),
			ExecQty:     cast.ToFloat64(r.ExecQty),
			ExecFee:     cast.ToFloat64(r.ExecFee),
			ClosedSize:  cast.ToFloat64(r.ClosedSize),
			ExecTime:    time.UnixMilli(cast.ToInt64(r.ExecTime)),
		})
	}
	return out, nil
}

func ParseOrders(data []byte) ([]OrderUpdate, error) {
	var raw []struct {
		OrderID      string `json:"orderId"`
		OrderLinkID  string `json:"orderLinkId"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		OrderStatus  string `json:"orderStatus"`
		AvgPrice     string `json:"avgPrice"`
		CumExecQty   string `json:"cumExecQty"`
		RejectReason string `json:"rejectReason"`
		UpdatedTime  string `json:"updatedTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]OrderUpdate, 0, len(raw))
	for _, r := range raw {
		out = append(out, OrderUpdate{
			OrderID:      r.OrderID,
			OrderLinkID:  r.OrderLinkID,
			Symbol:       r.Symbol,
			Side:         Side(r.Side),
			Status:       r.OrderStatus,
			AvgPrice:     cast.ToFloat64(r.AvgPrice),
			CumExecQty:   cast.ToFloat64(r.CumExecQty),
			RejectReason: r.RejectReason,
			UpdatedAt:    time.UnixMilli(cast.ToInt64(r.UpdatedTime)),
		})
	}
	return out, nil
}

// ParseWallet wallet 频道只取第一个账户
func ParseWallet(data []byte, ts time.Time) (Balance, error) {
	var raw []rawWallet
	if err := json.Unmarshal(data, &raw); err != nil {
		return Balance{}, err
	}
	if len(raw) == 0 {
		return Balance{}, ErrEmptyResult
	}
	return raw[0].convert(ts), nil
}
