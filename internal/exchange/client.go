package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	CategoryLinear = "linear"
	settleCoin     = "USDT"
	accountType    = "UNIFIED"
)

// Config REST 客户端参数
type Config struct {
	BaseURL      string
	Category     string
	RecvWindow   int64 // ms
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	RateLimit    float64 // 每秒请求数
	RateBurst    int
}

// Client 单账户的签名 REST 客户端
type Client struct {
	cfg     Config
	creds   Credentials
	http    *resty.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewClient(cfg Config, creds Credentials, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		panic("exchange: base url cannot be empty")
	}
	if cfg.Category == "" {
		cfg.Category = CategoryLinear
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	c := &Client{
		cfg:     cfg,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     log,
	}

	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetLogger(restyLogger{log: log}).
		AddRetryCondition(retryOnTransient).
		OnBeforeRequest(c.sign)

	return c
}

// retryOnTransient 只重试网络错误和 5xx，4xx 参数错误不重试
func retryOnTransient(resp *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
}

// sign 每次发送（含重试）都重新生成时间戳和签名
func (c *Client) sign(_ *resty.Client, r *resty.Request) error {
	if !c.creds.Valid() {
		return nil
	}

	var payload string
	if r.Method == http.MethodGet {
		payload = r.QueryParam.Encode()
	} else if b, ok := r.Body.([]byte); ok {
		payload = string(b)
	}

	ts := time.Now().UnixMilli()
	r.SetHeader("X-BAPI-API-KEY", c.creds.APIKey)
	r.SetHeader("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
	r.SetHeader("X-BAPI-RECV-WINDOW", strconv.FormatInt(c.cfg.RecvWindow, 10))
	r.SetHeader("X-BAPI-SIGN", Sign(c.creds.APISecret, ts, c.creds.APIKey, c.cfg.RecvWindow, payload))
	return nil
}

func (c *Client) Credentials() Credentials {
	return c.creds
}

// Close 释放空闲连接，不中断进行中的请求
func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("exchange: rate limit wait: %w", err)
	}

	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("exchange: marshal %s: %w", path, err)
		}
		req.SetHeader("Content-Type", "application/json").SetBody(b)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("exchange: %s %s: %w", method, path, err)
	}

	if resp.StatusCode() >= http.StatusBadRequest {
		return &APIError{Status: resp.StatusCode(), Msg: truncate(resp.String(), 256), Path: path}
	}

	result := gjson.ParseBytes(resp.Body())
	if code := result.Get("retCode").Int(); code != codeOK {
		return &APIError{
			Status:  resp.StatusCode(),
			RetCode: code,
			Msg:     result.Get("retMsg").String(),
			Path:    path,
		}
	}

	if out == nil {
		return nil
	}
	raw := result.Get("result").Raw
	if raw == "" {
		return ErrEmptyResult
	}
	if err = json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("exchange: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) private() error {
	if !c.creds.Valid() {
		return ErrMissingCredentials
	}
	return nil
}

// PlaceOrder 市价单
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := c.private(); err != nil {
		return OrderResult{}, err
	}

	body := map[string]any{
		"category":    c.cfg.Category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   "Market",
		"qty":         req.Qty,
		"positionIdx": int(req.PositionIdx),
		"reduceOnly":  req.ReduceOnly,
		"orderLinkId": req.OrderLinkID,
	}

	var out struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, body, &out); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: out.OrderID, OrderLinkID: out.OrderLinkID}, nil
}

// CancelAllOrders symbol 为空时撤销所有 USDT 合约挂单
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := c.private(); err != nil {
		return err
	}
	body := map[string]any{"category": c.cfg.Category}
	if symbol != "" {
		body["symbol"] = symbol
	} else {
		body["settleCoin"] = settleCoin
	}
	return c.do(ctx, http.MethodPost, "/v5/order/cancel-all", nil, body, nil)
}

// SetLeverage 杠杆未变化视为成功
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if err := c.private(); err != nil {
		return err
	}
	lv := strconv.FormatFloat(leverage, 'f', -1, 64)
	body := map[string]any{
		"category":     c.cfg.Category,
		"symbol":       symbol,
		"buyLeverage":  lv,
		"sellLeverage": lv,
	}
	err := c.do(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, nil)
	if hasCode(err, codeLeverageNotModified) {
		return nil
	}
	return err
}

// SetMarginMode 切换全仓/逐仓，模式未变化视为成功
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode MarginMode, leverage float64) error {
	if err := c.private(); err != nil {
		return err
	}
	tradeMode := 0
	if mode == MarginIsolated {
		tradeMode = 1
	}
	lv := strconv.FormatFloat(leverage, 'f', -1, 64)
	body := map[string]any{
		"category":     c.cfg.Category,
		"symbol":       symbol,
		"tradeMode":    tradeMode,
		"buyLeverage":  lv,
		"sellLeverage": lv,
	}
	err := c.do(ctx, http.MethodPost, "/v5/position/switch-isolated", nil, body, nil)
	if hasCode(err, codeMarginNotModified) {
		return nil
	}
	return err
}

// SetTradingStop 设置/清除追踪止损，Distance="0" 为清除
func (c *Client) SetTradingStop(ctx context.Context, ts TradingStop) error {
	if err := c.private(); err != nil {
		return err
	}
	body := map[string]any{
		"category":     c.cfg.Category,
		"symbol":       ts.Symbol,
		"tpslMode":     "Full",
		"positionIdx":  int(ts.PositionIdx),
		"trailingStop": ts.Distance,
	}
	err := c.do(ctx, http.MethodPost, "/v5/position/trading-stop", nil, body, nil)
	if hasCode(err, codeTPSLNotModified) {
		return nil
	}
	return err
}

type rawPosition struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	AvgPrice       string `json:"avgPrice"`
	MarkPrice      string `json:"markPrice"`
	Leverage       string `json:"leverage"`
	TradeMode      int    `json:"tradeMode"`
	LiqPrice       string `json:"liqPrice"`
	UnrealisedPnl  string `json:"unrealisedPnl"`
	CurRealisedPnl string `json:"curRealisedPnl"`
	PositionIdx    int    `json:"positionIdx"`
	TrailingStop   string `json:"trailingStop"`
	UpdatedTime    string `json:"updatedTime"`
}

// ParsePosition feed 与 REST 的持仓结构一致
func ParsePosition(raw []byte) (Position, error) {
	var rp rawPosition
	if err := json.Unmarshal(raw, &rp); err != nil {
		return Position{}, err
	}
	return rp.convert(), nil
}

func (rp rawPosition) convert() Position {
	mode := MarginCross
	if rp.TradeMode == 1 {
		mode = MarginIsolated
	}
	return Position{
		Symbol:         rp.Symbol,
		Side:           Side(rp.Side),
		Size:           cast.ToFloat64(rp.Size),
		EntryPrice:     cast.ToFloat64(rp.AvgPrice),
		MarkPrice:      cast.ToFloat64(rp.MarkPrice),
		Leverage:       cast.ToFloat64(rp.Leverage),
		MarginMode:     mode,
		LiqPrice:       cast.ToFloat64(rp.LiqPrice),
		UnrealisedPnl:  cast.ToFloat64(rp.UnrealisedPnl),
		CurRealisedPnl: cast.ToFloat64(rp.CurRealisedPnl),
		PositionIdx:    PositionIdx(rp.PositionIdx),
		TrailingStop:   cast.ToFloat64(rp.TrailingStop),
		UpdatedAt:      time.UnixMilli(cast.ToInt64(rp.UpdatedTime)),
	}
}

// Positions symbol 为空时返回所有 USDT 合约持仓（含 size=0 的腿）
func (c *Client) Positions(ctx context.Context, symbol string) ([]Position, error) {
	if err := c.private(); err != nil {
		return nil, err
	}
	query := map[string]string{"category": c.cfg.Category, "limit": "200"}
	if symbol != "" {
		query["symbol"] = symbol
	} else {
		query["settleCoin"] = settleCoin
	}

	var out struct {
		List []rawPosition `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/v5/position/list", query, nil, &out); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(out.List))
	for _, rp := range out.List {
		positions = append(positions, rp.convert())
	}
	return positions, nil
}

// WalletBalance 统一账户权益
func (c *Client) WalletBalance(ctx context.Context) (Balance, error) {
	if err := c.private(); err != nil {
		return Balance{}, err
	}

	var out struct {
		List []rawWallet `json:"list"`
	}
	query := map[string]string{"accountType": accountType}
	if err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, &out); err != nil {
		return Balance{}, err
	}
	if len(out.List) == 0 {
		return Balance{}, ErrEmptyResult
	}
	return out.List[0].convert(time.Now()), nil
}

type rawInstrument struct {
	Symbol        string `json:"symbol"`
	LotSizeFilter struct {
		QtyStep          string `json:"qtyStep"`
		MinOrderQty      string `json:"minOrderQty"`
		MaxOrderQty      string `json:"maxOrderQty"`
		MinNotionalValue string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

func (ri rawInstrument) convert() InstrumentFilter {
	return InstrumentFilter{
		Symbol:      ri.Symbol,
		QtyStep:     cast.ToFloat64(ri.LotSizeFilter.QtyStep),
		MinQty:      cast.ToFloat64(ri.LotSizeFilter.MinOrderQty),
		MaxQty:      cast.ToFloat64(ri.LotSizeFilter.MaxOrderQty),
		MinNotional: cast.ToFloat64(ri.LotSizeFilter.MinNotionalValue),
		TickSize:    cast.ToFloat64(ri.PriceFilter.TickSize),
	}
}

// Instrument 单个合约的下单规则
func (c *Client) Instrument(ctx context.Context, symbol string) (InstrumentFilter, error) {
	var out struct {
		List []rawInstrument `json:"list"`
	}
	query := map[string]string{"category": c.cfg.Category, "symbol": symbol}
	if err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, &out); err != nil {
		return InstrumentFilter{}, err
	}
	if len(out.List) == 0 {
		return InstrumentFilter{}, fmt.Errorf("%w: instrument %s", ErrEmptyResult, symbol)
	}
	return out.List[0].convert(), nil
}

// Instruments 分页拉取全部合约
func (c *Client) Instruments(ctx context.Context) ([]InstrumentFilter, error) {
	var (
		filters []InstrumentFilter
		cursor  string
	)
	for {
		query := map[string]string{"category": c.cfg.Category, "limit": "1000"}
		if cursor != "" {
			query["cursor"] = cursor
		}
		var out struct {
			List           []rawInstrument `json:"list"`
			NextPageCursor string          `json:"nextPageCursor"`
		}
		if err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, &out); err != nil {
			return nil, err
		}
		for _, ri := range out.List {
			filters = append(filters, ri.convert())
		}
		if out.NextPageCursor == "" || out.NextPageCursor == cursor || len(out.List) == 0 {
			return filters, nil
		}
		cursor = out.NextPageCursor
	}
}

func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	var out struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
		} `json:"list"`
	}
	query := map[string]string{"category": c.cfg.Category, "symbol": symbol}
	if err := c.do(ctx, http.MethodGet, "/v5/market/tickers", query, nil, &out); err != nil {
		return Ticker{}, err
	}
	if len(out.List) == 0 {
		return Ticker{}, fmt.Errorf("%w: ticker %s", ErrEmptyResult, symbol)
	}
	t := out.List[0]
	return Ticker{Symbol: t.Symbol, LastPrice: cast.ToFloat64(t.LastPrice), MarkPrice: cast.ToFloat64(t.MarkPrice)}, nil
}

func hasCode(err error, code int64) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RetCode == code
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// restyLogger 把 resty 的重试日志接到 zerolog
type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) { l.log.Error().Msgf(format, v...) }
func (l restyLogger) Warnf(format string, v ...any)  { l.log.Warn().Msgf(format, v...) }
func (l restyLogger) Debugf(format string, v ...any) { l.log.Debug().Msgf(format, v...) }
