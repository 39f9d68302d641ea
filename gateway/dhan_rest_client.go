package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	VenueDhan      = "dhan"
	DhanBaseURL    = "https://api.dhan.co/v2"
	DhanSandboxURL = "https://sandbox.dhan.co/v2"

	maxCorrelationIDLen = 25
)

// DhanClient Dhan REST 适配器；HTTPClient 可注入 httptest。
type DhanClient struct {
	BaseURL    string
	ClientID   string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Symbols    map[string]string // symbol -> securityId

	mu    sync.RWMutex
	token string
}

// NewDhanFromConfig 是 dhan venue 的工厂，要求 access token 与 client id。
func NewDhanFromConfig(cfg AccountConfig, opts Options) (Adapter, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("dhan adapter requires access_token")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("dhan adapter requires client_id")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DhanBaseURL
		if cfg.Sandbox {
			base = DhanSandboxURL
		}
	}
	httpCli := opts.HTTPClient
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient(cfg.Timeout)
	}
	c := &DhanClient{
		BaseURL:    strings.TrimRight(base, "/"),
		ClientID:   cfg.ClientID,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		HTTPClient: httpCli,
		Symbols:    cfg.Symbols,
	}
	if cfg.RateLimit > 0 {
		c.Limiter = NewRateLimiter(cfg.RateLimit, cfg.Burst)
	}
	c.SetAccessToken(cfg.AccessToken)
	return c, nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *DhanClient) Venue() string { return VenueDhan }

// SetAccessToken 替换 Bearer token。
func (c *DhanClient) SetAccessToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *DhanClient) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type dhanOrderRequest struct {
	DhanClientID    string   `json:"dhanClientId"`
	CorrelationID   string   `json:"correlationId,omitempty"`
	TransactionType string   `json:"transactionType"`
	ExchangeSegment string   `json:"exchangeSegment"`
	ProductType     string   `json:"productType"`
	OrderType       string   `json:"orderType"`
	Validity        string   `json:"validity"`
	SecurityID      string   `json:"securityId"`
	Quantity        int64    `json:"quantity"`
	Price           *float64 `json:"price,omitempty"`
	TriggerPrice    *float64 `json:"triggerPrice,omitempty"`
}

type dhanOrder struct {
	OrderID        flexString      `json:"orderId"`
	DhanOrderID    flexString      `json:"dhanOrderId"`
	CorrelationID  string          `json:"correlationId"`
	OrderStatus    string          `json:"orderStatus"`
	Status         string          `json:"status"`
	FilledQty      decimal.Decimal `json:"filledQty"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
	AvgTradedPrice decimal.Decimal `json:"averageTradedPrice"`
	Message        string          `json:"message"`
	OmsError       string          `json:"omsErrorDescription"`
}

type dhanError struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Message      string `json:"message"`
}

func (e dhanError) text(status int) string {
	switch {
	case e.ErrorMessage != "" && e.ErrorCode != "":
		return e.ErrorCode + ": " + e.ErrorMessage
	case e.ErrorMessage != "":
		return e.ErrorMessage
	case e.Message != "":
		return e.Message
	}
	return fmt.Sprintf("http status %d", status)
}

// flexString 兼容字符串或数字形式的 id。
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

type httpResult struct {
	status int
	body   []byte
}

// do 发送请求；只把传输与鉴权失败作为 error 返回，其余 4xx 交给调用方解释。
func (c *DhanClient) do(ctx context.Context, op, method, path string, query url.Values, body any) (httpResult, error) {
	if c == nil || c.HTTPClient == nil {
		return httpResult{}, newError(KindTransport, VenueDhan, op, 0, errors.New("http client not set"))
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return httpResult{}, newError(KindTransport, VenueDhan, op, 0, err)
		}
	}
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return httpResult{}, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return httpResult{}, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-KEY", c.APIKey)
	}
	if tok := c.accessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return httpResult{}, newError(KindTransport, VenueDhan, op, 0, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResult{}, newError(KindTransport, VenueDhan, op, resp.StatusCode, err)
	}
	res := httpResult{status: resp.StatusCode, body: raw}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return res, newError(KindAuth, VenueDhan, op, resp.StatusCode, errors.New(parseDhanError(raw, resp.StatusCode)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return res, newError(KindTransport, VenueDhan, op, resp.StatusCode, errors.New(parseDhanError(raw, resp.StatusCode)))
	}
	return res, nil
}

func parseDhanError(raw []byte, status int) string {
	var de dhanError
	_ = json.Unmarshal(raw, &de)
	return de.text(status)
}

// Authenticate 用 api key/secret 换取 access token；未配置 secret 时只校验已有 token。
func (c *DhanClient) Authenticate(ctx context.Context) error {
	if c.APISecret == "" {
		if c.accessToken() == "" {
			return newError(KindAuth, VenueDhan, "authenticate", 0, errors.New("no access token configured"))
		}
		return nil
	}
	res, err := c.do(ctx, "authenticate", http.MethodPost, "/oauth/token", nil, map[string]string{
		"api_key":    c.APIKey,
		"api_secret": c.APISecret,
	})
	if err != nil {
		return err
	}
	if res.status >= 300 {
		return newError(KindAuth, VenueDhan, "authenticate", res.status, errors.New(parseDhanError(res.body, res.status)))
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(res.body, &tok); err != nil || tok.AccessToken == "" {
		return newError(KindAuth, VenueDhan, "authenticate", res.status, errors.New("no access token in response"))
	}
	c.SetAccessToken(tok.AccessToken)
	return nil
}

func (c *DhanClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	body := dhanOrderRequest{
		DhanClientID:    c.ClientID,
		CorrelationID:   correlationID(req.ClientOrderID),
		TransactionType: string(req.Side),
		ExchangeSegment: dhanSegment(req.Exchange),
		ProductType:     dhanProduct(string(req.Product)),
		OrderType:       dhanOrderType(string(req.Kind)),
		Validity:        "DAY",
		SecurityID:      c.securityID(req.Symbol),
		Quantity:        req.Quantity.IntPart(),
		Price:           floatPtr(req.Price),
		TriggerPrice:    floatPtr(req.TriggerPrice),
	}
	res, err := c.do(ctx, "place_order", http.MethodPost, "/orders", nil, body)
	if err != nil {
		return OrderResult{}, err
	}
	if res.status >= 300 {
		// 业务拒单（保证金不足、休市等）是正常结果
		return OrderResult{
			ClientOrderID: req.ClientOrderID,
			State:         StateRejected,
			Message:       parseDhanError(res.body, res.status),
			Raw:           json.RawMessage(res.body),
			UpdatedAt:     time.Now(),
		}, nil
	}
	out, err := decodeDhanOrder(res.body)
	if err != nil {
		return OrderResult{}, newError(KindTransport, VenueDhan, "place_order", res.status, err)
	}
	out.ClientOrderID = req.ClientOrderID
	if out.BrokerOrderID == "" && out.State != StateRejected {
		return OrderResult{}, newError(KindTransport, VenueDhan, "place_order", res.status, errors.New("no order id in response"))
	}
	return out, nil
}

func (c *DhanClient) CancelOrder(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	res, err := c.do(ctx, "cancel_order", http.MethodDelete, "/orders/"+url.PathEscape(brokerOrderID), nil, nil)
	if err != nil {
		return OrderResult{}, err
	}
	if res.status == http.StatusNotFound {
		return OrderResult{}, newError(KindRejected, VenueDhan, "cancel_order", res.status, ErrOrderNotFound)
	}
	if res.status >= 300 {
		return OrderResult{}, newError(KindRejected, VenueDhan, "cancel_order", res.status, errors.New(parseDhanError(res.body, res.status)))
	}
	out, err := decodeDhanOrder(res.body)
	if err != nil || out.State == "" || out.State == StatePending {
		// 撤单回执不含最终状态时以查询结果为准
		return c.OrderStatus(ctx, brokerOrderID)
	}
	if out.BrokerOrderID == "" {
		out.BrokerOrderID = brokerOrderID
	}
	return out, nil
}

func (c *DhanClient) OrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	return c.fetchOrder(ctx, "order_status", "/orders/"+url.PathEscape(brokerOrderID))
}

// LookupClientOrder 通过 correlationId 查询，实现 ClientOrderLookup。
func (c *DhanClient) LookupClientOrder(ctx context.Context, clientOrderID string) (OrderResult, error) {
	out, err := c.fetchOrder(ctx, "lookup_client_order", "/orders/external/"+url.PathEscape(correlationID(clientOrderID)))
	if err != nil {
		return OrderResult{}, err
	}
	out.ClientOrderID = clientOrderID
	return out, nil
}

func (c *DhanClient) fetchOrder(ctx context.Context, op, path string) (OrderResult, error) {
	res, err := c.do(ctx, op, http.MethodGet, path, nil, nil)
	if err != nil {
		return OrderResult{}, err
	}
	if res.status == http.StatusNotFound {
		return OrderResult{}, ErrOrderNotFound
	}
	if res.status >= 300 {
		return OrderResult{}, newError(KindRejected, VenueDhan, op, res.status, errors.New(parseDhanError(res.body, res.status)))
	}
	out, err := decodeDhanOrder(res.body)
	if err != nil {
		return OrderResult{}, newError(KindTransport, VenueDhan, op, res.status, err)
	}
	if out.BrokerOrderID == "" {
		return OrderResult{}, ErrOrderNotFound
	}
	return out, nil
}

func (c *DhanClient) Positions(ctx context.Context) ([]Position, error) {
	res, err := c.do(ctx, "fetch_positions", http.MethodGet, "/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	if res.status >= 300 {
		return nil, newError(KindRejected, VenueDhan, "fetch_positions", res.status, errors.New(parseDhanError(res.body, res.status)))
	}
	var rows []struct {
		Symbol        string          `json:"symbol"`
		TradingSymbol string          `json:"tradingSymbol"`
		SecurityID    flexString      `json:"securityId"`
		Exchange      string          `json:"exchange"`
		Segment       string          `json:"exchangeSegment"`
		ProductType   string          `json:"productType"`
		Quantity      decimal.Decimal `json:"quantity"`
		NetQty        decimal.Decimal `json:"netQty"`
		AveragePrice  decimal.Decimal `json:"averagePrice"`
		LastPrice     decimal.Decimal `json:"lastPrice"`
	}
	if err := decodeList(res.body, &rows); err != nil {
		return nil, newError(KindTransport, VenueDhan, "fetch_positions", res.status, err)
	}
	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		qty := r.Quantity
		if qty.IsZero() {
			qty = r.NetQty
		}
		exch := r.Exchange
		if exch == "" {
			exch = exchangeFromSegment(r.Segment)
		}
		out = append(out, Position{
			Symbol:       c.symbolFor(string(r.SecurityID), firstNonEmpty(r.Symbol, r.TradingSymbol)),
			Exchange:     exch,
			Product:      productFromDhan(r.ProductType),
			Quantity:     qty,
			AveragePrice: r.AveragePrice,
			LastPrice:    r.LastPrice,
		})
	}
	return out, nil
}

func (c *DhanClient) Orders(ctx context.Context, q OrderQuery) ([]OrderResult, error) {
	query := url.Values{}
	if q.State != "" {
		query.Set("status", dhanStatusFor(q.State))
	}
	if q.Symbol != "" {
		query.Set("symbol", c.securityID(q.Symbol))
	}
	res, err := c.do(ctx, "fetch_orders", http.MethodGet, "/orders", query, nil)
	if err != nil {
		return nil, err
	}
	if res.status >= 300 {
		return nil, newError(KindRejected, VenueDhan, "fetch_orders", res.status, errors.New(parseDhanError(res.body, res.status)))
	}
	var rows []json.RawMessage
	if err := decodeList(res.body, &rows); err != nil {
		return nil, newError(KindTransport, VenueDhan, "fetch_orders", res.status, err)
	}
	out := make([]OrderResult, 0, len(rows))
	for _, raw := range rows {
		o, err := decodeDhanOrder(raw)
		if err != nil {
			return nil, newError(KindTransport, VenueDhan, "fetch_orders", res.status, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (c *DhanClient) Balance(ctx context.Context) (Balance, error) {
	res, err := c.do(ctx, "get_account_balance", http.MethodGet, "/funds", nil, nil)
	if err != nil {
		return Balance{}, err
	}
	if res.status >= 300 {
		return Balance{}, newError(KindRejected, VenueDhan, "get_account_balance", res.status, errors.New(parseDhanError(res.body, res.status)))
	}
	var f struct {
		Available  decimal.Decimal `json:"availableBalance"`
		Availabel  decimal.Decimal `json:"availabelBalance"`
		Utilized   decimal.Decimal `json:"utilizedAmount"`
		SodLimit   decimal.Decimal `json:"sodLimit"`
		Withdrawal decimal.Decimal `json:"withdrawableBalance"`
	}
	if err := json.Unmarshal(res.body, &f); err != nil {
		return Balance{}, newError(KindTransport, VenueDhan, "get_account_balance", res.status, err)
	}
	avail := f.Available
	if avail.IsZero() {
		// Dhan 的字段名拼写为 availabelBalance
		avail = f.Availabel
	}
	total := f.SodLimit
	if total.IsZero() {
		total = avail.Add(f.Utilized)
	}
	return Balance{Available: avail, Used: f.Utilized, Total: total, Raw: json.RawMessage(res.body)}, nil
}

func decodeDhanOrder(raw []byte) (OrderResult, error) {
	raw = bytes.TrimSpace(raw)
	var d dhanOrder
	if len(raw) > 0 && raw[0] == '[' {
		var list []dhanOrder
		if err := json.Unmarshal(raw, &list); err != nil {
			return OrderResult{}, fmt.Errorf("decode order: %w", err)
		}
		if len(list) == 0 {
			return OrderResult{}, nil
		}
		d = list[0]
	} else if err := json.Unmarshal(raw, &d); err != nil {
		return OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	id := string(d.OrderID)
	if id == "" {
		id = string(d.DhanOrderID)
	}
	status := d.OrderStatus
	if status == "" {
		status = d.Status
	}
	avg := d.AveragePrice
	if avg.IsZero() {
		avg = d.AvgTradedPrice
	}
	msg := d.Message
	if msg == "" {
		msg = d.OmsError
	}
	return OrderResult{
		BrokerOrderID:  id,
		ClientOrderID:  d.CorrelationID,
		State:          mapDhanStatus(status),
		FilledQuantity: d.FilledQty,
		AveragePrice:   avg,
		Message:        msg,
		Raw:            json.RawMessage(raw),
		UpdatedAt:      time.Now(),
	}, nil
}

func decodeList(raw []byte, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		return json.Unmarshal(raw, out)
	}
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return err
	}
	if len(wrapped.Data) == 0 || string(wrapped.Data) == "null" {
		return nil
	}
	return json.Unmarshal(wrapped.Data, out)
}

func (c *DhanClient) securityID(symbol string) string {
	if id, ok := c.Symbols[symbol]; ok {
		return id
	}
	return symbol
}

func (c *DhanClient) symbolFor(securityID, fallback string) string {
	for sym, id := range c.Symbols {
		if id == securityID {
			return sym
		}
	}
	if fallback != "" {
		return fallback
	}
	return securityID
}

func correlationID(clientOrderID string) string {
	id := strings.ReplaceAll(clientOrderID, "-", "")
	if len(id) > maxCorrelationIDLen {
		id = id[:maxCorrelationIDLen]
	}
	return id
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
