package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

func newTestDhan(t *testing.T, h http.HandlerFunc) (*DhanClient, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	a, err := NewDhanFromConfig(AccountConfig{
		ID:          "acct-1",
		Venue:       VenueDhan,
		ClientID:    "1000001",
		APIKey:      "key",
		AccessToken: "tok",
		BaseURL:     ts.URL,
		Symbols:     map[string]string{"RELIANCE": "2885"},
	}, Options{HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("new dhan: %v", err)
	}
	return a.(*DhanClient), ts
}

func TestDhanPlaceOrderRequestShape(t *testing.T) {
	var got map[string]any
	cli, _ := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-API-KEY") != "key" {
			t.Fatalf("missing api key header")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		io.WriteString(w, `{"orderId":"112111182198","orderStatus":"PENDING"}`)
	})

	price := decimal.RequireFromString("2500.5")
	res, err := cli.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "0b7e6c1a-5f3d-4a2b-9c8d-1e2f3a4b5c6d",
		Symbol:        "RELIANCE",
		Exchange:      "NSE",
		Side:          types.SideBuy,
		Kind:          types.KindLimit,
		Product:       types.ProductCash,
		Quantity:      decimal.NewFromInt(10),
		Price:         &price,
	})
	if err != nil {
		t.Fatalf("place err: %v", err)
	}
	if res.BrokerOrderID != "112111182198" || res.State != StatePending {
		t.Fatalf("unexpected result %+v", res)
	}
	checks := map[string]any{
		"dhanClientId":    "1000001",
		"transactionType": "BUY",
		"exchangeSegment": "NSE_EQ",
		"productType":     "CNC",
		"orderType":       "LIMIT",
		"validity":        "DAY",
		"securityId":      "2885",
		"quantity":        float64(10),
		"price":           2500.5,
	}
	for k, want := range checks {
		if got[k] != want {
			t.Fatalf("field %s = %v, want %v", k, got[k], want)
		}
	}
	cid, _ := got["correlationId"].(string)
	if len(cid) != maxCorrelationIDLen || strings.Contains(cid, "-") {
		t.Fatalf("bad correlation id %q", cid)
	}
	if _, ok := got["triggerPrice"]; ok {
		t.Fatalf("trigger price should be omitted for limit orders")
	}
}

func TestDhanPlaceOrderErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantKind  Kind
		wantState State
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth, ""},
		{"rate limited", http.StatusTooManyRequests, KindTransport, ""},
		{"server error", http.StatusBadGateway, KindTransport, ""},
		{"business reject", http.StatusBadRequest, "", StateRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cli, _ := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, `{"errorType":"Order_Error","errorCode":"DH-906","errorMessage":"Insufficient funds"}`)
			})
			res, err := cli.PlaceOrder(context.Background(), OrderRequest{
				ClientOrderID: "c1", Symbol: "INFY", Side: types.SideSell,
				Kind: types.KindMarket, Quantity: decimal.NewFromInt(1),
			})
			if tc.wantKind != "" {
				var ge *Error
				if !errors.As(err, &ge) || ge.Kind != tc.wantKind {
					t.Fatalf("want %s error, got %v", tc.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if res.State != tc.wantState || !strings.Contains(res.Message, "Insufficient funds") {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestDhanPlaceOrderNetworkFailureIsTransport(t *testing.T) {
	cli, ts := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {})
	ts.Close()
	_, err := cli.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "c1", Symbol: "INFY", Side: types.SideBuy,
		Kind: types.KindMarket, Quantity: decimal.NewFromInt(1),
	})
	if !IsTransport(err) {
		t.Fatalf("want transport error, got %v", err)
	}
}

func TestDhanOrderStatusAndLookup(t *testing.T) {
	cli, _ := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/42":
			io.WriteString(w, `[{"orderId":42,"orderStatus":"PART_TRADED","filledQty":4,"averageTradedPrice":101.25}]`)
		case "/orders/external/abc":
			io.WriteString(w, `{"orderId":"43","correlationId":"abc","orderStatus":"TRADED","filledQty":"5","averagePrice":"99"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"errorMessage":"not found"}`)
		}
	})
	ctx := context.Background()

	st, err := cli.OrderStatus(ctx, "42")
	if err != nil {
		t.Fatalf("status err: %v", err)
	}
	if st.BrokerOrderID != "42" || st.State != StatePartiallyFilled ||
		!st.FilledQuantity.Equal(decimal.NewFromInt(4)) || !st.AveragePrice.Equal(decimal.RequireFromString("101.25")) {
		t.Fatalf("unexpected status %+v", st)
	}

	lk, err := cli.LookupClientOrder(ctx, "abc")
	if err != nil {
		t.Fatalf("lookup err: %v", err)
	}
	if lk.State != StateFilled || lk.ClientOrderID != "abc" {
		t.Fatalf("unexpected lookup %+v", lk)
	}

	if _, err := cli.LookupClientOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("want ErrOrderNotFound, got %v", err)
	}
}

func TestDhanCancelOrder(t *testing.T) {
	cli, _ := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/orders/7":
			io.WriteString(w, `{"orderId":"7","orderStatus":"CANCELLED"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/orders/8":
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"errorMessage":"order already traded"}`)
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	res, err := cli.CancelOrder(context.Background(), "7")
	if err != nil || res.State != StateCancelled {
		t.Fatalf("cancel: %+v %v", res, err)
	}
	if _, err := cli.CancelOrder(context.Background(), "8"); !IsRejected(err) {
		t.Fatalf("want rejected error, got %v", err)
	}
}

func TestDhanPositionsOrdersBalance(t *testing.T) {
	cli, _ := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/positions":
			io.WriteString(w, `{"data":[{"securityId":"2885","exchangeSegment":"NSE_EQ","productType":"CNC","netQty":5,"averagePrice":2400,"lastPrice":2450}]}`)
		case "/orders":
			if r.URL.Query().Get("status") != "OPEN" {
				t.Fatalf("status filter not forwarded: %s", r.URL.RawQuery)
			}
			io.WriteString(w, `{"data":[{"orderId":"1","orderStatus":"OPEN"},{"orderId":"2","orderStatus":"OPEN"}]}`)
		case "/funds":
			io.WriteString(w, `{"availabelBalance":75000,"utilizedAmount":25000,"sodLimit":100000}`)
		}
	})
	ctx := context.Background()

	pos, err := cli.Positions(ctx)
	if err != nil || len(pos) != 1 {
		t.Fatalf("positions: %+v %v", pos, err)
	}
	if pos[0].Symbol != "RELIANCE" || pos[0].Exchange != "NSE" || pos[0].Product != types.ProductCash || !pos[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected position %+v", pos[0])
	}

	orders, err := cli.Orders(ctx, OrderQuery{State: StateOpen})
	if err != nil || len(orders) != 2 {
		t.Fatalf("orders: %+v %v", orders, err)
	}

	bal, err := cli.Balance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Available.Equal(decimal.NewFromInt(75000)) || !bal.Total.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestDhanAuthenticate(t *testing.T) {
	cli, _ := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"access_token":"fresh"}`)
	})
	cli.APISecret = "secret"
	if err := cli.Authenticate(context.Background()); err != nil {
		t.Fatalf("auth err: %v", err)
	}
	if cli.accessToken() != "fresh" {
		t.Fatalf("token not refreshed")
	}
}

func TestMapDhanStatus(t *testing.T) {
	cases := map[string]State{
		"TRANSIT":     StatePending,
		"open":        StateOpen,
		"PART_TRADED": StatePartiallyFilled,
		"TRADED":      StateFilled,
		"CANCELLED":   StateCancelled,
		"REJECTED":    StateRejected,
		"EXPIRED":     StateExpired,
		"WHATEVER":    StatePending,
	}
	for in, want := range cases {
		if got := mapDhanStatus(in); got != want {
			t.Fatalf("mapDhanStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewDhanFromConfigRequiresCredentials(t *testing.T) {
	if _, err := NewDhanFromConfig(AccountConfig{ClientID: "1"}, Options{}); err == nil {
		t.Fatalf("expected missing token error")
	}
	if _, err := NewDhanFromConfig(AccountConfig{AccessToken: "x"}, Options{}); err == nil {
		t.Fatalf("expected missing client id error")
	}
	a, err := NewDhanFromConfig(AccountConfig{ClientID: "1", AccessToken: "x", Sandbox: true}, Options{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if a.(*DhanClient).BaseURL != DhanSandboxURL {
		t.Fatalf("sandbox url not applied")
	}
}
