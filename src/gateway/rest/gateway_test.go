package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeharness/src/model"
)

const (
	testKey    = "key"
	testSecret = "secret"
)

var secBTC = model.NewCurrency("BTCUSDT", "bitcoin", "VENUE", 1)

// mockVenue is a minimal venue: signed REST endpoints plus a websocket
// stream that pushes execution reports before the order ack is returned.
type mockVenue struct {
	t          *testing.T
	srv        *httptest.Server
	upgrader   websocket.Upgrader
	subscribed chan subscribeMsg

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	refuse  atomic.Bool
	cancels atomic.Int64
}

func newMockVenue(t *testing.T) *mockVenue {
	v := &mockVenue{t: t, subscribed: make(chan subscribeMsg, 8)}

	r := chi.NewRouter()
	r.Get("/stream", v.handleStream)
	r.Post("/api/v1/orders", v.handlePlace)
	r.Delete("/api/v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		v.cancels.Add(1)
		v.reply(w, 0, "", map[string]string{"order_id": chi.URLParam(r, "id")})
	})
	r.Get("/api/v1/account/balance", func(w http.ResponseWriter, r *http.Request) {
		v.reply(w, 0, "", balancePayload{Cash: 5000, Power: 4000, CurrencyCash: map[string]float64{"USDT": 5000}})
	})
	r.Get("/api/v1/account/positions", func(w http.ResponseWriter, r *http.Request) {
		v.reply(w, 0, "", []positionPayload{
			{Symbol: "BTCUSDT", Side: "long", AvgPrice: 30000, Quantity: 0.5, UpdatedAt: 1610000000000},
			{Symbol: "DOGEUSDT", Side: "long", AvgPrice: 0.1, Quantity: 100},
		})
	})
	r.Get("/api/v1/market/klines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		v.reply(w, 0, "", []klinePayload{
			{Time: 1610000000000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
			{Time: 1610000060000, Open: 1.5, High: 2, Low: 1, Close: 1.8, Volume: 12},
		})
	})

	v.srv = httptest.NewServer(r)
	t.Cleanup(v.srv.Close)
	return v
}

func (v *mockVenue) streamURL() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http") + "/stream"
}

func (v *mockVenue) reply(w http.ResponseWriter, code int, msg string, data interface{}) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(APIResponse{Code: code, Msg: msg, Data: raw})
}

func (v *mockVenue) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var sub subscribeMsg
	if err := conn.ReadJSON(&sub); err != nil {
		conn.Close()
		return
	}
	v.mu.Lock()
	v.conn = conn
	v.mu.Unlock()
	v.subscribed <- sub

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (v *mockVenue) push(kind string, data interface{}) {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(envelope{Type: kind, Data: raw})
	v.mu.Lock()
	defer v.mu.Unlock()
	if assert.NotNil(v.t, v.conn) {
		assert.NoError(v.t, v.conn.WriteMessage(websocket.TextMessage, b))
	}
}

func (v *mockVenue) dropStream() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn != nil {
		v.conn.Close()
		v.conn = nil
	}
}

func (v *mockVenue) handlePlace(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	expiry := r.Header.Get(headerExpiry)
	var exp int64
	fmt.Sscan(expiry, &exp)
	if r.Header.Get(headerAPIKey) != testKey || r.Header.Get(headerSignature) != signRequest(r.URL.Path, r.URL.RawQuery, string(body), exp, testSecret) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if v.refuse.Load() {
		v.reply(w, 11051, "TE_INSUFFICIENT_BALANCE", nil)
		return
	}

	var req orderRequest
	assert.NoError(v.t, json.Unmarshal(body, &req))
	id := fmt.Sprintf("V%d", atomic.AddInt64(&v.nextID, 1))

	// execution reports race ahead of the ack
	first := req.Quantity * 0.4
	v.push("deal", dealEvent{DealID: id + "-1", OrderID: id, Price: 100, Quantity: first})
	v.push("deal", dealEvent{DealID: id + "-2", OrderID: id, Price: 105, Quantity: req.Quantity - first})
	v.push("order", orderEvent{OrderID: id, Status: "Filled"})
	time.Sleep(20 * time.Millisecond)

	v.reply(w, 0, "", orderAck{OrderID: id, Status: "New"})
}

func newTestGateway(t *testing.T, v *mockVenue) *Gateway {
	t.Helper()
	g, err := New(Config{
		Name:         "venue",
		Securities:   []model.Security{secBTC},
		BaseURL:      v.srv.URL,
		StreamURL:    v.streamURL(),
		APIKey:       testKey,
		APISecret:    testSecret,
		OrderTimeout: 2 * time.Second,
		Retries:      0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func waitSubscribed(t *testing.T, v *mockVenue) subscribeMsg {
	t.Helper()
	select {
	case sub := <-v.subscribed:
		return sub
	case <-time.After(3 * time.Second):
		t.Fatalf("stream never subscribed")
	}
	return subscribeMsg{}
}

func buyOrder(qty float64) model.Order {
	return model.Order{
		Security:  secBTC,
		Price:     100,
		Quantity:  qty,
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		OrderType: model.OrderTypeLimit,
	}
}

func TestConcurrentOrdersCorrelateDeals(t *testing.T) {
	v := newMockVenue(t)
	g := newTestGateway(t, v)
	require.NoError(t, g.Subscribe())
	sub := waitSubscribed(t, v)
	require.Equal(t, "subscribe", sub.Op)
	require.Equal(t, []string{"BTCUSDT"}, sub.Symbols)

	const n = 5
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = g.PlaceOrder(buyOrder(10))
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.NotEmpty(t, id)
		require.Eventually(t, func() bool {
			o, ok := g.GetOrder(id, 0)
			return ok && o.Status == model.OrderStatusFilled
		}, 3*time.Second, 10*time.Millisecond, id)

		o, _ := g.GetOrder(id, 0)
		assert.InDelta(t, 10.0, o.FilledQuantity, 1e-9)
		assert.InDelta(t, 103.0, o.FilledAvgPrice, 1e-9)

		deals := g.FindDealsWithOrderID(id)
		require.Len(t, deals, 2)
		for _, d := range deals {
			assert.Equal(t, id, d.OrderID)
			assert.Equal(t, secBTC, d.Security)
		}
	}
	require.Len(t, g.Deals(), 2*n)
}

func TestRefusedOrderReturnsEmptyID(t *testing.T) {
	v := newMockVenue(t)
	v.refuse.Store(true)
	g := newTestGateway(t, v)

	require.Empty(t, g.PlaceOrder(buyOrder(1)))
	require.Empty(t, g.Orders())
}

func TestSubscribeFailureIsVenueError(t *testing.T) {
	v := newMockVenue(t)
	g, err := New(Config{
		Name:       "venue",
		Securities: []model.Security{secBTC},
		BaseURL:    v.srv.URL,
		StreamURL:  "ws://127.0.0.1:1/stream",
	})
	require.NoError(t, err)

	err = g.Subscribe()
	require.ErrorIs(t, err, model.ErrVenue)
	var venueErr *model.VenueError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, "Subscribe", venueErr.Op)
	require.NoError(t, g.Close())
}

func TestStreamMarketData(t *testing.T) {
	v := newMockVenue(t)
	g := newTestGateway(t, v)
	require.NoError(t, g.Subscribe())
	waitSubscribed(t, v)

	v.push("quote", quoteEvent{Symbol: "BTCUSDT", Time: 1610000000000, Last: 101, Bid: 100.5, Ask: 101.5})
	v.push("orderbook", bookEvent{Symbol: "BTCUSDT", Bids: [][3]float64{{100.5, 2, 3}}, Asks: [][3]float64{{101.5, 1, 1}}})
	v.push("bar", barEvent{Symbol: "BTCUSDT", klinePayload: klinePayload{Time: 1610000000000, Open: 100, High: 102, Low: 99, Close: 101, Volume: 5}})
	v.push("quote", quoteEvent{Symbol: "UNKNOWN", Last: 1})

	require.Eventually(t, func() bool {
		bar, err := g.GetRecentBar(secBTC)
		return err == nil && bar != nil
	}, 3*time.Second, 10*time.Millisecond)

	q, ok := g.GetQuote(secBTC)
	require.True(t, ok)
	assert.InDelta(t, 101.0, q.LastPrice, 1e-9)

	ob, ok := g.GetOrderBook(secBTC)
	require.True(t, ok)
	bid, bidVol, ask, _ := ob.Level(1)
	assert.InDelta(t, 100.5, bid, 1e-9)
	assert.InDelta(t, 2.0, bidVol, 1e-9)
	assert.InDelta(t, 101.5, ask, 1e-9)
	assert.Equal(t, 3, ob.BidNum[0])

	px, ok := g.LastPrice(secBTC)
	require.True(t, ok)
	assert.InDelta(t, 101.0, px, 1e-9)
}

func TestStreamReconnects(t *testing.T) {
	v := newMockVenue(t)
	g := newTestGateway(t, v)
	require.NoError(t, g.Subscribe())
	waitSubscribed(t, v)

	v.dropStream()
	waitSubscribed(t, v)
}

func TestCancelOrder(t *testing.T) {
	v := newMockVenue(t)
	g := newTestGateway(t, v)

	g.CancelOrder("missing")
	require.Equal(t, int64(0), v.cancels.Load())

	g.RegisterOrder(model.Order{OrderID: "X1", Security: secBTC, Quantity: 1, Status: model.OrderStatusSubmitted})
	g.CancelOrder("X1")
	require.Equal(t, int64(1), v.cancels.Load())
}

func TestBrokerSnapshots(t *testing.T) {
	v := newMockVenue(t)
	g := newTestGateway(t, v)

	bal, err := g.GetBrokerBalance()
	require.NoError(t, err)
	assert.InDelta(t, 5000.0, bal.Cash, 1e-9)
	assert.InDelta(t, 5000.0, bal.CashByCurrency["USDT"], 1e-9)

	rows, err := g.GetAllBrokerPositions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.DirectionLong, rows[0].Direction)
	assert.InDelta(t, 0.5, rows[0].Quantity, 1e-9)

	bars, err := g.GetRecentBars(secBTC, 5)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.InDelta(t, 1.8, bars[1].Close, 1e-9)
}

func TestMapStatus(t *testing.T) {
	tests := map[string]model.OrderStatus{
		"New":             model.OrderStatusSubmitting,
		"PendingNew":      model.OrderStatusSubmitting,
		"Accepted":        model.OrderStatusSubmitted,
		"PartiallyFilled": model.OrderStatusPartFilled,
		"Filled":          model.OrderStatusFilled,
		"Canceled":        model.OrderStatusCancelled,
		"Expired":         model.OrderStatusCancelled,
		"Rejected":        model.OrderStatusFailed,
	}
	for native, want := range tests {
		t.Run(native, func(t *testing.T) {
			require.Equal(t, want, MapStatus(native))
		})
	}
	require.Panics(t, func() { MapStatus("Suspended") })
}

func TestIsRetryableResp(t *testing.T) {
	resp := func(code int) *resty.Response {
		return &resty.Response{RawResponse: &http.Response{StatusCode: code}}
	}
	assert.True(t, isRetryableResp(nil, fmt.Errorf("boom")))
	assert.True(t, isRetryableResp(resp(503), nil))
	assert.True(t, isRetryableResp(resp(429), nil))
	assert.True(t, isRetryableResp(resp(408), nil))
	assert.False(t, isRetryableResp(resp(400), nil))
	assert.False(t, isRetryableResp(nil, nil))
}

func TestNewRequiresURLs(t *testing.T) {
	_, err := New(Config{Name: "venue", Securities: []model.Security{secBTC}})
	require.ErrorIs(t, err, model.ErrConfig)
}
