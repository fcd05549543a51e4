package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"tradeharness/src/model"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	baseDelay        = 500 * time.Millisecond
	maxDelay         = 30 * time.Second
	maxBarHistory    = 1000
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscribeMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

type quoteEvent struct {
	Symbol    string  `json:"symbol"`
	Time      int64   `json:"time"`
	Last      float64 `json:"last"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidVolume float64 `json:"bid_volume"`
	AskVolume float64 `json:"ask_volume"`
	Volume    float64 `json:"volume"`
	Turnover  float64 `json:"turnover"`
}

// bookEvent levels are [price, volume, count].
type bookEvent struct {
	Symbol string       `json:"symbol"`
	Time   int64        `json:"time"`
	Bids   [][3]float64 `json:"bids"`
	Asks   [][3]float64 `json:"asks"`
}

type barEvent struct {
	Symbol string `json:"symbol"`
	klinePayload
}

type orderEvent struct {
	OrderID        string   `json:"order_id"`
	Status         string   `json:"status"`
	Price          *float64 `json:"price"`
	FilledAvgPrice *float64 `json:"filled_avg_price"`
	FilledQuantity *float64 `json:"filled_quantity"`
	UpdatedAt      int64    `json:"updated_at"`
}

type dealEvent struct {
	DealID   string  `json:"deal_id"`
	OrderID  string  `json:"order_id"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Time     int64   `json:"time"`
}

func backoff(retry int) time.Duration {
	d := baseDelay << uint(retry)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, g.cfg.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	symbols := make([]string, 0, len(g.bySymbol))
	for _, sec := range g.Securities() {
		symbols = append(symbols, sec.Code)
	}
	b, _ := json.Marshal(subscribeMsg{Op: "subscribe", Symbols: symbols})
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}
	return conn, nil
}

// connectionLoop reads until the stream breaks, then redials with backoff
// until the gateway is closed.
func (g *Gateway) connectionLoop(ctx context.Context, conn *websocket.Conn) {
	defer g.wg.Done()

	retry := 0
	for {
		if conn != nil {
			retry = 0
			g.readLoop(ctx, conn)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		conn, err = g.dial(ctx)
		if err != nil {
			g.Log().WithFields(map[string]interface{}{"op": "connectionLoop", "retry": retry}).WithError(err).Warn("Stream reconnect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff(retry)):
			}
			retry++
			continue
		}
		g.setConn(conn)
		g.Log().WithField("op", "connectionLoop").Info("Stream reconnected")
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				g.Log().WithField("op", "readLoop").WithError(err).Warn("Stream read failed")
			}
			return
		}
		g.handleMessage(msg)
	}
}

func (g *Gateway) handleMessage(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		g.Log().WithField("op", "handleMessage").WithError(err).Warn("Malformed stream message")
		return
	}

	var err error
	switch env.Type {
	case "quote":
		var ev quoteEvent
		if err = json.Unmarshal(env.Data, &ev); err == nil {
			err = g.onQuote(ev)
		}
	case "orderbook":
		var ev bookEvent
		if err = json.Unmarshal(env.Data, &ev); err == nil {
			err = g.onBook(ev)
		}
	case "bar":
		var ev barEvent
		if err = json.Unmarshal(env.Data, &ev); err == nil {
			err = g.onBar(ev)
		}
	case "order":
		var ev orderEvent
		if err = json.Unmarshal(env.Data, &ev); err == nil {
			err = g.onOrder(ev)
		}
	case "deal":
		var ev dealEvent
		if err = json.Unmarshal(env.Data, &ev); err == nil {
			err = g.ProcessDeal(model.DealFields{
				DealID:         ev.DealID,
				OrderID:        ev.OrderID,
				UpdateTime:     g.stamp(ev.Time),
				FilledAvgPrice: ev.Price,
				FilledQuantity: ev.Quantity,
			})
		}
	default:
		g.Log().WithFields(map[string]interface{}{"op": "handleMessage", "type": env.Type}).Debug("Ignoring stream message")
	}
	if err != nil {
		g.Log().WithFields(map[string]interface{}{"op": "handleMessage", "type": env.Type}).WithError(err).Warn("Stream event dropped")
	}
}

func (g *Gateway) stamp(ms int64) time.Time {
	if ms == 0 {
		return time.Now().In(g.Calendar().Location())
	}
	return time.UnixMilli(ms).In(g.Calendar().Location())
}

func (g *Gateway) security(symbol string) (model.Security, error) {
	sec, ok := g.bySymbol[symbol]
	if !ok {
		return model.Security{}, fmt.Errorf("symbol %q not subscribed", symbol)
	}
	return sec, nil
}

func (g *Gateway) onQuote(ev quoteEvent) error {
	sec, err := g.security(ev.Symbol)
	if err != nil {
		return err
	}
	g.ProcessQuote(model.Quote{
		Security:  sec,
		Exchange:  sec.Exchange,
		Time:      g.stamp(ev.Time),
		LastPrice: ev.Last,
		OpenPrice: ev.Open,
		HighPrice: ev.High,
		LowPrice:  ev.Low,
		PrevClose: ev.PrevClose,
		BidPrice:  ev.Bid,
		AskPrice:  ev.Ask,
		BidVolume: ev.BidVolume,
		AskVolume: ev.AskVolume,
		Volume:    ev.Volume,
		Turnover:  ev.Turnover,
	})
	return nil
}

func (g *Gateway) onBook(ev bookEvent) error {
	sec, err := g.security(ev.Symbol)
	if err != nil {
		return err
	}
	ob := model.OrderBook{Security: sec, Exchange: sec.Exchange, Time: g.stamp(ev.Time)}
	for i := 0; i < len(ev.Bids) && i < model.OrderBookDepth; i++ {
		ob.BidPrice[i], ob.BidVolume[i], ob.BidNum[i] = ev.Bids[i][0], ev.Bids[i][1], int(ev.Bids[i][2])
	}
	for i := 0; i < len(ev.Asks) && i < model.OrderBookDepth; i++ {
		ob.AskPrice[i], ob.AskVolume[i], ob.AskNum[i] = ev.Asks[i][0], ev.Asks[i][1], int(ev.Asks[i][2])
	}
	g.ProcessOrderBook(ob)
	return nil
}

func (g *Gateway) onBar(ev barEvent) error {
	sec, err := g.security(ev.Symbol)
	if err != nil {
		return err
	}
	bar := g.toBar(sec, ev.klinePayload)
	if err := bar.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	key := sec.Key()
	hist := append(g.bars[key], bar)
	if len(hist) > maxBarHistory {
		hist = hist[len(hist)-maxBarHistory:]
	}
	g.bars[key] = hist
	g.mu.Unlock()

	g.SetLastPrice(sec, bar.Close)
	return nil
}

func (g *Gateway) onOrder(ev orderEvent) error {
	u := model.OrderUpdate{
		OrderID:        ev.OrderID,
		Price:          ev.Price,
		FilledAvgPrice: ev.FilledAvgPrice,
		FilledQuantity: ev.FilledQuantity,
	}
	if ev.Status != "" {
		u.Status = model.Ptr(MapStatus(ev.Status))
	}
	if ev.UpdatedAt != 0 {
		u.UpdatedTime = model.Ptr(g.stamp(ev.UpdatedAt))
	}
	return g.ProcessOrder(u)
}

func (g *Gateway) toBar(sec model.Security, k klinePayload) model.Bar {
	return model.Bar{
		Time:     g.stamp(k.Time),
		Security: sec,
		Open:     k.Open,
		High:     k.High,
		Low:      k.Low,
		Close:    k.Close,
		Volume:   k.Volume,
	}
}
