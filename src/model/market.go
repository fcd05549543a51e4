package model

import (
	"fmt"
	"math"
	"time"
)

// OrderBookDepth is the number of price levels kept per side.
const OrderBookDepth = 10

// Bar summarises one interval of trading for one security.
type Bar struct {
	Time     time.Time `json:"time"`
	Security Security  `json:"security"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Validate checks low <= min(open,close) <= max(open,close) <= high and volume >= 0.
func (b Bar) Validate() error {
	lo := math.Min(b.Open, b.Close)
	hi := math.Max(b.Open, b.Close)
	if b.Low > lo || hi > b.High {
		return fmt.Errorf("bar %s at %s: inconsistent range low=%v open=%v close=%v high=%v",
			b.Security.Code, b.Time.Format(time.DateTime), b.Low, b.Open, b.Close, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s at %s: negative volume %v", b.Security.Code, b.Time.Format(time.DateTime), b.Volume)
	}
	return nil
}

// Quote is the latest aggregate price snapshot for a security.
type Quote struct {
	Security  Security  `json:"security"`
	Exchange  string    `json:"exchange"`
	Time      time.Time `json:"time"`
	LastPrice float64   `json:"last_price"`
	OpenPrice float64   `json:"open_price"`
	HighPrice float64   `json:"high_price"`
	LowPrice  float64   `json:"low_price"`
	PrevClose float64   `json:"prev_close"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	BidVolume float64   `json:"bid_volume"`
	AskVolume float64   `json:"ask_volume"`
	Volume    float64   `json:"volume"`
	Turnover  float64   `json:"turnover"`
}

// OrderBook is a depth snapshot. Index 0 holds level 1; missing levels are zero.
type OrderBook struct {
	Security  Security                `json:"security"`
	Exchange  string                  `json:"exchange"`
	Time      time.Time               `json:"time"`
	BidPrice  [OrderBookDepth]float64 `json:"bid_price"`
	BidVolume [OrderBookDepth]float64 `json:"bid_volume"`
	BidNum    [OrderBookDepth]int     `json:"bid_num"`
	AskPrice  [OrderBookDepth]float64 `json:"ask_price"`
	AskVolume [OrderBookDepth]float64 `json:"ask_volume"`
	AskNum    [OrderBookDepth]int     `json:"ask_num"`
}

// Level returns bid and ask price/volume at a 1-based level, zero when out of range.
func (o OrderBook) Level(level int) (bidPx, bidVol, askPx, askVol float64) {
	if level < 1 || level > OrderBookDepth {
		return 0, 0, 0, 0
	}
	i := level - 1
	return o.BidPrice[i], o.BidVolume[i], o.AskPrice[i], o.AskVolume[i]
}

// CompositeData bundles bar, quote and orderbook for a security when a gateway
// serves more than one data field.
type CompositeData struct {
	Bar       *Bar       `json:"bar,omitempty"`
	Quote     *Quote     `json:"quote,omitempty"`
	OrderBook *OrderBook `json:"orderbook,omitempty"`
}

// LastPrice picks the freshest price available in the bundle.
func (c CompositeData) LastPrice() (float64, bool) {
	if c.Quote != nil && c.Quote.LastPrice > 0 {
		return c.Quote.LastPrice, true
	}
	if c.Bar != nil {
		return c.Bar.Close, true
	}
	return 0, false
}

// MarketData is what on_bar receives: gateway name -> security -> data.
// A nil entry means the security had no data at this tick.
type MarketData map[string]map[Security]*CompositeData
