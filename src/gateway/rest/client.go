package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// -----------------------------
// CONFIG
// -----------------------------
const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
	defaultHTTPTimeout     = 15 * time.Second
	signatureTTL           = time.Minute

	headerAPIKey    = "X-API-KEY"
	headerExpiry    = "X-API-EXPIRY"
	headerSignature = "X-API-SIGNATURE"
)

// -----------------------------
// API RESPONSE WRAPPER
// -----------------------------
type APIResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// -----------------------------
// WIRE STRUCTURES
// -----------------------------
type orderRequest struct {
	ClientOrderID string   `json:"client_order_id"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Offset        string   `json:"offset"`
	Type          string   `json:"type"`
	Price         float64  `json:"price"`
	StopPrice     *float64 `json:"stop_price,omitempty"`
	Quantity      float64  `json:"quantity"`
}

type orderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type balancePayload struct {
	Cash              float64            `json:"cash"`
	Power             float64            `json:"power"`
	NetCashPower      float64            `json:"net_cash_power"`
	InitialMargin     float64            `json:"initial_margin"`
	MaintenanceMargin float64            `json:"maintenance_margin"`
	RealizedPnL       float64            `json:"realized_pnl"`
	UnrealizedPnL     float64            `json:"unrealized_pnl"`
	CurrencyCash      map[string]float64 `json:"currency_cash"`
}

type positionPayload struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	AvgPrice  float64 `json:"avg_price"`
	Quantity  float64 `json:"quantity"`
	UpdatedAt int64   `json:"updated_at"`
}

type klinePayload struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// -----------------------------
// AUTHENTICATED CLIENT
// -----------------------------
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// NewClient builds a signed client. retries is the number of attempts after
// the first one; negative selects the default.
func NewClient(apiKey, apiSecret, baseURL string, retries int) *Client {
	if retries < 0 {
		retries = defaultRetryAttempts - 1
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultHTTPTimeout).
		SetRetryCount(retries).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		http:      httpClient,
	}
}

// signRequest is hex(HMAC-SHA256(secret, path + query + expiry + body)).
func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path + query + strconv.FormatInt(expiry, 10) + body
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) doRequest(method, path, query string, body []byte) (*APIResponse, error) {
	expiry := time.Now().Add(signatureTTL).Unix()
	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetHeader(headerAPIKey, c.apiKey).
		SetHeader(headerExpiry, strconv.FormatInt(expiry, 10)).
		SetHeader(headerSignature, sig)
	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}

	raw := resp.Body()
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(raw))
	}

	var apiResp APIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Code != 0 {
		return &apiResp, fmt.Errorf("API error %d: %s", apiResp.Code, apiResp.Msg)
	}
	return &apiResp, nil
}

func (c *Client) PlaceOrder(req orderRequest) (*orderAck, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.doRequest(http.MethodPost, "/api/v1/orders", "", b)
	if err != nil {
		return nil, err
	}
	var ack orderAck
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, err
	}
	if ack.OrderID == "" {
		return nil, fmt.Errorf("order ack without order_id")
	}
	return &ack, nil
}

func (c *Client) CancelOrder(orderID string) error {
	_, err := c.doRequest(http.MethodDelete, "/api/v1/orders/"+orderID, "", nil)
	return err
}

func (c *Client) GetBalance() (*balancePayload, error) {
	resp, err := c.doRequest(http.MethodGet, "/api/v1/account/balance", "", nil)
	if err != nil {
		return nil, err
	}
	var b balancePayload
	return &b, json.Unmarshal(resp.Data, &b)
}

func (c *Client) GetPositions() ([]positionPayload, error) {
	resp, err := c.doRequest(http.MethodGet, "/api/v1/account/positions", "", nil)
	if err != nil {
		return nil, err
	}
	var rows []positionPayload
	return rows, json.Unmarshal(resp.Data, &rows)
}

func (c *Client) GetKlines(symbol string, limit int) ([]klinePayload, error) {
	resp, err := c.doRequest(http.MethodGet, "/api/v1/market/klines",
		fmt.Sprintf("symbol=%s&limit=%d", symbol, limit), nil)
	if err != nil {
		return nil, err
	}
	var rows []klinePayload
	return rows, json.Unmarshal(resp.Data, &rows)
}
