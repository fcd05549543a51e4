package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradeharness/src/auth"
	"tradeharness/src/eventloop"
	"tradeharness/src/gateway"
	"tradeharness/src/model"
)

// controlEngine is the part of the engine the control surface drives.
type controlEngine interface {
	GatewayNames() []string
	Gateway(name string) (gateway.Gateway, error)
	GetBalance(name string) (model.AccountBalance, error)
	GetAllPositions(name string) ([]model.PositionData, error)
	GetOrders(name string, activeOnly bool) ([]model.Order, error)
	GetDeals(name string) ([]model.Deal, error)
	SendOrder(name string, order model.Order) string
	CancelOrder(name, orderID string) error
	CancelOrders(name string) ([]string, error)
	ClosePositions(name string) ([]string, error)
}

type loopControl interface {
	State() eventloop.State
	CurrentTime() time.Time
	Overflows() int
	Stop()
}

// ExceptionStore lists the exceptions captured for a run, newest first.
type ExceptionStore interface {
	FindByRun(ctx context.Context, runID string) ([]model.Exception, error)
}

type StatusResponse struct {
	State       eventloop.State `json:"state"`
	CurrentTime time.Time       `json:"current_time"`
	Overflows   int             `json:"overflows"`
	Gateways    []string        `json:"gateways"`
}

// OrderRequest is the JSON body of POST /orders.
type OrderRequest struct {
	Gateway   string   `json:"gateway"`
	Code      string   `json:"code"`
	Quantity  float64  `json:"quantity"`
	Direction string   `json:"direction"`
	Offset    string   `json:"offset"`
	OrderType string   `json:"order_type"`
	Price     float64  `json:"price"`
	StopPrice *float64 `json:"stop_price,omitempty"`
}

type idsResponse struct {
	OrderIDs []string `json:"orderids"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode control response")
	}
}

// targets resolves the optional gateway query parameter.
func targets(eng controlEngine, r *http.Request) ([]string, error) {
	name := r.URL.Query().Get("gateway")
	if name == "" {
		return eng.GatewayNames(), nil
	}
	if _, err := eng.Gateway(name); err != nil {
		return nil, err
	}
	return []string{name}, nil
}

// lastN parses ?n= and keeps the last n items. Zero or absent keeps all.
func lastN(r *http.Request) (int, error) {
	v := r.URL.Query().Get("n")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid n %q", v)
	}
	return n, nil
}

func tail[T any](xs []T, n int) []T {
	if n <= 0 || len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

func operatorLog(r *http.Request, op string) *logger.Entry {
	operator, _ := auth.GetOperatorFromContext(r.Context())
	return logger.WithFields(map[string]interface{}{
		"component": "control",
		"op":        op,
		"operator":  operator,
	})
}

func StatusHandler(eng controlEngine, loop loopControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StatusResponse{
			State:       loop.State(),
			CurrentTime: loop.CurrentTime(),
			Overflows:   loop.Overflows(),
			Gateways:    eng.GatewayNames(),
		})
	}
}

// ExceptionsHandler lists the newest ?n= exceptions of runID. Without a
// store, persistence is off and the list is always empty.
func ExceptionsHandler(store ExceptionStore, runID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := lastN(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := []model.Exception{}
		if store != nil {
			rows, err := store.FindByRun(r.Context(), runID)
			if err != nil {
				logger.WithError(err).WithField("run_id", runID).Error("failed to list exceptions")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if n > 0 && len(rows) > n {
				rows = rows[:n]
			}
			out = append(out, rows...)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func BalanceHandler(eng controlEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := targets(eng, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		out := make(map[string]model.AccountBalance, len(names))
		for _, name := range names {
			bal, err := eng.GetBalance(name)
			if err != nil {
				operatorLog(r, "balance").WithError(err).Error("failed to read balance")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			out[name] = bal
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func PositionsHandler(eng controlEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := targets(eng, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		out := make(map[string][]model.PositionData, len(names))
		for _, name := range names {
			rows, err := eng.GetAllPositions(name)
			if err != nil {
				operatorLog(r, "positions").WithError(err).Error("failed to read positions")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			out[name] = rows
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// OrdersHandler lists orders per gateway. ?active=true keeps active orders
// and ?n= keeps the last n.
func OrdersHandler(eng controlEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := targets(eng, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		n, err := lastN(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		active := false
		if v := r.URL.Query().Get("active"); v != "" {
			if active, err = strconv.ParseBool(v); err != nil {
				http.Error(w, "invalid active", http.StatusBadRequest)
				return
			}
		}
		out := make(map[string][]model.Order, len(names))
		for _, name := range names {
			orders, err := eng.GetOrders(name, active)
			if err != nil {
				operatorLog(r, "orders").WithError(err).Error("failed to list orders")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			out[name] = tail(orders, n)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func DealsHandler(eng controlEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := targets(eng, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		n, err := lastN(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make(map[string][]model.Deal, len(names))
		for _, name := range names {
			deals, err := eng.GetDeals(name)
			if err != nil {
				operatorLog(r, "deals").WithError(err).Error("failed to list deals")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			out[name] = tail(deals, n)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// SendOrderHandler accepts a JSON OrderRequest, or a text/plain body in the
// compact form code,qty,l/s,o/c,m/l/s,gateway,price,stop.
func SendOrderHandler(eng controlEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OrderRequest
		if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
			body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
			if err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			if req, err = ParseOrderCommand(strings.TrimSpace(string(body))); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		order, err := req.toOrder(eng)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log := operatorLog(r, "send_order").WithFields(map[string]interface{}{
			"gateway":  req.Gateway,
			"security": order.Security.Code,
		})
		id := eng.SendOrder(req.Gateway, order)
		if id == "" {
			log.Warn("Order refused")
			http.Error(w, model.ErrSubmission.Error(), http.StatusUnprocessableEntity)
			return
		}
		log.WithField("orderid", id).Info("Order sent")
		writeJSON(w, http.StatusCreated, idsResponse{OrderIDs: []string{id}})
	}
}

func CancelOrderHandler(eng controlEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, id := chi.URLParam(r, "gateway"), chi.URLParam(r, "id")
		if err := eng.CancelOrder(name, id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		operatorLog(r, "cancel_order").WithFields(map[string]interface{}{"gateway": name, "orderid": id}).Info("Cancel requested")
		writeJSON(w, http.StatusAccepted, idsResponse{OrderIDs: []string{id}})
	}
}

func CancelOrdersHandler(eng controlEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := eng.CancelOrders(r.URL.Query().Get("gateway"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		operatorLog(r, "cancel_orders").WithField("count", len(ids)).Info("Cancel requested")
		writeJSON(w, http.StatusAccepted, idsResponse{OrderIDs: ids})
	}
}

func ClosePositionsHandler(eng controlEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := eng.ClosePositions(r.URL.Query().Get("gateway"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		operatorLog(r, "close_positions").WithField("count", len(ids)).Info("Closing orders sent")
		writeJSON(w, http.StatusAccepted, idsResponse{OrderIDs: ids})
	}
}

func StopHandler(loop loopControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loop.Stop()
		operatorLog(r, "stop").Info("Stop requested")
		writeJSON(w, http.StatusAccepted, map[string]eventloop.State{"state": loop.State()})
	}
}

// ParseOrderCommand reads code,qty,l/s,o/c,m/l/s,gateway,price,stop. The
// stop price may be empty.
func ParseOrderCommand(cmd string) (OrderRequest, error) {
	parts := strings.Split(cmd, ",")
	if len(parts) != 7 && len(parts) != 8 {
		return OrderRequest{}, fmt.Errorf("expected code,qty,l/s,o/c,m/l/s,gateway,price,stop; got %q", cmd)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	qty, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return OrderRequest{}, fmt.Errorf("invalid quantity %q", parts[1])
	}
	price, err := strconv.ParseFloat(parts[6], 64)
	if err != nil {
		return OrderRequest{}, fmt.Errorf("invalid price %q", parts[6])
	}
	req := OrderRequest{
		Code:      parts[0],
		Quantity:  qty,
		Direction: parts[2],
		Offset:    parts[3],
		OrderType: parts[4],
		Gateway:   parts[5],
		Price:     price,
	}
	if len(parts) == 8 && parts[7] != "" {
		stop, err := strconv.ParseFloat(parts[7], 64)
		if err != nil {
			return OrderRequest{}, fmt.Errorf("invalid stop price %q", parts[7])
		}
		req.StopPrice = &stop
	}
	return req, nil
}

func (req OrderRequest) toOrder(eng controlEngine) (model.Order, error) {
	g, err := eng.Gateway(req.Gateway)
	if err != nil {
		return model.Order{}, err
	}
	var sec *model.Security
	for _, s := range g.Securities() {
		if s.Code == req.Code {
			sec = &s
			break
		}
	}
	if sec == nil {
		return model.Order{}, fmt.Errorf("%s is not traded on %s", req.Code, req.Gateway)
	}

	var dir model.Direction
	switch strings.ToLower(req.Direction) {
	case "l", "long":
		dir = model.DirectionLong
	case "s", "short":
		dir = model.DirectionShort
	default:
		return model.Order{}, fmt.Errorf("invalid direction %q", req.Direction)
	}
	var off model.Offset
	switch strings.ToLower(req.Offset) {
	case "o", "open":
		off = model.OffsetOpen
	case "c", "close":
		off = model.OffsetClose
	default:
		return model.Order{}, fmt.Errorf("invalid offset %q", req.Offset)
	}
	var typ model.OrderType
	switch strings.ToLower(req.OrderType) {
	case "m", "market":
		typ = model.OrderTypeMarket
	case "l", "limit":
		typ = model.OrderTypeLimit
	case "s", "stop":
		typ = model.OrderTypeStop
	default:
		return model.Order{}, fmt.Errorf("invalid order type %q", req.OrderType)
	}

	order := model.Order{
		Security:  *sec,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Quantity:  req.Quantity,
		Direction: dir,
		Offset:    off,
		OrderType: typ,
	}
	if err := order.Validate(); err != nil {
		return model.Order{}, err
	}
	return order, nil
}
