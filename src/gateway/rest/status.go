package rest

import (
	"fmt"

	"tradeharness/src/model"
)

// nativeStatus is the venue's order status enum.
var nativeStatus = map[string]model.OrderStatus{
	"New":             model.OrderStatusSubmitting,
	"PendingNew":      model.OrderStatusSubmitting,
	"Accepted":        model.OrderStatusSubmitted,
	"PartiallyFilled": model.OrderStatusPartFilled,
	"Filled":          model.OrderStatusFilled,
	"Canceled":        model.OrderStatusCancelled,
	"Expired":         model.OrderStatusCancelled,
	"Rejected":        model.OrderStatusFailed,
}

// MapStatus converts a venue status. The venue enum is closed, so an
// unknown value means the binding is out of date and panics.
func MapStatus(native string) model.OrderStatus {
	s, ok := nativeStatus[native]
	if !ok {
		panic(fmt.Sprintf("rest gateway: unmapped order status %q", native))
	}
	return s
}

func sideOf(d model.Direction) string {
	if d == model.DirectionShort {
		return "sell"
	}
	return "buy"
}

func directionOf(side string) (model.Direction, error) {
	switch side {
	case "long", "buy":
		return model.DirectionLong, nil
	case "short", "sell":
		return model.DirectionShort, nil
	default:
		return "", fmt.Errorf("unknown side %q", side)
	}
}
