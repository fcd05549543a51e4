package auth

import (
	"context"
)

type contextKey string

const OperatorKey contextKey = "operator"

// WithOperator tags a control request with the operator that sent it.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, OperatorKey, operator)
}

func GetOperatorFromContext(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(OperatorKey).(string)
	return operator, ok && operator != ""
}
