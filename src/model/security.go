package model

import (
	"fmt"
	"time"
)

// SecurityKind is the closed set of instrument variants the harness trades.
type SecurityKind string

const (
	SecurityStock    SecurityKind = "stock"
	SecurityFutures  SecurityKind = "futures"
	SecurityCurrency SecurityKind = "currency"
)

// Security identifies an instrument. Values are created from configuration
// and never mutated, so they are safe to share and to use as map keys.
type Security struct {
	Kind     SecurityKind `json:"kind" yaml:"kind"`
	Code     string       `json:"code" yaml:"code"`
	Name     string       `json:"name" yaml:"name"`
	Exchange string       `json:"exchange" yaml:"exchange"`
	LotSize  int          `json:"lot_size" yaml:"lot_size"`
	Expiry   time.Time    `json:"expiry,omitempty" yaml:"expiry,omitempty"` // futures only
}

func NewStock(code, name, exchange string, lotSize int) Security {
	return Security{Kind: SecurityStock, Code: code, Name: name, Exchange: exchange, LotSize: lotSize}
}

func NewFutures(code, name, exchange string, lotSize int, expiry time.Time) Security {
	return Security{Kind: SecurityFutures, Code: code, Name: name, Exchange: exchange, LotSize: lotSize, Expiry: expiry}
}

func NewCurrency(code, name, exchange string, lotSize int) Security {
	return Security{Kind: SecurityCurrency, Code: code, Name: name, Exchange: exchange, LotSize: lotSize}
}

// Key is the identity used for equality: code plus name.
func (s Security) Key() string {
	return s.Code + "|" + s.Name
}

// Equal compares two securities on code and name only.
func (s Security) Equal(other Security) bool {
	return s.Code == other.Code && s.Name == other.Name
}

func (s Security) HasExpiry() bool {
	return s.Kind == SecurityFutures && !s.Expiry.IsZero()
}

func (s Security) String() string {
	return fmt.Sprintf("%s(%s.%s)", s.Kind, s.Exchange, s.Code)
}

// ParseSecurityKind accepts the lower-case variant names used in gateway files.
func ParseSecurityKind(v string) (SecurityKind, error) {
	switch SecurityKind(v) {
	case SecurityStock, SecurityFutures, SecurityCurrency:
		return SecurityKind(v), nil
	case "":
		return SecurityStock, nil
	default:
		return "", fmt.Errorf("unknown security kind %q", v)
	}
}
