package model

import (
	"errors"
	"fmt"
)

var (
	ErrConfig           = errors.New("config error")
	ErrSubmission       = errors.New("order submission refused")
	ErrVenue            = errors.New("venue error")
	ErrDataGap          = errors.New("data gap")
	ErrAccounting       = errors.New("accounting error")
	ErrTimeout          = errors.New("timeout")
	ErrHistoryRewind    = errors.New("history cursor moved backwards")
	ErrUnknownOrder     = errors.New("unknown orderid")
	ErrUnknownGW        = errors.New("unknown gateway")
	ErrTimestepOverflow = errors.New("timestep overflow")
)

// ConfigError names the offending setting.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

func NewConfigError(field string, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// AccountingError is raised when a close fill exceeds the held quantity.
type AccountingError struct {
	Security  Security
	Direction Direction
	Held      float64
	Closing   float64
	DealID    string
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("deal %s closes %v of %s %s but only %v is held",
		e.DealID, e.Closing, e.Security.Code, e.Direction, e.Held)
}

func (e *AccountingError) Unwrap() error {
	return ErrAccounting
}

// VenueError wraps a transport or authentication failure from a venue.
type VenueError struct {
	Gateway   string
	Op        string
	Retriable bool
	Err       error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("gateway %s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *VenueError) Unwrap() []error {
	return []error{ErrVenue, e.Err}
}
