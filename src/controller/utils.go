package controller

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeharness/src/model"
	"tradeharness/src/repository"
)

const (
	LevelError = "error"
	LevelFatal = "fatal"
)

// Capture records a system exception, logs it locally, and optionally
// persists it in the database. A string "run_id" in contextData tags the row.
func Capture(
	ctx context.Context,
	repo *repository.ExceptionRepository,
	service string,
	module string,
	method string,
	level string,
	err error,
	contextData map[string]interface{},
) {

	if err == nil {
		return
	}
	contextData = errorContext(err, contextData)

	var ctxJSON string
	if contextData != nil {
		if b, e := json.Marshal(contextData); e == nil {
			ctxJSON = string(b)
		}
	}
	runID, _ := contextData["run_id"].(string)

	exc := &model.Exception{
		RunID:     runID,
		Service:   service,
		Module:    module,
		Method:    method,
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Level:     level,
		Context:   ctxJSON,
		CreatedAt: time.Now(),
	}

	// Local log
	fields := map[string]interface{}{
		"service": service,
		"module":  module,
		"method":  method,
		"level":   level,
		"run_id":  runID,
	}
	if kind, ok := contextData["kind"]; ok {
		fields["kind"] = kind
	}
	logger.WithFields(fields).WithError(err).Error("System exception captured")

	// Persist in database
	if repo != nil {
		if e := repo.Create(ctx, exc); e != nil {
			logger.WithError(e).Error("Failed to persist exception")
		}
	}
}

// ErrorKind names the harness error family of err, or "" when it has none.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrConfig):
		return "config"
	case errors.Is(err, model.ErrAccounting):
		return "accounting"
	case errors.Is(err, model.ErrVenue):
		return "venue"
	case errors.Is(err, model.ErrDataGap):
		return "data_gap"
	case errors.Is(err, model.ErrHistoryRewind):
		return "history_rewind"
	case errors.Is(err, model.ErrTimestepOverflow):
		return "timestep_overflow"
	case errors.Is(err, model.ErrTimeout):
		return "timeout"
	}
	return ""
}

// errorContext returns data extended with the kind of err and the details
// its typed form carries. data itself is never modified.
func errorContext(err error, data map[string]interface{}) map[string]interface{} {
	extra := map[string]interface{}{}
	if kind := ErrorKind(err); kind != "" {
		extra["kind"] = kind
	}
	var cerr *model.ConfigError
	if errors.As(err, &cerr) {
		extra["field"] = cerr.Field
	}
	var verr *model.VenueError
	if errors.As(err, &verr) {
		extra["gateway"] = verr.Gateway
		extra["venue_op"] = verr.Op
	}
	var aerr *model.AccountingError
	if errors.As(err, &aerr) {
		extra["security"] = aerr.Security.Code
		extra["dealid"] = aerr.DealID
	}
	if len(extra) == 0 {
		return data
	}

	out := make(map[string]interface{}, len(data)+len(extra))
	for k, v := range data {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// ExceptionHandler binds Capture to one module so fatal loop errors land in
// the exception store.
func ExceptionHandler(
	repo *repository.ExceptionRepository,
	module string,
) func(ctx context.Context, method string, err error, data map[string]interface{}) {
	service := GetConfig().ServiceName
	return func(ctx context.Context, method string, err error, data map[string]interface{}) {
		Capture(ctx, repo, service, module, method, LevelFatal, err, data)
	}
}
