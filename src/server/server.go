package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"tradeharness/src/auth"
	"tradeharness/src/engine"
	"tradeharness/src/eventloop"
	"tradeharness/src/handler"
	"tradeharness/src/metrics"
	"tradeharness/src/repository"
)

const defaultOperator = "control"

type routerOptions struct {
	exceptions handler.ExceptionStore
	runID      string
}

type RouterOption func(*routerOptions)

// WithExceptions serves the exceptions captured for runID on /exceptions.
func WithExceptions(repo *repository.ExceptionRepository, runID string) RouterOption {
	return func(o *routerOptions) {
		if repo != nil {
			o.exceptions = repo
		}
		o.runID = runID
	}
}

// NewRouter exposes the control commands of a running loop. Health and
// metrics are public; everything else goes through TokenAuth.
func NewRouter(eng *engine.Engine, loop *eventloop.EventLoop, config *Config, opts ...RouterOption) http.Handler {
	var o routerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	// === Global Middleware ===
	r.Use(metrics.Middleware)

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})
	r.Handle("/metrics", metrics.Handler())

	// Control routes
	r.Group(func(r chi.Router) {
		r.Use(TokenAuth(config.ControlTokenHash))

		r.Get("/status", handler.StatusHandler(eng, loop))
		r.Get("/balance", handler.BalanceHandler(eng))
		r.Get("/positions", handler.PositionsHandler(eng))
		r.Post("/positions/close", handler.ClosePositionsHandler(eng))
		r.Get("/orders", handler.OrdersHandler(eng))
		r.Post("/orders", handler.SendOrderHandler(eng))
		r.Delete("/orders", handler.CancelOrdersHandler(eng))
		r.Delete("/orders/{gateway}/{id}", handler.CancelOrderHandler(eng))
		r.Get("/deals", handler.DealsHandler(eng))
		r.Post("/stop", handler.StopHandler(loop))
		r.Get("/exceptions", handler.ExceptionsHandler(o.exceptions, o.runID))
	})
	return r
}

// TokenAuth checks the bearer token against a bcrypt hash and tags the
// request with the operator named in X-Operator. An empty hash lets every
// request through.
func TokenAuth(hash string) func(http.Handler) http.Handler {
	if hash == "" {
		logger.Warn("CONTROL_TOKEN_HASH is empty, control routes are unauthenticated")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash != "" {
				token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				if token == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			operator := r.Header.Get("X-Operator")
			if operator == "" {
				operator = defaultOperator
			}
			next.ServeHTTP(w, r.WithContext(auth.WithOperator(r.Context(), operator)))
		})
	}
}

// StartServer serves h until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, config *Config, h http.Handler) error {
	addr := ":" + config.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("Server crashed")
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
