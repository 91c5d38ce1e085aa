// Package server wraps net/http serving as a lifecycle-managed component and
// provides the shared run loop for the service binaries.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/system"
)

// HTTP serves a handler with graceful shutdown. It implements
// system.Service.
type HTTP struct {
	name string
	srv  *http.Server
	log  *logging.Logger
	errc chan error
}

// NewHTTP builds the server. Read and write timeouts protect against slow
// clients; handlers enforce their own deadlines per request.
func NewHTTP(name, addr string, handler http.Handler, log *logging.Logger) *HTTP {
	return &HTTP{
		name: name,
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:  log,
		errc: make(chan error, 1),
	}
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) Start(_ context.Context) error {
	h.log.WithField("addr", h.srv.Addr).Info("http server listening")
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.errc <- err
		}
	}()
	return nil
}

func (h *HTTP) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return h.srv.Shutdown(shutdownCtx)
}

// Err reports an asynchronous serve failure.
func (h *HTTP) Err() <-chan error { return h.errc }

// Run starts the manager and blocks until a termination signal or a serve
// failure, then stops everything. Returns a non-zero-worthy error when the
// process should exit unhealthy.
func Run(mgr *system.Manager, httpSrv *HTTP, log *logging.Logger) error {
	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-httpSrv.Err():
		log.WithError(err).Error("http server failed")
		stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		_ = mgr.Stop(stopCtx)
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return mgr.Stop(stopCtx)
}
