package observability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
)

// ShutdownTimeout bounds the graceful shutdown of the HTTP server.
const ShutdownTimeout = 5 * time.Second

// Endpoint serves /metrics and, optionally, the pprof debug routes.
type Endpoint struct {
	listenAddress string
	metrics       *Metrics
	debug         bool
}

// NewEndpoint creates an endpoint serving metrics on listenAddress.
func NewEndpoint(listenAddress string, metrics *Metrics, debug bool) (*Endpoint, error) {
	if listenAddress == "" {
		return nil, errors.Newf("telemetry listen address is empty").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if metrics == nil {
		return nil, errors.Newf("telemetry endpoint requires metrics").
			Component("telemetry").
			Category(errors.CategoryValidation).
			Build()
	}
	return &Endpoint{
		listenAddress: listenAddress,
		metrics:       metrics,
		debug:         debug,
	}, nil
}

// Handler returns the endpoint's routes.
func (e *Endpoint) Handler() http.Handler {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)
	if e.debug {
		RegisterDebugHandlers(mux)
	}
	return mux
}

// Run listens and serves until ctx is done, then shuts the server down.
func (e *Endpoint) Run(ctx context.Context) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("telemetry").
			Category(errors.CategoryNetwork).
			Context("operation", "listen").
			Context("address", e.listenAddress).
			Build()
	}
	return e.serve(ctx, listener)
}

func (e *Endpoint) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Telemetry endpoint starting", logger.String("address", listener.Addr().String()))
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.New(err).
				Component("telemetry").
				Category(errors.CategoryNetwork).
				Context("operation", "serve").
				Build()
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Stopping telemetry server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry server shutdown error", logger.Error(err))
		return err
	}
	<-serveErr
	return nil
}
