package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmakafui/codelatch/pkg/logger"
)

// Serve starts a small HTTP server exposing /metrics on addr and blocks
// until ctx is cancelled, then shuts it down. A caller that never
// configures an addr never calls this.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WarnCF("metrics", "shutdown failed", map[string]interface{}{"error": err.Error()})
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
