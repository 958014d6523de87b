package broker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cmakafui/codelatch/internal/chatclient"
	"github.com/cmakafui/codelatch/internal/envelope"
	"github.com/cmakafui/codelatch/internal/ingress"
	"github.com/cmakafui/codelatch/internal/lifecycle"
	"github.com/cmakafui/codelatch/internal/metrics"
	"github.com/cmakafui/codelatch/internal/pane"
	"github.com/cmakafui/codelatch/internal/store"
	"github.com/cmakafui/codelatch/pkg/logger"
)

// Daemon owns the process-lifetime collaborators — the lock, the
// store, the chat client, the pane adapter, the ingress server, and
// the event pipeline — and coordinates their startup and shutdown.
type Daemon struct {
	lock        *lifecycle.Lock
	store       *store.Store
	chat        *chatclient.Client
	pane        *pane.Adapter
	ingress     *ingress.Server
	pipeline    *Pipeline
	metricsAddr string
}

// NewDaemon wires the collaborators into a Daemon. The ingress server
// is constructed here but not yet bound; call Run to bind and serve.
func NewDaemon(lock *lifecycle.Lock, st *store.Store, chat *chatclient.Client, paneAdapter *pane.Adapter, socketPath string, cfg Config) *Daemon {
	pipeline := NewPipeline(st, chat, paneAdapter, cfg)
	d := &Daemon{
		lock:        lock,
		store:       st,
		chat:        chat,
		pane:        paneAdapter,
		pipeline:    pipeline,
		metricsAddr: cfg.MetricsAddr,
	}
	d.ingress = ingress.New(socketPath, func(ctx context.Context, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope {
		return pipeline.HandleEnvelope(ctx, e)
	})
	return d
}

// Run binds the ingress socket and runs the acceptor and long-poll
// loops until ctx is cancelled, then tears both down in order. It
// returns the first error from either loop, ignoring context
// cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.ingress.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.ingress.Serve(gctx)
	})
	g.Go(func() error {
		d.runLongPoll(gctx)
		return nil
	})
	if d.metricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, d.metricsAddr)
		})
	}

	err := g.Wait()

	if closeErr := d.ingress.Close(); closeErr != nil {
		logger.WarnCF("daemon", "socket close failed", map[string]interface{}{"error": closeErr.Error()})
	}
	if d.lock != nil {
		if releaseErr := d.lock.Release(); releaseErr != nil {
			logger.WarnCF("daemon", "lock release failed", map[string]interface{}{"error": releaseErr.Error()})
		}
	}
	return err
}

// runLongPoll repeatedly fetches chat updates and dispatches each to
// the pipeline, observing ctx on every iteration so shutdown is
// prompt.
func (d *Daemon) runLongPoll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := d.chat.GetUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnCF("daemon", "get updates failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		for _, u := range updates {
			d.pipeline.HandleChatUpdate(ctx, u)
		}
	}
}
