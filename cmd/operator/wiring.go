package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vaheed/novaspace/internal/certs"
	"github.com/vaheed/novaspace/internal/config"
	"github.com/vaheed/novaspace/internal/desired"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/reconcile"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/internal/telemetry"
)

func templatesFor(cfg config.Config) *kube.Templates {
	if cfg.TemplateDir == "" {
		return kube.NewTemplates(nil)
	}
	return kube.NewTemplates(os.DirFS(cfg.TemplateDir))
}

func newEngine(cfg config.Config, k kube.Interface) (*reconcile.Engine, error) {
	wns, wname, err := cfg.WildcardRef()
	if err != nil {
		return nil, err
	}
	reg := certs.DefaultRegistry(k, certs.Options{
		Controller:        cfg.InstanceID,
		WildcardNamespace: wns,
		WildcardSecret:    wname,
		Organization:      cfg.Organization,
	})
	return reconcile.NewEngine(k, reg, reconcile.Options{
		Controller:   cfg.InstanceID,
		Template:     cfg.Template,
		Workers:      cfg.Workers,
		ItemTimeout:  cfg.ItemTimeout,
		CycleTimeout: cfg.CycleTimeout,
	}), nil
}

func fileSource(cfg config.Config) (reconcile.Source, error) {
	if cfg.SourceFile == "" {
		return nil, fmt.Errorf("no desired state file given")
	}
	return &desired.File{Path: cfg.SourceFile}, nil
}

// storeSink keeps the status history of every cycle.
func storeSink(st store.Store) reconcile.Sink {
	return reconcile.SinkFunc(func(ctx context.Context, res reconcile.Result) error {
		return store.Record(ctx, st, res.Statuses(), res.Events)
	})
}

// telemetrySink buffers the transition events of every cycle.
func telemetrySink(buf *telemetry.RedisBuffer) reconcile.Sink {
	return reconcile.SinkFunc(func(ctx context.Context, res reconcile.Result) error {
		if len(res.Events) == 0 {
			return nil
		}
		if err := buf.PublishEvents(ctx, res.Events); err != nil {
			return err
		}
		logging.FromContext(ctx).Debug("telemetry_events_buffered", zap.Int("events", len(res.Events)))
		return nil
	})
}
