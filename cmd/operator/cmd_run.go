package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/vaheed/novaspace/internal/config"
	"github.com/vaheed/novaspace/internal/desired"
	httpapi "github.com/vaheed/novaspace/internal/http"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/observability"
	"github.com/vaheed/novaspace/internal/reconcile"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/internal/telemetry"
	"github.com/vaheed/novaspace/internal/util"
	v1alpha1 "github.com/vaheed/novaspace/pkg/api/v1alpha1"
)

func newCmdRun() *cobra.Command {
	cfg := config.FromEnv()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.SetLevel(cfg.LogLevel); err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			return run(ctrl.SetupSignalHandler(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

// apiRunnable serves the status API on every replica.
type apiRunnable struct{ srv *http.Server }

func (a apiRunnable) Start(ctx context.Context) error { return httpapi.StartHTTP(ctx, a.srv) }
func (a apiRunnable) NeedLeaderElection() bool        { return false }

func run(ctx context.Context, cfg config.Config) error {
	ctrl.SetLogger(crzap.New(crzap.UseDevMode(cfg.LogLevel == "debug")))

	shutdownTrace, err := observability.SetupOTel(ctx, observability.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: version,
	})
	if err != nil {
		logging.L.Warn("otel_setup_failed", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTrace(sctx)
	}()

	var (
		st      store.Store
		closeFn func()
	)
	err = util.Retry(ctx, 60*time.Second, func() (bool, error) {
		s, c, e := store.EnvOrMemory(ctx)
		if e != nil {
			logging.L.Warn("store_connect_retry", zap.Error(e))
			return true, e
		}
		st, closeFn = s, c
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("store connect: %w", err)
	}
	defer closeFn()

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1alpha1.AddToScheme(scheme))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                  scheme,
		Metrics:                 metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress:  cfg.ProbeAddr,
		LeaderElection:          cfg.LeaderElect,
		LeaderElectionID:        "novaspace-" + cfg.InstanceID,
		LeaderElectionNamespace: cfg.Namespace,
	})
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	k := kube.NewClient(mgr.GetClient(), cfg.InstanceID, templatesFor(cfg))
	engine, err := newEngine(cfg, k)
	if err != nil {
		return err
	}

	var (
		src   reconcile.Source
		sinks = []reconcile.Sink{storeSink(st)}
	)
	switch cfg.Source {
	case config.SourceFile:
		if src, err = fileSource(cfg); err != nil {
			return err
		}
	default:
		src = &desired.CRD{Reader: mgr.GetClient(), Namespace: cfg.Namespace}
		sinks = append(sinks, &reconcile.StatusWriter{Client: mgr.GetClient(), Namespace: cfg.Namespace})
	}

	buf := telemetry.NewRedisBuffer(telemetry.Options{
		RedisAddr: cfg.RedisAddr,
		SinkURL:   cfg.EventSinkURL,
		MaxItems:  cfg.BatchMaxItems,
		Interval:  cfg.BatchInterval,
	})
	if buf.Enabled() {
		sinks = append(sinks, telemetrySink(buf))
		if err := mgr.Add(buf); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	loop := reconcile.NewLoop(engine, src, cfg.Resync, sinks...)
	if err := mgr.Add(loop); err != nil {
		return fmt.Errorf("reconcile loop: %w", err)
	}
	if cfg.Source == config.SourceCRD {
		if err := (&reconcile.AddressSpaceWatcher{Loop: loop}).SetupWithManager(mgr); err != nil {
			return fmt.Errorf("addressspace watcher: %w", err)
		}
	}

	if cfg.HTTPAddr != "" {
		api := httpapi.NewServer(st, loop, httpapi.Options{RequireAuth: cfg.RequireAuth, SigningKey: []byte(cfg.JWTKey)})
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := mgr.Add(apiRunnable{srv: srv}); err != nil {
			return fmt.Errorf("status api: %w", err)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("healthz: %w", err)
	}
	if err := mgr.AddReadyzCheck("store", func(req *http.Request) error { return st.Health(req.Context()) }); err != nil {
		return fmt.Errorf("readyz: %w", err)
	}

	logging.L.Info("novaspace_starting",
		zap.String("version", version),
		zap.String("instance", cfg.InstanceID),
		zap.String("source", cfg.Source),
		zap.Duration("resync", cfg.Resync),
		zap.Int("workers", cfg.Workers))
	return mgr.Start(ctx)
}
