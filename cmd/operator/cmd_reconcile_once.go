package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/vaheed/novaspace/internal/config"
	"github.com/vaheed/novaspace/internal/kube"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/reconcile"
)

func newCmdReconcileOnce() *cobra.Command {
	cfg := config.FromEnv()
	var inMemory bool
	cmd := &cobra.Command{
		Use:   "reconcile-once",
		Short: "Run a single reconcile cycle from a file and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Source = config.SourceFile
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.SetLevel(cfg.LogLevel); err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			res, err := reconcileOnce(cmd.Context(), cfg, inMemory)
			if res.CycleID != "" {
				out, merr := yaml.Marshal(res)
				if merr != nil {
					return merr
				}
				_, _ = cmd.OutOrStdout().Write(out)
			}
			return err
		},
	}
	cfg.BindFlags(cmd.Flags())
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "reconcile against an empty in-memory cluster instead of the API server")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func reconcileOnce(ctx context.Context, cfg config.Config, inMemory bool) (reconcile.Result, error) {
	var k kube.Interface
	if inMemory {
		k = kube.NewMemory(cfg.InstanceID, templatesFor(cfg))
	} else {
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			return reconcile.Result{}, fmt.Errorf("kubeconfig: %w", err)
		}
		scheme := runtime.NewScheme()
		utilruntime.Must(clientgoscheme.AddToScheme(scheme))
		c, err := client.New(restCfg, client.Options{Scheme: scheme})
		if err != nil {
			return reconcile.Result{}, fmt.Errorf("build client: %w", err)
		}
		k = kube.NewClient(c, cfg.InstanceID, templatesFor(cfg))
	}
	engine, err := newEngine(cfg, k)
	if err != nil {
		return reconcile.Result{}, err
	}
	src, err := fileSource(cfg)
	if err != nil {
		return reconcile.Result{}, err
	}
	return reconcile.NewLoop(engine, src, cfg.Resync).RunOnce(ctx)
}
