package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/ledger"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/reconciler"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
	dockerruntime "github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime/docker"
	k8sruntime "github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime/kubernetes"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/store"
	filestore "github.com/rnowrang/ai-lab-platform-sub000/pkg/store/file"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/store/postgres"
)

// One-shot reconciliation for cron jobs and operator runbooks. The server
// runs the same pass on its own interval; this binary exists for repairing
// a ledger while the server is down.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	envStore, err := newEnvironmentStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open environment store", zap.Error(err))
	}
	defer envStore.Close()

	led, err := ledger.Open(ctx, envStore, logger)
	if err != nil {
		logger.Fatal("Failed to open allocation ledger", zap.Error(err))
	}

	adapter, err := newRuntimeAdapter(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize runtime adapter", zap.Error(err))
	}

	rec := reconciler.New(led, adapter, nil, cfg, logger)
	report, err := rec.ReconcileOnce(ctx)
	if err != nil {
		logger.Fatal("Reconcile pass failed", zap.Error(err))
	}

	logger.Info("reconcile pass complete",
		zap.Int("live", report.Live),
		zap.Strings("stale_failed", report.StaleFailed),
		zap.Strings("drift_stopped", report.DriftStopped),
		zap.Strings("adopted", report.Adopted),
		zap.Int("errors", len(report.Errors)))
	for _, passErr := range report.Errors {
		logger.Warn("reconcile entry error", zap.Error(passErr))
	}
	if report.CorruptionErr != nil {
		logger.Error("ledger corruption detected", zap.Error(report.CorruptionErr))
	}
}

func newEnvironmentStore(cfg *config.Config, logger *zap.Logger) (store.EnvironmentStore, error) {
	switch cfg.Ledger.Driver {
	case "postgres":
		st, err := postgres.NewStore(&cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := st.AutoMigrate(); err != nil {
			return nil, err
		}
		return st, nil
	default:
		return filestore.NewStore(cfg.Ledger.Path, cfg.Ledger.BackupDir, cfg.Ledger.MaxBackups)
	}
}

func newRuntimeAdapter(cfg *config.Config) (runtime.Adapter, error) {
	if cfg.Runtime.Driver == "kubernetes" {
		client, err := newKubernetesClient(cfg)
		if err != nil {
			return nil, err
		}
		return k8sruntime.New(client, cfg.Kubernetes.Namespace), nil
	}
	return dockerruntime.New(cfg.Runtime.DockerHost)
}

func newKubernetesClient(cfg *config.Config) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubernetes.InCluster {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubernetes.KubeConfig)
	}
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(restConfig)
}
