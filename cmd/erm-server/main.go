package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/allocator"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/apiserver"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/auth"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/eventbus"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/ledger"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/lifecycle"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/quota"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/reconciler"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
	dockerruntime "github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime/docker"
	k8sruntime "github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime/kubernetes"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/store"
	filestore "github.com/rnowrang/ai-lab-platform-sub000/pkg/store/file"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/store/postgres"
	redisclient "github.com/rnowrang/ai-lab-platform-sub000/pkg/store/redis"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/telemetry"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/templates"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
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

	var bus *eventbus.Bus
	if cfg.Redis.Enabled {
		redis, err := redisclient.NewClient(&cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()
		bus = eventbus.NewBus(redis.Client())
	}

	adapter, err := newRuntimeAdapter(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize runtime adapter", zap.Error(err))
	}

	var source telemetry.Source
	if cfg.Telemetry.CollectorURL != "" {
		source = telemetry.NewHTTPSource(cfg.Telemetry.CollectorURL, cfg.Telemetry.Timeout)
	} else {
		source = telemetry.NewStaticSource(cfg.Allocator.GPUCount)
	}

	alloc := allocator.New(led, source, cfg.Allocator, logger)
	quotaEngine := quota.NewEngine(led, cfg.QuotaPolicies())
	catalog := templates.NewConfigCatalog(cfg.Templates)
	manager := lifecycle.NewManager(led, quotaEngine, alloc, adapter, catalog, bus, cfg, logger)

	rec := reconciler.New(led, adapter, bus, cfg, logger)
	go rec.Run(ctx)

	tokens := auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	server := apiserver.NewServer(manager, led, rec, catalog, tokens, cfg, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.ReadTimeout * 2,
	}

	go func() {
		logger.Info("Starting API server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Starting metrics server", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server forced to shutdown", zap.Error(err))
	}
}

func newEnvironmentStore(cfg *config.Config, logger *zap.Logger) (store.EnvironmentStore, error) {
	switch cfg.Ledger.Driver {
	case "postgres":
		logger.Info("using postgres ledger store")
		st, err := postgres.NewStore(&cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := st.AutoMigrate(); err != nil {
			return nil, err
		}
		return st, nil
	default:
		logger.Info("using file ledger store", zap.String("path", cfg.Ledger.Path))
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
