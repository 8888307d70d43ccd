package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/apiserver/handlers"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/apiserver/middleware"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/auth"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/ledger"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/lifecycle"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/reconciler"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/templates"
)

type Server struct {
	router     *gin.Engine
	manager    *lifecycle.Manager
	ledger     *ledger.Ledger
	reconciler *reconciler.Reconciler
	catalog    templates.Catalog
	tokens     *auth.TokenManager
	cfg        *config.Config
	logger     *zap.Logger
}

func NewServer(
	manager *lifecycle.Manager,
	ldg *ledger.Ledger,
	rec *reconciler.Reconciler,
	catalog templates.Catalog,
	tokens *auth.TokenManager,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		manager:    manager,
		ledger:     ldg,
		reconciler: rec,
		catalog:    catalog,
		tokens:     tokens,
		cfg:        cfg,
		logger:     logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.tokens))

		envHandler := handlers.NewEnvironmentHandler(s.manager, s.catalog, s.cfg.Server.ExternalHost, s.logger)
		api.POST("/environments", envHandler.Create)
		api.GET("/environments", envHandler.List)
		api.GET("/environments/:id", envHandler.Get)
		api.POST("/environments/:id/stop", envHandler.Stop)
		api.DELETE("/environments/:id", envHandler.Destroy)
		api.GET("/usage", envHandler.Usage)
		api.GET("/templates", envHandler.ListTemplates)

		adminHandler := handlers.NewAdminHandler(
			s.manager,
			s.ledger,
			s.reconciler,
			s.cfg.Allocator.GPUCount,
			s.cfg.Allocator.PortRangeStart,
			s.cfg.Allocator.PortRangeEnd,
			s.logger,
		)
		api.GET("/admin/environments", adminHandler.ListAll)
		api.GET("/admin/resources", adminHandler.Resources)
		api.POST("/admin/reconcile", adminHandler.Reconcile)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
