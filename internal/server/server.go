package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/metrics"
	"webp-optimizer/internal/models"
	"webp-optimizer/internal/optimizer"
)

const (
	shopHeader      = "X-Shopify-Shop-Domain"
	requestIDHeader = "X-Request-ID"
	shopKey         = "shop"
)

// Optimizer is the job and ledger API the handlers serve.
type Optimizer interface {
	Start(ctx context.Context, shop string) (*models.Job, error)
	RetryImage(ctx context.Context, shop, imageID string) (*models.Job, error)
	Cancel(ctx context.Context, shop, jobID string) (*models.Job, error)
	Job(ctx context.Context, shop, jobID string) (*models.Job, error)
	CurrentJob(ctx context.Context, shop string) (*models.Job, error)
	RevertAll(ctx context.Context, shop string) (*optimizer.Result, error)
	RevertOne(ctx context.Context, shop, imageID string) (*optimizer.Result, error)
	RestoreMissing(ctx context.Context, shop string) (*optimizer.Result, error)
	ApplyAltTemplates(ctx context.Context, shop string) (*optimizer.Result, error)
	Stats(ctx context.Context, shop string) (*models.Stats, error)
	Settings(ctx context.Context, shop string) (*models.SeoSettings, error)
	SaveSettings(ctx context.Context, in models.SeoSettings) (*models.SeoSettings, error)
	ThemeImage(ctx context.Context, shop, mediaID string) (*optimizer.ThemeImage, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg            *models.Config
	router         *gin.Engine
	httpServer     *http.Server
	svc            Optimizer
	db             Pinger
	log            *slog.Logger
	eventsInterval time.Duration
}

func NewServer(cfg *models.Config, svc Optimizer, db Pinger, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	r := gin.New()
	s := &Server{cfg: cfg, router: r, svc: svc, db: db, log: log, eventsInterval: time.Second}

	r.Use(gin.Recovery(), s.requestID, s.accessLog)
	r.GET("/healthz", s.handleHealth)
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	api := r.Group("/api", s.requireShop)
	api.POST("/optimize", s.handleOptimize)
	api.POST("/images/retry", s.handleRetryImage)
	api.POST("/images/revert", s.handleRevertImage)
	api.GET("/jobs/current", s.handleCurrentJob)
	api.GET("/jobs/:id", s.handleGetJob)
	api.GET("/jobs/:id/events", s.handleJobEvents)
	api.POST("/jobs/:id/cancel", s.handleCancelJob)
	api.POST("/revert", s.handleRevertAll)
	api.POST("/restore-missing", s.handleRestoreMissing)
	api.POST("/alt-text/apply", s.handleApplyAltText)
	api.GET("/stats", s.handleStats)
	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handleSaveSettings)
	api.GET("/theme/images", s.handleThemeImage)

	s.httpServer = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", slog.String("addr", s.cfg.ServerAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestID(c *gin.Context) {
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(requestIDHeader, id)
	c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
	c.Next()
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	logger.FromContext(c.Request.Context(), s.log).Info("http request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.FullPath()),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("duration", time.Since(start)))
}

// requireShop resolves the shop from the Shopify header or the shop query
// parameter.
func (s *Server) requireShop(c *gin.Context) {
	shop := c.GetHeader(shopHeader)
	if shop == "" {
		shop = c.Query("shop")
	}
	if shop == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing shop"})
		return
	}
	c.Set(shopKey, shop)
	c.Next()
}
