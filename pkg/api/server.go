package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/config"
	"github.com/webportal/mailqueue/pkg/metrics"
	"github.com/webportal/mailqueue/pkg/ratelimit"
	"github.com/webportal/mailqueue/pkg/system"
	"github.com/webportal/mailqueue/pkg/version"
)

// APIController registers a group of routes below /api.
type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// Pinger reports whether a backend is reachable. Used for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	gin    *gin.Engine
	config config.Server
	log    *zap.Logger
	ready  Pinger

	triggerLimiter *ratelimit.IPRateLimiter
	adminLimiter   *ratelimit.AuthenticatedRateLimiter
}

func NewServer(log *zap.Logger, cfg config.Server, debug bool, ready Pinger) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if len(cfg.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			log.Warn("Ignoring invalid trusted proxies", zap.Strings("trustedProxies", cfg.TrustedProxies), zap.Error(err))
			_ = engine.SetTrustedProxies(nil)
		}
	} else {
		_ = engine.SetTrustedProxies(nil)
	}

	engine.Use(
		ginzap.GinzapWithConfig(log, &ginzap.Config{
			TimeFormat: time.RFC3339,
			UTC:        true,
			SkipPaths:  []string{"/healthz", "/readyz", "/metrics"},
		}),
		ginzap.RecoveryWithZap(log, true),
		requestLogger(log.Sugar()),
		instrument(),
	)

	if debug && len(cfg.CORSOrigins) > 0 {
		engine.Use(
			cors.New(cors.Config{
				AllowOrigins: cfg.CORSOrigins,
				AllowMethods: []string{"GET", "PATCH", "POST", "OPTIONS"},
				AllowHeaders: []string{"Origin", "Authorization", "Content-Type"},
				MaxAge:       12 * time.Hour,
			}),
		)
	}

	rate := ratelimit.DefaultTriggerConfig()
	if cfg.TriggerRate > 0 {
		rate.Rate = cfg.TriggerRate
	}
	if cfg.TriggerBurst > 0 {
		rate.Burst = cfg.TriggerBurst
	}

	s := &Server{
		gin:            engine,
		config:         cfg,
		log:            log,
		ready:          ready,
		triggerLimiter: ratelimit.New(rate),
		adminLimiter:   ratelimit.NewAuthenticated(ratelimit.DefaultAdminConfig()),
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/readyz", s.readyz)
	engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))
	engine.GET("/api/version", s.getVersion)

	return s
}

// requestLogger stores a request scoped logger for handlers.
func requestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(system.ReqLoggerKey, log.With("method", c.Request.Method, "path", c.Request.URL.Path))
		c.Next()
	}
}

func instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.APIEndpointRequests.WithLabelValues(endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// TriggerLimiter is the per-IP limiter for the dispatch trigger.
func (s *Server) TriggerLimiter() *ratelimit.IPRateLimiter {
	return s.triggerLimiter
}

// AdminHandlers returns the middleware chain of admin routes: authentication
// first, then the per-subject rate limit.
func (s *Server) AdminHandlers(auth *AdminAuth) []gin.HandlerFunc {
	return []gin.HandlerFunc{auth.Middleware(), s.adminLimiter.Middleware()}
}

func (s *Server) RegisterAll(controllers []APIController) error {
	r := s.gin.Group("api")
	for _, c := range controllers {
		if err := c.Register(r.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return fmt.Errorf("register %s routes: %w", c.BasePath(), err)
		}
	}
	return nil
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	timeouts := s.config.GetServerTimeouts()
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.gin,
		ReadTimeout:       timeouts.GetReadTimeout(),
		ReadHeaderTimeout: timeouts.GetReadHeaderTimeout(),
		WriteTimeout:      timeouts.GetWriteTimeout(),
		IdleTimeout:       timeouts.GetIdleTimeout(),
		MaxHeaderBytes:    timeouts.GetMaxHeaderBytes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("address", s.config.ListenAddress))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.GetShutdownTimeout())
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close stops the rate limiter sweepers.
func (s *Server) Close() {
	if s.triggerLimiter != nil {
		s.triggerLimiter.Stop()
	}
	if s.adminLimiter != nil {
		s.adminLimiter.Stop()
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			system.GetReqLogger(c, s.log.Sugar()).Warnw("Readiness check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "store unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetBuildInfo())
}
