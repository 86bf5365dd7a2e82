package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/speechgate/internal/config"
	"github.com/smallbiznis/speechgate/internal/entitlement"
	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	"github.com/smallbiznis/speechgate/internal/observability"
	obslogger "github.com/smallbiznis/speechgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/speechgate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/speechgate/internal/observability/tracing"
	"github.com/smallbiznis/speechgate/internal/plansync"
	"github.com/smallbiznis/speechgate/internal/profile"
	"github.com/smallbiznis/speechgate/internal/ratelimit"
	"github.com/smallbiznis/speechgate/internal/reconcile"
	"github.com/smallbiznis/speechgate/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type sessionService interface {
	Login(ctx context.Context, userID string, route reconcile.Route) (plansync.Result, error)
	Logout(ctx context.Context, userID string) error
	SetRoute(userID string, route reconcile.Route) error
}

type decisionService interface {
	GetDecision(ctx context.Context, userID string, kind ledgerdomain.LimitKind) (entitlement.CachedEntitlement, error)
	Peek(ctx context.Context, userID string, kind ledgerdomain.LimitKind) (entitlement.CachedEntitlement, entitlement.State, error)
}

type profileService interface {
	GetOrRefresh(ctx context.Context, userID string) (profile.Profile, error)
}

type syncService interface {
	ForceSync(ctx context.Context, userID string, trigger plansync.Trigger) (plansync.Result, error)
}

type syncLimiter interface {
	Allow(ctx context.Context, userID string) (ratelimit.Result, error)
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	log = log.Named("http.server")
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Sessions    *session.Service
	Cache       *entitlement.Cache
	Profiles    *profile.Service
	Coordinator *plansync.Coordinator
	Limiter     *ratelimit.SyncLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics    `optional:"true"`
	Log         *zap.Logger
}

type Server struct {
	engine     *gin.Engine
	sessions   sessionService
	decisions  decisionService
	profiles   profileService
	syncer     syncService
	limiter    syncLimiter
	obsMetrics *obsmetrics.Metrics
	log        *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		sessions:   p.Sessions,
		decisions:  p.Cache,
		profiles:   p.Profiles,
		syncer:     p.Coordinator,
		obsMetrics: p.ObsMetrics,
		log:        p.Log.Named("http.server"),
	}
	if p.Limiter != nil {
		svc.limiter = p.Limiter
	}

	svc.registerUserRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerUserRoutes() {
	users := s.engine.Group("/v1/users/:user_id")

	users.POST("/session", s.Login)
	users.DELETE("/session", s.Logout)
	users.PUT("/session/route", s.SetRoute)

	users.GET("/profile", s.GetProfile)

	users.GET("/entitlements/:limit_kind", s.GetEntitlement)
	users.GET("/entitlements/:limit_kind/peek", s.PeekEntitlement)

	users.POST("/sync", s.SyncRateLimit(), s.ForceSync)
}
