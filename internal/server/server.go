package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/vilokanam/internal/config"
	"github.com/smallbiznis/vilokanam/internal/coordinator"
	"github.com/smallbiznis/vilokanam/internal/liveevents"
	obslogger "github.com/smallbiznis/vilokanam/internal/observability/logger"
	obstracing "github.com/smallbiznis/vilokanam/internal/observability/tracing"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(
		NewEngine,
		provideCoordinator,
		NewServer,
	),
	fx.Invoke(run),
)

// Coordinator is the slice of the session coordinator the HTTP surface uses.
type Coordinator interface {
	Open(ctx context.Context, viewerID, creatorID string, metadata map[string]any) (sessiondomain.Snapshot, error)
	End(ctx context.Context, viewerID, creatorID string) (sessiondomain.Snapshot, error)
	Connected(ctx context.Context, viewerID, creatorID string, observedAt time.Time) (sessiondomain.Snapshot, error)
	Disconnected(ctx context.Context, viewerID, creatorID string, observedAt time.Time) (sessiondomain.Snapshot, error)
	QuerySession(viewerID, creatorID string) (sessiondomain.Snapshot, error)
	Sessions(creatorID string) []sessiondomain.Snapshot
	CreatorTickCount(creatorID string) coordinator.CreatorTicks
	RetryRejected(ctx context.Context, sessionID string) (sessiondomain.Snapshot, error)
}

func provideCoordinator(c *coordinator.Coordinator) Coordinator {
	return c
}

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	coordinator Coordinator
	ledger      settlementdomain.LedgerClient
	events      *liveevents.Hub
	log         *zap.Logger
	heartbeat   time.Duration
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Coordinator Coordinator
	Ledger      settlementdomain.LedgerClient `optional:"true"`
	Events      *liveevents.Hub               `optional:"true"`
	Log         *zap.Logger
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:      p.Gin,
		coordinator: p.Coordinator,
		ledger:      p.Ledger,
		events:      p.Events,
		log:         log.Named("http"),
		heartbeat:   15 * time.Second,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Sessions --------
	api.POST("/sessions", s.OpenSession)
	api.GET("/sessions", s.GetSession)
	api.DELETE("/sessions", s.EndSession)
	api.POST("/sessions/:id/settlement/retry", s.RetrySettlement)

	// -------- Signaling --------
	api.POST("/signaling/connected", s.Connected)
	api.POST("/signaling/disconnected", s.Disconnected)

	// -------- Creators --------
	api.GET("/creators/:creator_id/ticks", s.GetCreatorTicks)
	api.GET("/creators/:creator_id/sessions", s.ListCreatorSessions)

	// -------- Events --------
	api.GET("/events", s.StreamEvents)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
