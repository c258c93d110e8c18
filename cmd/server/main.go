// Package main runs the live-stream session server: REST surface, viewer
// WebSocket channel and ingest callbacks, with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/lumen-live/backend/config"
	"github.com/lumen-live/backend/internal/auth"
	"github.com/lumen-live/backend/internal/chat"
	"github.com/lumen-live/backend/internal/ingest"
	"github.com/lumen-live/backend/internal/middleware"
	"github.com/lumen-live/backend/internal/models"
	"github.com/lumen-live/backend/internal/realtime"
	"github.com/lumen-live/backend/internal/streams"
	"github.com/lumen-live/backend/pkg/database"
	"github.com/lumen-live/backend/pkg/queue"
	"github.com/lumen-live/backend/pkg/redis"
	"github.com/lumen-live/backend/pkg/response"
	"github.com/lumen-live/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ThumbnailsBucket:     cfg.AWS.ThumbnailsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Session store: registry fronted by the invalidate-on-write cache.
	streamRepo := streams.NewRepository(pool)
	sessionCache := streams.NewCache(rdb.Client, time.Duration(cfg.Cache.TTLSeconds)*time.Second, logger)
	store := streams.NewStore(streamRepo, sessionCache, logger)

	// Membership lives only in this process; start from zeroed counts.
	if err := store.ResetViewerCounts(ctx); err != nil {
		logger.Fatal("reset viewer counts", zap.Error(err))
	}

	// Presence + fanout.
	bridge := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(store, bridge, logger)

	// Lifecycle + ingest supervision.
	lifecycle := streams.NewLifecycle(store, hub, logger)
	authenticator := ingest.NewAuthenticator(store, lifecycle, logger)
	watchdog := ingest.NewWatchdog(lifecycle, time.Duration(cfg.Ingest.KeepaliveTimeoutSec)*time.Second, logger)
	lifecycle.SetEndedHook(watchdog.Forget)

	// Chat fanout with fire-and-forget history.
	jobQueue := queue.NewQueue(rdb.Client, logger)
	chatRepo := chat.NewRepository(pool)
	chatService := chat.NewService(hub, jobQueue, logger)
	chatHandler := chat.NewHandler(chatRepo)

	streamHandler := streams.NewHandler(store, lifecycle, s3Client, logger)
	ingestHandler := ingest.NewHandler(authenticator, lifecycle, watchdog, cfg.Ingest.WebhookSecret, logger)

	validateToken := func(token string) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}
	canJoin := func(ctx context.Context, streamID uuid.UUID) error {
		sess, err := store.Get(ctx, streamID)
		if err != nil {
			return err
		}
		if sess.Status != models.StatusLive {
			return models.ErrInvalidTransition
		}
		return nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health: process status plus the in-memory count of live sessions.
	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "live_streams": watchdog.LiveCount()})
	})

	// Ingest callbacks (media server, optional shared secret; no user JWT).
	ingestGroup := router.Group("/ingest")
	{
		ingestGroup.POST("/publish", ingestHandler.Publish)
		ingestGroup.POST("/keepalive", ingestHandler.Keepalive)
		ingestGroup.POST("/unpublish", ingestHandler.Unpublish)
	}

	// Protected API (JWT required).
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/streams", streamHandler.Create)
		api.GET("/streams", streamHandler.List)
		api.GET("/streams/public", streamHandler.ListPublic)
		api.GET("/streams/:id", streamHandler.GetByID)
		api.PUT("/streams/:id", streamHandler.Update)
		api.DELETE("/streams/:id", streamHandler.Delete)
		api.POST("/streams/:id/end", streamHandler.End)
		api.POST("/streams/:id/cancel", streamHandler.Cancel)
		api.GET("/streams/:id/key", streamHandler.GetKey)
		api.POST("/streams/:id/thumbnail", streamHandler.UploadThumbnail)
		api.GET("/streams/:id/chat", chatHandler.History)
	}

	// WebSocket (token in query; no Authorization header required).
	router.GET("/ws", realtime.ServeWs(hub, logger, validateToken, canJoin, chatService.Send))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		watchdog.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
