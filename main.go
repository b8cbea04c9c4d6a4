package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/decision"
	"github.com/example/face-verify/internal/dlibmodel"
	"github.com/example/face-verify/internal/faceembed"
	"github.com/example/face-verify/internal/grpcclient"
	"github.com/example/face-verify/internal/handlers"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/messages"
	"github.com/example/face-verify/internal/mqttrpc"
	"github.com/example/face-verify/internal/onnxmodel"
	"github.com/example/face-verify/internal/ratelimit"
	"github.com/example/face-verify/internal/redisstore"
	"github.com/example/face-verify/internal/usecase"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_FILE", ""))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:        cfg.Log.Level,
		File:         cfg.Log.File,
		MaxAge:       cfg.Log.MaxAge,
		RotationTime: cfg.Log.RotationTime,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	extractor, err := newExtractor(ctx, cfg.Model, logger)
	if err != nil {
		logger.Fatal("failed to load face model", zap.String("backend", cfg.Model.Backend), zap.Error(err))
	}
	defer extractor.Close()

	localizer, err := messages.NewLocalizer(cfg.Locale.Default)
	if err != nil {
		logger.Fatal("failed to build localizer", zap.Error(err))
	}

	var (
		stats   usecase.StatsRecorder
		limiter handlers.RateLimiter
	)
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		store := initRedis(redisCtx, cfg.Redis, logger)
		redisCancel()

		stats = usecase.NewRedisStats(store)
		if cfg.Redis.RateLimit > 0 {
			limiter = ratelimit.New(store, cfg.Redis.RateLimit, cfg.Redis.Window, logger)
		}
	} else {
		logger.Info("redis not configured, keeping stats in memory without rate limiting")
	}

	embeddingDim := cfg.Model.EmbeddingDim
	if cfg.Model.Backend == config.BackendDlib {
		embeddingDim = dlibmodel.EmbeddingDim
	}
	uc := usecase.NewVerificationUseCase(extractor, decision.NewRule(cfg.Match.Threshold), stats, logger, usecase.Options{
		EmbeddingDim:  embeddingDim,
		MaxConcurrent: int64(cfg.Model.MaxConcurrent),
		CallTimeout:   cfg.Model.CallTimeout,
	})

	h := handlers.New(uc, localizer, limiter, handlers.HealthInfo{
		GPU:     cfg.Model.UseGPU,
		Model:   cfg.Model.Name,
		Backend: cfg.Model.Backend,
	}, handlers.Options{MaxUploadSize: cfg.HTTP.MaxUploadBytes}, logger)

	router, err := newRouter(cfg.HTTP, logger)
	if err != nil {
		logger.Fatal("invalid trusted proxies", zap.Strings("trusted_proxies", cfg.HTTP.TrustedProxies), zap.Error(err))
	}
	handlers.RegisterRoutes(router, h, auth.Middleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))

	if cfg.MQTT.Broker != "" {
		rpc := mqttrpc.New(mqttrpc.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			RequestTopic:   cfg.MQTT.RequestTopic,
			ResponsePrefix: cfg.MQTT.ResponsePrefix,
			QoS:            byte(cfg.MQTT.QoS),
			RequestTimeout: cfg.MQTT.RequestTimeout,
			MaxImageBytes:  cfg.HTTP.MaxUploadBytes,
		}, uc, localizer, logger)
		if err := rpc.Start(); err != nil {
			logger.Fatal("failed to start mqtt rpc", zap.Error(err))
		}
		defer rpc.Stop(cfg.HTTP.ShutdownTimeout)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face verification API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("model", extractor.ModelID()),
		zap.Float64("threshold", cfg.Match.Threshold),
		zap.Bool("gpu", cfg.Model.UseGPU),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func newExtractor(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (faceembed.Extractor, error) {
	switch cfg.Backend {
	case config.BackendONNX:
		ext, err := onnxmodel.New(onnxmodel.Options{
			LibraryPath:    cfg.ONNX.LibraryPath,
			DetectorPath:   cfg.ONNX.DetectorPath,
			RecognizerPath: cfg.ONNX.RecognizerPath,
			ModelName:      cfg.Name,
			DetectorSize:   cfg.ONNX.DetectorSize,
			ScoreThreshold: float32(cfg.ONNX.ScoreThreshold),
			NMSThreshold:   cfg.ONNX.NMSThreshold,
			UseGPU:         cfg.UseGPU,
		}, logger)
		if err != nil {
			return nil, err
		}
		return ext, nil
	case config.BackendDlib:
		ext, err := dlibmodel.New(cfg.DlibModelDir, logger)
		if err != nil {
			return nil, err
		}
		return ext, nil
	default:
		ext, err := grpcclient.DialFaceModel(ctx, cfg.Addr, cfg.Name, cfg.DialTimeout, logger)
		if err != nil {
			return nil, err
		}
		return ext, nil
	}
}

// newRouter only honours X-Forwarded-For from cfg.TrustedProxies, so the
// client IP used for rate limiting cannot be chosen by the caller.
func newRouter(cfg config.HTTPConfig, logger *zap.Logger) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	router.MaxMultipartMemory = cfg.MaxUploadBytes
	router.Use(logging.Recovery(logger), logging.RequestLogger(logger))

	corsConfig := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type", "Content-Length", "Accept-Language", logging.RequestIDHeader},
		ExposeHeaders: []string{logging.RequestIDHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if allowsAnyOrigin(cfg.AllowOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	}
	router.Use(cors.New(corsConfig))
	return router, nil
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redisstore.Store {
	store := redisstore.New(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), zapLogger)
	if err := store.Ping(ctx); err != nil {
		zapLogger.Fatal("redis connection failed", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	return store
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
