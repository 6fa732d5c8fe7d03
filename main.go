package main

import (
	"context"
	"errors"
	"fmt"
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
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/chicken-disease/internal/annotate"
	"github.com/example/chicken-disease/internal/auth"
	"github.com/example/chicken-disease/internal/config"
	"github.com/example/chicken-disease/internal/handlers"
	"github.com/example/chicken-disease/internal/logging"
	"github.com/example/chicken-disease/internal/repository"
	"github.com/example/chicken-disease/internal/roboflow"
	"github.com/example/chicken-disease/internal/staging"
	"github.com/example/chicken-disease/internal/usecase"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rfConfig := roboflow.Config{
		APIURL:    cfg.APIURL,
		APIKey:    cfg.APIKey,
		Workspace: cfg.Workspace,
		Project:   cfg.Project,
		Version:   cfg.ModelVersion,
		Timeout:   cfg.InferenceTimeout,
	}
	gateway := roboflow.NewClient(rfConfig, nil, logger)
	builder := annotate.NewBuilder(annotate.Options{Enabled: cfg.Annotate})
	stager := staging.NewStager(cfg.TempDir)

	opts := []usecase.Option{
		usecase.WithMaxUploadBytes(cfg.MaxUploadBytes),
		usecase.WithMaxImagePixels(cfg.MaxImagePixels),
	}

	if db := initDatabase(ctx, cfg, logger); db != nil {
		repo := repository.NewPredictionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithRepository(repo))
	}

	if redisClient := initRedis(ctx, cfg, logger); redisClient != nil {
		defer redisClient.Close()
		prefix := fmt.Sprintf("inference:%s:", rfConfig.ModelID())
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient), cfg.InferenceCacheTTL, prefix))
	}

	uc := usecase.NewPredictionUseCase(gateway, builder, stager, logger, opts...)

	gin.SetMode(cfg.GinMode)
	router := newRouter(cfg, uc, logger)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("chicken disease API listening",
		zap.String("addr", cfg.Addr()),
		zap.String("model", rfConfig.ModelID()),
		zap.Bool("annotate", builder.AnnotationEnabled()),
		zap.Int64("max_image_pixels", cfg.MaxImagePixels),
	)
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg config.Config, svc handlers.PredictionService, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(logging.Middleware(logger), gin.Recovery())
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	r.Use(cors.New(corsConfig))

	routeOpts := handlers.Options{MaxUploadBytes: cfg.MaxUploadBytes}
	if cfg.JWTSecret != "" {
		routeOpts.PredictMiddleware = append(routeOpts.PredictMiddleware, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))
	}
	handlers.RegisterRoutes(r, svc, routeOpts)
	return r
}

func initDatabase(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) *gorm.DB {
	if cfg.DatabaseDSN == "" {
		zapLogger.Info("audit log disabled: DATABASE_DSN not set")
		return nil
	}

	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err), zap.String("driver", cfg.DatabaseDriver))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		zapLogger.Info("inference cache disabled: REDIS_ADDR not set")
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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
