package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/course-ledger-api/api/swagger"
	"github.com/noah-isme/course-ledger-api/internal/handler"
	"github.com/noah-isme/course-ledger-api/internal/middleware"
	"github.com/noah-isme/course-ledger-api/internal/repository"
	"github.com/noah-isme/course-ledger-api/internal/service"
	"github.com/noah-isme/course-ledger-api/pkg/cache"
	"github.com/noah-isme/course-ledger-api/pkg/config"
	"github.com/noah-isme/course-ledger-api/pkg/database"
	"github.com/noah-isme/course-ledger-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/course-ledger-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/course-ledger-api/pkg/middleware/requestid"
)

// @title Course Ledger API
// @version 1.0.0
// @description Course enrollment with capacity control and an audited grade ledger
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.MigrateUp(db); err != nil {
			logr.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	metrics := service.NewMetricsService()

	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, student cache disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.StudentTTL, logr, cfg.Cache.Enabled && redisClient != nil)

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	gradeRepo := repository.NewGradeRepository(db)
	gradeAuditRepo := repository.NewGradeAuditRepository(db)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	studentSvc := service.NewStudentService(studentRepo, cacheSvc, validate, logr)
	courseSvc := service.NewCourseService(courseRepo, enrollmentRepo, studentSvc, db, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, courseRepo, studentRepo, db, metrics, validate, logr, service.EnrollmentConfig{
		LockTimeout: cfg.Enrollment.LockTimeout,
	})
	gradeSvc := service.NewGradeService(gradeRepo, gradeAuditRepo, enrollmentRepo, db, metrics, logr, service.GradeConfig{
		LockTimeout: cfg.Enrollment.LockTimeout,
	})
	exportSvc := service.NewExportService(gradeSvc, enrollmentSvc, logr, nil, nil)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics, db)
	if cacheSvc.Enabled() {
		metricsHandler.WithCache(cacheRepo)
	}
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handler.Register(r, handler.Handlers{
		Auth:        handler.NewAuthHandler(authSvc),
		Courses:     handler.NewCourseHandler(courseSvc),
		Students:    handler.NewStudentHandler(studentSvc),
		Enrollments: handler.NewEnrollmentHandler(enrollmentSvc),
		Grades:      handler.NewGradeHandler(gradeSvc, exportSvc),
	}, handler.RouteOptions{
		Prefix: cfg.APIPrefix,
		Tokens: authSvc,
		Audit:  userRepo,
		Logger: logr,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}
