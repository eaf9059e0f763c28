package main

import (
	"errors"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/noah-isme/course-ledger-api/internal/repository"
	"github.com/noah-isme/course-ledger-api/internal/service"
	"github.com/noah-isme/course-ledger-api/pkg/config"
	"github.com/noah-isme/course-ledger-api/pkg/database"
	"github.com/noah-isme/course-ledger-api/pkg/logger"
)

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	cli := commandLine{
		migrate: func(command string, args ...string) error {
			return database.Migrate(db, command, args...)
		},
		users: service.NewAuthService(repository.NewUserRepository(db), nil, logr, service.AuthConfig{
			AccessTokenSecret: cfg.JWT.Secret,
			AccessTokenExpiry: cfg.JWT.Expiration,
			Issuer:            cfg.JWT.Issuer,
		}),
		out: os.Stdout,
	}
	if err := cli.run(os.Args); err != nil {
		if !errors.Is(err, errHelp) {
			logr.Error("admin command failed", zap.Error(err))
		}
		os.Exit(1)
	}
}
