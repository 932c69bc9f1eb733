package main

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dropscan/pkg/config"
	"dropscan/pkg/store"
)

// initDB connects to Postgres. Schema migrations run unless DB_AUTO_MIGRATE
// is false; a migration failure is logged and does not stop startup.
func initDB(cfg config.Config, log *zap.SugaredLogger) (*store.Postgres, error) {
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("DB_DSN is not set; STORE=postgres requires a Postgres DSN")
	}
	db, err := gorm.Open(postgres.Open(cfg.DBDSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := store.NewPostgres(db)
	if cfg.DBAutoMigrate {
		if err := s.Migrate(); err != nil {
			log.Warnf("migration warning: %v", err)
		}
	}
	return s, nil
}

// openStore returns the configured Store.
func openStore(cfg config.Config, log *zap.SugaredLogger) (store.Store, error) {
	if cfg.Store == "memory" {
		log.Warn("using in-memory store; records are lost on exit")
		return store.NewMemory(), nil
	}
	return initDB(cfg, log)
}
