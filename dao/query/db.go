package query

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
	"k8s.io/klog/v2"

	"github.com/raids-lab/acqpipe/pkg/config"
)

const (
	maxIdleConns    = 5
	maxOpenConns    = 10
	connMaxLifetime = time.Hour
)

// Open connects to the configured postgres primary, registers any read
// replicas and brings the schema up to date.
func Open(cfg *config.Config) (*gorm.DB, error) {
	gormConfig := &gorm.Config{}
	if !config.IsDebugMode() {
		gormConfig.Logger = logger.Default.LogMode(logger.Warn)
	}
	db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("query.Open: %w", err)
	}

	if len(cfg.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
		for i := range cfg.Replicas {
			replicas = append(replicas, postgres.Open(cfg.Replicas[i].DSN()))
		}
		resolver := dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		}).
			SetMaxIdleConns(maxIdleConns).
			SetMaxOpenConns(maxOpenConns).
			SetConnMaxLifetime(connMaxLifetime)
		if err = db.Use(resolver); err != nil {
			return nil, fmt.Errorf("query.Open: register replicas: %w", err)
		}
		klog.Infof("Postgres read replicas registered: %d", len(replicas))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("query.Open: %w", err)
	}
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err = Migrate(db); err != nil {
		return nil, err
	}
	klog.Info("Postgres init success!")
	return db, nil
}

// Read routes a query to a replica when replicas are registered; without
// replicas it is a plain session on the primary.
func Read(db *gorm.DB) *gorm.DB {
	return db.Clauses(dbresolver.Read)
}
