package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/kdp-orchestrator/internal/config"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
)

var (
	DB *gorm.DB
)

// inflightIndex keeps at most one queued/running run per intent.
const inflightIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_resource_runs_inflight
ON resource_runs (intent_id) WHERE result IN ('queued', 'running')`

// Open connects to PostgreSQL or SQLite depending on cfg.DBDriver.
func Open(cfg *config.Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}

	switch cfg.DBDriver {
	case "postgres", "":
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
		)
		conn, err := gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return conn, nil
	case "sqlite":
		return OpenSQLite(fmt.Sprintf("file:%s?_foreign_keys=on", cfg.DBPath))
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// OpenSQLite opens a SQLite database with a single connection, which
// serializes writers the same way the driver would.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	return OpenSQLitePool(dsn, 1)
}

// OpenSQLitePool opens SQLite with up to maxConns connections. Use it with
// a WAL journal so readers see only committed data without blocking.
func OpenSQLitePool(dsn string, maxConns int) (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxConns)
	return conn, nil
}

// Init opens the connection and stores it in DB.
func Init(cfg *config.Config) error {
	conn, err := Open(cfg)
	if err != nil {
		return err
	}
	DB = conn
	logger.Info("database connected", zap.String("driver", cfg.DBDriver))
	return nil
}

// Migrate creates or updates every table plus the in-flight run index.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if err := conn.Exec(inflightIndex).Error; err != nil {
		return fmt.Errorf("create in-flight index: %w", err)
	}
	return nil
}

// Ping checks connectivity, used by /readyz.
func Ping(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the connection (tests / shutdown).
func Close() {
	if DB == nil {
		return
	}
	sqlDB, err := DB.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
}
