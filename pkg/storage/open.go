package storage

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported broker drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultSlowQuery is the duration above which a broker query is logged.
const DefaultSlowQuery = 200 * time.Millisecond

// PoolConfig is the shared connection pool every queue's workers draw from.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns the pool settings used by the broker.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

type openConfig struct {
	pool      PoolConfig
	log       *zap.SugaredLogger
	slowQuery time.Duration
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

// MaxOpenConns caps open connections. Zero or less keeps the default.
func MaxOpenConns(n int) OpenOption {
	return func(c *openConfig) {
		if n > 0 {
			c.pool.MaxOpenConns = n
		}
	}
}

// MaxIdleConns caps idle connections. Zero or less keeps the default.
func MaxIdleConns(n int) OpenOption {
	return func(c *openConfig) {
		if n > 0 {
			c.pool.MaxIdleConns = n
		}
	}
}

// WithQueryLogger routes gorm's slow-query and error output to l. Without it
// gorm is silent.
func WithQueryLogger(l *zap.SugaredLogger) OpenOption {
	return func(c *openConfig) {
		c.log = l
	}
}

// WithSlowQueryThreshold sets when a query counts as slow.
func WithSlowQueryThreshold(d time.Duration) OpenOption {
	return func(c *openConfig) {
		if d > 0 {
			c.slowQuery = d
		}
	}
}

// Open connects to the broker database.
//
// SQLite allows a single writer, so its pool is pinned to one connection
// whatever MaxOpenConns says. This also keeps ":memory:" databases shared.
func Open(driver, dsn string, opts ...OpenOption) (*gorm.DB, error) {
	cfg := openConfig{pool: DefaultPoolConfig(), slowQuery: DefaultSlowQuery}
	for _, opt := range opts {
		opt(&cfg)
	}

	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		dialector = sqlite.Open(dsn)
		cfg.pool = PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
	case DriverPostgres, "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Newf("unsupported broker driver %q", driver)
	}

	gormLog := logger.Discard
	if cfg.log != nil {
		gormLog = newQueryLogger(cfg.log, cfg.slowQuery)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, classify(err, "open broker")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get underlying *sql.DB")
	}
	sqlDB.SetMaxOpenConns(cfg.pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.pool.ConnMaxIdleTime)
	return db, nil
}
