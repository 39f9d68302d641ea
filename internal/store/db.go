// Package store 是订单、成交、持仓、风控事件与策略运行的唯一可信来源，基于 gorm。
package store

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"algo-trader-go/infrastructure/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config 数据库连接参数。
type Config struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_life"`
	SlowQuery    time.Duration `yaml:"slow_query"`
}

// Store 封装 gorm 连接。
type Store struct {
	db *gorm.DB
}

// Open 按驱动建立连接并迁移表结构。SQL 告警与慢查询写入 lg。
func Open(cfg Config, lg *logger.Logger) (*Store, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	slow := cfg.SlowQuery
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(gormWriter{lg.Named("store")}, gormlogger.Config{
			SlowThreshold:             slow,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	} else if strings.EqualFold(cfg.Driver, DriverSQLite) || cfg.Driver == "" {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)
	}

	s := New(db)
	if err := s.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "algo-trader.db"
		}
		return sqlite.Open(withSQLitePragmas(dsn)), nil
	case DriverPostgres, "postgresql":
		if cfg.DSN == "" {
			return nil, errors.New("postgres store requires a dsn")
		}
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// withSQLitePragmas 打开外键并设置忙等待，已带参数的 DSN 原样返回。
func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "?") || dsn == ":memory:" {
		return dsn
	}
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	return dsn + "?" + q.Encode()
}

// New 包装已有连接，不做迁移。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate 建表与索引。
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&OrderModel{},
		&TradeModel{},
		&PositionModel{},
		&RiskEventModel{},
		&RunModel{},
		&PnLSnapshotModel{},
	); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// DB 返回底层连接。
func (s *Store) DB() *gorm.DB { return s.db }

// Ping 检查连接是否可用。
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close 关闭连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// gormWriter 把 gorm 日志转到 zap。
type gormWriter struct{ lg *logger.Logger }

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.lg.Sugar().Warnf(format, args...)
}
