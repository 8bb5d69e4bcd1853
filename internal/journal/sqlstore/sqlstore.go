package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"

	"github.com/sitekeeper/master/internal/journal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the connection parameters for the SQL-backed journal store.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Store is a gorm.DB-backed journal.Journal implementation.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database, applies pending migrations, and
// returns a ready-to-use Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sqlstore: logger is required")
	}

	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel)}

	var (
		gdb     *gorm.DB
		sqlDB   *sql.DB
		err     error
		drvName string
	)

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		gdb, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: gorm sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		gdb, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: gorm postgres: %w", err)
		}
		sqlDB, err = gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("sqlstore: migrations: %w", err)
	}

	return &Store{db: gdb, logger: cfg.Logger.Named("journal.sqlstore")}, nil
}

func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("journal database migrations applied successfully")
	return nil
}

var _ journal.Journal = (*Store)(nil)

func (s *Store) RecordStageInitiated(ctx context.Context, rec journal.StageInitiatedRecord) error {
	row := stageInitiatedRow{
		ActionID:   rec.ActionID,
		StageIndex: rec.StageIndex,
		StageName:  rec.StageName,
		InputJSON:  marshalAny(rec.Input),
		At:         rec.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlstore: record stage initiated: %w", err)
	}
	return nil
}

func (s *Store) RecordStageCompleted(ctx context.Context, rec journal.StageCompletedRecord) error {
	row := stageCompletedRow{
		ActionID:   rec.ActionID,
		StageIndex: rec.StageIndex,
		StageName:  rec.StageName,
		ResultJSON: marshalAny(rec.Result),
		Status:     string(rec.Status),
		At:         rec.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlstore: record stage completed: %w", err)
	}
	return nil
}

func (s *Store) RecordNodeTaskResult(ctx context.Context, rec journal.NodeTaskResultRecord) error {
	row := nodeTaskResultRow{
		ActionID:     rec.ActionID,
		NodeActionID: rec.NodeActionID,
		TaskID:       rec.TaskID,
		NodeName:     rec.NodeName,
		Status:       string(rec.Status),
		ResultJSON:   marshalAny(rec.Result),
		At:           rec.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlstore: record node task result: %w", err)
	}
	return nil
}

func (s *Store) RecordLogLine(ctx context.Context, rec journal.LogLineRecord) error {
	row := logLineRow{
		ActionID:   rec.ActionID,
		StageIndex: rec.StageIndex,
		NodeName:   rec.NodeName,
		TaskID:     rec.TaskID,
		Level:      string(rec.Level),
		Message:    rec.Message,
		At:         rec.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlstore: record log line: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
