// Package storage persists chat sessions in SQLite via GORM. The store
// satisfies ports.SessionRepository; the bot degrades to in-memory
// operation when the store cannot be opened.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"parley/domain"
	"parley/logging"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormLogger bridges GORM logging onto the parley logger
type gormLogger struct {
	level logger.LogLevel
}

// LogMode sets the log level
func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{level: level}
}

// Info logs info messages
func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		logging.Logger.Info(fmt.Sprintf(msg, data...))
	}
}

// Warn logs warn messages
func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		logging.Logger.Warn(fmt.Sprintf(msg, data...))
	}
}

// Error logs error messages
func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		logging.Logger.Error(fmt.Sprintf(msg, data...))
	}
}

// Trace logs SQL queries - only in debug mode
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level < logger.Info {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logging.Logger.Error("gorm query error",
			"error", err,
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	} else if elapsed > 200*time.Millisecond {
		logging.Logger.Warn("slow query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	} else {
		logging.Logger.Debug("gorm query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	}
}

// newGormLogger creates a GORM logger that respects parley's debug settings
func newGormLogger() logger.Interface {
	// Debug mode is propagated via environment by cmd when --debug is set
	if os.Getenv("PARLEY_DEBUG") == "1" {
		return (&gormLogger{}).LogMode(logger.Info)
	}
	return (&gormLogger{}).LogMode(logger.Silent)
}

// ErrStoreUnavailable marks open failures callers may degrade on
var ErrStoreUnavailable = errors.New("session store unavailable")

// Store provides thread-safe ACID access to persisted chat sessions
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the session database with WAL mode enabled
func NewStore(dbPath string) (*Store, error) {
	if len(dbPath) > 0 && dbPath[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, dbPath[1:])
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		PrepareStmt: false, // Disable to avoid transaction conflicts
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// WAL mode allows the poller and executions to write concurrently
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA synchronous=NORMAL")
	db.Exec("PRAGMA foreign_keys=ON")

	if err := db.AutoMigrate(&ChatSession{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	// SQLite with WAL mode can handle multiple readers + 1 writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(0)

	return &Store{db: db}, nil
}

// LoadAll reads every persisted session
func (s *Store) LoadAll(ctx context.Context) ([]domain.PersistedSession, error) {
	var rows []ChatSession
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Order("chat_id ASC").Find(&rows).Error
	}, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]domain.PersistedSession, len(rows))
	for i, row := range rows {
		sessions[i] = domain.PersistedSession{
			ChatID:       row.ChatID,
			Cwd:          row.Cwd,
			CreatedAt:    row.SessionCreatedAt,
			MessageCount: row.MessageCount,
			ResumeToken:  row.ResumeToken,
		}
	}
	return sessions, nil
}

// Save upserts one session's durable fields
func (s *Store) Save(ctx context.Context, sess domain.PersistedSession) error {
	row := ChatSession{
		ChatID:           sess.ChatID,
		Cwd:              sess.Cwd,
		MessageCount:     sess.MessageCount,
		ResumeToken:      sess.ResumeToken,
		SessionCreatedAt: sess.CreatedAt,
	}
	return withRetry(func() error {
		if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("failed to save session %s: %w", sess.ChatID, err)
		}
		return nil
	}, 3)
}

// Delete removes a session; deleting an unknown chat is not an error
func (s *Store) Delete(ctx context.Context, chatID string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&ChatSession{}).Error
	}, 3)
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry retries operations on SQLITE_BUSY with backoff
func withRetry(fn func() error, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries", maxRetries)
}
