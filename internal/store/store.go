package store

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxConnectAttempts = 10
	maxWriteAttempts   = 3
)

// Store wraps the gorm handle with the repository operations the server uses.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by url. A postgres:// URL selects the
// Postgres driver; anything else is treated as a SQLite path, which keeps
// local runs and tests free of external services. The connect loop retries
// to wait out container startup.
func Open(url string) (*Store, error) {
	dialector := dialectorFor(url)

	var db *gorm.DB
	var err error
	for i := 0; i < maxConnectAttempts; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err == nil {
			sqlDB, derr := db.DB()
			if derr == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return &Store{db: db}, nil
			}
			err = derr
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, fmt.Errorf("connect database: %w", err)
}

func dialectorFor(url string) gorm.Dialector {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return postgres.Open(url)
	}
	return sqlite.Open(url)
}

// New wraps an existing gorm handle. Used by tests with a SQLite database in a
// temporary directory.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. It is idempotent; the init_db
// subcommand is just this call.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&User{}, &Session{}, &Nonce{}, &Room{}, &Member{}, &Message{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry reruns a write up to maxWriteAttempts times with jitter. Only
// errors that look transient are retried; constraint violations and missing
// records surface immediately.
func (s *Store) withRetry(op func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		err = op(s.db)
		if err == nil || !isTransient(err) {
			return err
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
	return fmt.Errorf("retries exhausted: %w", err)
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrForeignKeyViolated),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrEmailTaken),
		errors.Is(err, ErrRoomNameTaken),
		errors.Is(err, ErrNonceReplayed),
		errors.Is(err, ErrNotMember):
		return false
	}
	return true
}
