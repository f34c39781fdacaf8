package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRepository implements Repository against a Postgres database via
// GORM, following the model layout afoc/tls-vpn's retrieval pack
// counterpart (a WireGuard VPN manager) uses for its own clients/users
// schema.
type GormRepository struct {
	db *gorm.DB
}

// Open connects to Postgres using dsn and runs AutoMigrate for the
// three tables the core needs.
func Open(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Session{}, &ConnectionLog{}); err != nil {
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}
	return &GormRepository{db: db}, nil
}

// NewGormRepository wraps an already-open *gorm.DB, for tests running
// against an in-memory or container-backed instance.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup user %q: %w", username, err)
	}
	return &u, nil
}

// CreateSessionIfUnderLimit locks the user row for the duration of the
// transaction so that two concurrent callers for the same user can
// never both observe the pre-insert count: the second transaction
// blocks on the row lock until the first commits its insert, then
// re-counts and sees it.
func (r *GormRepository) CreateSessionIfUnderLimit(ctx context.Context, userID uint64, maxConcurrentSessions int, s *Session) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", userID).First(&u).Error; err != nil {
			return fmt.Errorf("store: lock user %d: %w", userID, err)
		}

		var count int64
		if err := tx.Model(&Session{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return fmt.Errorf("store: count sessions for user %d: %w", userID, err)
		}
		if int(count) >= maxConcurrentSessions {
			return ErrSessionLimitExceeded
		}

		if err := tx.Create(s).Error; err != nil {
			return fmt.Errorf("store: create session: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrSessionLimitExceeded) {
		return ErrSessionLimitExceeded
	}
	return err
}

func (r *GormRepository) UpdateSessionActivity(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Update("last_activity", at).Error
	if err != nil {
		return fmt.Errorf("store: update activity for session %s: %w", id, err)
	}
	return nil
}

func (r *GormRepository) UpdateSessionStats(ctx context.Context, id string, bytesSent, bytesReceived uint64) error {
	err := r.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"bytes_sent":     gorm.Expr("bytes_sent + ?", bytesSent),
			"bytes_received": gorm.Expr("bytes_received + ?", bytesReceived),
			"last_activity":  time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("store: update stats for session %s: %w", id, err)
	}
	return nil
}

func (r *GormRepository) EndSession(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Session{}).Error
	if err != nil {
		return fmt.Errorf("store: end session %s: %w", id, err)
	}
	return nil
}

func (r *GormRepository) CleanupStaleSessions(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxIdle)
	result := r.db.WithContext(ctx).Where("last_activity < ?", cutoff).Delete(&Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: cleanup stale sessions: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (r *GormRepository) AppendConnectionLog(ctx context.Context, entry *ConnectionLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("store: append connection log: %w", err)
	}
	return nil
}
