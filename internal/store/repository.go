package store

import (
	"context"
	"errors"
	"time"
)

// ErrUserNotFound is returned by Repository.UserByUsername when no row matches.
var ErrUserNotFound = errors.New("store: user not found")

// ErrSessionLimitExceeded is returned by Repository.CreateSessionIfUnderLimit
// when the user already has maxConcurrentSessions active sessions.
var ErrSessionLimitExceeded = errors.New("store: session limit exceeded")

// Repository is the narrow surface the auth service needs against the
// relational store. The core depends only on this interface, never on
// a concrete driver.
type Repository interface {
	UserByUsername(ctx context.Context, username string) (*User, error)

	// CreateSessionIfUnderLimit atomically re-counts the user's active
	// sessions and inserts s only if the count is still below
	// maxConcurrentSessions, so two AUTH_REQUESTs racing for the same
	// user's last slot can't both pass the check. Returns
	// ErrSessionLimitExceeded if the cap is already reached.
	CreateSessionIfUnderLimit(ctx context.Context, userID uint64, maxConcurrentSessions int, s *Session) error

	UpdateSessionActivity(ctx context.Context, id string, at time.Time) error
	UpdateSessionStats(ctx context.Context, id string, bytesSent, bytesReceived uint64) error
	EndSession(ctx context.Context, id string) error
	CleanupStaleSessions(ctx context.Context, maxIdle time.Duration) (int, error)

	AppendConnectionLog(ctx context.Context, entry *ConnectionLog) error
}
