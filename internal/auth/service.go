// Package auth is a stateless façade over the user repository: it
// verifies credentials, enforces per-user concurrency caps, and mints
// session records and signed tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/afoc/tls-vpn-server/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrMaxConnections     = errors.New("auth: max connections reached")
)

// Result is the successful outcome of Authenticate.
type Result struct {
	UserID                uint64
	SessionToken          string
	MaxConcurrentSessions int
}

// Service is the authentication façade described in §4.3. It holds no
// mutable state of its own beyond the repository handle and signer.
type Service struct {
	repo   store.Repository
	signer *tokenSigner
	log    *zap.SugaredLogger
}

// New constructs a Service backed by repo, signing tokens with secret.
func New(repo store.Repository, jwtSecret string, log *zap.SugaredLogger) *Service {
	return &Service{
		repo:   repo,
		signer: newTokenSigner(jwtSecret),
		log:    log,
	}
}

// Authenticate verifies username/password, enforces the active flag,
// and mints a signed session token. The per-user concurrency cap is
// enforced later, by CreateSession. Every outcome, including failures,
// appends a row to the connection log.
func (s *Service) Authenticate(ctx context.Context, username, password, platform, peerAddr string) (*Result, error) {
	user, err := s.repo.UserByUsername(ctx, username)
	if err != nil && !errors.Is(err, store.ErrUserNotFound) {
		s.logFailure(ctx, nil, platform, peerAddr, fmt.Sprintf("lookup error: %v", err))
		return nil, fmt.Errorf("auth: %w", err)
	}
	if errors.Is(err, store.ErrUserNotFound) {
		s.logFailure(ctx, nil, platform, peerAddr, "Unknown user")
		return nil, ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordVerifier), []byte(password)) != nil {
		s.logFailure(ctx, &user.ID, platform, peerAddr, "Wrong password")
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		s.logFailure(ctx, &user.ID, platform, peerAddr, "Account disabled")
		return nil, ErrAccountDisabled
	}

	// The concurrency cap itself is enforced atomically against the
	// session insert in CreateSession (store.Repository.
	// CreateSessionIfUnderLimit), since the count here and the insert
	// there are too far apart in time to close the race between two
	// AUTH_REQUESTs for the same user.
	token, err := s.signer.sign(user.ID, user.Username, platform)
	if err != nil {
		s.logFailure(ctx, &user.ID, platform, peerAddr, fmt.Sprintf("token error: %v", err))
		return nil, err
	}

	if err := s.repo.AppendConnectionLog(ctx, &store.ConnectionLog{
		UserID:      &user.ID,
		EventType:   store.EventConnect,
		PeerAddress: peerAddr,
		Platform:    platform,
		Details:     "authenticated",
	}); err != nil {
		s.log.Warnw("failed to append connect log", "user_id", user.ID, "error", err)
	}

	return &Result{UserID: user.ID, SessionToken: token, MaxConcurrentSessions: user.MaxConcurrentSessions}, nil
}

// CreateSession persists a session row keyed by a freshly generated id,
// enforcing maxConcurrentSessions atomically against the insert so a
// concurrent CreateSession for the same user can't slip past the cap.
func (s *Service) CreateSession(ctx context.Context, userID uint64, maxConcurrentSessions int, assignedIP net.IP, platform, peerAddr, clientVersion string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	err := s.repo.CreateSessionIfUnderLimit(ctx, userID, maxConcurrentSessions, &store.Session{
		ID:            id,
		UserID:        userID,
		AssignedIP:    assignedIP.String(),
		PeerAddress:   peerAddr,
		Platform:      platform,
		ClientVersion: clientVersion,
		ConnectedAt:   now,
		LastActivity:  now,
	})
	if errors.Is(err, store.ErrSessionLimitExceeded) {
		s.logFailure(ctx, &userID, platform, peerAddr, "Max connections reached")
		return "", ErrMaxConnections
	}
	if err != nil {
		return "", fmt.Errorf("auth: create session: %w", err)
	}
	return id, nil
}

// UpdateSessionActivity bumps last-activity for a persisted session.
func (s *Service) UpdateSessionActivity(ctx context.Context, id string) error {
	if err := s.repo.UpdateSessionActivity(ctx, id, time.Now()); err != nil {
		s.log.Warnw("activity update failed, continuing best-effort", "session_id", id, "error", err)
	}
	return nil
}

// UpdateSessionStats atomically adds byte counters to a persisted
// session. Failures here are best-effort: forwarding continues.
func (s *Service) UpdateSessionStats(ctx context.Context, id string, bytesSent, bytesReceived uint64) {
	if err := s.repo.UpdateSessionStats(ctx, id, bytesSent, bytesReceived); err != nil {
		s.log.Warnw("stats update failed, continuing best-effort", "session_id", id, "error", err)
	}
}

// EndSession removes the session row and appends a disconnect event.
func (s *Service) EndSession(ctx context.Context, id string, userID uint64, platform, peerAddr string) {
	if err := s.repo.EndSession(ctx, id); err != nil {
		s.log.Warnw("end session failed", "session_id", id, "error", err)
	}
	if err := s.repo.AppendConnectionLog(ctx, &store.ConnectionLog{
		UserID:      &userID,
		EventType:   store.EventDisconnect,
		PeerAddress: peerAddr,
		Platform:    platform,
		Details:     "session ended",
	}); err != nil {
		s.log.Warnw("failed to append disconnect log", "session_id", id, "error", err)
	}
}

// CleanupStaleSessions removes rows whose last-activity exceeds
// maxIdle, returning the count removed.
func (s *Service) CleanupStaleSessions(ctx context.Context, maxIdle time.Duration) (int, error) {
	n, err := s.repo.CleanupStaleSessions(ctx, maxIdle)
	if err != nil {
		return 0, fmt.Errorf("auth: cleanup stale sessions: %w", err)
	}
	return n, nil
}

func (s *Service) logFailure(ctx context.Context, userID *uint64, platform, peerAddr, details string) {
	if err := s.repo.AppendConnectionLog(ctx, &store.ConnectionLog{
		UserID:      userID,
		EventType:   store.EventAuthFail,
		PeerAddress: peerAddr,
		Platform:    platform,
		Details:     details,
	}); err != nil {
		s.log.Warnw("failed to append auth_fail log", "error", err)
	}
}

// HashPassword hashes a plaintext password with a memory-hard,
// per-record-salted KDF for storage as User.PasswordVerifier.
// Comparison in Authenticate is constant-time via bcrypt itself.
func HashPassword(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hashed), nil
}
