// Package session holds the device's server credentials for the sync engine.
// The access token is a JWT whose expiry the client reads without verifying
// the signature; verification is the server's job, the client only needs to
// know when to refresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/soundleaf/soundleaf/internal/transport"
)

const defaultExpirySkew = 30 * time.Second

var (
	// ErrNotAuthenticated indicates no usable credentials are held; the user
	// must sign in again through the collaborator that seeds tokens.
	ErrNotAuthenticated = errors.New("session: not authenticated")
)

// Refresher exchanges a refresh token for fresh credentials.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (transport.RefreshResult, error)
}

// ManagerConfig wires the session manager's collaborators.
type ManagerConfig struct {
	Refresher  Refresher
	Clock      func() time.Time
	Logger     *zap.Logger
	ExpirySkew time.Duration
}

// Manager stores the access/refresh token pair and refreshes proactively when
// the access token is about to expire. It implements transport.TokenSource.
type Manager struct {
	refresher  Refresher
	clock      func() time.Time
	logger     *zap.Logger
	expirySkew time.Duration

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewManager constructs a Manager with sane defaults.
func NewManager(cfg ManagerConfig) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	skew := cfg.ExpirySkew
	if skew <= 0 {
		skew = defaultExpirySkew
	}
	return &Manager{
		refresher:  cfg.Refresher,
		clock:      clock,
		logger:     logger,
		expirySkew: skew,
	}
}

// SetTokens seeds or replaces the credential pair.
func (m *Manager) SetTokens(accessToken, refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = accessToken
	m.refreshToken = refreshToken
	m.expiresAt = expiryFromToken(accessToken)
}

// Token returns a usable access token, refreshing first when the held one is
// within the expiry skew.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken == "" && m.refreshToken == "" {
		return "", ErrNotAuthenticated
	}
	if m.accessToken != "" && !m.expired() {
		return m.accessToken, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.accessToken, nil
}

// ForceRefresh discards the held access token and fetches a fresh one. Called
// after the server rejects a request as unauthenticated.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
	return m.refreshLocked(ctx)
}

// Clear drops all credentials. The next Token call fails with
// ErrNotAuthenticated until new tokens are seeded.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
	m.refreshToken = ""
	m.expiresAt = time.Time{}
	m.logger.Warn("session cleared, re-authentication required")
}

// Authenticated reports whether any credentials are held.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken != "" || m.refreshToken != ""
}

func (m *Manager) expired() bool {
	if m.expiresAt.IsZero() {
		return false
	}
	return !m.clock().Add(m.expirySkew).Before(m.expiresAt)
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	if m.refreshToken == "" {
		return ErrNotAuthenticated
	}
	if m.refresher == nil {
		return fmt.Errorf("session: no refresher configured")
	}
	result, err := m.refresher.RefreshToken(ctx, m.refreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed", zap.Error(err))
		return err
	}
	m.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		m.refreshToken = result.RefreshToken
	}
	m.expiresAt = expiryFromToken(result.AccessToken)
	if m.expiresAt.IsZero() && result.ExpiresIn > 0 {
		m.expiresAt = m.clock().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	m.logger.Debug("access token refreshed")
	return nil
}

// expiryFromToken reads the exp claim without signature verification. A token
// that is not a JWT yields a zero time and is treated as non-expiring.
func expiryFromToken(tokenString string) time.Time {
	if tokenString == "" {
		return time.Time{}
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
