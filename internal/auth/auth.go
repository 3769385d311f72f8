package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

const sessionDuration = 24 * time.Hour

var (
	// ErrInvalidCredentials is returned by Login for unknown users and bad passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidSession is returned for unknown or expired session tokens.
	ErrInvalidSession = errors.New("invalid session")
	// ErrNoRole is returned when a user holds no role in the requested domain.
	ErrNoRole = errors.New("no role in domain")
	// ErrUserNotFound is returned when a user lookup misses.
	ErrUserNotFound = errors.New("user not found")
)

// Service provides authentication and role lookups.
type Service struct {
	db *sqlx.DB

	mu      sync.RWMutex
	weights map[Role]float64
}

// NewService creates an auth service. weights maps role names to the weight a
// translation gets when a holder of that role promotes it.
func NewService(db *sqlx.DB, weights map[string]float64) *Service {
	s := &Service{db: db}
	s.SetRoleWeights(weights)
	return s
}

// SetRoleWeights replaces the per-role default weights. Unknown role names
// are ignored.
func (s *Service) SetRoleWeights(weights map[string]float64) {
	m := make(map[Role]float64, len(weights))
	for name, w := range weights {
		if r, err := ParseRole(name); err == nil {
			m[r] = w
		}
	}
	s.mu.Lock()
	s.weights = m
	s.mu.Unlock()
}

// Setup creates the initial admin account if no users exist. The account
// is granted the admin role in the translation domain.
// Returns true if a new account was created.
func (s *Service) Setup(ctx context.Context, username, password string) (bool, error) {
	has, err := s.HasUsers(ctx)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	id, err := s.CreateUser(ctx, username, password)
	if err != nil {
		return false, err
	}
	if err := s.AssignRole(ctx, id, DomainTranslation, RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}

// CreateUser inserts a user and returns its id.
func (s *Service) CreateUser(ctx context.Context, username, password string) (string, error) {
	if username == "" {
		return "", errors.New("username is required")
	}
	hash, err := bcrypt.GenerateFromPassword(prehashPassword(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash)
		VALUES (?, ?, ?)
	`, id, username, string(hash))
	if err != nil {
		return "", fmt.Errorf("creating user %s: %w", username, err)
	}
	return id, nil
}

// ResetPassword replaces a user's password and drops their sessions.
func (s *Service) ResetPassword(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword(prehashPassword(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	var id string
	if err := s.db.GetContext(ctx, &id, "SELECT id FROM users WHERE username = ?", username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("querying user: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE users SET password_hash = ? WHERE id = ?", string(hash), id); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", id); err != nil {
		return fmt.Errorf("clearing sessions: %w", err)
	}
	return nil
}

// UserID resolves a username to its id.
func (s *Service) UserID(ctx context.Context, username string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, "SELECT id FROM users WHERE username = ?", username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying user: %w", err)
	}
	return id, nil
}

// Login authenticates a user and returns a session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	var row struct {
		ID   string `db:"id"`
		Hash string `db:"password_hash"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, password_hash FROM users WHERE username = ?
	`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("querying user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.Hash), prehashPassword(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}

	expiresAt := time.Now().Add(sessionDuration).UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, expires_at)
		VALUES (?, ?, ?)
	`, token, row.ID, expiresAt)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	return token, nil
}

// ValidateSession checks if a session token is valid and returns the user ID.
func (s *Service) ValidateSession(ctx context.Context, token string) (string, error) {
	var row struct {
		UserID    string `db:"user_id"`
		ExpiresAt string `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, expires_at FROM sessions WHERE id = ?
	`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidSession
	}
	if err != nil {
		return "", fmt.Errorf("querying session: %w", err)
	}

	expires, err := time.Parse(time.RFC3339, row.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("parsing expiry: %w", err)
	}

	if time.Now().UTC().After(expires) {
		_ = s.Logout(ctx, token)
		return "", ErrInvalidSession
	}

	return row.UserID, nil
}

// Logout deletes a session.
func (s *Service) Logout(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", token)
	return err
}

// CleanExpiredSessions removes all expired sessions.
func (s *Service) CleanExpiredSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE expires_at < ?
	`, time.Now().UTC().Format(time.RFC3339))
	return err
}

// HasUsers returns true if at least one user account exists.
func (s *Service) HasUsers(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM users"); err != nil {
		return false, fmt.Errorf("counting users: %w", err)
	}
	return count > 0, nil
}

// prehashPassword hashes the password with SHA-256 before bcrypt to support
// passwords longer than bcrypt's 72-byte limit. The hex-encoded SHA-256
// digest is 64 bytes, safely within the limit.
func prehashPassword(password string) []byte {
	h := sha256.Sum256([]byte(password))
	return []byte(hex.EncodeToString(h[:]))
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
