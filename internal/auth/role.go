package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DomainTranslation is the role domain consulted for translation ranking.
const DomainTranslation = "translation"

// Role is a per-domain privilege level.
type Role string

// Roles, most senior first.
const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleEditor    Role = "editor"
	RoleHelper    Role = "helper"
)

var roleRank = map[Role]int{
	RoleAdmin:     0,
	RoleModerator: 1,
	RoleEditor:    2,
	RoleHelper:    3,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Outranks reports whether r is strictly more senior than other.
func (r Role) Outranks(other Role) bool {
	return roleRank[r] < roleRank[other]
}

// AssignRole grants role to the user in domain, replacing any previous role.
func (s *Service) AssignRole(ctx context.Context, userID, domain string, role Role) error {
	if _, ok := roleRank[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, domain, role) VALUES (?, ?, ?)
		ON CONFLICT(user_id, domain) DO UPDATE SET role = excluded.role
	`, userID, domain, string(role))
	if err != nil {
		return fmt.Errorf("assigning role %s/%s: %w", domain, role, err)
	}
	return nil
}

// RoleOf returns the user's role in domain, or ErrNoRole.
func (s *Service) RoleOf(ctx context.Context, userID, domain string) (Role, error) {
	var role string
	err := s.db.GetContext(ctx, &role, `
		SELECT role FROM user_roles WHERE user_id = ? AND domain = ?
	`, userID, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRole
	}
	if err != nil {
		return "", fmt.Errorf("querying role: %w", err)
	}
	return Role(role), nil
}

// SeniorityOver reports whether actorID strictly outranks ownerID in domain.
// Records without an owner, or whose owner holds no role in the domain, are
// outranked by any role holder. Equal roles never outrank each other.
func (s *Service) SeniorityOver(ctx context.Context, actorID, ownerID, domain string) (bool, error) {
	actor, err := s.RoleOf(ctx, actorID, domain)
	if errors.Is(err, ErrNoRole) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ownerID == "" {
		return true, nil
	}

	owner, err := s.RoleOf(ctx, ownerID, domain)
	if errors.Is(err, ErrNoRole) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return actor.Outranks(owner), nil
}

// DefaultWeight returns the promotion weight granted by the actor's role in
// domain. It fails with ErrNoRole when the actor has none.
func (s *Service) DefaultWeight(ctx context.Context, actorID, domain string) (float64, error) {
	role, err := s.RoleOf(ctx, actorID, domain)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	w, ok := s.weights[role]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no weight configured for role %s: %w", role, ErrNoRole)
	}
	return w, nil
}
