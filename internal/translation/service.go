package translation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/sydlexius/lyrebird/internal/database"
	"github.com/sydlexius/lyrebird/internal/event"
	"github.com/sydlexius/lyrebird/internal/metrics"
)

// RoleDomain is the authorization domain consulted for ranking changes.
const RoleDomain = "translation"

// ErrPolicyDenied is matched by every PolicyError.
var ErrPolicyDenied = errors.New("policy denied")

// PolicyError is a refusal with a human-readable reason. Nothing was
// written when it is returned.
type PolicyError struct {
	Reason string
	// Forbidden is set when the refusal is about the actor rather than the
	// translation's rank.
	Forbidden bool
	Err       error
}

func (e *PolicyError) Error() string { return e.Reason }

// Is makes errors.Is(err, ErrPolicyDenied) true.
func (e *PolicyError) Is(target error) bool { return target == ErrPolicyDenied }

func (e *PolicyError) Unwrap() error { return e.Err }

func deny(err error) *PolicyError {
	return &PolicyError{Reason: err.Error(), Err: err}
}

// Authorizer answers role questions about actors.
type Authorizer interface {
	// SeniorityOver reports whether actorID strictly outranks ownerID in domain.
	SeniorityOver(ctx context.Context, actorID, ownerID, domain string) (bool, error)
	// DefaultWeight is the promotion weight the actor's role grants.
	DefaultWeight(ctx context.Context, actorID, domain string) (float64, error)
}

// DemoteResult reports a successful demotion.
type DemoteResult struct {
	ID        string       `json:"id"`
	NewWeight Weight       `json:"new_weight"`
	NewBest   *Translation `json:"new_best"`
	Summary   string       `json:"summary"`
}

// PromoteResult reports a successful promotion. IsNowBest is false when the
// translation improved but another sibling still ranks first.
type PromoteResult struct {
	ID        string `json:"id"`
	NewWeight Weight `json:"new_weight"`
	IsNowBest bool   `json:"is_now_best"`
}

// Service applies promote and demote requests.
type Service struct {
	db     *sqlx.DB
	store  *Store
	authz  Authorizer
	events event.Publisher
	logger *slog.Logger
}

// NewService creates a translation service. events may be nil.
func NewService(db *sqlx.DB, authz Authorizer, events event.Publisher, logger *slog.Logger) *Service {
	if events == nil {
		events = event.Nop{}
	}
	return &Service{
		db:     db,
		store:  NewStore(db),
		authz:  authz,
		events: events,
		logger: logger.With("component", "translation"),
	}
}

// Store returns the underlying store.
func (s *Service) Store() *Store { return s.store }

// Get returns a translation by ID.
func (s *Service) Get(ctx context.Context, id string) (*Translation, error) {
	return s.store.Get(ctx, id)
}

// RankedSiblings returns t's siblings, t included, best first.
func (s *Service) RankedSiblings(ctx context.Context, id string) ([]*Translation, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	siblings, err := s.store.Siblings(ctx, t.OwnerKind, t.OwnerID, t.Langcode)
	if err != nil {
		return nil, err
	}
	return Rank(siblings), nil
}

// AllowedToDemote returns nil when actorID may demote t, or the PolicyError
// explaining why not.
func (s *Service) AllowedToDemote(ctx context.Context, t *Translation, siblings []*Translation, actorID string) error {
	senior, err := s.seniority(ctx, t, actorID)
	if err != nil {
		return err
	}
	return allowedToDemote(t, siblings, actorID, senior)
}

// seniority asks the authorizer whether actorID outranks t's creator. It
// must not run inside a transaction on s.db: the authorizer has its own
// connection to the same single-connection pool.
func (s *Service) seniority(ctx context.Context, t *Translation, actorID string) (bool, error) {
	if t.IsOwnedBy(actorID) {
		return false, nil
	}
	ok, err := s.authz.SeniorityOver(ctx, actorID, t.CreateUserID, RoleDomain)
	if err != nil {
		return false, fmt.Errorf("checking seniority: %w", err)
	}
	return ok, nil
}

func allowedToDemote(t *Translation, siblings []*Translation, actorID string, senior bool) error {
	if t.Weight.IsWorst() {
		return deny(ErrLastRank)
	}
	if t.IsOrig {
		return &PolicyError{Reason: "the original translation cannot be demoted"}
	}
	ranked := Rank(siblings)
	if i := position(ranked, t); i < 0 || i == len(ranked)-1 {
		return deny(ErrLastRank)
	}
	if t.IsOwnedBy(actorID) || senior {
		return nil
	}
	return &PolicyError{Reason: "insufficient seniority over the translation's creator", Forbidden: true}
}

// Demote moves translation id behind the sibling ranked after it.
func (s *Service) Demote(ctx context.Context, id, actorID string) (*DemoteResult, error) {
	res, err := s.demote(ctx, id, actorID)
	if err != nil {
		s.record("demote", err)
		return nil, err
	}

	s.record("demote", nil)
	s.logger.Info("translation demoted", "translation_id", id, "actor_id", actorID, "weight", res.NewWeight.String())
	s.events.Publish(event.Event{
		Type:    event.TranslationDemoted,
		ActorID: actorID,
		Data:    map[string]any{"translation_id": id, "weight": res.NewWeight.String(), "new_best_id": res.NewBest.ID},
	})
	return res, nil
}

func (s *Service) demote(ctx context.Context, id, actorID string) (*DemoteResult, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	senior, err := s.seniority(ctx, t, actorID)
	if err != nil {
		return nil, err
	}

	var res *DemoteResult
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		t, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		siblings, err := store.Siblings(ctx, t.OwnerKind, t.OwnerID, t.Langcode)
		if err != nil {
			return err
		}
		if err := allowedToDemote(t, siblings, actorID, senior); err != nil {
			return err
		}

		w, err := NextWorseWeight(siblings, t)
		if err != nil {
			if errors.Is(err, ErrNoRoom) {
				return fmt.Errorf("demoting translation %s: %w", id, err)
			}
			return deny(err)
		}
		if err := store.UpdateWeight(ctx, id, w); err != nil {
			return err
		}

		setWeight(siblings, id, w)
		best := Best(siblings)
		res = &DemoteResult{
			ID:        id,
			NewWeight: w,
			NewBest:   best,
			Summary:   fmt.Sprintf("%s is now the best %s translation", best.Summary(), best.Langcode),
		}
		return nil
	})
	return res, err
}

// Promote moves translation id toward the front of its siblings.
// The actor's role is resolved before the transaction opens.
func (s *Service) Promote(ctx context.Context, id, actorID string) (*PromoteResult, error) {
	res, err := s.promote(ctx, id, actorID)
	if err != nil {
		s.record("promote", err)
		return nil, err
	}

	s.record("promote", nil)
	s.logger.Info("translation promoted", "translation_id", id, "actor_id", actorID,
		"weight", res.NewWeight.String(), "is_now_best", res.IsNowBest)
	s.events.Publish(event.Event{
		Type:    event.TranslationPromoted,
		ActorID: actorID,
		Data:    map[string]any{"translation_id": id, "weight": res.NewWeight.String(), "is_now_best": res.IsNowBest},
	})
	return res, nil
}

func (s *Service) promote(ctx context.Context, id, actorID string) (*PromoteResult, error) {
	def, err := s.authz.DefaultWeight(ctx, actorID, RoleDomain)
	if err != nil {
		return nil, &PolicyError{Reason: "a translation role is required to promote", Forbidden: true, Err: err}
	}

	var res *PromoteResult
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		store := s.store.WithTx(tx)
		t, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		siblings, err := store.Siblings(ctx, t.OwnerKind, t.OwnerID, t.Langcode)
		if err != nil {
			return err
		}

		w, err := PromotionTarget(t, siblings, Weight(def))
		if err != nil {
			if errors.Is(err, ErrNoRoom) || errors.Is(err, ErrNotSibling) {
				return fmt.Errorf("promoting translation %s: %w", id, err)
			}
			return deny(err)
		}
		if err := store.UpdateWeight(ctx, id, w); err != nil {
			return err
		}

		setWeight(siblings, id, w)
		ranked := Rank(siblings)
		res = &PromoteResult{
			ID:        id,
			NewWeight: w,
			IsNowBest: ranked[0].ID == id && (len(ranked) == 1 || ranked[1].Weight > w),
		}
		return nil
	})
	return res, err
}

func setWeight(siblings []*Translation, id string, w Weight) {
	for _, t := range siblings {
		if t.ID == id {
			t.Weight = w
		}
	}
}

func (s *Service) record(op string, err error) {
	result := metrics.ResultOK
	switch {
	case errors.Is(err, ErrPolicyDenied):
		result = metrics.ResultDenied
	case err != nil:
		result = metrics.ResultFailure
	}
	metrics.RankChangesTotal.WithLabelValues(op, result).Inc()
}
