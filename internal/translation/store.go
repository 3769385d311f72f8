package translation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/sydlexius/lyrebird/internal/catalog"
)

// ErrDuplicate is returned when a sibling already carries the same title or
// alternate title.
var ErrDuplicate = errors.New("duplicate translation")

// Store persists translations. A Store bound to a transaction via WithTx
// runs every statement inside it.
type Store struct {
	db sqlx.ExtContext
}

// NewStore creates a translation store.
func NewStore(db sqlx.ExtContext) *Store {
	return &Store{db: db}
}

// WithTx returns a copy of the store that runs inside tx.
func (s *Store) WithTx(tx *sqlx.Tx) *Store {
	return &Store{db: tx}
}

var columns = []string{
	"id", "translatable_type", "translatable_id", "langcode",
	"title", "alt_title", "ruby", "romaji", "alt_ruby", "alt_romaji",
	"is_orig", "weight", "create_user_id", "update_user_id",
	"created_at", "updated_at",
}

type row struct {
	ID           string          `db:"id"`
	OwnerKind    string          `db:"translatable_type"`
	OwnerID      string          `db:"translatable_id"`
	Langcode     string          `db:"langcode"`
	Title        string          `db:"title"`
	AltTitle     string          `db:"alt_title"`
	Ruby         string          `db:"ruby"`
	Romaji       string          `db:"romaji"`
	AltRuby      string          `db:"alt_ruby"`
	AltRomaji    string          `db:"alt_romaji"`
	IsOrig       bool            `db:"is_orig"`
	Weight       sql.NullFloat64 `db:"weight"`
	CreateUserID sql.NullString  `db:"create_user_id"`
	UpdateUserID sql.NullString  `db:"update_user_id"`
	CreatedAt    string          `db:"created_at"`
	UpdatedAt    string          `db:"updated_at"`
}

func (r row) toTranslation() *Translation {
	t := &Translation{
		ID:           r.ID,
		OwnerKind:    catalog.Kind(r.OwnerKind),
		OwnerID:      r.OwnerID,
		Langcode:     r.Langcode,
		Title:        r.Title,
		AltTitle:     r.AltTitle,
		Ruby:         r.Ruby,
		Romaji:       r.Romaji,
		AltRuby:      r.AltRuby,
		AltRomaji:    r.AltRomaji,
		IsOrig:       r.IsOrig,
		Weight:       Worst,
		CreateUserID: r.CreateUserID.String,
		UpdateUserID: r.UpdateUserID.String,
	}
	if r.Weight.Valid {
		t.Weight = Weight(r.Weight.Float64)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return t
}

func weightArg(w Weight) any {
	if w.IsWorst() {
		return nil
	}
	return float64(w)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Create validates and inserts t, assigning its ID and timestamps when unset.
func (s *Store) Create(ctx context.Context, t *Translation) error {
	if err := t.Validate(); err != nil {
		return err
	}

	siblings, err := s.Siblings(ctx, t.OwnerKind, t.OwnerID, t.Langcode)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.ID != t.ID && sib.DuplicateOf(t) {
			return fmt.Errorf("%s already exists on %s %s: %w", t.Summary(), t.OwnerKind, t.OwnerID, ErrDuplicate)
		}
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("translations")
	ib.Cols(columns...)
	ib.Values(t.ID, string(t.OwnerKind), t.OwnerID, t.Langcode,
		t.Title, t.AltTitle, t.Ruby, t.Romaji, t.AltRuby, t.AltRomaji,
		boolToInt(t.IsOrig), weightArg(t.Weight), nullable(t.CreateUserID), nullable(t.UpdateUserID),
		catalog.FormatTime(t.CreatedAt), catalog.FormatTime(t.UpdatedAt))

	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting translation: %w", err)
	}
	return nil
}

// Get returns a translation by ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Translation, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("translations")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var r row
	if err := sqlx.GetContext(ctx, s.db, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting translation %s: %w", id, err)
	}
	return r.toTranslation(), nil
}

// ListByOwner returns every translation of an entity, grouped by language.
func (s *Store) ListByOwner(ctx context.Context, kind catalog.Kind, ownerID string) ([]*Translation, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("translations")
	sb.Where(
		sb.Equal("translatable_type", string(kind)),
		sb.Equal("translatable_id", ownerID),
	)
	sb.OrderBy("langcode", "created_at", "id")
	return s.list(ctx, sb)
}

// Siblings returns the translations of an entity in one language, unordered.
func (s *Store) Siblings(ctx context.Context, kind catalog.Kind, ownerID, langcode string) ([]*Translation, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("translations")
	sb.Where(
		sb.Equal("translatable_type", string(kind)),
		sb.Equal("translatable_id", ownerID),
		sb.Equal("langcode", langcode),
	)
	return s.list(ctx, sb)
}

func (s *Store) list(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]*Translation, error) {
	query, args := sb.Build()
	var rows []row
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing translations: %w", err)
	}
	out := make([]*Translation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTranslation())
	}
	return out, nil
}

// CountByOwner returns how many translations an entity has.
func (s *Store) CountByOwner(ctx context.Context, kind catalog.Kind, ownerID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.db, &n, `
		SELECT COUNT(*) FROM translations WHERE translatable_type = ? AND translatable_id = ?
	`, string(kind), ownerID)
	if err != nil {
		return 0, fmt.Errorf("counting translations: %w", err)
	}
	return n, nil
}

// UpdateWeight writes the weight column of one translation and nothing else.
func (s *Store) UpdateWeight(ctx context.Context, id string, w Weight) error {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("translations")
	ub.Set(ub.Assign("weight", weightArg(w)))
	ub.Where(ub.Equal("id", id))
	return s.execOne(ctx, ub, "updating weight of translation "+id)
}

// Reassign moves a translation to another owner of the same kind.
func (s *Store) Reassign(ctx context.Context, id, ownerID string) error {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("translations")
	ub.Set(
		ub.Assign("translatable_id", ownerID),
		ub.Assign("updated_at", catalog.FormatTime(time.Now())),
	)
	ub.Where(ub.Equal("id", id))
	return s.execOne(ctx, ub, "reassigning translation "+id)
}

// SetAltTitle writes the alternative title of a translation together with
// its reading and romanization.
func (s *Store) SetAltTitle(ctx context.Context, id, alt, altRuby, altRomaji string) error {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("translations")
	ub.Set(
		ub.Assign("alt_title", alt),
		ub.Assign("alt_ruby", altRuby),
		ub.Assign("alt_romaji", altRomaji),
		ub.Assign("updated_at", catalog.FormatTime(time.Now())),
	)
	ub.Where(ub.Equal("id", id))
	return s.execOne(ctx, ub, "setting alt title of translation "+id)
}

// Delete removes a translation.
func (s *Store) Delete(ctx context.Context, id string) error {
	del := sqlbuilder.SQLite.NewDeleteBuilder()
	del.DeleteFrom("translations")
	del.Where(del.Equal("id", id))
	return s.execOne(ctx, del, "deleting translation "+id)
}

type builder interface {
	Build() (string, []any)
}

func (s *Store) execOne(ctx context.Context, b builder, what string) error {
	query, args := b.Build()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
