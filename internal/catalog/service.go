package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

// Service provides entity persistence. A Service bound to a transaction via
// WithTx runs every statement inside it.
type Service struct {
	db sqlx.ExtContext
}

// NewService creates a catalog service.
func NewService(db sqlx.ExtContext) *Service {
	return &Service{db: db}
}

// WithTx returns a copy of the service that runs inside tx.
func (s *Service) WithTx(tx *sqlx.Tx) *Service {
	return &Service{db: tx}
}

// Create inserts a new entity, assigning its ID and timestamps when unset.
func (s *Service) Create(ctx context.Context, e *Entity) error {
	if e.Kind.Table() == "" {
		return fmt.Errorf("creating entity: unknown kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.LockVersion = 0

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(e.Kind.Table())
	ib.Cols(entityColumns...)
	ib.Values(e.ID, e.Place, e.Category, e.Year, e.Note, e.MemoEditor,
		e.LockVersion, FormatTime(e.CreatedAt), FormatTime(e.UpdatedAt))

	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting %s: %w", e.Kind, err)
	}
	return nil
}

// Get returns the entity of the given kind, or ErrNotFound.
func (s *Service) Get(ctx context.Context, kind Kind, id string) (*Entity, error) {
	if kind.Table() == "" {
		return nil, fmt.Errorf("getting entity: unknown kind %q", kind)
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From(kind.Table())
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row entityRow
	if err := sqlx.GetContext(ctx, s.db, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting %s %s: %w", kind, id, err)
	}
	return row.toEntity(kind), nil
}

// List returns entities of a kind ordered by creation time.
func (s *Service) List(ctx context.Context, kind Kind, limit, offset int) ([]Entity, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From(kind.Table())
	sb.OrderBy("created_at", "id")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var rows []entityRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}
	out := make([]Entity, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toEntity(kind))
	}
	return out, nil
}

// Update writes every scalar column of e. The write only succeeds when the
// stored lock_version still equals e.LockVersion; on success the version is
// incremented in place.
func (s *Service) Update(ctx context.Context, e *Entity) error {
	now := time.Now().UTC()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(e.Kind.Table())
	ub.Set(
		ub.Assign("place", e.Place),
		ub.Assign("category", e.Category),
		ub.Assign("year", e.Year),
		ub.Assign("note", e.Note),
		ub.Assign("memo_editor", e.MemoEditor),
		ub.Assign("created_at", FormatTime(e.CreatedAt)),
		ub.Assign("updated_at", FormatTime(now)),
		ub.Incr("lock_version"),
	)
	ub.Where(
		ub.Equal("id", e.ID),
		ub.Equal("lock_version", e.LockVersion),
	)

	query, args := ub.Build()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s %s: %w", e.Kind, e.ID, err)
	}
	if err := s.checkVersioned(ctx, res, e); err != nil {
		return err
	}
	e.LockVersion++
	e.UpdatedAt = now
	return nil
}

// Delete removes e, guarded by its lock_version.
func (s *Service) Delete(ctx context.Context, e *Entity) error {
	del := sqlbuilder.SQLite.NewDeleteBuilder()
	del.DeleteFrom(e.Kind.Table())
	del.Where(
		del.Equal("id", e.ID),
		del.Equal("lock_version", e.LockVersion),
	)

	query, args := del.Build()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting %s %s: %w", e.Kind, e.ID, err)
	}
	return s.checkVersioned(ctx, res, e)
}

// checkVersioned turns a zero-row versioned write into ErrNotFound or
// ErrStaleEntity.
func (s *Service) checkVersioned(ctx context.Context, res sql.Result, e *Entity) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, e.Kind, e.ID); err != nil {
		return err
	}
	return fmt.Errorf("%s %s at version %d: %w", e.Kind, e.ID, e.LockVersion, ErrStaleEntity)
}

// FindDuplicateCandidates lists pairs of entities of a kind that share a
// non-blank title in the same language. Each pair is reported once.
func (s *Service) FindDuplicateCandidates(ctx context.Context, kind Kind) ([]DuplicateCandidate, error) {
	if kind.Table() == "" {
		return nil, fmt.Errorf("finding duplicates: unknown kind %q", kind)
	}
	var out []DuplicateCandidate
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT DISTINCT a.translatable_id AS left_id, b.translatable_id AS right_id,
		       a.langcode AS langcode, a.title AS title
		FROM translations a
		JOIN translations b
		  ON a.translatable_type = b.translatable_type
		 AND a.langcode = b.langcode
		 AND a.title = b.title
		 AND a.translatable_id < b.translatable_id
		WHERE a.translatable_type = ? AND a.title != ''
		ORDER BY a.langcode, a.title, left_id, right_id
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("finding duplicate %s candidates: %w", kind, err)
	}
	for i := range out {
		out[i].Kind = kind
	}
	return out, nil
}
