// Package maintenance keeps the SQLite store healthy: periodic snapshots
// with retention, PRAGMA optimize, and an integrity check that looks for rows
// a merge would have left behind.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/sydlexius/lyrebird/internal/catalog"
	"github.com/sydlexius/lyrebird/internal/metrics"
)

// ErrNoSnapshotDir is returned by Snapshot when no directory is configured.
var ErrNoSnapshotDir = errors.New("no snapshot directory configured")

const (
	taskSnapshot = "snapshot"
	taskOptimize = "optimize"
	taskCheck    = "check"
)

// Options are the runtime-adjustable retention settings.
type Options struct {
	Retention  int
	MaxAgeDays int
}

// Status holds database file statistics.
type Status struct {
	DBFileSize  int64 `json:"db_file_size"`
	WALFileSize int64 `json:"wal_file_size"`
	PageCount   int64 `json:"page_count"`
	PageSize    int64 `json:"page_size"`
	Snapshots   int   `json:"snapshots"`
}

// Service runs maintenance tasks against one database.
type Service struct {
	db     *sqlx.DB
	dbPath string
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	opts Options
}

// NewService creates a maintenance service. Snapshots are written to dir;
// an empty dir disables them.
func NewService(db *sqlx.DB, dbPath, dir string, opts Options, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		dbPath: dbPath,
		dir:    dir,
		opts:   opts,
		logger: logger.With(slog.String("component", "maintenance")),
	}
}

// SetOptions replaces the retention settings.
func (s *Service) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

// Options returns the current retention settings.
func (s *Service) Options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// Status returns database file statistics.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBFileSize = info.Size()
	}
	if info, err := os.Stat(s.dbPath + "-wal"); err == nil {
		st.WALFileSize = info.Size()
	}
	if err := s.db.GetContext(ctx, &st.PageCount, "PRAGMA page_count"); err != nil {
		return nil, fmt.Errorf("reading page_count: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.PageSize, "PRAGMA page_size"); err != nil {
		return nil, fmt.Errorf("reading page_size: %w", err)
	}
	snaps, err := s.Snapshots()
	if err != nil {
		return nil, err
	}
	st.Snapshots = len(snaps)
	return st, nil
}

// Optimize runs PRAGMA optimize followed by a WAL checkpoint.
func (s *Service) Optimize(ctx context.Context) error {
	err := s.optimize(ctx)
	s.record(taskOptimize, err)
	return err
}

func (s *Service) optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("PRAGMA optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint: %w", err)
	}
	s.logger.Info("optimize complete")
	return nil
}

// Problem is one finding of an integrity check.
type Problem struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
	Count  int    `json:"count"`
}

// Report is the result of an integrity check. OK is true when no problem
// was found.
type Report struct {
	OK        bool      `json:"ok"`
	Problems  []Problem `json:"problems"`
	CheckedAt time.Time `json:"checked_at"`
}

// Check runs SQLite's own consistency checks and then looks for records
// whose owning entity no longer exists.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	rep, err := s.check(ctx)
	s.record(taskCheck, err)
	if err == nil {
		metrics.IntegrityProblems.Set(float64(len(rep.Problems)))
		if !rep.OK {
			s.logger.Warn("integrity check found problems", slog.Int("problems", len(rep.Problems)))
		}
	}
	return rep, err
}

func (s *Service) check(ctx context.Context) (*Report, error) {
	rep := &Report{CheckedAt: time.Now().UTC(), Problems: []Problem{}}

	var quick []string
	if err := s.db.SelectContext(ctx, &quick, "PRAGMA quick_check"); err != nil {
		return nil, fmt.Errorf("PRAGMA quick_check: %w", err)
	}
	if len(quick) != 1 || quick[0] != "ok" {
		for _, msg := range quick {
			rep.Problems = append(rep.Problems, Problem{Check: "quick_check", Detail: msg, Count: 1})
		}
	}

	fk, err := s.foreignKeyViolations(ctx)
	if err != nil {
		return nil, err
	}
	for table, n := range fk {
		rep.Problems = append(rep.Problems, Problem{
			Check:  "foreign_keys",
			Detail: fmt.Sprintf("%s has rows referencing missing parents", table),
			Count:  n,
		})
	}

	owned := []struct{ table, typeCol, idCol string }{
		{"translations", "translatable_type", "translatable_id"},
		{"taggings", "owner_type", "owner_id"},
		{"external_links", "owner_type", "owner_id"},
	}
	for _, kind := range catalog.Kinds {
		for _, o := range owned {
			n, err := s.danglingOwned(ctx, o.table, o.typeCol, o.idCol, kind)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				rep.Problems = append(rep.Problems, Problem{
					Check:  "dangling_owner",
					Detail: fmt.Sprintf("%s rows point at missing %s entities", o.table, kind),
					Count:  n,
				})
			}
		}
	}

	rep.OK = len(rep.Problems) == 0
	return rep, nil
}

func (s *Service) foreignKeyViolations(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("PRAGMA foreign_key_check: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[string]int)
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scanning foreign_key_check: %w", err)
		}
		counts[fmt.Sprint(row["table"])]++
	}
	return counts, rows.Err()
}

// danglingOwned counts rows of table owned by an entity of kind that does
// not exist.
func (s *Service) danglingOwned(ctx context.Context, table, typeCol, idCol string, kind catalog.Kind) (int, error) {
	sub := sqlbuilder.SQLite.NewSelectBuilder()
	sub.Select("id").From(kind.Table())

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)").From(table).Where(
		sb.Equal(typeCol, string(kind)),
		sb.NotIn(idCol, sub),
	)
	query, args := sb.Build()

	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("checking %s owners: %w", table, err)
	}
	return n, nil
}

// Run snapshots, prunes and optimizes on every tick of interval until ctx
// is canceled. It always returns nil so it can run under an errgroup.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("maintenance scheduler started", slog.String("interval", interval.String()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scheduled pass. Failures are logged; each task runs
// regardless of the previous one.
func (s *Service) RunOnce(ctx context.Context) {
	if s.dir != "" {
		if _, err := s.Snapshot(ctx); err != nil {
			s.logger.Error("scheduled snapshot failed", slog.Any("error", err))
		} else if _, err := s.Prune(); err != nil {
			s.logger.Error("snapshot prune failed", slog.Any("error", err))
		}
	}
	if err := s.Optimize(ctx); err != nil {
		s.logger.Error("scheduled optimize failed", slog.Any("error", err))
	}
	if _, err := s.Check(ctx); err != nil {
		s.logger.Error("scheduled integrity check failed", slog.Any("error", err))
	}
}

func (s *Service) record(task string, err error) {
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultFailure
	}
	metrics.MaintenanceRunsTotal.WithLabelValues(task, result).Inc()
}
