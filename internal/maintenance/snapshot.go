package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const snapshotTimeFormat = "20060102-150405"

// snapshotPattern matches snapshot filenames: lyrebird-YYYYMMDD-HHMMSS.db
var snapshotPattern = regexp.MustCompile(`^lyrebird-\d{8}-\d{6}\.db$`)

// SnapshotInfo describes a snapshot file.
type SnapshotInfo struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot writes a consistent copy of the database into the snapshot
// directory using VACUUM INTO.
func (s *Service) Snapshot(ctx context.Context) (*SnapshotInfo, error) {
	info, err := s.snapshot(ctx)
	s.record(taskSnapshot, err)
	return info, err
}

func (s *Service) snapshot(ctx context.Context) (*SnapshotInfo, error) {
	if s.dir == "" {
		return nil, ErrNoSnapshotDir
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	now := time.Now().UTC()
	filename := fmt.Sprintf("lyrebird-%s.db", now.Format(snapshotTimeFormat))
	dest := filepath.Join(s.dir, filename)
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("snapshot %s already exists", filename)
	}

	s.logger.Info("starting snapshot", slog.String("dest", dest))
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return nil, fmt.Errorf("VACUUM INTO: %w", err)
	}

	st, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot file: %w", err)
	}
	s.logger.Info("snapshot complete", slog.String("filename", filename), slog.Int64("size", st.Size()))

	return &SnapshotInfo{Filename: filename, Size: st.Size(), CreatedAt: now}, nil
}

// Snapshots returns the snapshot files, newest first.
func (s *Service) Snapshots() ([]SnapshotInfo, error) {
	if s.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}

	var out []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() || !snapshotPattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), "lyrebird-"), ".db")
		ts, err := time.Parse(snapshotTimeFormat, stamp)
		if err != nil {
			ts = info.ModTime()
		}
		out = append(out, SnapshotInfo{Filename: entry.Name(), Size: info.Size(), CreatedAt: ts})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Prune deletes snapshots beyond the retention count and those older than
// the maximum age. It returns the names it removed.
func (s *Service) Prune() ([]string, error) {
	opts := s.Options()

	snaps, err := s.Snapshots()
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if opts.MaxAgeDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -opts.MaxAgeDays)
	}

	var removed []string
	for i, snap := range snaps {
		tooMany := opts.Retention > 0 && i >= opts.Retention
		tooOld := !cutoff.IsZero() && snap.CreatedAt.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, snap.Filename)); err != nil {
			s.logger.Warn("failed to remove old snapshot", slog.String("filename", snap.Filename), slog.Any("error", err))
			continue
		}
		s.logger.Info("pruned snapshot", slog.String("filename", snap.Filename))
		removed = append(removed, snap.Filename)
	}
	return removed, nil
}
