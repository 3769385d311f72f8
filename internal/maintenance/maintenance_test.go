package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sydlexius/lyrebird/internal/database"
	"github.com/sydlexius/lyrebird/internal/logging"
)

func setupTestDB(t *testing.T) (*sqlx.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(db.DB); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db, dbPath
}

func newTestService(t *testing.T, opts Options) (*Service, *sqlx.DB, string) {
	t.Helper()
	db, dbPath := setupTestDB(t)
	dir := filepath.Join(t.TempDir(), "snapshots")
	return NewService(db, dbPath, dir, opts, logging.Discard()), db, dir
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestStatus(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})

	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DBFileSize <= 0 {
		t.Error("expected positive DB file size")
	}
	if st.PageSize <= 0 || st.PageCount <= 0 {
		t.Errorf("page stats = %d x %d, want positive", st.PageCount, st.PageSize)
	}
	if st.Snapshots != 0 {
		t.Errorf("snapshots = %d, want 0", st.Snapshots)
	}
}

func TestSnapshot(t *testing.T) {
	svc, db, dir := newTestService(t, Options{Retention: 3})
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `INSERT INTO artists (id, created_at, updated_at) VALUES ('a1', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	info, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if info.Size == 0 {
		t.Error("expected non-zero snapshot size")
	}

	snap, err := database.Open(filepath.Join(dir, info.Filename))
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}
	defer snap.Close()
	var n int
	if err := snap.GetContext(ctx, &n, "SELECT COUNT(*) FROM artists"); err != nil {
		t.Fatalf("querying snapshot: %v", err)
	}
	if n != 1 {
		t.Errorf("snapshot artists = %d, want 1", n)
	}

	list, err := svc.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(list) != 1 || list[0].Filename != info.Filename {
		t.Errorf("Snapshots = %+v", list)
	}
}

func TestSnapshot_NoDirectory(t *testing.T) {
	db, dbPath := setupTestDB(t)
	svc := NewService(db, dbPath, "", Options{}, logging.Discard())
	if _, err := svc.Snapshot(context.Background()); !errors.Is(err, ErrNoSnapshotDir) {
		t.Fatalf("err = %v, want ErrNoSnapshotDir", err)
	}
}

func TestSnapshots_IgnoresForeignFiles(t *testing.T) {
	svc, _, dir := newTestService(t, Options{})
	touch(t, dir, "lyrebird-20240101-000000.db")
	touch(t, dir, "notes.txt")
	touch(t, dir, "lyrebird-latest.db")

	list, err := svc.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(list))
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !list[0].CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", list[0].CreatedAt, want)
	}
}

func TestPrune(t *testing.T) {
	svc, _, dir := newTestService(t, Options{Retention: 2})
	for _, name := range []string{
		"lyrebird-20240101-000000.db",
		"lyrebird-20240102-000000.db",
		"lyrebird-20240103-000000.db",
		"lyrebird-20240104-000000.db",
	} {
		touch(t, dir, name)
	}

	removed, err := svc.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	slices.Sort(removed)
	if want := []string{"lyrebird-20240101-000000.db", "lyrebird-20240102-000000.db"}; !slices.Equal(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}

	list, _ := svc.Snapshots()
	if len(list) != 2 || list[0].Filename != "lyrebird-20240104-000000.db" {
		t.Errorf("remaining = %+v", list)
	}
}

func TestPrune_MaxAge(t *testing.T) {
	svc, _, dir := newTestService(t, Options{MaxAgeDays: 7})
	recent := time.Now().UTC().Add(-time.Hour).Format(snapshotTimeFormat)
	touch(t, dir, "lyrebird-"+recent+".db")
	touch(t, dir, "lyrebird-20200101-000000.db")

	removed, err := svc.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != "lyrebird-20200101-000000.db" {
		t.Errorf("removed = %v", removed)
	}
}

func TestSetOptions(t *testing.T) {
	svc, _, _ := newTestService(t, Options{Retention: 1})
	svc.SetOptions(Options{Retention: 9, MaxAgeDays: 3})
	if got := svc.Options(); got.Retention != 9 || got.MaxAgeDays != 3 {
		t.Errorf("Options = %+v", got)
	}
}

func TestOptimize(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	if err := svc.Optimize(context.Background()); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
}

func TestCheck_Clean(t *testing.T) {
	svc, db, _ := newTestService(t, Options{})
	ctx := context.Background()
	for _, stmt := range []string{
		`INSERT INTO artists (id, created_at, updated_at) VALUES ('a1', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
		`INSERT INTO translations (id, translatable_type, translatable_id, langcode, title, is_orig, weight, created_at, updated_at)
		 VALUES ('t1', 'artist', 'a1', 'en', 'Queen', 1, 0, '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
		`INSERT INTO taggings (id, owner_type, owner_id, tag) VALUES ('g1', 'artist', 'a1', 'rock')`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	rep, err := svc.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !rep.OK {
		t.Errorf("expected a clean report, got %+v", rep.Problems)
	}
}

func TestCheck_DanglingOwners(t *testing.T) {
	svc, db, _ := newTestService(t, Options{})
	ctx := context.Background()
	for _, stmt := range []string{
		`INSERT INTO translations (id, translatable_type, translatable_id, langcode, title, created_at, updated_at)
		 VALUES ('t1', 'music', 'gone', 'en', 'Song', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
		`INSERT INTO translations (id, translatable_type, translatable_id, langcode, title, created_at, updated_at)
		 VALUES ('t2', 'music', 'gone', 'ja', 'ソング', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`,
		`INSERT INTO external_links (id, owner_type, owner_id, url) VALUES ('l1', 'artist', 'gone', 'https://example.com')`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	rep, err := svc.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.OK {
		t.Fatal("expected problems")
	}

	counts := map[string]int{}
	for _, p := range rep.Problems {
		if p.Check != "dangling_owner" {
			t.Errorf("unexpected problem %+v", p)
		}
		counts[p.Detail] = p.Count
	}
	if counts["translations rows point at missing music entities"] != 2 {
		t.Errorf("translation problems = %v", counts)
	}
	if counts["external_links rows point at missing artist entities"] != 1 {
		t.Errorf("link problems = %v", counts)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunOnce(t *testing.T) {
	svc, _, dir := newTestService(t, Options{Retention: 5})
	svc.RunOnce(context.Background())

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading snapshot dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("snapshots after one pass = %d, want 1", len(entries))
	}
}
