package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sydlexius/lyrebird/internal/database"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db.DB); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func intPtr(v int) *int { return &v }

func TestCreateAndGet(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	e := &Entity{Kind: KindArtist, Place: "Liverpool", Category: "group", Year: intPtr(1960), Note: "fab four"}
	if err := svc.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.ID == "" {
		t.Fatal("expected ID to be set after Create")
	}

	got, err := svc.Get(ctx, KindArtist, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Place != "Liverpool" {
		t.Errorf("Place = %q, want %q", got.Place, "Liverpool")
	}
	if got.Year == nil || *got.Year != 1960 {
		t.Errorf("Year = %v, want 1960", got.Year)
	}
	if got.Kind != KindArtist {
		t.Errorf("Kind = %q, want %q", got.Kind, KindArtist)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should round-trip")
	}

	if _, err := svc.Get(ctx, KindMusic, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get with wrong kind = %v, want ErrNotFound", err)
	}
}

func TestUpdate_LockVersion(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	e := &Entity{Kind: KindMusic, Category: "pop"}
	if err := svc.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale, err := svc.Get(ctx, KindMusic, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	e.Category = "rock"
	e.Year = nil
	if err := svc.Update(ctx, e); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if e.LockVersion != 1 {
		t.Errorf("LockVersion = %d, want 1", e.LockVersion)
	}

	stale.Category = "jazz"
	if err := svc.Update(ctx, stale); !errors.Is(err, ErrStaleEntity) {
		t.Fatalf("stale Update = %v, want ErrStaleEntity", err)
	}
	if err := svc.Delete(ctx, stale); !errors.Is(err, ErrStaleEntity) {
		t.Fatalf("stale Delete = %v, want ErrStaleEntity", err)
	}

	got, _ := svc.Get(ctx, KindMusic, e.ID)
	if got.Category != "rock" {
		t.Errorf("Category = %q, want rock", got.Category)
	}

	if err := svc.Delete(ctx, e); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, e); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := &Entity{Kind: KindArtist, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := svc.Create(ctx, e); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := svc.List(ctx, KindArtist, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].CreatedAt.Before(got[1].CreatedAt) {
		t.Error("expected ascending created_at order")
	}
}

func TestFindDuplicateCandidates(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	a := &Entity{Kind: KindArtist}
	b := &Entity{Kind: KindArtist}
	c := &Entity{Kind: KindArtist}
	for _, e := range []*Entity{a, b, c} {
		if err := svc.Create(ctx, e); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	now := FormatTime(time.Now())
	insert := func(owner, lang, title string) {
		t.Helper()
		_, err := db.ExecContext(ctx, `
			INSERT INTO translations (id, translatable_type, translatable_id, langcode, title, created_at, updated_at)
			VALUES (?, 'artist', ?, ?, ?, ?, ?)
		`, uuid.New().String(), owner, lang, title, now, now)
		if err != nil {
			t.Fatalf("inserting translation: %v", err)
		}
	}
	insert(a.ID, "en", "Queen")
	insert(b.ID, "en", "Queen")
	insert(b.ID, "ja", "Queen")
	insert(c.ID, "en", "King")

	got, err := svc.FindDuplicateCandidates(ctx, KindArtist)
	if err != nil {
		t.Fatalf("FindDuplicateCandidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
	pair := map[string]bool{got[0].LeftID: true, got[0].RightID: true}
	if !pair[a.ID] || !pair[b.ID] {
		t.Errorf("unexpected pair %+v", got[0])
	}
	if got[0].Langcode != "en" || got[0].Title != "Queen" {
		t.Errorf("unexpected match %+v", got[0])
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %q, %v", k, got, err)
		}
		if k.Table() == "" {
			t.Errorf("%q has no table", k)
		}
	}
	if _, err := ParseKind("video"); err == nil {
		t.Error("expected error for unsupported kind")
	}
}
