package merge

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/sydlexius/lyrebird/internal/catalog"
)

func TestReconcilersFor(t *testing.T) {
	names := func(kind catalog.Kind) []string {
		var out []string
		for _, r := range ReconcilersFor(kind) {
			out = append(out, r.Name())
		}
		return out
	}
	if got, want := names(catalog.KindArtist), []string{"engages", "taggings", "external_links"}; !slices.Equal(got, want) {
		t.Errorf("artist reconcilers = %v, want %v", got, want)
	}
	if got, want := names(catalog.KindMusic), []string{"engages", "video_musics", "taggings", "external_links"}; !slices.Equal(got, want) {
		t.Errorf("music reconcilers = %v, want %v", got, want)
	}
	if got := ReconcilersFor("video"); len(got) != 0 {
		t.Errorf("video reconcilers = %d, want none", len(got))
	}
}

func TestPurge_RefusesToOrphanDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entity(t, catalog.KindArtist, nil)
	b := f.entity(t, catalog.KindArtist, nil)
	m := f.entity(t, catalog.KindMusic, nil)
	donorRow := f.engage(t, b, m, "arranger", 1991, nil, "")
	f.exec(t, `INSERT INTO video_credits (id, video_id, engage_id) VALUES (?, ?, ?)`, uuid.New().String(), f.video(t), donorRow)

	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck

	p := Pair{Kind: catalog.KindArtist, SurvivorID: a.ID, DonorID: b.ID}
	if err := engages("artist_id", "music_id").Purge(ctx, tx, p); !errors.Is(err, ErrOrphanedDependents) {
		t.Fatalf("Purge err = %v, want ErrOrphanedDependents", err)
	}

	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM engages WHERE id = ?`, donorRow); err != nil {
		t.Fatalf("counting engages: %v", err)
	}
	if n != 1 {
		t.Errorf("donor engage rows = %d, want 1", n)
	}
}

func TestRepoint_ReportsMovedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entity(t, catalog.KindMusic, nil)
	b := f.entity(t, catalog.KindMusic, nil)
	for _, u := range []string{"https://a.example", "https://b.example"} {
		f.exec(t, `INSERT INTO external_links (id, owner_type, owner_id, url) VALUES (?, 'music', ?, ?)`, uuid.New().String(), b.ID, u)
	}
	// Same id space, other kind: must stay put.
	f.exec(t, `INSERT INTO external_links (id, owner_type, owner_id, url) VALUES (?, 'artist', ?, 'https://c.example')`, uuid.New().String(), b.ID)

	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck

	changes, err := externalLinks().Reconcile(ctx, tx, Pair{Kind: catalog.KindMusic, SurvivorID: a.ID, DonorID: b.ID})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if want := []string{"external_links: moved 2 rows"}; !slices.Equal(changes, want) {
		t.Errorf("changes = %q, want %q", changes, want)
	}

	var left int
	if err := tx.GetContext(ctx, &left, `SELECT COUNT(*) FROM external_links WHERE owner_id = ?`, b.ID); err != nil {
		t.Fatalf("counting links: %v", err)
	}
	if left != 1 {
		t.Errorf("links left on donor id = %d, want 1", left)
	}
}
