package translation

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sydlexius/lyrebird/internal/catalog"
	"github.com/sydlexius/lyrebird/internal/database"
	"github.com/sydlexius/lyrebird/internal/logging"
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

// fakeAuthz ranks users by a fixed seniority (lower is more senior).
type fakeAuthz struct {
	rank    map[string]int
	weights map[string]float64
}

func (f *fakeAuthz) SeniorityOver(_ context.Context, actorID, ownerID, _ string) (bool, error) {
	a, ok := f.rank[actorID]
	if !ok {
		return false, nil
	}
	o, ok := f.rank[ownerID]
	if !ok {
		return true, nil
	}
	return a < o, nil
}

func (f *fakeAuthz) DefaultWeight(_ context.Context, actorID, _ string) (float64, error) {
	w, ok := f.weights[actorID]
	if !ok {
		return 0, errors.New("no role")
	}
	return w, nil
}

type fixture struct {
	db    *sqlx.DB
	svc   *Service
	store *Store
	owner string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	for _, u := range []string{"admin", "mod", "editor", "editor2"} {
		if _, err := db.Exec(`INSERT INTO users (id, username, password_hash) VALUES (?, ?, 'x')`, u, u); err != nil {
			t.Fatalf("creating user %s: %v", u, err)
		}
	}
	authz := &fakeAuthz{
		rank:    map[string]int{"admin": 0, "mod": 1, "editor": 2, "editor2": 2},
		weights: map[string]float64{"admin": 10, "mod": 100, "editor": 1000, "editor2": 1000},
	}
	svc := NewService(db, authz, nil, logging.Discard())
	return &fixture{db: db, svc: svc, store: svc.Store(), owner: uuid.New().String()}
}

func (f *fixture) add(t *testing.T, lang, title string, w Weight, creator string, isOrig bool) *Translation {
	t.Helper()
	tr := &Translation{
		OwnerKind:    catalog.KindArtist,
		OwnerID:      f.owner,
		Langcode:     lang,
		Title:        title,
		IsOrig:       isOrig,
		Weight:       w,
		CreateUserID: creator,
		CreatedAt:    epoch.Add(time.Duration(len(title)) * time.Second),
	}
	if err := f.store.Create(context.Background(), tr); err != nil {
		t.Fatalf("creating %q: %v", title, err)
	}
	return tr
}

func (f *fixture) weight(t *testing.T, id string) Weight {
	t.Helper()
	got, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return got.Weight
}

func TestStore_CreateRejectsSiblingDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "en", "Queen", 1, "", false)

	dup := &Translation{OwnerKind: catalog.KindArtist, OwnerID: f.owner, Langcode: "en", Title: "Queen", Weight: 2}
	if err := f.store.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Create duplicate err = %v, want ErrDuplicate", err)
	}

	other := &Translation{OwnerKind: catalog.KindArtist, OwnerID: f.owner, Langcode: "fr", Title: "Queen", Weight: 2}
	if err := f.store.Create(ctx, other); err != nil {
		t.Errorf("Create in another language: %v", err)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.add(t, "ja", "クイーン", Worst, "editor", true)

	got, err := f.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Weight.IsWorst() {
		t.Errorf("weight = %s, want inf", got.Weight)
	}
	if !got.IsOrig {
		t.Error("expected is_orig to round-trip")
	}
	if got.CreateUserID != "editor" || got.UpdateUserID != "" {
		t.Errorf("users = %q/%q, want editor/empty", got.CreateUserID, got.UpdateUserID)
	}
	if got.OwnerKind != catalog.KindArtist {
		t.Errorf("owner kind = %s, want artist", got.OwnerKind)
	}

	if _, err := f.store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_SetAltTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.add(t, "ja", "クイーン", 1, "", false)

	if err := f.store.SetAltTitle(ctx, tr.ID, "Queen", "くいーん", "kuiin"); err != nil {
		t.Fatalf("SetAltTitle: %v", err)
	}
	got, err := f.store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AltTitle != "Queen" || got.AltRuby != "くいーん" || got.AltRomaji != "kuiin" {
		t.Errorf("alt = %q/%q/%q", got.AltTitle, got.AltRuby, got.AltRomaji)
	}
	if err := f.store.SetAltTitle(ctx, "missing", "x", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetAltTitle(missing) err = %v, want ErrNotFound", err)
	}
}

func TestDemote_MovesBehindNextSibling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject := f.add(t, "en", "T", 10, "editor", false)
	other := f.add(t, "en", "Other", 20, "", false)

	res, err := f.svc.Demote(ctx, subject.ID, "editor")
	if err != nil {
		t.Fatalf("Demote: %v", err)
	}
	if res.NewWeight <= 20 {
		t.Errorf("new weight = %s, want above 20", res.NewWeight)
	}
	if res.NewBest == nil || res.NewBest.ID != other.ID {
		t.Errorf("new best = %+v, want %s", res.NewBest, other.ID)
	}
	if !strings.Contains(res.Summary, `"Other" (en)`) {
		t.Errorf("summary = %q, want it to name the new best", res.Summary)
	}

	ranked, err := f.svc.RankedSiblings(ctx, subject.ID)
	if err != nil {
		t.Fatalf("RankedSiblings: %v", err)
	}
	if got, want := ids(ranked), []string{other.ID, subject.ID}; !slices.Equal(got, want) {
		t.Errorf("ranked = %v, want %v", got, want)
	}
}

func TestDemote_PolicyMessages(t *testing.T) {
	tests := []struct {
		name    string
		subject Weight
		other   Weight
		want    string
	}{
		{"worst sole sibling", Worst, -1, "no further demotion possible"},
		{"next is worst", 3, Worst, "next rank is already worst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			subject := f.add(t, "en", "A", tt.subject, "editor", false)
			if tt.other >= 0 {
				f.add(t, "en", "B", tt.other, "", false)
			}

			_, err := f.svc.Demote(context.Background(), subject.ID, "editor")
			if !errors.Is(err, ErrPolicyDenied) {
				t.Fatalf("err = %v, want ErrPolicyDenied", err)
			}
			if err.Error() != tt.want {
				t.Errorf("message = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

// Originals refuse demotion whoever asks, their creator included.
func TestDemote_OriginalIsImmune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.add(t, "en", "Orig", 0, "editor", true)
	f.add(t, "en", "Other", 5, "editor2", false)

	for _, actor := range []string{"admin", "mod", "editor", "editor2", "nobody"} {
		if _, err := f.svc.Demote(ctx, o.ID, actor); !errors.Is(err, ErrPolicyDenied) {
			t.Errorf("actor %s: err = %v, want ErrPolicyDenied", actor, err)
		}
	}
	if w := f.weight(t, o.ID); w != 0 {
		t.Errorf("weight = %s, want 0", w)
	}
}

func TestDemote_Seniority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject := f.add(t, "en", "Mine", 1, "editor", false)
	f.add(t, "en", "Theirs", 2, "", false)

	_, err := f.svc.Demote(ctx, subject.ID, "editor2")
	var perr *PolicyError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *PolicyError", err)
	}
	if !perr.Forbidden {
		t.Error("equal seniority must be refused as forbidden")
	}

	if _, err := f.svc.Demote(ctx, subject.ID, "mod"); err != nil {
		t.Errorf("senior actor: %v", err)
	}
}

func TestDemote_OwnerMayDemoteOwn(t *testing.T) {
	f := newFixture(t)
	subject := f.add(t, "en", "Mine", 1, "admin", false)
	f.add(t, "en", "Other", 2, "", false)

	// The creator needs no seniority over themselves.
	if _, err := f.svc.Demote(context.Background(), subject.ID, "admin"); err != nil {
		t.Errorf("Demote own: %v", err)
	}
}

func TestDemote_LastRanked(t *testing.T) {
	f := newFixture(t)
	f.add(t, "en", "First", 1, "", false)
	last := f.add(t, "en", "Last", 2, "", false)

	if _, err := f.svc.Demote(context.Background(), last.ID, "admin"); !errors.Is(err, ErrLastRank) {
		t.Errorf("err = %v, want ErrLastRank", err)
	}
}

func TestPromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	best := f.add(t, "en", "Best", 20, "", false)
	subject := f.add(t, "en", "Second", 30, "", false)

	res, err := f.svc.Promote(ctx, subject.ID, "editor")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if res.NewWeight != 10 || !res.IsNowBest {
		t.Errorf("result = %+v, want weight 10 and best", res)
	}

	// The other sibling was left untouched.
	if w := f.weight(t, best.ID); w != 20 {
		t.Errorf("sibling weight = %s, want 20", w)
	}
}

// A senior role's default weight lifts the translation past every sibling
// in one promotion.
func TestPromote_RoleWeightJumpsAhead(t *testing.T) {
	f := newFixture(t)
	f.add(t, "en", "A", 50, "", false)
	f.add(t, "en", "B", 60, "", false)
	subject := f.add(t, "en", "Subject", 100, "", false)

	res, err := f.svc.Promote(context.Background(), subject.ID, "admin")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if res.NewWeight != 10 || !res.IsNowBest {
		t.Errorf("result = %+v, want weight 10 and best", res)
	}
}

func TestPromote_ImprovedButNotBest(t *testing.T) {
	f := newFixture(t)
	f.add(t, "en", "Best", 5, "", false)
	subject := f.add(t, "en", "Unranked", Worst, "", false)

	res, err := f.svc.Promote(context.Background(), subject.ID, "editor")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if res.NewWeight != 1000 || res.IsNowBest {
		t.Errorf("result = %+v, want weight 1000 and not best", res)
	}
}

func TestPromote_Refusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.add(t, "en", "Orig", 0, "", true)
	below := f.add(t, "en", "Below", 5, "", false)

	_, err := f.svc.Promote(ctx, o.ID, "editor")
	if !errors.Is(err, ErrPolicyDenied) || err.Error() != "already best possible" {
		t.Errorf("original at 0: err = %v, want already best possible", err)
	}

	if _, err := f.svc.Promote(ctx, below.ID, "admin"); !errors.Is(err, ErrPointless) {
		t.Errorf("right below original: err = %v, want ErrPointless", err)
	}

	_, err = f.svc.Promote(ctx, below.ID, "nobody")
	var perr *PolicyError
	if !errors.As(err, &perr) || !perr.Forbidden {
		t.Errorf("no role: err = %v, want forbidden PolicyError", err)
	}
}

func TestPromote_OriginalGoesToZero(t *testing.T) {
	f := newFixture(t)
	o := f.add(t, "ja", "Orig", 3, "", true)
	f.add(t, "ja", "Other", 1, "", false)

	res, err := f.svc.Promote(context.Background(), o.ID, "editor")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if res.NewWeight != 0 || !res.IsNowBest {
		t.Errorf("result = %+v, want weight 0 and best", res)
	}
}

func TestPromoteDemote_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Promote(context.Background(), "missing", "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Promote err = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.Demote(context.Background(), "missing", "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Demote err = %v, want ErrNotFound", err)
	}
}
