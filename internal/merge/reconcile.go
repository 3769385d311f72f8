package merge

import (
	"context"
	"fmt"
	"reflect"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/sydlexius/lyrebird/internal/catalog"
)

// Pair identifies the two entities being merged.
type Pair struct {
	Kind         catalog.Kind
	SurvivorID   string
	DonorID      string
	Attributions Side
}

// Reconciler moves one association kind from the donor to the survivor.
type Reconciler interface {
	Name() string
	// Reconcile repoints or collapses donor rows and returns a description
	// of each change.
	Reconcile(ctx context.Context, tx *sqlx.Tx, p Pair) ([]string, error)
	// Purge deletes donor rows left behind by Reconcile. It fails with
	// ErrOrphanedDependents if any of them is still referenced.
	Purge(ctx context.Context, tx *sqlx.Tx, p Pair) error
}

// reconcilers is the closed list of association kinds per entity kind.
var reconcilers = map[catalog.Kind][]Reconciler{
	catalog.KindArtist: {
		engages("artist_id", "music_id"),
		taggings(),
		externalLinks(),
	},
	catalog.KindMusic: {
		engages("music_id", "artist_id"),
		videoMusics(),
		taggings(),
		externalLinks(),
	},
}

// ReconcilersFor returns the association reconcilers of kind.
func ReconcilersFor(kind catalog.Kind) []Reconciler {
	return reconcilers[kind]
}

// engages attribute a music to an artist. Video credits reference engage
// rows, so a collapsed engage hands its credits to the surviving row.
func engages(ownerCol, otherCol string) *keyed {
	return &keyed{
		owned:      owned{name: "engages", table: "engages", ownerCol: ownerCol},
		keys:       []string{otherCol, "engage_how"},
		subKeys:    []string{"year"},
		clearable:  "contribution",
		carry:      []string{"note"},
		dependents: []dependent{{table: "video_credits", column: "engage_id"}},
	}
}

func videoMusics() *keyed {
	return &keyed{
		owned:     owned{name: "video_musics", table: "video_musics", ownerCol: "music_id"},
		keys:      []string{"video_id"},
		clearable: "timing",
	}
}

func taggings() *keyed {
	return &keyed{
		owned: owned{name: "taggings", table: "taggings", ownerCol: "owner_id", ownerTypeCol: "owner_type"},
		keys:  []string{"tag"},
	}
}

func externalLinks() *repoint {
	return &repoint{
		owned{name: "external_links", table: "external_links", ownerCol: "owner_id", ownerTypeCol: "owner_type"},
	}
}

// dependent is a column elsewhere holding ids of an association table.
type dependent struct {
	table  string
	column string
}

// owned locates the rows of one owner in an association table.
type owned struct {
	name         string
	table        string
	ownerCol     string
	ownerTypeCol string
}

func (o *owned) Name() string { return o.name }

func (o *owned) ownerConds(cond *sqlbuilder.Cond, kind catalog.Kind, ownerID string) []string {
	exprs := []string{cond.Equal(o.ownerCol, ownerID)}
	if o.ownerTypeCol != "" {
		exprs = append(exprs, cond.Equal(o.ownerTypeCol, string(kind)))
	}
	return exprs
}

func (o *owned) rows(ctx context.Context, tx *sqlx.Tx, kind catalog.Kind, ownerID string) ([]map[string]any, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("*")
	sb.From(o.table)
	sb.Where(o.ownerConds(&sb.Cond, kind, ownerID)...)
	sb.OrderBy("id")

	query, args := sb.Build()
	rs, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", o.table, err)
	}
	defer rs.Close() //nolint:errcheck

	var out []map[string]any
	for rs.Next() {
		m := map[string]any{}
		if err := rs.MapScan(m); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", o.table, err)
		}
		for k, v := range m {
			if b, ok := v.([]byte); ok {
				m[k] = string(b)
			}
		}
		out = append(out, m)
	}
	return out, rs.Err()
}

func (o *owned) set(ctx context.Context, tx *sqlx.Tx, id any, col string, val any) error {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(o.table)
	ub.Set(ub.Assign(col, val))
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating %s.%s of %v: %w", o.table, col, id, err)
	}
	return nil
}

func (o *owned) move(ctx context.Context, tx *sqlx.Tx, p Pair) (int64, error) {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update(o.table)
	ub.Set(ub.Assign(o.ownerCol, p.SurvivorID))
	ub.Where(o.ownerConds(&ub.Cond, p.Kind, p.DonorID)...)

	query, args := ub.Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("repointing %s: %w", o.table, err)
	}
	return res.RowsAffected()
}

func (o *owned) purge(ctx context.Context, tx *sqlx.Tx, p Pair, deps []dependent) error {
	for _, d := range deps {
		ids := sqlbuilder.SQLite.NewSelectBuilder()
		ids.Select("id")
		ids.From(o.table)
		ids.Where(o.ownerConds(&ids.Cond, p.Kind, p.DonorID)...)

		sb := sqlbuilder.SQLite.NewSelectBuilder()
		sb.Select("COUNT(*)")
		sb.From(d.table)
		sb.Where(sb.In(d.column, ids))

		query, args := sb.Build()
		var n int
		if err := tx.GetContext(ctx, &n, query, args...); err != nil {
			return fmt.Errorf("counting %s referencing donor %s: %w", d.table, o.table, err)
		}
		if n > 0 {
			return fmt.Errorf("%d %s rows reference donor %s: %w", n, d.table, o.table, ErrOrphanedDependents)
		}
	}

	del := sqlbuilder.SQLite.NewDeleteBuilder()
	del.DeleteFrom(o.table)
	del.Where(o.ownerConds(&del.Cond, p.Kind, p.DonorID)...)

	query, args := del.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting donor %s: %w", o.table, err)
	}
	return nil
}

// repoint hands every donor row to the survivor.
type repoint struct {
	owned
}

func (r *repoint) Reconcile(ctx context.Context, tx *sqlx.Tx, p Pair) ([]string, error) {
	n, err := r.move(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return []string{fmt.Sprintf("%s: moved %d rows", r.name, n)}, nil
}

func (r *repoint) Purge(ctx context.Context, tx *sqlx.Tx, p Pair) error {
	return r.purge(ctx, tx, p, nil)
}

// keyed matches donor rows against survivor rows on key columns.
//
// When key and sub-keys agree, the donor row collapses into the survivor
// row: dependents are redirected to it, the clearable column is copied if
// only the donor knows it and cleared if the two disagree, and carry columns
// follow the Attributions selector. The donor row is left for Purge.
//
// When only the key agrees, the donor row's clearable value is cleared if it
// conflicts with a survivor row, and the row is repointed. Unmatched rows are
// repointed as they are.
type keyed struct {
	owned
	keys       []string
	subKeys    []string
	clearable  string
	carry      []string
	dependents []dependent
}

func sameValues(a, b map[string]any, cols []string) bool {
	for _, c := range cols {
		if !reflect.DeepEqual(a[c], b[c]) {
			return false
		}
	}
	return true
}

func (k *keyed) Reconcile(ctx context.Context, tx *sqlx.Tx, p Pair) ([]string, error) {
	o := &k.owned
	donorRows, err := o.rows(ctx, tx, p.Kind, p.DonorID)
	if err != nil {
		return nil, err
	}
	if len(donorRows) == 0 {
		return nil, nil
	}
	survivorRows, err := o.rows(ctx, tx, p.Kind, p.SurvivorID)
	if err != nil {
		return nil, err
	}

	var changes []string
	for _, d := range donorRows {
		var exact map[string]any
		var keyMatches []map[string]any
		for _, s := range survivorRows {
			if !sameValues(d, s, k.keys) {
				continue
			}
			keyMatches = append(keyMatches, s)
			if sameValues(d, s, k.subKeys) {
				exact = s
			}
		}

		switch {
		case exact != nil:
			c, err := k.collapse(ctx, tx, p, d, exact)
			if err != nil {
				return nil, err
			}
			changes = append(changes, c...)
		case len(keyMatches) > 0:
			if k.clearable != "" && d[k.clearable] != nil {
				for _, s := range keyMatches {
					if s[k.clearable] != nil && !reflect.DeepEqual(s[k.clearable], d[k.clearable]) {
						if err := o.set(ctx, tx, d["id"], k.clearable, nil); err != nil {
							return nil, err
						}
						changes = append(changes, fmt.Sprintf("%s %v: cleared conflicting %s", k.name, d["id"], k.clearable))
						break
					}
				}
			}
			if err := o.set(ctx, tx, d["id"], k.ownerCol, p.SurvivorID); err != nil {
				return nil, err
			}
			changes = append(changes, fmt.Sprintf("%s %v: moved to survivor", k.name, d["id"]))
		default:
			if err := o.set(ctx, tx, d["id"], k.ownerCol, p.SurvivorID); err != nil {
				return nil, err
			}
			changes = append(changes, fmt.Sprintf("%s %v: moved to survivor", k.name, d["id"]))
		}
	}
	return changes, nil
}

func (k *keyed) collapse(ctx context.Context, tx *sqlx.Tx, p Pair, d, s map[string]any) ([]string, error) {
	o := &k.owned
	var changes []string

	for _, dep := range k.dependents {
		ub := sqlbuilder.SQLite.NewUpdateBuilder()
		ub.Update(dep.table)
		ub.Set(ub.Assign(dep.column, s["id"]))
		ub.Where(ub.Equal(dep.column, d["id"]))

		query, args := ub.Build()
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("redirecting %s from %s %v: %w", dep.table, k.name, d["id"], err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changes = append(changes, fmt.Sprintf("%s: redirected %d rows to %s %v", dep.table, n, k.name, s["id"]))
		}
	}

	if c := k.clearable; c != "" && d[c] != nil {
		switch {
		case s[c] == nil:
			if err := o.set(ctx, tx, s["id"], c, d[c]); err != nil {
				return nil, err
			}
			changes = append(changes, fmt.Sprintf("%s %v: took %s from donor", k.name, s["id"], c))
		case !reflect.DeepEqual(s[c], d[c]):
			if err := o.set(ctx, tx, s["id"], c, nil); err != nil {
				return nil, err
			}
			changes = append(changes, fmt.Sprintf("%s %v: cleared conflicting %s", k.name, s["id"], c))
		}
	}

	for _, c := range k.carry {
		dv, _ := d[c].(string)
		sv, _ := s[c].(string)
		if dv == "" || dv == sv {
			continue
		}
		if sv == "" || p.Attributions == Donor {
			if err := o.set(ctx, tx, s["id"], c, dv); err != nil {
				return nil, err
			}
			changes = append(changes, fmt.Sprintf("%s %v: took %s from donor", k.name, s["id"], c))
		}
	}

	changes = append(changes, fmt.Sprintf("%s %v: merged into %v", k.name, d["id"], s["id"]))
	return changes, nil
}

func (k *keyed) Purge(ctx context.Context, tx *sqlx.Tx, p Pair) error {
	return k.purge(ctx, tx, p, k.dependents)
}
