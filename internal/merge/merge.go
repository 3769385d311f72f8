package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"

	"github.com/sydlexius/lyrebird/internal/catalog"
	"github.com/sydlexius/lyrebird/internal/database"
	"github.com/sydlexius/lyrebird/internal/event"
	"github.com/sydlexius/lyrebird/internal/metrics"
	"github.com/sydlexius/lyrebird/internal/translation"
)

// Service runs merges.
type Service struct {
	db        *sqlx.DB
	catalog   *catalog.Service
	store     *translation.Store
	nudgeStep float64
	events    event.Publisher
	logger    *slog.Logger

	// afterStep, when set, runs after each step inside the transaction. A
	// non-nil return aborts the merge at that step.
	afterStep func(Step) error
}

// NewService creates a merge service. nudgeStep bounds the increment used
// to break weight ties between translations from different entities.
// events may be nil.
func NewService(db *sqlx.DB, nudgeStep float64, events event.Publisher, logger *slog.Logger) *Service {
	if events == nil {
		events = event.Nop{}
	}
	if nudgeStep <= 0 {
		nudgeStep = 1
	}
	return &Service{
		db:        db,
		catalog:   catalog.NewService(db),
		store:     translation.NewStore(db),
		nudgeStep: nudgeStep,
		events:    events,
		logger:    logger.With("component", "merge"),
	}
}

// SetNudgeStep changes the tie-break increment for later merges.
func (s *Service) SetNudgeStep(step float64) {
	if step > 0 {
		s.nudgeStep = step
	}
}

// Merge folds req.DonorID into req.SurvivorID. On failure the returned
// error is a *Error and neither entity has changed.
func (s *Service) Merge(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, newError(StepValidate, err)
	}
	req.Selector = req.Selector.withDefaults()

	start := time.Now()
	var res *Result
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		m := &merger{
			ctx:       ctx,
			tx:        tx,
			req:       req,
			catalog:   s.catalog.WithTx(tx),
			store:     s.store.WithTx(tx),
			nudgeStep: translation.Weight(s.nudgeStep),
		}
		var err error
		res, err = m.run(s.afterStep)
		return err
	})
	metrics.MergeDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())

	log := s.logger.With("kind", string(req.Kind), "survivor_id", req.SurvivorID, "donor_id", req.DonorID)
	if err != nil {
		metrics.MergesTotal.WithLabelValues(string(req.Kind), metrics.ResultFailure).Inc()
		var merr *Error
		if !errors.As(err, &merr) {
			merr = newError(StepPersist, err)
		}
		log.Warn("merge rolled back", "step", string(merr.Step), "error", merr)
		return nil, merr
	}

	metrics.MergesTotal.WithLabelValues(string(req.Kind), metrics.ResultOK).Inc()
	metrics.TranslationsRemoved.Add(float64(res.TranslationsRemoved))
	log.Info("entities merged", "changes", len(res.Changes), "audit_id", res.AuditID)
	s.events.Publish(event.Event{
		Type:    event.EntityMerged,
		ActorID: req.ActorID,
		Data: map[string]any{
			"kind":        string(req.Kind),
			"survivor_id": req.SurvivorID,
			"donor_id":    req.DonorID,
			"audit_id":    res.AuditID,
		},
	})
	return res, nil
}

// merger carries the state of one merge transaction.
type merger struct {
	ctx       context.Context
	tx        *sqlx.Tx
	req       Request
	catalog   *catalog.Service
	store     *translation.Store
	nudgeStep translation.Weight

	survivor *catalog.Entity
	donor    *catalog.Entity
	changes  []string
	removed  int
	auditID  string
}

func (m *merger) note(format string, args ...any) {
	m.changes = append(m.changes, fmt.Sprintf(format, args...))
}

func (m *merger) run(afterStep func(Step) error) (*Result, error) {
	steps := []struct {
		step Step
		fn   func() error
	}{
		{StepLoad, m.load},
		{StepOriginalTranslation, m.fuseOriginal},
		{StepOtherTranslations, m.fuseOthers},
		{StepAssociations, m.reconcile},
		{StepScalars, m.selectScalars},
		{StepNotes, m.joinNotes},
		{StepCreatedAt, m.earliestCreatedAt},
		{StepPersist, m.persist},
	}
	for _, st := range steps {
		err := st.fn()
		if err == nil && afterStep != nil {
			err = afterStep(st.step)
		}
		if err != nil {
			return nil, newError(st.step, err)
		}
	}
	return &Result{
		SurvivorID:          m.survivor.ID,
		Changes:             m.changes,
		TranslationsRemoved: m.removed,
		AuditID:             m.auditID,
	}, nil
}

func (m *merger) load() error {
	var err error
	if m.survivor, err = m.catalog.Get(m.ctx, m.req.Kind, m.req.SurvivorID); err != nil {
		return fmt.Errorf("loading survivor %s: %w", m.req.SurvivorID, err)
	}
	if m.donor, err = m.catalog.Get(m.ctx, m.req.Kind, m.req.DonorID); err != nil {
		return fmt.Errorf("loading donor %s: %w", m.req.DonorID, err)
	}

	var errs error
	if v := m.req.SurvivorVersion; v != nil && *v != m.survivor.LockVersion {
		errs = multierr.Append(errs, fmt.Errorf("survivor is at version %d, not %d: %w", m.survivor.LockVersion, *v, catalog.ErrStaleEntity))
	}
	if v := m.req.DonorVersion; v != nil && *v != m.donor.LockVersion {
		errs = multierr.Append(errs, fmt.Errorf("donor is at version %d, not %d: %w", m.donor.LockVersion, *v, catalog.ErrStaleEntity))
	}
	return errs
}

func (m *merger) ownerOf(side Side) string {
	if side == Donor {
		return m.donor.ID
	}
	return m.survivor.ID
}

func (m *merger) translations() (survivor, donor []*translation.Translation, err error) {
	if survivor, err = m.store.ListByOwner(m.ctx, m.req.Kind, m.survivor.ID); err != nil {
		return nil, nil, err
	}
	if donor, err = m.store.ListByOwner(m.ctx, m.req.Kind, m.donor.ID); err != nil {
		return nil, nil, err
	}
	return survivor, donor, nil
}

func findOrig(ts []*translation.Translation) *translation.Translation {
	for _, t := range ts {
		if t.IsOrig {
			return t
		}
	}
	return nil
}

func inLanguage(ts []*translation.Translation, lang string, skip ...*translation.Translation) []*translation.Translation {
	var out []*translation.Translation
	for _, t := range ts {
		if t.Langcode != lang || slices.ContainsFunc(skip, func(s *translation.Translation) bool { return s != nil && s.ID == t.ID }) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// fuseOriginal keeps one original translation: the selected side's, or the
// other side's when the selected side has none. The other original is
// deleted, after lending its alt title to a winner in the same language
// that has none. The kept original ends up on the survivor, ranked first in
// its language.
func (m *merger) fuseOriginal() error {
	sTr, dTr, err := m.translations()
	if err != nil {
		return err
	}

	winner, loser := findOrig(sTr), findOrig(dTr)
	if m.req.Selector.OriginalTranslation == Donor {
		winner, loser = loser, winner
	}
	if winner == nil {
		winner, loser = loser, nil
	}
	if winner == nil {
		return nil
	}

	if loser != nil {
		if err := m.store.Delete(m.ctx, loser.ID); err != nil {
			return err
		}
		m.removed++
		m.note("original translation %s removed, %s kept", loser.Summary(), winner.Summary())

		if loser.Langcode == winner.Langcode {
			winnerSide := sTr
			if winner.OwnerID == m.donor.ID {
				winnerSide = dTr
			}
			if err := m.lendAltTitle(winner, loser, inLanguage(winnerSide, winner.Langcode, winner)); err != nil {
				return err
			}
		}
	}

	if winner.OwnerID != m.survivor.ID {
		for _, t := range inLanguage(sTr, winner.Langcode, winner, loser) {
			if !t.DuplicateOf(winner) {
				continue
			}
			if err := m.store.Delete(m.ctx, t.ID); err != nil {
				return err
			}
			m.removed++
			m.note("duplicate translation %s removed from survivor", t.Summary())
		}
		if err := m.store.Reassign(m.ctx, winner.ID, m.survivor.ID); err != nil {
			return err
		}
		m.note("original translation %s moved to survivor", winner.Summary())
	}

	// Everything left in this language ends up on the survivor, so the
	// original must beat both sides.
	if sTr, dTr, err = m.translations(); err != nil {
		return err
	}
	best := translation.Worst
	for _, t := range inLanguage(append(sTr, dTr...), winner.Langcode, winner) {
		best = min(best, t.Weight)
	}
	if winner.Weight < best {
		return nil
	}

	w := translation.Weight(0)
	if !best.IsWorst() {
		w = best / 2
	}
	if w == winner.Weight {
		return nil
	}
	if err := m.store.UpdateWeight(m.ctx, winner.ID, w); err != nil {
		return err
	}
	m.note("original translation %s reweighted from %s to %s", winner.Summary(), winner.Weight, w)
	return nil
}

// lendAltTitle copies the alt title of loser onto winner when winner has
// none and no other sibling of winner already carries it.
func (m *merger) lendAltTitle(winner, loser *translation.Translation, siblings []*translation.Translation) error {
	alt := strings.TrimSpace(loser.AltTitle)
	if alt == "" || strings.TrimSpace(winner.AltTitle) != "" {
		return nil
	}
	if slices.ContainsFunc(siblings, func(t *translation.Translation) bool { return t.AltTitle == loser.AltTitle }) {
		return nil
	}

	altRuby, altRomaji := winner.AltRuby, winner.AltRomaji
	if strings.TrimSpace(altRuby) == "" {
		altRuby = loser.AltRuby
	}
	if strings.TrimSpace(altRomaji) == "" {
		altRomaji = loser.AltRomaji
	}
	if err := m.store.SetAltTitle(m.ctx, winner.ID, loser.AltTitle, altRuby, altRomaji); err != nil {
		return err
	}
	winner.AltTitle, winner.AltRuby, winner.AltRomaji = loser.AltTitle, altRuby, altRomaji
	m.note("alt title %q copied to original translation %s", loser.AltTitle, winner.Summary())
	return nil
}

// fuseOthers merges the remaining translations language by language.
func (m *merger) fuseOthers() error {
	sTr, dTr, err := m.translations()
	if err != nil {
		return err
	}

	var langs []string
	for _, t := range dTr {
		if !slices.Contains(langs, t.Langcode) {
			langs = append(langs, t.Langcode)
		}
	}
	slices.Sort(langs)

	ranker := translation.Ranker{PreferOwnerID: m.ownerOf(m.req.Selector.OtherTranslations)}
	var errs error
	for _, lang := range langs {
		if err := m.fuseLanguage(ranker, inLanguage(sTr, lang), inLanguage(dTr, lang)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("language %s: %w", lang, err))
		}
	}
	return errs
}

func (m *merger) fuseLanguage(r translation.Ranker, survivorSibs, donorSibs []*translation.Translation) error {
	ranked := r.Rank(append(slices.Clone(survivorSibs), donorSibs...))

	var kept []*translation.Translation
	for _, t := range ranked {
		if i := slices.IndexFunc(kept, t.DuplicateOf); i >= 0 {
			if err := m.store.Delete(m.ctx, t.ID); err != nil {
				return err
			}
			m.removed++
			m.note("duplicate translation %s removed, higher-ranked copy kept", t.Summary())
			continue
		}
		kept = append(kept, t)
	}

	nudged, err := m.breakTies(r, kept)
	if err != nil {
		return err
	}
	for _, t := range nudged {
		if err := m.store.UpdateWeight(m.ctx, t.ID, t.Weight); err != nil {
			return err
		}
	}

	for _, t := range kept {
		if t.OwnerID != m.donor.ID {
			continue
		}
		if err := m.store.Reassign(m.ctx, t.ID, m.survivor.ID); err != nil {
			return err
		}
		m.note("translation %s moved to survivor", t.Summary())
	}
	return nil
}

// breakTies separates finite equal weights held by translations of
// different entities. The side not preferred by r is pushed back by at most
// the nudge step and never as far as the next worse weight. An original
// translation is never pushed back.
func (m *merger) breakTies(r translation.Ranker, kept []*translation.Translation) ([]*translation.Translation, error) {
	var nudged []*translation.Translation
	for range len(kept)*len(kept) + 1 {
		ranked := r.Rank(kept)
		i := firstCrossTie(ranked)
		if i < 0 {
			return nudged, nil
		}

		a, b := ranked[i-1], ranked[i]
		victim := b
		if b.OwnerID == r.PreferOwnerID && !a.IsOrig {
			victim = a
		}

		next := translation.Worst
		for _, t := range ranked {
			if t.Weight > victim.Weight {
				next = min(next, t.Weight)
			}
		}
		step := m.nudgeStep
		if !next.IsWorst() {
			step = min(step, (next-victim.Weight)/2)
		}
		w := victim.Weight + step
		if w <= victim.Weight || w >= next {
			return nil, fmt.Errorf("breaking tie at %s for %s: %w", victim.Weight, victim.Summary(), translation.ErrNoRoom)
		}

		m.note("translation %s nudged from %s to %s to break a tie", victim.Summary(), victim.Weight, w)
		victim.Weight = w
		if !slices.Contains(nudged, victim) {
			nudged = append(nudged, victim)
		}
	}
	return nil, fmt.Errorf("weight ties did not settle: %w", translation.ErrNoRoom)
}

func firstCrossTie(ranked []*translation.Translation) int {
	for i := 1; i < len(ranked); i++ {
		a, b := ranked[i-1], ranked[i]
		if a.Weight == b.Weight && !a.Weight.IsWorst() && a.OwnerID != b.OwnerID {
			return i
		}
	}
	return -1
}

func (m *merger) pair() Pair {
	return Pair{
		Kind:         m.req.Kind,
		SurvivorID:   m.survivor.ID,
		DonorID:      m.donor.ID,
		Attributions: m.req.Selector.Attributions,
	}
}

// reconcile runs every association reconciler of the kind and reports all
// of their failures together.
func (m *merger) reconcile() error {
	var errs error
	for _, r := range ReconcilersFor(m.req.Kind) {
		changes, err := r.Reconcile(m.ctx, m.tx, m.pair())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			continue
		}
		m.changes = append(m.changes, changes...)
	}
	return errs
}

func pickString(sel Side, survivor, donor string) string {
	first, second := survivor, donor
	if sel == Donor {
		first, second = donor, survivor
	}
	if strings.TrimSpace(first) == "" {
		return second
	}
	return first
}

func pickYear(sel Side, survivor, donor *int) *int {
	first, second := survivor, donor
	if sel == Donor {
		first, second = donor, survivor
	}
	if first == nil {
		return second
	}
	return first
}

func yearString(y *int) string {
	if y == nil {
		return "none"
	}
	return strconv.Itoa(*y)
}

// selectScalars takes each scalar from the selected side unless it is
// blank there.
func (m *merger) selectScalars() error {
	sel, s, d := m.req.Selector, m.survivor, m.donor

	if v := pickString(sel.Location, s.Place, d.Place); v != s.Place {
		m.note("place changed from %q to %q", s.Place, v)
		s.Place = v
	}
	if v := pickString(sel.Category, s.Category, d.Category); v != s.Category {
		m.note("category changed from %q to %q", s.Category, v)
		s.Category = v
	}
	if v := pickYear(sel.Year, s.Year, d.Year); yearString(v) != yearString(s.Year) {
		m.note("year changed from %s to %s", yearString(s.Year), yearString(v))
		s.Year = v
	}
	return nil
}

// concatNotes appends second to first unless it is blank or the same note.
func concatNotes(first, second string) string {
	a, b := strings.TrimSpace(first), strings.TrimSpace(second)
	switch {
	case b == "" || a == b:
		return first
	case a == "":
		return second
	}
	return a + "\n\n" + b
}

func (m *merger) joinNotes() error {
	s, d := m.survivor, m.donor
	if v := concatNotes(s.Note, d.Note); v != s.Note {
		s.Note = v
		m.note("note combined")
	}
	if v := concatNotes(s.MemoEditor, d.MemoEditor); v != s.MemoEditor {
		s.MemoEditor = v
		m.note("editor memo combined")
	}
	return nil
}

func (m *merger) earliestCreatedAt() error {
	if m.donor.CreatedAt.Before(m.survivor.CreatedAt) {
		m.note("created_at moved back to %s", m.donor.CreatedAt.UTC().Format(time.RFC3339))
		m.survivor.CreatedAt = m.donor.CreatedAt
	}
	return nil
}

// persist writes the survivor, deletes what is left of the donor and
// records the merge.
func (m *merger) persist() error {
	if err := m.catalog.Update(m.ctx, m.survivor); err != nil {
		return err
	}

	p := m.pair()
	for _, r := range ReconcilersFor(m.req.Kind) {
		if err := r.Purge(m.ctx, m.tx, p); err != nil {
			return fmt.Errorf("%s: %w", r.Name(), err)
		}
	}

	n, err := m.store.CountByOwner(m.ctx, m.req.Kind, m.donor.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("donor still owns %d translations: %w", n, ErrOrphanedDependents)
	}

	if err := m.catalog.Delete(m.ctx, m.donor); err != nil {
		return err
	}
	m.note("%s %s deleted", m.req.Kind, m.donor.ID)

	m.auditID, err = insertAudit(m.ctx, m.tx, m.req, m.changes)
	return err
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, req Request, changes []string) (string, error) {
	sel, err := json.Marshal(req.Selector)
	if err != nil {
		return "", fmt.Errorf("encoding selector: %w", err)
	}
	if changes == nil {
		changes = []string{}
	}
	chg, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("encoding changes: %w", err)
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_merges (id, kind, survivor_id, donor_id, selector, changes, merged_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, string(req.Kind), req.SurvivorID, req.DonorID, string(sel), string(chg), req.ActorID,
		catalog.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("recording merge: %w", err)
	}
	return id, nil
}

// History returns the merges that folded entities into survivorID, newest
// first.
func (s *Service) History(ctx context.Context, kind catalog.Kind, survivorID string) ([]Audit, error) {
	var rows []struct {
		ID         string `db:"id"`
		Kind       string `db:"kind"`
		SurvivorID string `db:"survivor_id"`
		DonorID    string `db:"donor_id"`
		Selector   string `db:"selector"`
		Changes    string `db:"changes"`
		MergedBy   string `db:"merged_by"`
		CreatedAt  string `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, survivor_id, donor_id, selector, changes, merged_by, created_at
		FROM entity_merges WHERE kind = ? AND survivor_id = ?
		ORDER BY created_at DESC, id
	`, string(kind), survivorID)
	if err != nil {
		return nil, fmt.Errorf("listing merges: %w", err)
	}

	out := make([]Audit, 0, len(rows))
	for _, r := range rows {
		a := Audit{
			ID:         r.ID,
			Kind:       catalog.Kind(r.Kind),
			SurvivorID: r.SurvivorID,
			DonorID:    r.DonorID,
			MergedBy:   r.MergedBy,
		}
		if err := json.Unmarshal([]byte(r.Selector), &a.Selector); err != nil {
			return nil, fmt.Errorf("decoding selector of merge %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.Changes), &a.Changes); err != nil {
			return nil, fmt.Errorf("decoding changes of merge %s: %w", r.ID, err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
		out = append(out, a)
	}
	return out, nil
}
