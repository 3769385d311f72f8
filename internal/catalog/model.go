// Package catalog stores the named entities (artists and musics) that own
// translations and associations.
package catalog

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrStaleEntity is returned when an entity changed since it was read.
	ErrStaleEntity = errors.New("entity was modified concurrently")
)

// Kind identifies an entity table.
type Kind string

// Supported entity kinds.
const (
	KindArtist Kind = "artist"
	KindMusic  Kind = "music"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindArtist, KindMusic}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindArtist, KindMusic:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Table returns the table holding entities of this kind.
func (k Kind) Table() string {
	switch k {
	case KindArtist:
		return "artists"
	case KindMusic:
		return "musics"
	}
	return ""
}

// Entity is an artist or a music. Category holds the artist type or the
// music genre; Year the birth or release year.
type Entity struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Place       string    `json:"place,omitempty"`
	Category    string    `json:"category,omitempty"`
	Year        *int      `json:"year,omitempty"`
	Note        string    `json:"note,omitempty"`
	MemoEditor  string    `json:"memo_editor,omitempty"`
	LockVersion int       `json:"lock_version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// entityRow mirrors the artists/musics columns.
type entityRow struct {
	ID          string `db:"id"`
	Place       string `db:"place"`
	Category    string `db:"category"`
	Year        *int   `db:"year"`
	Note        string `db:"note"`
	MemoEditor  string `db:"memo_editor"`
	LockVersion int    `db:"lock_version"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

var entityColumns = []string{
	"id", "place", "category", "year", "note", "memo_editor",
	"lock_version", "created_at", "updated_at",
}

func (r entityRow) toEntity(kind Kind) *Entity {
	e := &Entity{
		ID:          r.ID,
		Kind:        kind,
		Place:       r.Place,
		Category:    r.Category,
		Year:        r.Year,
		Note:        r.Note,
		MemoEditor:  r.MemoEditor,
		LockVersion: r.LockVersion,
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return e
}

// FormatTime renders a timestamp the way entity rows store it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DuplicateCandidate is a pair of entities of one kind sharing a title in
// the same language. It is a hint for a human operator, nothing more.
type DuplicateCandidate struct {
	Kind     Kind   `json:"kind" db:"-"`
	LeftID   string `json:"left_id" db:"left_id"`
	RightID  string `json:"right_id" db:"right_id"`
	Langcode string `json:"langcode" db:"langcode"`
	Title    string `json:"title" db:"title"`
}
