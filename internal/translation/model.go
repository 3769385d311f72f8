// Package translation holds the multilingual names of catalog entities and
// the weight model that ranks competing names within one language.
package translation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sydlexius/lyrebird/internal/catalog"
)

// ErrNotFound is returned when a translation does not exist.
var ErrNotFound = errors.New("translation not found")

// Weight ranks a translation among its siblings. Lower is better, 0 is the
// best possible value and Worst (+Inf) means unranked.
type Weight float64

// Worst is the weight of an unranked translation.
var Worst = Weight(math.Inf(1))

// IsWorst reports whether w is the unranked sentinel.
func (w Weight) IsWorst() bool {
	return math.IsInf(float64(w), 1)
}

func (w Weight) String() string {
	if w.IsWorst() {
		return "inf"
	}
	return strconv.FormatFloat(float64(w), 'g', -1, 64)
}

// MarshalJSON encodes Worst as null.
func (w Weight) MarshalJSON() ([]byte, error) {
	if w.IsWorst() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(w))
}

// UnmarshalJSON decodes null as Worst.
func (w *Weight) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*w = Worst
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*w = Weight(f)
	return nil
}

// Translation is one language-specific name of an entity.
type Translation struct {
	ID           string       `json:"id"`
	OwnerKind    catalog.Kind `json:"translatable_type" validate:"required,oneof=artist music"`
	OwnerID      string       `json:"translatable_id" validate:"required"`
	Langcode     string       `json:"langcode" validate:"required,min=2,max=3,lowercase,alpha"`
	Title        string       `json:"title,omitempty"`
	AltTitle     string       `json:"alt_title,omitempty"`
	Ruby         string       `json:"ruby,omitempty"`
	Romaji       string       `json:"romaji,omitempty"`
	AltRuby      string       `json:"alt_ruby,omitempty"`
	AltRomaji    string       `json:"alt_romaji,omitempty"`
	IsOrig       bool         `json:"is_orig"`
	Weight       Weight       `json:"weight" validate:"gte=0"`
	CreateUserID string       `json:"create_user_id,omitempty"`
	UpdateUserID string       `json:"update_user_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IsOwnedBy reports whether userID created t. Imported translations have
// no creator and are owned by nobody.
func (t *Translation) IsOwnedBy(userID string) bool {
	return userID != "" && t.CreateUserID == userID
}

// Name returns the title, or the alternate title when the title is blank.
func (t *Translation) Name() string {
	if strings.TrimSpace(t.Title) != "" {
		return t.Title
	}
	return t.AltTitle
}

// Summary is a short human-readable label such as `"Queen" (en)`.
func (t *Translation) Summary() string {
	return fmt.Sprintf("%q (%s)", t.Name(), t.Langcode)
}

// DuplicateOf reports whether t and o carry the same non-blank title or the
// same non-blank alternate title in the same language.
func (t *Translation) DuplicateOf(o *Translation) bool {
	if t.Langcode != o.Langcode {
		return false
	}
	if t.Title != "" && t.Title == o.Title {
		return true
	}
	return t.AltTitle != "" && t.AltTitle == o.AltTitle
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		t := sl.Current().Interface().(Translation)
		if strings.TrimSpace(t.Title) == "" && strings.TrimSpace(t.AltTitle) == "" {
			sl.ReportError(t.Title, "Title", "title", "title_or_alt_title", "")
		}
	}, Translation{})
	return v
}

// Validate checks field-level constraints.
func (t *Translation) Validate() error {
	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("invalid translation: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid translation: %w", err)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "title_or_alt_title":
		return "title or alt_title is required"
	case "required":
		return strings.ToLower(fe.Field()) + " is required"
	case "gte":
		return strings.ToLower(fe.Field()) + " must not be negative"
	default:
		return fmt.Sprintf("%s fails %s", strings.ToLower(fe.Field()), fe.Tag())
	}
}
