// Package merge folds a duplicate entity (the donor) into another entity of
// the same kind (the survivor) inside one transaction.
package merge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/sydlexius/lyrebird/internal/catalog"
)

var (
	// ErrOrphanedDependents is returned when destroying donor rows would
	// leave rows that still reference them.
	ErrOrphanedDependents = errors.New("donor rows still have dependents")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid merge request")
)

// Side names one of the two merged entities.
type Side string

// Sides.
const (
	Survivor Side = "survivor"
	Donor    Side = "donor"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Donor {
		return Survivor
	}
	return Donor
}

// Selector says, per attribute group, which side wins. Blank fields mean
// Survivor.
type Selector struct {
	// OriginalTranslation picks whose original translation is kept.
	OriginalTranslation Side `json:"original_translation,omitempty" validate:"omitempty,oneof=survivor donor"`
	// OtherTranslations picks the side that keeps its weight when two
	// translations end up tied.
	OtherTranslations Side `json:"other_translations,omitempty" validate:"omitempty,oneof=survivor donor"`
	// Attributions picks whose free-text payload wins when two association
	// rows collapse into one.
	Attributions Side `json:"attributions,omitempty" validate:"omitempty,oneof=survivor donor"`
	Location     Side `json:"location,omitempty" validate:"omitempty,oneof=survivor donor"`
	Category     Side `json:"category,omitempty" validate:"omitempty,oneof=survivor donor"`
	Year         Side `json:"year,omitempty" validate:"omitempty,oneof=survivor donor"`
}

func (s Selector) withDefaults() Selector {
	for _, f := range []*Side{&s.OriginalTranslation, &s.OtherTranslations, &s.Attributions, &s.Location, &s.Category, &s.Year} {
		if *f == "" {
			*f = Survivor
		}
	}
	return s
}

// Request describes one merge.
type Request struct {
	Kind       catalog.Kind `json:"kind" validate:"required,oneof=artist music"`
	SurvivorID string       `json:"survivor_id" validate:"required"`
	DonorID    string       `json:"donor_id" validate:"required,nefield=SurvivorID"`
	Selector   Selector     `json:"selector"`
	ActorID    string       `json:"-"`
	// SurvivorVersion and DonorVersion, when set, are the lock versions the
	// caller saw. The merge fails with catalog.ErrStaleEntity if either
	// entity changed since.
	SurvivorVersion *int `json:"survivor_version,omitempty"`
	DonorVersion    *int `json:"donor_version,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request fields.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		var merr error
		for _, fe := range verrs {
			merr = multierr.Append(merr, fmt.Errorf("%w: %s", ErrInvalidRequest, fieldMessage(fe)))
		}
		return merr
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	name := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "nefield":
		return "survivor and donor must differ"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, fe.Param())
	}
	return fmt.Sprintf("%s fails %s", name, fe.Tag())
}

// Step names a stage of the merge.
type Step string

// Merge stages, in execution order.
const (
	StepValidate            Step = "validate"
	StepLoad                Step = "load"
	StepOriginalTranslation Step = "original_translation"
	StepOtherTranslations   Step = "other_translations"
	StepAssociations        Step = "associations"
	StepScalars             Step = "scalars"
	StepNotes               Step = "notes"
	StepCreatedAt           Step = "created_at"
	StepPersist             Step = "persist"
)

// Error reports a failed merge. Nothing was written.
type Error struct {
	Step     Step
	Messages []string
	Err      error
}

func newError(step Step, err error) *Error {
	errs := multierr.Errors(err)
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return &Error{Step: step, Messages: msgs, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("merge failed at %s: %s", e.Step, strings.Join(e.Messages, "; "))
}

func (e *Error) Unwrap() error { return e.Err }

// Result reports a successful merge.
type Result struct {
	SurvivorID          string   `json:"survivor_id"`
	Changes             []string `json:"changes"`
	TranslationsRemoved int      `json:"translations_removed"`
	AuditID             string   `json:"audit_id"`
}

// Audit is one row of the merge history.
type Audit struct {
	ID         string       `json:"id"`
	Kind       catalog.Kind `json:"kind"`
	SurvivorID string       `json:"survivor_id"`
	DonorID    string       `json:"donor_id"`
	Selector   Selector     `json:"selector"`
	Changes    []string     `json:"changes"`
	MergedBy   string       `json:"merged_by"`
	CreatedAt  time.Time    `json:"created_at"`
}
