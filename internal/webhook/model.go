package webhook

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sydlexius/lyrebird/internal/event"
)

// Webhook is an endpoint notified of ranking and merge events.
type Webhook struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,http_url"`
	Type string `json:"type" validate:"omitempty,oneof=generic discord slack gotify"`
	// Events limits delivery to these event types. Empty means all.
	Events []string `json:"events" validate:"dive,required"`
}

// Webhook types.
const (
	TypeGeneric = "generic"
	TypeDiscord = "discord"
	TypeSlack   = "slack"
	TypeGotify  = "gotify"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the webhook definition, including that every listed
// event type is known.
func (w *Webhook) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("webhook %q: %w", w.Name, err)
	}
	for _, name := range w.Events {
		if !slices.Contains(event.AllTypes, event.Type(name)) {
			return fmt.Errorf("webhook %q: unknown event %q", w.Name, name)
		}
	}
	return nil
}

// Wants reports whether the webhook subscribes to t.
func (w *Webhook) Wants(t event.Type) bool {
	if len(w.Events) == 0 {
		return true
	}
	return slices.ContainsFunc(w.Events, func(name string) bool {
		return strings.EqualFold(name, string(t))
	})
}
