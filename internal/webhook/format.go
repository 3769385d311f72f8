package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/sydlexius/lyrebird/internal/event"
)

// formatPayload returns the request body and content-type for a webhook delivery.
func formatPayload(w *Webhook, e event.Event) ([]byte, string) {
	switch w.Type {
	case TypeDiscord:
		return formatDiscord(e)
	case TypeSlack:
		return formatSlack(e)
	case TypeGotify:
		return formatGotify(e)
	default:
		return formatGeneric(e)
	}
}

func formatGeneric(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"event":     string(e.Type),
		"timestamp": e.Timestamp,
		"actor_id":  e.ActorID,
		"data":      e.Data,
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatDiscord(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("Lyrebird: %s", e.Type),
				"description": formatDescription(e),
				"color":       colorFor(e.Type),
				"timestamp":   e.Timestamp.Format("2006-01-02T15:04:05Z"),
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatSlack(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"text": fmt.Sprintf("*Lyrebird: %s*\n%s", e.Type, formatDescription(e)),
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatGotify(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"title":   fmt.Sprintf("Lyrebird: %s", e.Type),
		"message": formatDescription(e),
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func colorFor(t event.Type) int {
	switch t {
	case event.EntityMerged:
		return 15105570 // orange
	case event.TranslationDemoted:
		return 10038562 // dark red
	default:
		return 3447003 // blue
	}
}

// formatDescription renders a one-line human summary of e.
func formatDescription(e event.Event) string {
	str := func(key string) string {
		if v, ok := e.Data[key]; ok {
			return fmt.Sprint(v)
		}
		return "?"
	}

	switch e.Type {
	case event.TranslationPromoted:
		msg := fmt.Sprintf("Translation %s promoted to weight %s", str("translation_id"), str("weight"))
		if best, _ := e.Data["is_now_best"].(bool); best {
			msg += " and is now the best in its language"
		}
		return msg
	case event.TranslationDemoted:
		return fmt.Sprintf("Translation %s demoted to weight %s; %s now ranks first",
			str("translation_id"), str("weight"), str("new_best_id"))
	case event.EntityMerged:
		return fmt.Sprintf("%s %s merged into %s (audit %s)",
			str("kind"), str("donor_id"), str("survivor_id"), str("audit_id"))
	}

	if e.Data == nil {
		return string(e.Type)
	}
	b, _ := json.Marshal(e.Data)
	return string(b)
}
