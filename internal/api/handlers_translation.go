package api

import (
	"net/http"

	"github.com/sydlexius/lyrebird/internal/api/middleware"
)

// handleSiblings returns the translation's language siblings in rank order,
// the translation itself included.
func (r *Router) handleSiblings(w http.ResponseWriter, req *http.Request) {
	ranked, err := r.translationService.RankedSiblings(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ranked)
}

func (r *Router) handlePromote(w http.ResponseWriter, req *http.Request) {
	actor := middleware.UserIDFromContext(req.Context())
	res, err := r.translationService.Promote(req.Context(), req.PathValue("id"), actor)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleDemote(w http.ResponseWriter, req *http.Request) {
	actor := middleware.UserIDFromContext(req.Context())
	res, err := r.translationService.Demote(req.Context(), req.PathValue("id"), actor)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
