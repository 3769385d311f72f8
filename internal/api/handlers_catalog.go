package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sydlexius/lyrebird/internal/api/middleware"
	"github.com/sydlexius/lyrebird/internal/catalog"
	"github.com/sydlexius/lyrebird/internal/merge"
	"github.com/sydlexius/lyrebird/internal/translation"
)

func pathKind(w http.ResponseWriter, req *http.Request) (catalog.Kind, bool) {
	kind, err := catalog.ParseKind(req.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return kind, true
}

func intQuery(req *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func (r *Router) handleListEntities(w http.ResponseWriter, req *http.Request) {
	kind, ok := pathKind(w, req)
	if !ok {
		return
	}
	limit := min(intQuery(req, "limit", 50), 500)
	offset := intQuery(req, "offset", 0)

	entities, err := r.catalogService.List(req.Context(), kind, limit, offset)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  entities,
		"limit":  limit,
		"offset": offset,
	})
}

type entityResponse struct {
	*catalog.Entity
	Translations []*translation.Translation `json:"translations"`
}

func (r *Router) handleGetEntity(w http.ResponseWriter, req *http.Request) {
	kind, ok := pathKind(w, req)
	if !ok {
		return
	}
	e, err := r.catalogService.Get(req.Context(), kind, req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	trs, err := r.translationService.Store().ListByOwner(req.Context(), kind, e.ID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	if trs == nil {
		trs = []*translation.Translation{}
	}
	writeJSON(w, http.StatusOK, entityResponse{Entity: e, Translations: trs})
}

func (r *Router) handleDuplicates(w http.ResponseWriter, req *http.Request) {
	kind, ok := pathKind(w, req)
	if !ok {
		return
	}
	pairs, err := r.catalogService.FindDuplicateCandidates(req.Context(), kind)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	if pairs == nil {
		pairs = []catalog.DuplicateCandidate{}
	}
	writeJSON(w, http.StatusOK, pairs)
}

func (r *Router) handleMerge(w http.ResponseWriter, req *http.Request) {
	kind, ok := pathKind(w, req)
	if !ok {
		return
	}

	var body merge.Request
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.Kind = kind
	body.ActorID = middleware.UserIDFromContext(req.Context())

	res, err := r.mergeService.Merge(req.Context(), body)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleMergeHistory(w http.ResponseWriter, req *http.Request) {
	kind, ok := pathKind(w, req)
	if !ok {
		return
	}
	audits, err := r.mergeService.History(req.Context(), kind, req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audits)
}
