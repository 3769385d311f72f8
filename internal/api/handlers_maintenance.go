package api

import (
	"errors"
	"net/http"

	"github.com/sydlexius/lyrebird/internal/maintenance"
)

func (r *Router) handleMaintenanceStatus(w http.ResponseWriter, req *http.Request) {
	st, err := r.maintenanceService.Status(req.Context())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (r *Router) handleIntegrityCheck(w http.ResponseWriter, req *http.Request) {
	rep, err := r.maintenanceService.Check(req.Context())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (r *Router) handleListSnapshots(w http.ResponseWriter, req *http.Request) {
	snaps, err := r.maintenanceService.Snapshots()
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	if snaps == nil {
		snaps = []maintenance.SnapshotInfo{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (r *Router) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	info, err := r.maintenanceService.Snapshot(req.Context())
	if errors.Is(err, maintenance.ErrNoSnapshotDir) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	if _, err := r.maintenanceService.Prune(); err != nil {
		r.logger.Warn("pruning snapshots", "error", err)
	}
	writeJSON(w, http.StatusCreated, info)
}
