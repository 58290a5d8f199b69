package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/runZeroInc/vaportrail/pkg/model"
	"github.com/runZeroInc/vaportrail/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// validateTarget checks the fields update/create handlers must not accept
// blindly: probe type and retention policy shape. A target with no
// retention policies at all gets the default cascade rather than being
// rejected, since the Rust original seeds new targets that way too.
func validateTarget(t *model.Target) error {
	if t.Name == "" {
		return errors.New("api: target name is required")
	}
	if t.Address == "" {
		return errors.New("api: target address is required")
	}
	if !model.ValidProbeType(t.ProbeType) {
		return fmt.Errorf("api: invalid probe_type %q", t.ProbeType)
	}
	if len(t.RetentionPolicies) == 0 {
		t.RetentionPolicies = model.DefaultRetentionPolicies()
	}
	if err := model.ValidateRetentionPolicies(t.RetentionPolicies); err != nil {
		return fmt.Errorf("api: invalid retention policies: %w", err)
	}
	return nil
}

// droppedWindows returns the non-zero windows present in before but absent
// from after.
func droppedWindows(before, after []model.RetentionPolicy) []int32 {
	keep := make(map[int32]bool, len(after))
	for _, p := range after {
		keep[p.WindowSeconds] = true
	}
	var dropped []int32
	for _, p := range before {
		if p.WindowSeconds != 0 && !keep[p.WindowSeconds] {
			dropped = append(dropped, p.WindowSeconds)
		}
	}
	return dropped
}

func (srv *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := srv.store.GetTargets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (srv *Server) handleCreateTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var target model.Target
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateTarget(&target); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := srv.store.AddTarget(&target); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if srv.scheduler != nil {
		srv.scheduler.AddTarget(ctx, target)
	}
	writeJSON(w, http.StatusCreated, target)
}

func (srv *Server) handleUpdateTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("api: invalid target id: %w", err))
		return
	}

	var target model.Target
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target.ID = id
	if err := validateTarget(&target); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	previous, err := srv.store.GetTarget(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	if err := srv.store.UpdateTarget(&target); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// A window dropped from the policy list no longer has a retention
	// sweep watching it; clear its rows now rather than leaving them
	// orphaned until someone re-adds the same window size.
	for _, removed := range droppedWindows(previous.RetentionPolicies, target.RetentionPolicies) {
		if err := srv.store.DeleteAggregatedResultsByWindow(id, removed); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	// Restart the probe loop so a changed interval/timeout/probe type
	// takes effect immediately rather than waiting for a process restart.
	if srv.scheduler != nil {
		srv.scheduler.RemoveTarget(id)
		srv.scheduler.AddTarget(ctx, target)
	}
	writeJSON(w, http.StatusOK, target)
}

func (srv *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("api: invalid target id: %w", err))
		return
	}

	if srv.scheduler != nil {
		srv.scheduler.RemoveTarget(id)
	}
	if err := srv.store.DeleteTarget(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
