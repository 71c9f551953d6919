package api

import (
	"context"
	"errors"
	"net/http"

	"leadhub/internal/apperr"
	"leadhub/internal/repo"
)

func (h *Handler) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Queue.ProcessBatch(r.Context())
	if err != nil {
		h.writeError(w, apperr.Wrap(apperr.KindInternal, "process queue", err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tr, err := h.deps.Ingest.DisconnectInstance(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionBody(tr))
}

func (h *Handler) handlePresenceSelect(w http.ResponseWriter, r *http.Request) {
	instance := r.URL.Query().Get("instance")
	if instance == "" {
		h.writeError(w, apperr.Validation("select presence", "instance is required"))
		return
	}
	lead, err := h.deps.Leads.GetLeadByID(r.Context(), r.PathValue("leadID"))
	if errors.Is(err, repo.ErrNotFound) {
		h.writeError(w, apperr.NotFound("select presence", "lead not found"))
		return
	}
	if err != nil {
		h.writeError(w, apperr.Wrap(apperr.KindInternal, "select presence", err))
		return
	}

	// The refresh loop outlives the request.
	h.deps.Presence.Select(context.WithoutCancel(r.Context()), *lead, instance)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "lead_id": lead.ID})
}

func (h *Handler) handlePresenceGet(w http.ResponseWriter, r *http.Request) {
	info, ok := h.deps.Presence.Get(r.PathValue("leadID"))
	if !ok {
		h.writeError(w, apperr.NotFound("get presence", "no presence recorded for lead"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleMemberTasks serves the cached aggregate; refresh=true drops it first.
func (h *Handler) handleMemberTasks(w http.ResponseWriter, r *http.Request) {
	userID, orgID := r.PathValue("userID"), r.URL.Query().Get("organization_id")
	if r.URL.Query().Get("refresh") == "true" {
		if err := h.deps.Tasks.Invalidate(r.Context(), userID, orgID); err != nil {
			h.logger.Warn("member tasks invalidate failed", "user_id", userID, "error", err)
		}
	}
	stats, err := h.deps.Tasks.MemberTasks(r.Context(), userID, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
