package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/auth"
)

type securityEventResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ActorType string    `json:"actor_type"`
	ActorID   string    `json:"actor_id"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// handleSecurityEvents lists the audit trail, newest first. Admin only.
func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if user.Role != auth.RoleAdmin {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	limit := audit.MaxListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "limit must be an integer")
			return
		}
		// the recorder clamps anything out of range to the hard cap
		limit = v
	}
	events, err := a.recorder.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]securityEventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, securityEventResponse{
			ID:        ev.ID,
			CreatedAt: ev.CreatedAt,
			ActorType: ev.ActorType,
			ActorID:   ev.ActorID,
			EventType: ev.EventType,
			Status:    ev.Status,
			Detail:    ev.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
