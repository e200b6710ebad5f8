package api

import (
	"encoding/json"
	"net/http"

	"github.com/syntrixbase/broker/pkg/model"
)

// handlePublish accepts a flat event body {event, ...payload}. Any id or
// ttl in the body is replaced by the event store.
func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var evt model.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid event: "+err.Error())
		return
	}

	stored, err := h.events.Publish(r.Context(), evt)
	if err != nil {
		if stored.ID != "" {
			// Persisted but not announced; the change feed may still pick it up.
			h.logger.WarnContext(r.Context(), "Event stored without notification",
				"event", stored.Name, "id", stored.ID, "error", err)
			writeJSON(w, http.StatusAccepted, stored)
			return
		}
		h.writeModelError(w, r, err, "Failed to publish event")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}
