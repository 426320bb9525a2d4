package handler

import (
	"log/slog"
	"net/http"

	"github.com/bondfi/bondledger/internal/domain"
)

// EventsHandler serves the audit journal.
type EventsHandler struct {
	events domain.EventStore
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler with the given store and logger.
func NewEventsHandler(events domain.EventStore, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{events: events, logger: logger}
}

// ListEvents returns events in commit order with pagination.
// GET /api/events
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	h.writeEvents(w, events)
}

// ListByInstrument returns events for one instrument in commit order.
// GET /api/events/instrument/{id}
func (h *EventsHandler) ListByInstrument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.events.ListByInstrument(r.Context(), domain.InstrumentID(id), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	h.writeEvents(w, events)
}

func (h *EventsHandler) writeEvents(w http.ResponseWriter, events []domain.Event) {
	views := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		views = append(views, map[string]any{
			"id":         ev.ID,
			"seq":        ev.Seq,
			"type":       ev.Type,
			"actor":      ev.Actor.Hex(),
			"instrument": ev.Instrument,
			"detail":     ev.Detail,
			"at":         ev.At,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": views,
		"count":  len(views),
	})
}
