package handlers

import (
	"context"
	"net/http"

	"github.com/Nikunj-TUM/tyke/internal/models"
	"github.com/Nikunj-TUM/tyke/internal/services"

	"github.com/rs/zerolog/hlog"
)

// MessageHistory reads the delivery log.
type MessageHistory interface {
	ListMessages(ctx context.Context, f services.MessageFilter) ([]models.WhatsAppMessage, error)
}

type HistoryHandler struct {
	history MessageHistory
}

func NewHistoryHandler(history MessageHistory) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// List serves GET /api/messages. Filters: organization_id, instance_id, status, limit, offset.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	org, ok := uintQuery(w, r, "organization_id")
	if !ok {
		return
	}
	instance, ok := uintQuery(w, r, "instance_id")
	if !ok {
		return
	}
	limit, ok := uintQuery(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := uintQuery(w, r, "offset")
	if !ok {
		return
	}
	f := services.MessageFilter{
		OrganizationID: org,
		InstanceID:     instance,
		Limit:          int(limit),
		Offset:         int(offset),
	}

	switch st := r.URL.Query().Get("status"); st {
	case "", models.MessageQueued, models.MessageSent, models.MessageFailed:
		f.Status = st
	default:
		writeError(w, http.StatusBadRequest, "status must be queued, sent or failed")
		return
	}

	msgs, err := h.history.ListMessages(r.Context(), f)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list messages")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve WhatsApp messages")
		return
	}
	if msgs == nil {
		msgs = []models.WhatsAppMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": msgs,
		"count":    len(msgs),
	})
}
