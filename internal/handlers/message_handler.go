package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Nikunj-TUM/tyke/internal/dispatch"
	"github.com/Nikunj-TUM/tyke/internal/models"
	"github.com/Nikunj-TUM/tyke/internal/services"

	"github.com/rs/zerolog/hlog"
)

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	InstanceID  dispatch.SessionRef `json:"instance_id"`
	PhoneNumber string              `json:"phone_number"`
	Message     string              `json:"message"`
	ContactName string              `json:"contact_name"`
}

// MessageEnqueuer puts send requests on the work queue.
type MessageEnqueuer interface {
	Enqueue(ctx context.Context, req dispatch.Request) (dispatch.Request, error)
}

// MessageRecorder writes the delivery log row.
type MessageRecorder interface {
	RecordQueued(ctx context.Context, msg *models.WhatsAppMessage) error
}

// InstanceLookup loads configured instances. It is nil in single-session mode.
type InstanceLookup interface {
	GetInstance(ctx context.Context, id uint) (*models.WhatsAppInstance, error)
}

type MessageHandler struct {
	enqueuer  MessageEnqueuer
	recorder  MessageRecorder
	instances InstanceLookup
}

func NewMessageHandler(enqueuer MessageEnqueuer, recorder MessageRecorder, instances InstanceLookup) *MessageHandler {
	return &MessageHandler{enqueuer: enqueuer, recorder: recorder, instances: instances}
}

// Send queues a message for delivery and records it as queued.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "phone_number and message are required")
		return
	}

	var instance *models.WhatsAppInstance
	if h.instances != nil {
		if req.InstanceID == "" {
			writeError(w, http.StatusBadRequest, "instance_id is required")
			return
		}
		id, err := strconv.ParseUint(string(req.InstanceID), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "instance_id must be numeric")
			return
		}
		instance, err = h.instances.GetInstance(r.Context(), uint(id))
		if errors.Is(err, services.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "WhatsApp instance not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Uint64("instance_id", id).Msg("failed to load instance")
			writeError(w, http.StatusInternalServerError, "Failed to send WhatsApp message")
			return
		}
		if !instance.IsActive {
			writeError(w, http.StatusBadRequest, "WhatsApp instance is not active")
			return
		}
		if instance.RemainingToday() == 0 {
			writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("Daily message limit reached (%d). Try again tomorrow.", instance.DailyMessageLimit))
			return
		}
	} else {
		req.InstanceID = ""
	}

	contactName := req.ContactName
	if contactName == "" {
		contactName = req.PhoneNumber
	}
	queued, err := h.enqueuer.Enqueue(r.Context(), dispatch.Request{
		InstanceID:  req.InstanceID,
		PhoneNumber: req.PhoneNumber,
		Message:     req.Message,
		ContactName: contactName,
	})
	if errors.Is(err, dispatch.ErrMalformedRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to enqueue message")
		writeError(w, http.StatusBadGateway, "Failed to send WhatsApp message")
		return
	}

	row := &models.WhatsAppMessage{
		MessageID:   queued.MessageID,
		PhoneNumber: req.PhoneNumber,
		ContactName: contactName,
		Message:     req.Message,
		Direction:   models.DirectionOutbound,
		Status:      models.MessageQueued,
	}
	if instance != nil {
		id := instance.ID
		row.WhatsAppInstanceID = &id
		row.OrganizationID = instance.OrganizationID
	}
	if claims := claimsFrom(r.Context()); claims != nil {
		row.SentBy = claims.Username
	}
	// The request is already on the queue, so a failed log write is not reported to the caller.
	if err := h.recorder.RecordQueued(r.Context(), row); err != nil {
		log.Error().Err(err).Str("message_id", queued.MessageID).Msg("failed to record queued message")
	}

	log.Info().
		Str("message_id", queued.MessageID).
		Str("instance_id", string(queued.InstanceID)).
		Str("phone_number", req.PhoneNumber).
		Msg("WhatsApp message queued")

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":      true,
		"message":      "Message queued successfully",
		"message_id":   queued.MessageID,
		"instance_id":  queued.InstanceID,
		"phone_number": req.PhoneNumber,
	})
}
