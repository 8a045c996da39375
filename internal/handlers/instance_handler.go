package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Nikunj-TUM/tyke/internal/models"
	"github.com/Nikunj-TUM/tyke/internal/services"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
)

// InstanceManager reads and writes configured instances.
type InstanceManager interface {
	ListInstances(ctx context.Context, organizationID uint) ([]models.WhatsAppInstance, error)
	GetInstance(ctx context.Context, id uint) (*models.WhatsAppInstance, error)
	CreateInstance(ctx context.Context, inst *models.WhatsAppInstance) error
	SetActive(ctx context.Context, id uint, active bool) error
}

type CreateInstanceRequest struct {
	OrganizationID    uint   `json:"organization_id"`
	Name              string `json:"name"`
	PhoneNumber       string `json:"phone_number"`
	DailyMessageLimit int    `json:"daily_message_limit"`
}

// UpdateInstanceRequest is the body of PATCH /api/instances/{id}.
type UpdateInstanceRequest struct {
	IsActive *bool `json:"is_active"`
}

type InstanceHandler struct {
	instances InstanceManager
}

func NewInstanceHandler(instances InstanceManager) *InstanceHandler {
	return &InstanceHandler{instances: instances}
}

func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	org, ok := uintQuery(w, r, "organization_id")
	if !ok {
		return
	}
	list, err := h.instances.ListInstances(r.Context(), org)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list instances")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve WhatsApp instances")
		return
	}
	if list == nil {
		list = []models.WhatsAppInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"instances": list,
		"total":     len(list),
	})
}

func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceIDVar(w, r)
	if !ok {
		return
	}
	inst, err := h.instances.GetInstance(r.Context(), id)
	if !h.found(w, r, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"instance": inst,
	})
}

// Create registers a new instance. Discovery starts its session on the next cycle.
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.DailyMessageLimit < 0 {
		writeError(w, http.StatusBadRequest, "daily_message_limit must not be negative")
		return
	}

	inst := &models.WhatsAppInstance{
		OrganizationID:    req.OrganizationID,
		Name:              req.Name,
		PhoneNumber:       req.PhoneNumber,
		IsActive:          true,
		DailyMessageLimit: req.DailyMessageLimit,
	}
	err := h.instances.CreateInstance(r.Context(), inst)
	if errors.Is(err, services.ErrInvalidInstance) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to create instance")
		writeError(w, http.StatusInternalServerError, "Failed to create WhatsApp instance")
		return
	}

	hlog.FromRequest(r).Info().
		Uint("instance_id", inst.ID).
		Uint("organization_id", inst.OrganizationID).
		Str("name", inst.Name).
		Msg("WhatsApp instance created")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":  true,
		"instance": inst,
	})
}

// Update activates or deactivates an instance. Discovery only starts sessions for
// active instances and sends to inactive ones are refused.
func (h *InstanceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceIDVar(w, r)
	if !ok {
		return
	}
	var req UpdateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "is_active is required")
		return
	}

	if !h.found(w, r, h.instances.SetActive(r.Context(), id, *req.IsActive)) {
		return
	}
	inst, err := h.instances.GetInstance(r.Context(), id)
	if !h.found(w, r, err) {
		return
	}

	hlog.FromRequest(r).Info().Uint("instance_id", id).Bool("active", inst.IsActive).Msg("WhatsApp instance updated")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"instance": inst,
	})
}

// found writes the error response for err and reports whether the caller may continue.
func (h *InstanceHandler) found(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, services.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "WhatsApp instance not found")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("failed to load instance")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve WhatsApp instance")
	}
	return false
}

func instanceIDVar(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 0)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "instance id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

// uintQuery parses an optional non-negative integer query parameter.
func uintQuery(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(raw, 10, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return uint(n), true
}
