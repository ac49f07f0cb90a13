package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/careops/notifyd/internal/campaign"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

type CampaignHandler struct {
	store storage.Storage
	orch  *campaign.Orchestrator
}

func NewCampaignHandler(store storage.Storage, orch *campaign.Orchestrator) *CampaignHandler {
	return &CampaignHandler{store: store, orch: orch}
}

type createCampaignRequest struct {
	TenantID string                  `json:"tenant_id"`
	Name     string                  `json:"name"`
	Type     models.NotificationType `json:"type"`
}

func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown notification type")
		return
	}

	now := time.Now().UTC()
	c := &models.Campaign{
		ID:        models.NewID("cmp"),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Type:      req.Type,
		Status:    models.CampaignDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateCampaign(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type startCampaignRequest struct {
	BeneficiaryIDs []string `json:"beneficiary_ids"`
}

func (h *CampaignHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get campaign")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if c.Status != models.CampaignDraft && c.Status != models.CampaignScheduled {
		writeError(w, http.StatusConflict, "campaign already started")
		return
	}

	var req startCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.BeneficiaryIDs) == 0 {
		writeError(w, http.StatusBadRequest, "beneficiary_ids is required")
		return
	}
	for _, b := range req.BeneficiaryIDs {
		if _, err := uuid.Parse(b); err != nil {
			writeError(w, http.StatusBadRequest, "beneficiary_ids must be UUIDs")
			return
		}
	}

	if err := h.orch.Start(r.Context(), c, req.BeneficiaryIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start campaign")
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

func (h *CampaignHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.CampaignPaused)})
}

func (h *CampaignHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.CampaignActive)})
}

func (h *CampaignHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get campaign")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id":         c.ID,
		"status":              c.Status,
		"target_count":        c.TargetCount,
		"success_count":       c.SuccessCount,
		"failure_count":       c.FailureCount,
		"progress_percentage": c.ProgressPercentage(),
		"success_rate":        c.SuccessRate(),
	})
}
