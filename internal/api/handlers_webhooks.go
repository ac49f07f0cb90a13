package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/careops/notifyd/internal/storage"
	"github.com/careops/notifyd/internal/webhook"
)

type WebhookHandler struct {
	store storage.Storage
	hooks *webhook.Notifier
}

func NewWebhookHandler(store storage.Storage, hooks *webhook.Notifier) *WebhookHandler {
	return &WebhookHandler{store: store, hooks: hooks}
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := h.store.GetWebhookEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get webhook event")
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "webhook event not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type verifyRequest struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Verify checks an inbound payload against the shared-secret signature.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if h.hooks == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks are not enabled")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Payload == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "payload and signature are required")
		return
	}

	valid := h.hooks.Signer().Verify(req.Payload, req.Signature)
	if !valid {
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}
