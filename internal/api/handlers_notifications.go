package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/careops/notifyd/internal/dispatch"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

const maxRequestBody = 64 * 1024 // 64KB

type NotificationHandler struct {
	store storage.Storage
	gate  *dispatch.Gate
}

func NewNotificationHandler(store storage.Storage, gate *dispatch.Gate) *NotificationHandler {
	return &NotificationHandler{store: store, gate: gate}
}

type submitFunc func(ctx context.Context, req *models.DeliveryRequest) (*dispatch.Outcome, error)

// Submit accepts a request carrying its own notification type.
func (h *NotificationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.gate.Submit)
}

func (h *NotificationHandler) AppointmentCreated(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.gate.SubmitAppointmentCreated)
}

func (h *NotificationHandler) AppointmentReminder(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.gate.SubmitAppointmentReminder)
}

func (h *NotificationHandler) AppointmentCancelled(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.gate.SubmitAppointmentCancelled)
}

func (h *NotificationHandler) QRResend(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.gate.SubmitQRResend)
}

func (h *NotificationHandler) submit(w http.ResponseWriter, r *http.Request, fn submitFunc) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req models.DeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := uuid.Parse(req.BeneficiaryID); err != nil {
		writeError(w, http.StatusBadRequest, "beneficiary_id must be a UUID")
		return
	}

	outcome, err := fn(r.Context(), &req)
	if err != nil {
		if errors.Is(err, dispatch.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to submit notification")
		return
	}

	status := http.StatusAccepted
	if outcome.Duplicate || !outcome.Queued {
		status = http.StatusOK
	}
	writeJSON(w, status, outcome)
}

func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.store.GetNotification(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get notification")
		return
	}
	if n == nil {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *NotificationHandler) History(w http.ResponseWriter, r *http.Request) {
	beneficiaryID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(beneficiaryID); err != nil {
		writeError(w, http.StatusBadRequest, "beneficiary id must be a UUID")
		return
	}

	ns, err := h.store.ListNotificationsByBeneficiary(r.Context(), beneficiaryID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if ns == nil {
		ns = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, ns)
}
