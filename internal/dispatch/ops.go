package dispatch

import (
	"context"

	"github.com/careops/notifyd/internal/models"
)

// Typed entry points for the appointment lifecycle. Each stamps the
// notification type and funnels into Submit.

func (g *Gate) SubmitAppointmentCreated(ctx context.Context, req *models.DeliveryRequest) (*Outcome, error) {
	req.Type = models.TypeAppointmentCreated
	return g.Submit(ctx, req)
}

func (g *Gate) SubmitAppointmentReminder(ctx context.Context, req *models.DeliveryRequest) (*Outcome, error) {
	req.Type = models.TypeAppointmentReminder
	return g.Submit(ctx, req)
}

func (g *Gate) SubmitAppointmentCancelled(ctx context.Context, req *models.DeliveryRequest) (*Outcome, error) {
	req.Type = models.TypeAppointmentCancelled
	return g.Submit(ctx, req)
}

func (g *Gate) SubmitQRResend(ctx context.Context, req *models.DeliveryRequest) (*Outcome, error) {
	req.Type = models.TypeQRResend
	return g.Submit(ctx, req)
}
