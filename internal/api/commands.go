package api

import (
	"context"
	"errors"
	"net/http"

	"uptime/internal/domain"
	"uptime/internal/notify"
	"uptime/internal/scheduler"
	"uptime/internal/store"
)

// Controller executes control commands against the running service.
type Controller interface {
	CheckNow(ctx context.Context, monitorID string) (domain.CheckResult, error)
	TestChannel(ctx context.Context, channelID string) (domain.DeliveryOutcome, error)
	Refresh()
}

// Reply is the JSON answer for one command over HTTP or NATS.
type Reply struct {
	OK       bool                    `json:"ok"`
	Error    string                  `json:"error,omitempty"`
	Result   *domain.CheckResult     `json:"result,omitempty"`
	Delivery *domain.DeliveryOutcome `json:"delivery,omitempty"`
}

// Execute runs one validated command.
// Params: context, controller, and command.
// Returns: reply and HTTP-equivalent status code.
func Execute(ctx context.Context, controller Controller, command domain.Command) (Reply, int) {
	switch command.Type {
	case domain.CommandCheckNow:
		result, err := controller.CheckNow(ctx, command.ID)
		if err != nil {
			return errorReply(err)
		}
		return Reply{OK: true, Result: &result}, http.StatusOK
	case domain.CommandTestChannel:
		outcome, err := controller.TestChannel(ctx, command.ID)
		if err != nil {
			return errorReply(err)
		}
		reply := Reply{OK: outcome.Status == domain.DeliverySent, Delivery: &outcome}
		if !reply.OK {
			reply.Error = outcome.Error
			return reply, http.StatusBadGateway
		}
		return reply, http.StatusOK
	case domain.CommandRefresh:
		controller.Refresh()
		return Reply{OK: true}, http.StatusAccepted
	default:
		return Reply{Error: "unsupported command"}, http.StatusBadRequest
	}
}

func errorReply(err error) (Reply, int) {
	return Reply{Error: err.Error()}, statusFor(err)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var evalErr *domain.EvaluationError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.As(err, &evalErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInFlight),
		errors.Is(err, scheduler.ErrMonitorPaused),
		errors.Is(err, scheduler.ErrUnitSkipped),
		errors.Is(err, notify.ErrChannelDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
