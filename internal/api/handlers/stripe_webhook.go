// Package handlers contains the HTTP handlers for the billing ingestion API.
//
// The Stripe webhook endpoint is unauthenticated. Deliveries are trusted only
// after the Stripe-Signature header verifies against the signing secret.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tripledger/internal/billing"
	"tripledger/internal/core"
	"tripledger/internal/types"
)

// maxWebhookBodySize caps a Stripe webhook payload at 64 KB.
const maxWebhookBodySize = 64 * 1024

const signatureHeader = "Stripe-Signature"

// Ingestor runs one verified delivery through the billing pipeline.
// Implemented by billing.Ingestor.
type Ingestor interface {
	Ingest(ctx context.Context, payload []byte, sigHeader string) (billing.Result, error)
}

// WebhookAck is the body returned for every accepted delivery.
type WebhookAck struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// StripeWebhookHandler receives Stripe event deliveries.
type StripeWebhookHandler struct {
	ingestor Ingestor
	logger   *slog.Logger
}

func NewStripeWebhookHandler(ingestor Ingestor, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		ingestor: ingestor,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. It matches core.RouteRegistrar.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle acknowledges every delivery that passes verification and was
// stored durably, whatever happens downstream. Authenticity failures and
// unreadable bodies get a 4xx. A delivery that reached neither the ledger
// nor the reprocess queue gets a 5xx so Stripe sends it again.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.WarnContext(r.Context(), "webhook body exceeds limit", "limit", tooLarge.Limit)
			core.Error(w, r, types.NewAppError(
				types.ErrCodeWebhookPayloadTooLarge,
				"request body exceeds 64KB",
				err,
			))
			return
		}
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookPayloadMalformed,
			"failed to read request body",
			err,
		))
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			err = types.NewAppError(types.ErrCodeWebhookSignatureInvalid, "webhook verification failed", err)
		} else if appErr.HTTPStatus() >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "webhook not stored, asking for redelivery", "error", err)
		}
		core.Error(w, r, err)
		return
	}

	if res.Err != nil {
		h.logger.InfoContext(r.Context(), "webhook acknowledged with deferred processing",
			"event_id", res.EventID,
			"event_type", res.EventType,
			"error", res.Err,
		)
	}

	core.JSON(w, r, http.StatusOK, WebhookAck{Received: true, Duplicate: res.Duplicate})
}
