package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/lessonreel/backend/internal/logging"
	"github.com/lessonreel/backend/internal/models"
	"github.com/lessonreel/backend/internal/repositories"
)

const maxWebhookBody = 65536

// WebhookHandler turns verified Stripe events into purchase records.
type WebhookHandler struct {
	Purchases     PurchaseStore
	SigningSecret string
	NowFunc       func() time.Time
}

// Stripe handles POST /api/v1/webhooks/stripe.
func (h WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Purchases == nil || h.SigningSecret == "" {
		logger.Error("webhook dependencies unavailable", "hasPurchases", h.Purchases != nil, "hasSecret", h.SigningSecret != "")
		respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "webhooks are not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondJSON(ctx, w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.SigningSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		logger.Warn("webhook signature verification failed", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	logger = logger.With("eventId", event.ID, "eventType", string(event.Type))

	switch string(event.Type) {
	case "checkout.session.completed":
		err = h.onCheckoutCompleted(r, event)
	case "charge.refunded":
		err = h.onChargeRefunded(r, event)
	default:
		logger.Info("ignoring webhook event")
	}

	if err != nil {
		var malformed *malformedEventError
		if errors.As(err, &malformed) {
			logger.Warn("webhook event rejected", "error", err)
			respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": malformed.Error()})
			return
		}
		logger.Error("webhook processing failed", "error", err)
		reportError(ctx, err, map[string]string{"operation": "webhook", "event_type": string(event.Type)})
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "failed to process event"})
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]bool{"received": true})
}

type malformedEventError struct {
	reason string
}

func (e *malformedEventError) Error() string { return e.reason }

func (h WebhookHandler) onCheckoutCompleted(r *http.Request, event stripe.Event) error {
	ctx := r.Context()

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return &malformedEventError{reason: "invalid checkout session payload"}
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		logging.FromContext(ctx).Info("checkout not paid yet", "sessionId", session.ID, "paymentStatus", string(session.PaymentStatus))
		return nil
	}

	userID := session.Metadata["user_id"]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	videoID := session.Metadata["video_id"]
	if userID == "" || videoID == "" {
		return &malformedEventError{reason: "checkout session is missing user_id or video_id metadata"}
	}

	paymentRef := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		paymentRef = session.PaymentIntent.ID
	}

	purchase := models.Purchase{
		ID:         uuid.NewString(),
		UserID:     userID,
		VideoID:    videoID,
		Amount:     session.AmountTotal,
		PaymentRef: paymentRef,
		Status:     models.PurchaseStatusCompleted,
		CreatedAt:  h.now(),
	}
	if err := h.Purchases.RecordPurchase(ctx, purchase); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return &malformedEventError{reason: "checkout session references an unknown user or video"}
		}
		return fmt.Errorf("record purchase %s: %w", paymentRef, err)
	}

	logging.FromContext(ctx).Info("purchase recorded", "userId", userID, "videoId", videoID, "paymentRef", paymentRef)
	return nil
}

func (h WebhookHandler) onChargeRefunded(r *http.Request, event stripe.Event) error {
	ctx := r.Context()

	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return &malformedEventError{reason: "invalid charge payload"}
	}

	paymentRef := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		paymentRef = charge.PaymentIntent.ID
	}

	if !fullyRefunded(charge) {
		logging.FromContext(ctx).Info("partial refund keeps entitlement",
			"paymentRef", paymentRef, "amount", charge.Amount, "amountRefunded", charge.AmountRefunded)
		return nil
	}

	if err := h.Purchases.MarkRefunded(ctx, paymentRef); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			logging.FromContext(ctx).Warn("refund for unknown purchase", "paymentRef", paymentRef)
			return nil
		}
		return fmt.Errorf("mark purchase %s refunded: %w", paymentRef, err)
	}

	logging.FromContext(ctx).Info("purchase refunded", "paymentRef", paymentRef)
	return nil
}

// fullyRefunded reports whether charge no longer pays for the purchase.
// Partial refunds (goodwill credits) leave access in place.
func fullyRefunded(charge stripe.Charge) bool {
	return charge.Refunded || (charge.Amount > 0 && charge.AmountRefunded >= charge.Amount)
}

func (h WebhookHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}
