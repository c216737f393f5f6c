package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/payment"
	"github.com/hackgods/turnos/internal/turno"
)

// paymentWebhook acknowledges with 200 whatever was processed or ignored.
// Any other status makes the provider deliver the notification again, so a
// payload that can never be processed is acknowledged too.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.ignoreNotification(w, r, "could not read body", err)
		return
	}

	var n payment.Notification
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			h.ignoreNotification(w, r, "malformed notification", err)
			return
		}
	}
	// Older notifications carry the topic and id in the query string only.
	q := r.URL.Query()
	if n.Type == "" {
		n.Type = firstNonEmpty(q.Get("type"), q.Get("topic"))
	}
	if n.Data.ID == "" {
		n.Data.ID = payment.ResourceID(firstNonEmpty(q.Get("data.id"), q.Get("id")))
	}

	if h.signatures.Enabled() {
		dataID := firstNonEmpty(q.Get("data.id"), n.Data.ID.String())
		err := h.signatures.Verify(r.Header.Get("x-signature"), r.Header.Get("x-request-id"), dataID)
		if err != nil {
			h.log.Warn("webhook signature rejected",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("data_id", dataID),
			)
			writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
			return
		}
	}

	res, err := h.svc.HandlePaymentNotification(r.Context(), n)
	if err != nil {
		h.handleWebhookError(w, r, n, err)
		return
	}

	h.log.Info("payment notification handled",
		zap.String("outcome", string(res.Outcome)),
		zap.String("payment_id", res.PaymentID),
		zap.String("slot_id", res.SlotID),
	)
	writeJSON(w, http.StatusOK, WebhookResponse{
		Outcome:   string(res.Outcome),
		PaymentID: res.PaymentID,
		SlotID:    res.SlotID,
	})
}

func (h *Handler) ignoreNotification(w http.ResponseWriter, r *http.Request, reason string, err error) {
	h.log.Warn("payment notification ignored",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("reason", reason),
		zap.Error(err),
	)
	writeJSON(w, http.StatusOK, WebhookResponse{Outcome: string(turno.OutcomeIgnored)})
}

func (h *Handler) handleWebhookError(w http.ResponseWriter, r *http.Request, n payment.Notification, err error) {
	switch {
	case errors.Is(err, turno.ErrPaymentInFlight):
		// The delivery holding the lock answers for this payment; if it
		// fails, its own 500 brings the notification back.
		h.log.Info("payment notification already in progress",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("payment_id", n.Data.ID.String()),
		)
		writeJSON(w, http.StatusOK, WebhookResponse{
			Outcome:   string(turno.OutcomeInProgress),
			PaymentID: n.Data.ID.String(),
		})
	default:
		h.log.Error("payment notification failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("payment_id", n.Data.ID.String()),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "webhook_failed", err.Error())
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
