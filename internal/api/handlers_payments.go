package api

import (
	"io"
	"net/http"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/payment"
)

const maxWebhookBody = 64 << 10

// POST /api/v1/payments/webhook
// Body: {"type", "paymentReference", "amount", "metadata"}.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("payment_webhook")
	s.handleWebhook(w, r, payment.ParseEvent)
}

// POST /api/v1/payments/stripe
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("stripe_webhook")
	s.handleWebhook(w, r, payment.FromStripe)
}

// handleWebhook verifies, decodes and applies one delivery. Every event the ingestor
// accepts is acknowledged with 200, including unmatched ones; only infrastructure
// faults answer 5xx so the provider retries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, decode func([]byte) (payment.Event, error)) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(payload) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := s.deps.Verifier.Verify(payload, r.Header.Get(payment.SignatureHeader)); err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("webhook rejected")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := decode(payload)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	res, err := s.deps.Payments.Process(r.Context(), ev)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
