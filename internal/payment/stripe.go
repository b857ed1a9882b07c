package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// SignatureHeader is the header carrying the webhook signature.
const SignatureHeader = "Stripe-Signature"

// ErrInvalidSignature is returned for deliveries that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks webhook signatures with a shared secret. A verifier without a secret accepts everything.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify checks payload against the signature header ("t=...,v1=...").
func (v *Verifier) Verify(payload []byte, header string) error {
	if !v.Enabled() {
		return nil
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// ParseEvent decodes a generic payment event.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, &model.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if ev.Type == "" {
		return ev, &model.ValidationError{Field: "type", Reason: "is required"}
	}
	return ev, nil
}

// FromStripe converts a Stripe webhook event into a payment Event.
// Checkout sessions are keyed by the session id and payment intents by the intent id,
// so an account should deliver one family of events, not both.
func FromStripe(payload []byte) (Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return Event{}, &model.ValidationError{Field: "body", Reason: "invalid Stripe event"}
	}
	if se.Data == nil {
		return Event{Type: string(se.Type)}, nil
	}

	switch se.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &cs); err != nil {
			return Event{}, &model.ValidationError{Field: "data", Reason: "invalid checkout session"}
		}
		ev := Event{PaymentReference: cs.ID, Amount: cs.AmountTotal, Metadata: cs.Metadata}
		switch {
		case se.Type == "checkout.session.async_payment_failed":
			ev.Type = TypeFailed
		case se.Type == "checkout.session.async_payment_succeeded":
			ev.Type = TypeSucceeded
		case cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
			cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
			ev.Type = TypeSucceeded
		default:
			// Completed but unpaid: an async method settles later.
			ev.Type = string(se.Type)
		}
		if ev.Metadata == nil && cs.ClientReferenceID != "" {
			ev.Metadata = map[string]string{MetadataReservationID: cs.ClientReferenceID}
		}
		return ev, nil

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return Event{}, &model.ValidationError{Field: "data", Reason: "invalid payment intent"}
		}
		ev := Event{Type: TypeSucceeded, PaymentReference: pi.ID, Amount: pi.Amount, Metadata: pi.Metadata}
		if se.Type == "payment_intent.payment_failed" {
			ev.Type = TypeFailed
		}
		return ev, nil
	}
	return Event{Type: string(se.Type)}, nil
}
