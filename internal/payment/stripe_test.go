package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const checkoutCompleted = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "data": {
    "object": {
      "id": "cs_test_a1",
      "object": "checkout.session",
      "amount_total": 30000,
      "payment_status": "paid",
      "client_reference_id": "42",
      "metadata": {"reservation_id": "42"}
    }
  }
}`

func TestVerifier(t *testing.T) {
	payload := []byte(checkoutCompleted)
	v := NewVerifier("whsec_test", 5*time.Minute)
	require.True(t, v.Enabled())

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	assert.NoError(t, v.Verify(payload, signed.Header))

	wrong := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_other",
		Timestamp: time.Now(),
	})
	assert.ErrorIs(t, v.Verify(payload, wrong.Header), ErrInvalidSignature)

	stale := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, v.Verify(payload, stale.Header), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(payload, ""), ErrInvalidSignature)

	assert.NoError(t, NewVerifier("", 0).Verify(payload, ""), "no secret accepts unsigned deliveries")
}

func TestFromStripeCheckout(t *testing.T) {
	ev, err := FromStripe([]byte(checkoutCompleted))
	require.NoError(t, err)
	assert.Equal(t, TypeSucceeded, ev.Type)
	assert.Equal(t, "cs_test_a1", ev.PaymentReference)
	assert.Equal(t, int64(30000), ev.Amount)
	assert.Equal(t, "42", ev.Metadata[MetadataReservationID])
}

func TestFromStripeUnpaidCheckoutIsNotConfirmation(t *testing.T) {
	payload := `{"id":"evt_2","object":"event","type":"checkout.session.completed",
	  "data":{"object":{"id":"cs_test_b","object":"checkout.session","amount_total":100,"payment_status":"unpaid"}}}`
	ev, err := FromStripe([]byte(payload))
	require.NoError(t, err)
	assert.NotEqual(t, TypeSucceeded, ev.Type)
}

func TestFromStripePaymentIntent(t *testing.T) {
	payload := `{"id":"evt_3","object":"event","type":"payment_intent.payment_failed",
	  "data":{"object":{"id":"pi_123","object":"payment_intent","amount":2500,"metadata":{"reservation_id":"7"}}}}`
	ev, err := FromStripe([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, TypeFailed, ev.Type)
	assert.Equal(t, "pi_123", ev.PaymentReference)
	assert.Equal(t, int64(2500), ev.Amount)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"payment.succeeded","paymentReference":"ref-1","amount":1200,"metadata":{"reservation_id":"3"}}`))
	require.NoError(t, err)
	assert.Equal(t, Event{Type: TypeSucceeded, PaymentReference: "ref-1", Amount: 1200, Metadata: map[string]string{"reservation_id": "3"}}, ev)

	_, err = ParseEvent([]byte(`{`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`{"paymentReference":"x"}`))
	assert.Error(t, err)
}
