package model

import "time"

// Voucher is stored value redeemable against reservation prices.
type Voucher struct {
	Code        string       `json:"code"`
	FaceValue   int64        `json:"face_value"`
	Spent       int64        `json:"spent"`
	Recipient   string       `json:"recipient"`
	Purchaser   string       `json:"purchaser"`
	ExpiresAt   time.Time    `json:"expires_at"`
	CreatedAt   time.Time    `json:"created_at"`
	Redemptions []Redemption `json:"redemptions,omitempty"`
}

// Redemption is one debit against a voucher.
type Redemption struct {
	ReservationID int64     `json:"reservation_id"`
	Amount        int64     `json:"amount"`
	RedeemedAt    time.Time `json:"redeemed_at"`
}

func (v *Voucher) Balance() int64 {
	if v.Spent >= v.FaceValue {
		return 0
	}
	return v.FaceValue - v.Spent
}

func (v *Voucher) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}

// NotificationKind names a customer message type.
type NotificationKind string

const (
	NotificationPreArrival   NotificationKind = "pre_arrival"
	NotificationThankYou     NotificationKind = "thank_you"
	NotificationConfirmation NotificationKind = "confirmation"
)

// NotificationRecord is an entry of a reservation's send log.
type NotificationRecord struct {
	Kind       NotificationKind `json:"kind"`
	SentAt     time.Time        `json:"sent_at"`
	Recipients []string         `json:"recipients"`
}

// UnmatchedPayment is a payment that could not be applied and needs manual reconciliation.
type UnmatchedPayment struct {
	ID               int64     `json:"id"`
	PaymentReference string    `json:"payment_reference"`
	EventType        string    `json:"event_type"`
	Amount           int64     `json:"amount"`
	ReservationID    *int64    `json:"reservation_id,omitempty"`
	Reason           string    `json:"reason"`
	ReceivedAt       time.Time `json:"received_at"`
}

// Unmatched payment reasons.
const (
	UnmatchedNoReservation     = "no_reservation"
	UnmatchedReferenceMismatch = "reference_mismatch"
	UnmatchedCapacityLost      = "capacity_lost"
	UnmatchedCancelled         = "cancelled"
	UnmatchedInvalidState      = "invalid_state"
)
