// Package payment maps provider payment events onto reservations.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/booking"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// Normalised event types.
const (
	TypeSucceeded = "payment.succeeded"
	TypeFailed    = "payment.failed"
)

// MetadataReservationID is the metadata key carrying the reservation id.
const MetadataReservationID = "reservation_id"

// Event is an inbound payment signal.
type Event struct {
	Type             string            `json:"type"`
	PaymentReference string            `json:"paymentReference"`
	Amount           int64             `json:"amount"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Result statuses.
const (
	StatusConfirmed      = "confirmed"
	StatusDuplicate      = "duplicate"
	StatusFailedRecorded = "failed_recorded"
	StatusUnmatched      = "unmatched"
	StatusRefundRequired = "refund_required"
	StatusIgnored        = "ignored"
)

// Result is what the ingestor did with one event. Every result is acknowledged to the provider.
type Result struct {
	Status        string `json:"status"`
	ReservationID int64  `json:"reservation_id,omitempty"`
}

// Bookings is the reservation state machine as seen by the ingestor.
type Bookings interface {
	Get(ctx context.Context, id int64) (*model.Reservation, error)
	Confirm(ctx context.Context, id int64, paymentRef string) (*booking.ConfirmResult, error)
	MarkPaymentFailed(ctx context.Context, id int64) (bool, error)
	MaterializeAddOnSlots(ctx context.Context, r *model.Reservation) (int, error)
}

// Store looks up references and keeps the manual reconciliation ledger.
type Store interface {
	GetReservationByPaymentReference(ctx context.Context, ref string) (*model.Reservation, error)
	RecordUnmatchedPayment(ctx context.Context, p *model.UnmatchedPayment) (bool, error)
}

// Confirmer sends the booking confirmation message.
type Confirmer interface {
	SendConfirmation(ctx context.Context, r *model.Reservation) error
}

// Alerter forwards payments that need a human.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// Ingestor applies payment events exactly once per reservation and reference.
type Ingestor struct {
	bookings  Bookings
	store     Store
	confirmer Confirmer
	alerter   Alerter
	logger    zerolog.Logger
	now       func() time.Time
}

func NewIngestor(bookings Bookings, store Store, confirmer Confirmer, alerter Alerter, logger *zerolog.Logger) *Ingestor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Ingestor{
		bookings:  bookings,
		store:     store,
		confirmer: confirmer,
		alerter:   alerter,
		logger:    logger.With().Str("component", "payments").Logger(),
		now:       time.Now,
	}
}

// Process applies one event. Only infrastructure faults are returned as errors;
// the provider should retry those and nothing else.
func (in *Ingestor) Process(ctx context.Context, ev Event) (*Result, error) {
	if ev.Type != TypeSucceeded && ev.Type != TypeFailed {
		in.logger.Debug().Str("type", ev.Type).Msg("payment event ignored")
		return in.done(&Result{Status: StatusIgnored}), nil
	}
	if ev.PaymentReference == "" {
		return nil, &model.ValidationError{Field: "paymentReference", Reason: "is required"}
	}

	r, err := in.lookup(ctx, ev)
	if errors.Is(err, model.ErrNotFound) {
		return in.unmatched(ctx, ev, nil, model.UnmatchedNoReservation, StatusUnmatched)
	}
	if err != nil {
		return nil, err
	}

	log := in.logger.With().Int64("reservation_id", r.ID).Str("payment_reference", ev.PaymentReference).Logger()

	if ev.Type == TypeFailed {
		changed, err := in.bookings.MarkPaymentFailed(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if changed {
			log.Info().Msg("payment failed")
		}
		return in.done(&Result{Status: StatusFailedRecorded, ReservationID: r.ID}), nil
	}

	if ev.Amount > 0 && ev.Amount < r.AmountDue {
		log.Warn().Int64("amount", ev.Amount).Int64("amount_due", r.AmountDue).Msg("payment below amount due")
		in.alert(ctx, fmt.Sprintf("Payment %s for reservation #%d is %s, below the %s due.",
			ev.PaymentReference, r.ID, formatMoney(ev.Amount), formatMoney(r.AmountDue)))
	}

	res, err := in.bookings.Confirm(ctx, r.ID, ev.PaymentReference)
	switch {
	case errors.Is(err, model.ErrPaymentReferenceMismatch):
		return in.unmatched(ctx, ev, &r.ID, model.UnmatchedReferenceMismatch, StatusUnmatched)
	case errors.Is(err, model.ErrInvalidTransition):
		return in.unmatched(ctx, ev, &r.ID, model.UnmatchedInvalidState, StatusUnmatched)
	case res != nil && res.Outcome == booking.OutcomeCapacityLost:
		return in.unmatched(ctx, ev, &r.ID, model.UnmatchedCapacityLost, StatusRefundRequired)
	case err != nil:
		return nil, err
	}

	switch res.Outcome {
	case booking.OutcomeReplayed:
		log.Debug().Msg("payment replayed")
		return in.done(&Result{Status: StatusDuplicate, ReservationID: r.ID}), nil
	case booking.OutcomeCancelled:
		return in.unmatched(ctx, ev, &r.ID, model.UnmatchedCancelled, StatusRefundRequired)
	}

	in.afterConfirm(ctx, res.Reservation, log)
	return in.done(&Result{Status: StatusConfirmed, ReservationID: r.ID}), nil
}

// lookup finds the reservation by reference, falling back to the metadata id for
// reservations that never had a reference attached.
func (in *Ingestor) lookup(ctx context.Context, ev Event) (*model.Reservation, error) {
	r, err := in.store.GetReservationByPaymentReference(ctx, ev.PaymentReference)
	if err == nil || !errors.Is(err, model.ErrNotFound) {
		return r, err
	}

	raw := ev.Metadata[MetadataReservationID]
	if raw == "" {
		return nil, model.ErrNotFound
	}
	id, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return nil, model.ErrNotFound
	}
	// A reservation bound to another reference is still returned; Confirm rejects it
	// and the mismatch lands in the ledger with its reservation id.
	return in.bookings.Get(ctx, id)
}

// afterConfirm runs the first-confirmation side effects. Their failures are logged:
// the notifier scan retries missing confirmations and add-on slots are created lazily.
func (in *Ingestor) afterConfirm(ctx context.Context, r *model.Reservation, log zerolog.Logger) {
	if in.confirmer != nil {
		if err := in.confirmer.SendConfirmation(ctx, r); err != nil {
			log.Warn().Err(err).Msg("confirmation message not sent")
		}
	}
	if r.SaunaAddOn {
		if _, err := in.bookings.MaterializeAddOnSlots(ctx, r); err != nil {
			log.Error().Err(err).Msg("materialise sauna add-on slots")
		}
	}
}

// unmatched records the payment for manual reconciliation and alerts on its first delivery.
func (in *Ingestor) unmatched(ctx context.Context, ev Event, reservationID *int64, reason, status string) (*Result, error) {
	p := &model.UnmatchedPayment{
		PaymentReference: ev.PaymentReference,
		EventType:        ev.Type,
		Amount:           ev.Amount,
		ReservationID:    reservationID,
		Reason:           reason,
		ReceivedAt:       in.now().UTC(),
	}
	created, err := in.store.RecordUnmatchedPayment(ctx, p)
	if err != nil {
		return nil, err
	}

	e := in.logger.Warn().Str("payment_reference", ev.PaymentReference).Str("reason", reason).Int64("amount", ev.Amount)
	if reservationID != nil {
		e = e.Int64("reservation_id", *reservationID)
	}
	e.Bool("first_delivery", created).Msg("payment needs manual reconciliation")

	if created {
		text := fmt.Sprintf("Payment %s (%s) needs manual reconciliation: %s.", ev.PaymentReference, formatMoney(ev.Amount), reason)
		if reservationID != nil {
			text = fmt.Sprintf("Payment %s (%s) for reservation #%d needs manual reconciliation: %s.",
				ev.PaymentReference, formatMoney(ev.Amount), *reservationID, reason)
		}
		in.alert(ctx, text)
	}

	res := &Result{Status: status}
	if reservationID != nil {
		res.ReservationID = *reservationID
	}
	return in.done(res), nil
}

func (in *Ingestor) done(res *Result) *Result {
	metrics.IncPaymentEvent(res.Status)
	return res
}

func (in *Ingestor) alert(ctx context.Context, text string) {
	if in.alerter != nil {
		in.alerter.Alert(ctx, text)
	}
}

func formatMoney(cents int64) string {
	return fmt.Sprintf("€%d.%02d", cents/100, cents%100)
}
