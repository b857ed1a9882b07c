package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/config"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/db"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/validation"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/voucher"
)

// ConflictChecker reports dates held by the external calendar.
// Implementations must answer false when the calendar is unavailable.
type ConflictChecker interface {
	HasConflict(ctx context.Context, date time.Time) bool
}

// Outcome describes what a confirmation did.
type Outcome string

const (
	// OutcomeConfirmed is the first application of a payment.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeReplayed means the payment was already applied; nothing changed.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeCapacityLost means the payment arrived after the slot filled up.
	OutcomeCapacityLost Outcome = "capacity_lost"
	// OutcomeCancelled means the payment arrived for a cancelled reservation.
	OutcomeCancelled Outcome = "cancelled"
)

// ConfirmResult is returned by Confirm.
type ConfirmResult struct {
	Reservation *model.Reservation
	Outcome     Outcome
}

// Service is the only writer of reservation status and payment status.
type Service struct {
	db        *db.DB
	catalog   *config.Catalog
	conflicts ConflictChecker
	rules     Rules
	fsm       *FSM
	validate  *validator.Validate
	loc       *time.Location
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithConflictChecker sets the external calendar conflict source.
func WithConflictChecker(c ConflictChecker) Option {
	return func(s *Service) { s.conflicts = c }
}

func NewService(database *db.DB, catalog *config.Catalog, rules Rules, loc *time.Location, logger *zerolog.Logger, opts ...Option) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Service{
		db:       database,
		catalog:  catalog,
		rules:    rules,
		fsm:      NewFSM(),
		validate: validation.New(),
		loc:      loc,
		now:      time.Now,
		logger:   logger.With().Str("component", "booking").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetConflictChecker wires the calendar reconciler after construction.
func (s *Service) SetConflictChecker(c ConflictChecker) {
	s.conflicts = c
}

// Today is the current civil date at the property.
func (s *Service) Today() time.Time {
	return model.CivilDate(s.now(), s.loc)
}

// Create validates a request and stores a pending reservation.
// Cabin stays are pre-checked against capacity and the external calendar;
// sessions are only refused when their slot is blocked and are settled at confirmation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Reservation, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validation.Error(err)
	}
	req.VoucherCode = voucher.Normalize(req.VoucherCode)
	req.CheckIn = model.CivilDate(req.CheckIn, time.UTC)
	if req.CheckOut != nil {
		co := model.CivilDate(*req.CheckOut, time.UTC)
		req.CheckOut = &co
	}
	if !req.ExperienceType.Nightly() {
		req.CheckOut = nil
	}

	exp, ok := s.catalog.Experience(req.ExperienceType)
	if !ok || !exp.IsEnabled() {
		return nil, &model.ValidationError{Field: "experience_type", Reason: fmt.Sprintf("%s is not bookable", req.ExperienceType)}
	}
	today := s.Today()
	if err := checkRules(&req, exp, s.rules, today); err != nil {
		return nil, err
	}

	r := &model.Reservation{
		ExperienceType: req.ExperienceType,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		CustomerPhone:  req.CustomerPhone,
		CheckIn:        req.CheckIn,
		CheckOut:       req.CheckOut,
		TimeSlot:       req.TimeSlot,
		GuestCount:     req.GuestCount,
		PriceTotal:     price(&req, exp),
		SaunaAddOn:     req.SaunaAddOn,
		Status:         model.StatusPending,
		PaymentStatus:  model.PaymentPending,
		Origin:         model.OriginDirect,
	}
	r.AmountDue = r.PriceTotal

	if err := s.precheck(ctx, r, exp); err != nil {
		metrics.IncReservation("rejected")
		return nil, err
	}

	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		if req.VoucherCode == "" || r.PriceTotal == 0 {
			return nil
		}
		return s.applyVoucher(ctx, tx, r, req.VoucherCode)
	})
	if err != nil {
		return nil, err
	}

	metrics.IncReservation("created")
	s.logger.Info().
		Int64("reservation_id", r.ID).
		Str("type", string(r.ExperienceType)).
		Str("check_in", model.FormatDate(r.CheckIn)).
		Int64("amount_due", r.AmountDue).
		Msg("reservation created")
	return r, nil
}

func (s *Service) precheck(ctx context.Context, r *model.Reservation, exp *config.ExperienceConfig) error {
	closed := s.catalog.Current().IsClosed
	for _, key := range r.SlotKeys() {
		slot, err := s.db.GetSlot(ctx, key)
		switch {
		case errors.Is(err, model.ErrSlotNotFound):
			if closed(key.Date) {
				return fmt.Errorf("%w: %s is closed", model.ErrNoCapacity, key.Date)
			}
			if exp.Capacity < r.Units() {
				return fmt.Errorf("%w: no inventory on %s", model.ErrNoCapacity, key.Date)
			}
		case err != nil:
			return err
		case slot.Blocked:
			return fmt.Errorf("%w: %s is blocked", model.ErrNoCapacity, key.Date)
		case r.ExperienceType.Nightly() && slot.Remaining() < r.Units():
			return fmt.Errorf("%w: %s is fully booked", model.ErrNoCapacity, key.Date)
		}

		if r.ExperienceType.Nightly() && s.conflicts != nil {
			date, _ := model.ParseDate(key.Date)
			if s.conflicts.HasConflict(ctx, date) {
				return fmt.Errorf("%w: %s is booked on the external calendar", model.ErrNoCapacity, key.Date)
			}
		}
	}
	return nil
}

func (s *Service) applyVoucher(ctx context.Context, tx *db.Tx, r *model.Reservation, code string) error {
	amount, err := s.redeemVoucher(ctx, tx, r, code)
	metrics.ObserveVoucherRedemption(err)
	if err != nil {
		return err
	}
	r.VoucherCode = code
	r.AmountDue = r.PriceTotal - amount
	return tx.SetAmountDue(ctx, r.ID, r.AmountDue, code)
}

func (s *Service) redeemVoucher(ctx context.Context, tx *db.Tx, r *model.Reservation, code string) (int64, error) {
	now := s.now()
	v, err := tx.GetVoucher(ctx, code)
	if err != nil {
		return 0, err
	}
	if v.Expired(now) {
		return 0, model.ErrVoucherExpired
	}
	amount := min(v.Balance(), r.PriceTotal)
	if amount <= 0 {
		return 0, model.ErrInsufficientBalance
	}
	if _, err := tx.RedeemVoucher(ctx, code, r.ID, amount, now); err != nil {
		return 0, err
	}
	return amount, nil
}

// Confirm applies a payment to a reservation. Re-delivery of the same reference is a no-op.
// When the slot filled up before payment arrived the reservation is cancelled, flagged for
// refund, and ErrNoCapacity is returned alongside the result.
func (s *Service) Confirm(ctx context.Context, id int64, paymentRef string) (*ConfirmResult, error) {
	if paymentRef == "" {
		return nil, &model.ValidationError{Field: "payment_reference", Reason: "is required"}
	}

	var (
		outcome Outcome
		lostErr error
	)
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Origin == model.OriginExternal {
			return fmt.Errorf("%w: external reservations are settled on the platform", model.ErrInvalidTransition)
		}
		if r.PaymentReference != "" && r.PaymentReference != paymentRef {
			return model.ErrPaymentReferenceMismatch
		}

		applied, err := tx.RecordPaymentEffect(ctx, id, paymentRef)
		if err != nil {
			return err
		}
		if !applied || r.Status == model.StatusConfirmed {
			outcome = OutcomeReplayed
			return nil
		}

		if r.Status == model.StatusCancelled {
			outcome = OutcomeCancelled
			return tx.UpdateReservationState(ctx, id, model.StatusCancelled, db.ReservationUpdate{
				Status:           model.StatusCancelled,
				PaymentStatus:    model.PaymentPaid,
				PaymentReference: paymentRef,
				RefundRequired:   true,
			})
		}

		if err := s.fsm.Check(r, model.StatusConfirmed, model.PaymentPaid); err != nil {
			return err
		}

		reserveErr := tx.Savepoint(ctx, "occupancy", func() error {
			return s.reserveAll(ctx, tx, r)
		})
		switch {
		case reserveErr == nil:
			outcome = OutcomeConfirmed
			return tx.UpdateReservationState(ctx, id, model.StatusPending, db.ReservationUpdate{
				Status:           model.StatusConfirmed,
				PaymentStatus:    model.PaymentPaid,
				PaymentReference: paymentRef,
				OccupancyApplied: true,
			})
		case model.IsContention(reserveErr):
			outcome = OutcomeCapacityLost
			lostErr = fmt.Errorf("%w: %v", model.ErrNoCapacity, reserveErr)
			return tx.UpdateReservationState(ctx, id, model.StatusPending, db.ReservationUpdate{
				Status:           model.StatusCancelled,
				PaymentStatus:    model.PaymentPaid,
				PaymentReference: paymentRef,
				RefundRequired:   true,
			})
		default:
			return reserveErr
		}
	})
	if err != nil {
		return nil, err
	}

	r, err := s.db.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}

	log := s.logger.With().Int64("reservation_id", id).Str("payment_reference", paymentRef).Logger()
	switch outcome {
	case OutcomeConfirmed:
		metrics.IncReservation("confirmed")
		metrics.IncSlotReservation(string(r.ExperienceType), "reserved")
		log.Info().Msg("reservation confirmed")
	case OutcomeReplayed:
		log.Debug().Msg("payment already applied")
	case OutcomeCapacityLost:
		metrics.IncReservation("capacity_lost")
		metrics.IncSlotReservation(string(r.ExperienceType), "rejected")
		log.Warn().Err(lostErr).Msg("paid reservation lost its slot; refund required")
	case OutcomeCancelled:
		log.Warn().Msg("payment received for cancelled reservation; refund required")
	}
	return &ConfirmResult{Reservation: r, Outcome: outcome}, lostErr
}

// reserveAll counts a reservation against its slots. Slots missing beyond the
// generated horizon are created from the catalog, blocked on closed dates.
func (s *Service) reserveAll(ctx context.Context, tx *db.Tx, r *model.Reservation) error {
	cat := s.catalog.Current()
	exp, ok := cat.Experience(r.ExperienceType)
	if !ok || !exp.IsEnabled() {
		exp = nil
	}
	for _, key := range r.SlotKeys() {
		var lazy *db.LazySlot
		if exp != nil {
			lazy = &db.LazySlot{Capacity: exp.Capacity, Blocked: cat.IsClosed(key.Date)}
		}
		if err := tx.ReserveSlot(ctx, key, r.Units(), lazy); err != nil {
			return fmt.Errorf("%s %s: %w", key.Date, key.Time, err)
		}
	}
	return nil
}

// Cancel cancels a reservation and releases its slots when they were counted.
func (s *Service) Cancel(ctx context.Context, id int64) (*model.Reservation, error) {
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if err := s.fsm.Check(r, model.StatusCancelled, r.PaymentStatus); err != nil {
			return err
		}
		if r.OccupancyApplied {
			for _, key := range r.SlotKeys() {
				if err := tx.ReleaseSlot(ctx, key, r.Units()); err != nil && !errors.Is(err, model.ErrSlotNotFound) {
					return err
				}
			}
		}
		return tx.UpdateReservationState(ctx, id, r.Status, db.ReservationUpdate{
			Status:         model.StatusCancelled,
			PaymentStatus:  r.PaymentStatus,
			RefundRequired: r.RefundRequired || r.PaymentStatus == model.PaymentPaid,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.IncReservation("cancelled")
	s.logger.Info().Int64("reservation_id", id).Msg("reservation cancelled")
	return s.db.GetReservation(ctx, id)
}

// AttachPaymentReference binds the checkout reference to a pending reservation.
func (s *Service) AttachPaymentReference(ctx context.Context, id int64, ref string) error {
	if ref == "" {
		return &model.ValidationError{Field: "payment_reference", Reason: "is required"}
	}
	return s.db.AttachPaymentReference(ctx, id, ref)
}

// MarkPaymentFailed records a failed payment attempt without touching the booking status.
func (s *Service) MarkPaymentFailed(ctx context.Context, id int64) (bool, error) {
	changed, err := s.db.MarkPaymentFailed(ctx, id)
	if err == nil && changed {
		metrics.IncReservation("payment_failed")
	}
	return changed, err
}

// ImportExternal materialises a reservation for an external calendar event.
// It returns ErrDuplicateExternalEvent when the event was imported before. A reservation whose
// dates could not be counted (already held locally) is still stored with OccupancyApplied=false.
func (s *Service) ImportExternal(ctx context.Context, ev model.ExternalEvent) (*model.Reservation, error) {
	if ev.UID == "" {
		return nil, &model.ValidationError{Field: "uid", Reason: "is required"}
	}
	if _, err := s.db.GetReservationByExternalID(ctx, ev.UID); err == nil {
		return nil, model.ErrDuplicateExternalEvent
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	checkIn, checkOut := ev.Nights(s.loc)
	name := ev.Summary
	if name == "" {
		name = "External booking"
	}

	r := &model.Reservation{
		ExperienceType:  model.ExperienceCabin,
		CustomerName:    name,
		CheckIn:         checkIn,
		CheckOut:        &checkOut,
		GuestCount:      1,
		Status:          model.StatusConfirmed,
		PaymentStatus:   model.PaymentExternal,
		Origin:          model.OriginExternal,
		ExternalEventID: ev.UID,
	}

	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		// The unique external id is inserted before any slot is touched, so a
		// concurrent import of the same event fails here and counts nothing.
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		reserveErr := tx.Savepoint(ctx, "occupancy", func() error {
			return s.reserveAll(ctx, tx, r)
		})
		if reserveErr != nil && !model.IsContention(reserveErr) {
			return reserveErr
		}
		if reserveErr != nil {
			s.logger.Warn().Err(reserveErr).Str("uid", ev.UID).Msg("external booking overlaps local inventory")
			return nil
		}
		r.OccupancyApplied = true
		return tx.UpdateReservationState(ctx, r.ID, model.StatusConfirmed, db.ReservationUpdate{
			Status:           model.StatusConfirmed,
			PaymentStatus:    model.PaymentExternal,
			OccupancyApplied: true,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.IncReservation("imported")
	s.logger.Info().Int64("reservation_id", r.ID).Str("uid", ev.UID).Msg("external reservation imported")
	return r, nil
}

// MaterializeAddOnSlots creates the evening sauna sessions for a cabin stay with the add-on.
func (s *Service) MaterializeAddOnSlots(ctx context.Context, r *model.Reservation) (int, error) {
	if !r.SaunaAddOn || !r.ExperienceType.Nightly() {
		return 0, nil
	}
	sauna, ok := s.catalog.Experience(model.ExperienceSauna)
	if !ok || len(sauna.EveningSlots) == 0 || sauna.Capacity <= 0 {
		return 0, nil
	}

	var keys []model.SlotKey
	for _, night := range r.SlotKeys() {
		for _, tm := range sauna.EveningSlots {
			keys = append(keys, model.SlotKey{Type: model.ExperienceSauna, Date: night.Date, Time: tm})
		}
	}
	created, err := s.db.EnsureAddOnSlots(ctx, keys, sauna.Capacity)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("reservation_id", r.ID).Int("created", created).Msg("sauna add-on slots materialised")
	return created, nil
}

// Get returns a reservation by id.
func (s *Service) Get(ctx context.Context, id int64) (*model.Reservation, error) {
	return s.db.GetReservation(ctx, id)
}

// List returns reservations matching the filter.
func (s *Service) List(ctx context.Context, f model.ReservationFilter) ([]model.Reservation, error) {
	return s.db.ListReservations(ctx, f)
}
