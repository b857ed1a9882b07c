package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

const reservationColumns = `id, experience_type, customer_name, customer_email, customer_phone,
	check_in, check_out, time_slot, guest_count, price_total, amount_due, voucher_code, sauna_addon,
	status, payment_status, payment_reference, origin, external_event_id,
	occupancy_applied, refund_required, created_at, updated_at`

func scanReservation(row interface{ Scan(...any) error }) (*model.Reservation, error) {
	var (
		r                            model.Reservation
		typ, status, payment, origin string
		checkOut                     sql.NullTime
		voucher, ref, externalID     sql.NullString
	)
	err := row.Scan(&r.ID, &typ, &r.CustomerName, &r.CustomerEmail, &r.CustomerPhone,
		&r.CheckIn, &checkOut, &r.TimeSlot, &r.GuestCount, &r.PriceTotal, &r.AmountDue, &voucher, &r.SaunaAddOn,
		&status, &payment, &ref, &origin, &externalID,
		&r.OccupancyApplied, &r.RefundRequired, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ExperienceType = model.ExperienceType(typ)
	r.Status = model.Status(status)
	r.PaymentStatus = model.PaymentStatus(payment)
	r.Origin = model.Origin(origin)
	r.CheckIn = r.CheckIn.UTC()
	if checkOut.Valid {
		co := checkOut.Time.UTC()
		r.CheckOut = &co
	}
	r.VoucherCode = voucher.String
	r.PaymentReference = ref.String
	r.ExternalEventID = externalID.String
	return &r, nil
}

// InsertReservation stores a new reservation and sets its ID.
func (t *Tx) InsertReservation(ctx context.Context, r *model.Reservation) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	var checkOut sql.NullTime
	if r.CheckOut != nil {
		checkOut = sql.NullTime{Time: r.CheckOut.UTC(), Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (experience_type, customer_name, customer_email, customer_phone,
			check_in, check_out, time_slot, guest_count, price_total, amount_due, voucher_code, sauna_addon,
			status, payment_status, payment_reference, origin, external_event_id,
			occupancy_applied, refund_required, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ExperienceType), r.CustomerName, r.CustomerEmail, r.CustomerPhone,
		r.CheckIn.UTC(), checkOut, r.TimeSlot, r.GuestCount, r.PriceTotal, r.AmountDue, nullString(r.VoucherCode), r.SaunaAddOn,
		string(r.Status), string(r.PaymentStatus), nullString(r.PaymentReference), string(r.Origin), nullString(r.ExternalEventID),
		r.OccupancyApplied, r.RefundRequired, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			if r.ExternalEventID != "" && strings.Contains(err.Error(), "external_event_id") {
				return model.ErrDuplicateExternalEvent
			}
			return model.ErrPaymentReferenceMismatch
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetReservation loads a reservation with its notification log.
func (db *DB) GetReservation(ctx context.Context, id int64) (*model.Reservation, error) {
	r, err := getReservation(ctx, db, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if r.NotificationLog, err = db.notificationLog(ctx, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *Tx) GetReservation(ctx context.Context, id int64) (*model.Reservation, error) {
	return getReservation(ctx, t.tx, `id = ?`, id)
}

// GetReservationByPaymentReference finds the reservation bound to a provider reference.
func (db *DB) GetReservationByPaymentReference(ctx context.Context, ref string) (*model.Reservation, error) {
	return getReservation(ctx, db, `payment_reference = ?`, ref)
}

// GetReservationByExternalID finds an imported reservation by its feed UID.
func (db *DB) GetReservationByExternalID(ctx context.Context, uid string) (*model.Reservation, error) {
	return getReservation(ctx, db, `external_event_id = ?`, uid)
}

func getReservation(ctx context.Context, q querier, where string, arg any) (*model.Reservation, error) {
	r, err := scanReservation(q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// ListReservations returns reservations matching the filter ordered by check-in.
func (db *DB) ListReservations(ctx context.Context, f model.ReservationFilter) ([]model.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Status) > 0 {
		ph := make([]string, len(f.Status))
		for i, s := range f.Status {
			ph[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, string(f.Origin))
	}
	if f.ExperienceType != "" {
		where = append(where, "experience_type = ?")
		args = append(args, string(f.ExperienceType))
	}
	if f.DepartingAfter != nil {
		where = append(where, "COALESCE(check_out, check_in) >= ?")
		args = append(args, f.DepartingAfter.UTC())
	}

	query := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY check_in, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := db.attachNotificationLogs(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReservationUpdate is the state written by a lifecycle transition.
type ReservationUpdate struct {
	Status           model.Status
	PaymentStatus    model.PaymentStatus
	PaymentReference string
	OccupancyApplied bool
	RefundRequired   bool
}

// UpdateReservationState writes a transition guarded by the expected current status.
// It returns ErrInvalidTransition when another writer moved the reservation first.
func (t *Tx) UpdateReservationState(ctx context.Context, id int64, expected model.Status, u ReservationUpdate) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = ?, payment_status = ?, payment_reference = COALESCE(?, payment_reference),
			occupancy_applied = ?, refund_required = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(u.Status), string(u.PaymentStatus), nullString(u.PaymentReference),
		u.OccupancyApplied, u.RefundRequired, time.Now().UTC(), id, string(expected))
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrPaymentReferenceMismatch
		}
		return fmt.Errorf("update reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrInvalidTransition
	}
	return nil
}

// SetAmountDue records the price left to pay after voucher credit.
func (t *Tx) SetAmountDue(ctx context.Context, id, amountDue int64, voucherCode string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE reservations SET amount_due = ?, voucher_code = ?, updated_at = ? WHERE id = ?`,
		amountDue, nullString(voucherCode), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set amount due: %w", err)
	}
	return nil
}

// AttachPaymentReference binds a provider reference to a pending reservation.
// After a failed payment a new reference replaces the old one and the payment
// track starts again from pending.
func (db *DB) AttachPaymentReference(ctx context.Context, id int64, ref string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE reservations SET
			payment_status = CASE WHEN payment_status = 'failed' AND payment_reference IS NOT ? THEN 'pending' ELSE payment_status END,
			payment_reference = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
		  AND (payment_reference IS NULL OR payment_reference = ? OR payment_status = 'failed')`,
		ref, ref, time.Now().UTC(), id, ref)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrPaymentReferenceMismatch
		}
		return fmt.Errorf("attach payment reference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.GetReservation(ctx, id); err != nil {
			return err
		}
		return model.ErrInvalidTransition
	}
	return nil
}

// MarkPaymentFailed moves the payment track of a pending reservation to failed.
func (db *DB) MarkPaymentFailed(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE reservations SET payment_status = 'failed', updated_at = ?
		WHERE id = ? AND status = 'pending' AND payment_status = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecordPaymentEffect inserts the applied-effects marker for (reservation, reference).
// It returns false when the effect was already applied.
func (t *Tx) RecordPaymentEffect(ctx context.Context, reservationID int64, ref string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_effects (reservation_id, payment_reference, applied_at) VALUES (?, ?, ?)
		ON CONFLICT (reservation_id, payment_reference) DO NOTHING`,
		reservationID, ref, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record payment effect: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
