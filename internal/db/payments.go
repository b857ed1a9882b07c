package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// RecordUnmatchedPayment flags a payment for manual reconciliation.
// Replays of the same (reference, reason) are absorbed; created reports whether the row is new.
func (db *DB) RecordUnmatchedPayment(ctx context.Context, p *model.UnmatchedPayment) (created bool, err error) {
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now().UTC()
	}
	var resID sql.NullInt64
	if p.ReservationID != nil {
		resID = sql.NullInt64{Int64: *p.ReservationID, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO unmatched_payments (payment_reference, event_type, amount, reservation_id, reason, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_reference, reason) DO NOTHING`,
		p.PaymentReference, p.EventType, p.Amount, resID, p.Reason, p.ReceivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("record unmatched payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		p.ID, _ = res.LastInsertId()
	}
	return n == 1, nil
}

// ListUnmatchedPayments returns the most recent flagged payments first.
func (db *DB) ListUnmatchedPayments(ctx context.Context, limit int) ([]model.UnmatchedPayment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, payment_reference, event_type, amount, reservation_id, reason, received_at
		FROM unmatched_payments ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched payments: %w", err)
	}
	defer rows.Close()

	var out []model.UnmatchedPayment
	for rows.Next() {
		var (
			p     model.UnmatchedPayment
			resID sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.PaymentReference, &p.EventType, &p.Amount, &resID, &p.Reason, &p.ReceivedAt); err != nil {
			return nil, err
		}
		if resID.Valid {
			id := resID.Int64
			p.ReservationID = &id
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
