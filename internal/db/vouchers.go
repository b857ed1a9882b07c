package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// CreateVoucher stores a newly issued voucher.
func (db *DB) CreateVoucher(ctx context.Context, v *model.Voucher) error {
	v.CreatedAt = time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO vouchers (code, face_value, spent, recipient, purchaser, expires_at, created_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)`,
		v.Code, v.FaceValue, v.Recipient, v.Purchaser, v.ExpiresAt.UTC(), v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert voucher: %w", err)
	}
	return nil
}

// GetVoucher loads a voucher with its redemptions.
func (db *DB) GetVoucher(ctx context.Context, code string) (*model.Voucher, error) {
	v, err := getVoucher(ctx, db, code)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT reservation_id, amount, redeemed_at FROM voucher_redemptions
		WHERE code = ? ORDER BY id`, code)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.Redemption
		if err := rows.Scan(&r.ReservationID, &r.Amount, &r.RedeemedAt); err != nil {
			return nil, err
		}
		v.Redemptions = append(v.Redemptions, r)
	}
	return v, rows.Err()
}

func getVoucher(ctx context.Context, q querier, code string) (*model.Voucher, error) {
	var v model.Voucher
	err := q.QueryRowContext(ctx, `
		SELECT code, face_value, spent, recipient, purchaser, expires_at, created_at
		FROM vouchers WHERE code = ?`, code).
		Scan(&v.Code, &v.FaceValue, &v.Spent, &v.Recipient, &v.Purchaser, &v.ExpiresAt, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrVoucherNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voucher: %w", err)
	}
	return &v, nil
}

// RedeemVoucher debits a voucher for a reservation.
func (db *DB) RedeemVoucher(ctx context.Context, code string, reservationID, amount int64, now time.Time) (*model.Voucher, error) {
	var v *model.Voucher
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		v, err = tx.RedeemVoucher(ctx, code, reservationID, amount, now)
		return err
	})
	return v, err
}

// RedeemVoucher debits the voucher with a guarded update so the balance check
// and the debit happen under the same write lock.
func (t *Tx) RedeemVoucher(ctx context.Context, code string, reservationID, amount int64, now time.Time) (*model.Voucher, error) {
	if amount <= 0 {
		return nil, &model.ValidationError{Field: "amount", Reason: "must be positive"}
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE vouchers SET spent = spent + ?
		WHERE code = ? AND spent + ? <= face_value AND expires_at > ?`,
		amount, code, amount, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("debit voucher: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		v, err := getVoucher(ctx, t.tx, code)
		if err != nil {
			return nil, err
		}
		if v.Expired(now) {
			return nil, model.ErrVoucherExpired
		}
		return nil, model.ErrInsufficientBalance
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO voucher_redemptions (code, reservation_id, amount, redeemed_at) VALUES (?, ?, ?, ?)`,
		code, reservationID, amount, now.UTC()); err != nil {
		return nil, fmt.Errorf("insert redemption: %w", err)
	}
	return getVoucher(ctx, t.tx, code)
}

// GetVoucher reads a voucher inside the transaction.
func (t *Tx) GetVoucher(ctx context.Context, code string) (*model.Voucher, error) {
	return getVoucher(ctx, t.tx, code)
}
