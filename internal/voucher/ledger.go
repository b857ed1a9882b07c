// Package voucher issues gift vouchers and debits them against reservations.
package voucher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// DefaultValidity applies when an issue request carries no expiry.
const DefaultValidity = 365 * 24 * time.Hour

// Store persists vouchers. Redeem must check and debit the balance atomically.
type Store interface {
	CreateVoucher(ctx context.Context, v *model.Voucher) error
	GetVoucher(ctx context.Context, code string) (*model.Voucher, error)
	RedeemVoucher(ctx context.Context, code string, reservationID, amount int64, now time.Time) (*model.Voucher, error)
}

// IssueRequest describes a voucher purchase.
type IssueRequest struct {
	FaceValue int64      `json:"face_value"`
	Recipient string     `json:"recipient"`
	Purchaser string     `json:"purchaser"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Ledger is the voucher balance book.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewLedger(store Store, logger *zerolog.Logger) *Ledger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Ledger{
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("component", "vouchers").Logger(),
	}
}

// SetClock overrides the wall clock.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Issue creates a voucher with a fresh code.
func (l *Ledger) Issue(ctx context.Context, req IssueRequest) (*model.Voucher, error) {
	if req.FaceValue <= 0 {
		return nil, &model.ValidationError{Field: "face_value", Reason: "must be positive"}
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, &model.ValidationError{Field: "recipient", Reason: "is required"}
	}
	now := l.now()
	expires := now.Add(DefaultValidity)
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, &model.ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
		expires = *req.ExpiresAt
	}

	v := &model.Voucher{
		Code:      NewCode(),
		FaceValue: req.FaceValue,
		Recipient: req.Recipient,
		Purchaser: req.Purchaser,
		ExpiresAt: expires,
	}
	if err := l.store.CreateVoucher(ctx, v); err != nil {
		return nil, fmt.Errorf("issue voucher: %w", err)
	}
	l.logger.Info().Str("code", v.Code).Int64("face_value", v.FaceValue).Msg("voucher issued")
	return v, nil
}

// NewCode returns a voucher code such as LH-3F9A1C2B.
func NewCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "LH-" + strings.ToUpper(id[:8])
}

// Validate checks that the voucher exists, has not expired and still has balance.
func (l *Ledger) Validate(ctx context.Context, code string) (*model.Voucher, error) {
	code = Normalize(code)
	if code == "" {
		return nil, &model.ValidationError{Field: "code", Reason: "is required"}
	}
	v, err := l.store.GetVoucher(ctx, code)
	if err != nil {
		return nil, err
	}
	if v.Expired(l.now()) {
		return v, model.ErrVoucherExpired
	}
	if v.Balance() == 0 {
		return v, model.ErrInsufficientBalance
	}
	return v, nil
}

// Redeem debits amount for a reservation. The balance check and the debit are one step
// in the store, so concurrent redemptions can never overspend.
func (l *Ledger) Redeem(ctx context.Context, code string, reservationID, amount int64) (*model.Voucher, error) {
	code = Normalize(code)
	if code == "" {
		return nil, &model.ValidationError{Field: "code", Reason: "is required"}
	}
	if amount <= 0 {
		return nil, &model.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	v, err := l.store.RedeemVoucher(ctx, code, reservationID, amount, l.now())
	metrics.ObserveVoucherRedemption(err)
	if err != nil {
		l.logger.Debug().Err(err).Str("code", code).Int64("amount", amount).Msg("redemption rejected")
		return nil, err
	}
	l.logger.Info().
		Str("code", code).
		Int64("reservation_id", reservationID).
		Int64("amount", amount).
		Int64("balance", v.Balance()).
		Msg("voucher redeemed")
	return v, nil
}

// Get returns a voucher with its redemption history.
func (l *Ledger) Get(ctx context.Context, code string) (*model.Voucher, error) {
	return l.store.GetVoucher(ctx, Normalize(code))
}

// Normalize canonicalises a code as guests type it.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
