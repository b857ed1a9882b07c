package voucher

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/db"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

var testNow = time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	logger := zerolog.New(io.Discard)
	database, err := db.NewDB(filepath.Join(t.TempDir(), "vouchers.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	l := NewLedger(database, &logger)
	l.SetClock(func() time.Time { return testNow })
	return l
}

func TestIssue(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	v, err := l.Issue(ctx, IssueRequest{FaceValue: 10000, Recipient: "Siobhan", Purchaser: "Ciaran"})
	require.NoError(t, err)
	assert.Regexp(t, `^LH-[0-9A-F]{8}$`, v.Code)
	assert.True(t, v.ExpiresAt.Equal(testNow.Add(DefaultValidity)))

	got, err := l.Get(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), got.Balance())

	tests := []struct {
		name  string
		req   IssueRequest
		field string
	}{
		{"zero value", IssueRequest{Recipient: "x"}, "face_value"},
		{"no recipient", IssueRequest{FaceValue: 100}, "recipient"},
		{"expired", IssueRequest{FaceValue: 100, Recipient: "x", ExpiresAt: &testNow}, "expires_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Issue(ctx, tt.req)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRedeemPartialThenExhaust(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	v, err := l.Issue(ctx, IssueRequest{FaceValue: 100, Recipient: "Siobhan"})
	require.NoError(t, err)

	after, err := l.Redeem(ctx, v.Code, 1, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(40), after.Balance())

	_, err = l.Redeem(ctx, v.Code, 2, 50)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	after, err = l.Redeem(ctx, v.Code, 2, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(100), after.Spent)
	assert.Equal(t, int64(0), after.Balance())

	_, err = l.Validate(ctx, v.Code)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	got, err := l.Get(ctx, v.Code)
	require.NoError(t, err)
	require.Len(t, got.Redemptions, 2)
	assert.Equal(t, int64(60), got.Redemptions[0].Amount)
	assert.Equal(t, int64(40), got.Redemptions[1].Amount)
}

func TestValidate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	expires := testNow.Add(24 * time.Hour)
	v, err := l.Issue(ctx, IssueRequest{FaceValue: 5000, Recipient: "Siobhan", ExpiresAt: &expires})
	require.NoError(t, err)

	got, err := l.Validate(ctx, " "+v.Code+" ")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.Balance())

	_, err = l.Validate(ctx, "LH-NOPE0000")
	assert.ErrorIs(t, err, model.ErrVoucherNotFound)

	_, err = l.Validate(ctx, "")
	assert.True(t, model.IsValidation(err))

	l.SetClock(func() time.Time { return expires })
	_, err = l.Validate(ctx, v.Code)
	assert.ErrorIs(t, err, model.ErrVoucherExpired)
	_, err = l.Redeem(ctx, v.Code, 1, 100)
	assert.ErrorIs(t, err, model.ErrVoucherExpired)
}

func TestConcurrentRedeemNeverOverspends(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	v, err := l.Issue(ctx, IssueRequest{FaceValue: 100, Recipient: "Siobhan"})
	require.NoError(t, err)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := l.Redeem(ctx, v.Code, id, 30)
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, model.ErrInsufficientBalance):
				rejected.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(7), rejected.Load())

	got, err := l.Get(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(90), got.Spent)
	assert.Len(t, got.Redemptions, 3)
}
