package metrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

func TestVoucherOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{model.ErrInsufficientBalance, "insufficient_balance"},
		{fmt.Errorf("redeem: %w", model.ErrVoucherExpired), "expired"},
		{model.ErrVoucherNotFound, "not_found"},
		{errors.New("database is locked"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VoucherOutcome(tt.err))
	}
}
