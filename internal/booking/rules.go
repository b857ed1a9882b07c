package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/config"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// CreateRequest is a reservation request after transport decoding.
// Dates are civil dates (midnight UTC).
type CreateRequest struct {
	ExperienceType model.ExperienceType `json:"experience_type" validate:"required,oneof=cabin sauna yoga bread"`
	CustomerName   string               `json:"customer_name" validate:"required,max=200"`
	CustomerEmail  string               `json:"customer_email" validate:"required,email"`
	CustomerPhone  string               `json:"customer_phone" validate:"omitempty,max=40"`
	CheckIn        time.Time            `json:"check_in" validate:"required"`
	CheckOut       *time.Time           `json:"check_out,omitempty"`
	TimeSlot       string               `json:"time_slot,omitempty" validate:"omitempty,datetime=15:04"`
	GuestCount     int                  `json:"guest_count" validate:"gte=1"`
	VoucherCode    string               `json:"voucher_code,omitempty" validate:"omitempty,max=64"`
	SaunaAddOn     bool                 `json:"sauna_addon"`
}

// Rules are the business limits applied on creation.
type Rules struct {
	MinNights      int
	MaxAdvanceDays int
}

// checkRules applies the per-type business rules to a structurally valid request.
func checkRules(req *CreateRequest, exp *config.ExperienceConfig, rules Rules, today time.Time) error {
	if req.CheckIn.Before(today) {
		return &model.ValidationError{Field: "check_in", Reason: "must not be in the past"}
	}
	if rules.MaxAdvanceDays > 0 && req.CheckIn.After(today.AddDate(0, 0, rules.MaxAdvanceDays)) {
		return &model.ValidationError{Field: "check_in", Reason: fmt.Sprintf("must be within %d days", rules.MaxAdvanceDays)}
	}
	if exp.MaxGuests > 0 && req.GuestCount > exp.MaxGuests {
		return &model.ValidationError{Field: "guest_count", Reason: fmt.Sprintf("must be at most %d for %s", exp.MaxGuests, exp.Type)}
	}

	if req.ExperienceType.Nightly() {
		if req.CheckOut == nil {
			return &model.ValidationError{Field: "check_out", Reason: "is required for cabin stays"}
		}
		minNights := exp.MinNights
		if rules.MinNights > minNights {
			minNights = rules.MinNights
		}
		if minNights < 1 {
			minNights = 1
		}
		if nights := model.DaysBetween(req.CheckIn, *req.CheckOut); nights < minNights {
			return &model.ValidationError{Field: "check_out", Reason: fmt.Sprintf("minimum stay is %d nights", minNights)}
		}
		if req.TimeSlot != "" {
			return &model.ValidationError{Field: "time_slot", Reason: "not used for cabin stays"}
		}
		return nil
	}

	if req.SaunaAddOn {
		return &model.ValidationError{Field: "sauna_addon", Reason: "only available with cabin stays"}
	}
	if len(exp.TimeSlots) > 0 && !exp.HasTimeSlot(req.TimeSlot) {
		return &model.ValidationError{Field: "time_slot", Reason: "must be one of " + strings.Join(exp.TimeSlots, ", ")}
	}
	if len(exp.TimeSlots) == 0 && req.TimeSlot != "" {
		return &model.ValidationError{Field: "time_slot", Reason: "not used for " + string(exp.Type)}
	}
	return nil
}

// price computes the reservation total in minor units.
func price(req *CreateRequest, exp *config.ExperienceConfig) int64 {
	if req.ExperienceType.Nightly() && req.CheckOut != nil {
		return exp.PriceCents * int64(model.DaysBetween(req.CheckIn, *req.CheckOut))
	}
	return exp.PriceCents * int64(req.GuestCount)
}
