package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// MaxAvailabilityRange bounds one availability query.
const MaxAvailabilityRange = 90

// DayAvailability is one bookable unit of time as seen by guests.
type DayAvailability struct {
	Date             string `json:"date"`
	Time             string `json:"time,omitempty"`
	Capacity         int    `json:"capacity"`
	Remaining        int    `json:"remaining"`
	Blocked          bool   `json:"blocked"`
	ExternalConflict bool   `json:"external_conflict,omitempty"`
	Available        bool   `json:"available"`
}

// Availability lists every date (and session time) in [from, to] for one experience.
// Slots not generated yet are reported with the catalog capacity.
func (s *Service) Availability(ctx context.Context, typ model.ExperienceType, from, to time.Time) ([]DayAvailability, error) {
	exp, ok := s.catalog.Experience(typ)
	if !ok || !exp.IsEnabled() {
		return nil, &model.ValidationError{Field: "experience_type", Reason: fmt.Sprintf("%s is not bookable", typ)}
	}
	from = model.CivilDate(from, time.UTC)
	to = model.CivilDate(to, time.UTC)
	if to.Before(from) {
		return nil, &model.ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	if model.DaysBetween(from, to) > MaxAvailabilityRange {
		return nil, &model.ValidationError{Field: "end_date", Reason: fmt.Sprintf("range must not exceed %d days", MaxAvailabilityRange)}
	}

	slots, err := s.db.ListSlots(ctx, typ, from, to)
	if err != nil {
		return nil, err
	}
	byKey := make(map[model.SlotKey]model.AvailabilitySlot, len(slots))
	for _, sl := range slots {
		byKey[sl.Key()] = sl
	}

	times := exp.TimeSlots
	if typ.Nightly() || len(times) == 0 {
		times = []string{""}
	}
	closed := s.catalog.Current().IsClosed

	var out []DayAvailability
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := model.FormatDate(d)
		for _, tm := range times {
			day := DayAvailability{Date: date, Time: tm}
			if sl, ok := byKey[model.SlotKey{Type: typ, Date: date, Time: tm}]; ok {
				day.Capacity = sl.Capacity
				day.Remaining = sl.Remaining()
				day.Blocked = sl.Blocked
			} else {
				day.Capacity = exp.Capacity
				day.Remaining = exp.Capacity
				day.Blocked = closed(date)
			}
			if typ.Nightly() && s.conflicts != nil && s.conflicts.HasConflict(ctx, d) {
				day.ExternalConflict = true
			}
			day.Available = !day.Blocked && !day.ExternalConflict && day.Remaining > 0
			out = append(out, day)
		}
	}
	return out, nil
}
