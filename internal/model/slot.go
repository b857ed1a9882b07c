package model

import "time"

const dateLayout = "2006-01-02"

// SlotKey addresses one slot. Time is empty for day-granular slots.
type SlotKey struct {
	Type ExperienceType `json:"experience_type"`
	Date string         `json:"date"`
	Time string         `json:"time,omitempty"`
}

// AvailabilitySlot is a capacity-bounded unit of inventory.
type AvailabilitySlot struct {
	ID             int64          `json:"id"`
	ExperienceType ExperienceType `json:"experience_type"`
	Date           string         `json:"date"`
	Time           string         `json:"time,omitempty"`
	Capacity       int            `json:"capacity"`
	Occupied       int            `json:"occupied"`
	Blocked        bool           `json:"blocked"`
}

func (s *AvailabilitySlot) Key() SlotKey {
	return SlotKey{Type: s.ExperienceType, Date: s.Date, Time: s.Time}
}

// Remaining is the effective free capacity; a blocked slot has none.
func (s *AvailabilitySlot) Remaining() int {
	if s.Blocked || s.Occupied >= s.Capacity {
		return 0
	}
	return s.Capacity - s.Occupied
}

// Reservation and slot dates are civil dates held as midnight UTC.
// Wall-clock instants are mapped onto them with CivilDate using the property's location.

// FormatDate renders the calendar date of t in its own location.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDate parses YYYY-MM-DD into a civil date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// CivilDate returns the calendar day of t as observed in loc.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts calendar days from a to b, negative when b is earlier.
func DaysBetween(a, b time.Time) int {
	da := CivilDate(a, nil)
	db := CivilDate(b, nil)
	return int(db.Sub(da).Hours() / 24)
}
