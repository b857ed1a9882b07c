package model

import (
	"fmt"
	"time"
)

// ExperienceType identifies a bookable inventory line.
type ExperienceType string

const (
	ExperienceCabin ExperienceType = "cabin"
	ExperienceSauna ExperienceType = "sauna"
	ExperienceYoga  ExperienceType = "yoga"
	ExperienceBread ExperienceType = "bread"
)

// ExperienceTypes lists every known type in display order.
var ExperienceTypes = []ExperienceType{ExperienceCabin, ExperienceSauna, ExperienceYoga, ExperienceBread}

// ParseExperienceType validates a raw type name.
func ParseExperienceType(s string) (ExperienceType, error) {
	t := ExperienceType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "experience_type", Reason: fmt.Sprintf("unknown experience type %q", s)}
	}
	return t, nil
}

func (t ExperienceType) Valid() bool {
	switch t {
	case ExperienceCabin, ExperienceSauna, ExperienceYoga, ExperienceBread:
		return true
	}
	return false
}

// Nightly reports whether the type is booked per night rather than per session.
func (t ExperienceType) Nightly() bool {
	return t == ExperienceCabin
}

// Status is the booking lifecycle track.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// PaymentStatus is the parallel payment track.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
	// PaymentExternal marks reservations settled on the external platform.
	PaymentExternal PaymentStatus = "external"
)

// Origin tells where a reservation was created.
type Origin string

const (
	OriginDirect   Origin = "direct"
	OriginExternal Origin = "external"
)

// Reservation is a booking of one experience type.
// Money fields are in minor currency units.
type Reservation struct {
	ID               int64          `json:"id"`
	ExperienceType   ExperienceType `json:"experience_type"`
	CustomerName     string         `json:"customer_name"`
	CustomerEmail    string         `json:"customer_email"`
	CustomerPhone    string         `json:"customer_phone,omitempty"`
	CheckIn          time.Time      `json:"check_in"`
	CheckOut         *time.Time     `json:"check_out,omitempty"`
	TimeSlot         string         `json:"time_slot,omitempty"`
	GuestCount       int            `json:"guest_count"`
	PriceTotal       int64          `json:"price_total"`
	AmountDue        int64          `json:"amount_due"`
	VoucherCode      string         `json:"voucher_code,omitempty"`
	SaunaAddOn       bool           `json:"sauna_addon"`
	Status           Status         `json:"status"`
	PaymentStatus    PaymentStatus  `json:"payment_status"`
	PaymentReference string         `json:"payment_reference,omitempty"`
	Origin           Origin         `json:"origin"`
	ExternalEventID  string         `json:"external_event_id,omitempty"`
	OccupancyApplied bool           `json:"occupancy_applied"`
	RefundRequired   bool           `json:"refund_required"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	NotificationLog []NotificationRecord `json:"notification_log"`
}

// Nights returns the number of nights for nightly reservations, zero otherwise.
func (r *Reservation) Nights() int {
	if r.CheckOut == nil {
		return 0
	}
	return DaysBetween(r.CheckIn, *r.CheckOut)
}

// Units is the slot occupancy one reservation takes per slot.
// A cabin stay holds the whole cabin for each night; sessions hold one place per guest.
func (r *Reservation) Units() int {
	if r.ExperienceType.Nightly() {
		return 1
	}
	return r.GuestCount
}

// SlotKeys lists the slots the reservation occupies once confirmed.
func (r *Reservation) SlotKeys() []SlotKey {
	if r.ExperienceType.Nightly() {
		nights := r.Nights()
		keys := make([]SlotKey, 0, nights)
		for i := 0; i < nights; i++ {
			keys = append(keys, SlotKey{
				Type: r.ExperienceType,
				Date: FormatDate(r.CheckIn.AddDate(0, 0, i)),
			})
		}
		return keys
	}
	return []SlotKey{{Type: r.ExperienceType, Date: FormatDate(r.CheckIn), Time: r.TimeSlot}}
}

// CheckOutOrCheckIn returns the departure instant, falling back to check-in for single-day sessions.
func (r *Reservation) CheckOutOrCheckIn() time.Time {
	if r.CheckOut != nil {
		return *r.CheckOut
	}
	return r.CheckIn
}

// HasNotification reports whether a notification of the given kind was already sent.
func (r *Reservation) HasNotification(kind NotificationKind) bool {
	for _, n := range r.NotificationLog {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

// Recipients returns the addresses lifecycle messages go to.
func (r *Reservation) Recipients() []string {
	if r.CustomerEmail == "" {
		return nil
	}
	return []string{r.CustomerEmail}
}

// ReservationFilter narrows reservation listings.
type ReservationFilter struct {
	Status         []Status
	Origin         Origin
	ExperienceType ExperienceType
	// DepartingAfter keeps reservations whose departure (or session day) is not before this instant.
	DepartingAfter *time.Time
	Limit          int
}

// ExternalEvent is one booking parsed from the external calendar feed.
type ExternalEvent struct {
	UID     string    `json:"uid"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Summary string    `json:"summary,omitempty"`
}

// Nights maps the event onto civil check-in and check-out dates in loc.
// The end is exclusive; an end with a time of day still occupies that day.
func (e ExternalEvent) Nights(loc *time.Location) (checkIn, checkOut time.Time) {
	checkIn = CivilDate(e.Start, loc)
	checkOut = CivilDate(e.End, loc)
	if loc == nil {
		loc = time.UTC
	}
	if end := e.End.In(loc); end.Hour() != 0 || end.Minute() != 0 || end.Second() != 0 {
		checkOut = checkOut.AddDate(0, 0, 1)
	}
	if !checkOut.After(checkIn) {
		checkOut = checkIn.AddDate(0, 0, 1)
	}
	return checkIn, checkOut
}
