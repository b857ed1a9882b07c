package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/booking"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// ExperienceInfo is the public view of a catalog entry.
type ExperienceInfo struct {
	Type       model.ExperienceType `json:"type"`
	Name       string               `json:"name"`
	Nightly    bool                 `json:"nightly"`
	PriceCents int64                `json:"price_cents"`
	MaxGuests  int                  `json:"max_guests"`
	MinNights  int                  `json:"min_nights,omitempty"`
	TimeSlots  []string             `json:"time_slots,omitempty"`
}

// GET /api/v1/experiences
func (s *Server) handleExperiences(w http.ResponseWriter, _ *http.Request) {
	metrics.IncHTTP("experiences")

	out := make([]ExperienceInfo, 0)
	if s.deps.Catalog != nil {
		for _, e := range s.deps.Catalog.Current().Experiences {
			if !e.IsEnabled() {
				continue
			}
			out = append(out, ExperienceInfo{
				Type:       e.Type,
				Name:       e.Name,
				Nightly:    e.Type.Nightly(),
				PriceCents: e.PriceCents,
				MaxGuests:  e.MaxGuests,
				MinNights:  e.MinNights,
				TimeSlots:  e.TimeSlots,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiences": out})
}

// AvailabilityResponse is the response for GET /api/v1/availability/{type}.
type AvailabilityResponse struct {
	Type model.ExperienceType      `json:"type"`
	From string                    `json:"from"`
	To   string                    `json:"to"`
	Days []booking.DayAvailability `json:"days"`
	// Calendar is "degraded" when external conflicts could not be checked.
	Calendar string `json:"calendar,omitempty"`
}

// GET /api/v1/availability/{type}?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("availability")

	typ, err := model.ParseExperienceType(chi.URLParam(r, "type"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	today := model.CivilDate(s.opts.Now(), s.opts.Location)
	from, err := dateParam(r, "from", today)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	to, err := dateParam(r, "to", from.AddDate(0, 0, 30))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	days, err := s.deps.Bookings.Availability(r.Context(), typ, from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := AvailabilityResponse{Type: typ, From: model.FormatDate(from), To: model.FormatDate(to), Days: days}
	if typ.Nightly() && s.deps.Calendar != nil && s.deps.Calendar.Status().Degraded {
		resp.Calendar = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateReservationRequest is the body of POST /api/v1/reservations.
type CreateReservationRequest struct {
	ExperienceType string `json:"experience_type"`
	CustomerName   string `json:"customer_name"`
	CustomerEmail  string `json:"customer_email"`
	CustomerPhone  string `json:"customer_phone,omitempty"`
	CheckIn        string `json:"check_in"`
	CheckOut       string `json:"check_out,omitempty"`
	TimeSlot       string `json:"time_slot,omitempty"`
	GuestCount     int    `json:"guest_count"`
	VoucherCode    string `json:"voucher_code,omitempty"`
	SaunaAddOn     bool   `json:"sauna_addon,omitempty"`
}

func (req *CreateReservationRequest) toBooking() (booking.CreateRequest, error) {
	out := booking.CreateRequest{
		ExperienceType: model.ExperienceType(req.ExperienceType),
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		CustomerPhone:  req.CustomerPhone,
		TimeSlot:       req.TimeSlot,
		GuestCount:     req.GuestCount,
		VoucherCode:    req.VoucherCode,
		SaunaAddOn:     req.SaunaAddOn,
	}
	if req.CheckIn == "" {
		return out, &model.ValidationError{Field: "check_in", Reason: "is required"}
	}
	checkIn, err := model.ParseDate(req.CheckIn)
	if err != nil {
		return out, &model.ValidationError{Field: "check_in", Reason: "invalid date format; expected YYYY-MM-DD"}
	}
	out.CheckIn = checkIn
	if req.CheckOut != "" {
		checkOut, err := model.ParseDate(req.CheckOut)
		if err != nil {
			return out, &model.ValidationError{Field: "check_out", Reason: "invalid date format; expected YYYY-MM-DD"}
		}
		out.CheckOut = &checkOut
	}
	return out, nil
}

// POST /api/v1/reservations
func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("create_reservation")

	var req CreateReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	breq, err := req.toBooking()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	res, err := s.deps.Bookings.Create(r.Context(), breq)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GET /api/v1/admin/reservations/{id}
// The full row carries guest contact details, so it is only served to operators.
func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("get_reservation")

	id, err := idParam(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.deps.Bookings.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VoucherStatus is the public view of a voucher.
type VoucherStatus struct {
	Code      string    `json:"code"`
	Valid     bool      `json:"valid"`
	Balance   int64     `json:"balance"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

// GET /api/v1/vouchers/{code}
func (s *Server) handleValidateVoucher(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("validate_voucher")

	v, err := s.deps.Vouchers.Validate(r.Context(), chi.URLParam(r, "code"))
	if v == nil {
		s.writeServiceError(w, r, err)
		return
	}
	st := VoucherStatus{Code: v.Code, Valid: err == nil, Balance: v.Balance(), ExpiresAt: v.ExpiresAt}
	if err != nil {
		st.Reason = err.Error()
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /api/v1/calendar.ics
func (s *Server) handleCalendarExport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("calendar_export")

	if s.deps.Calendar == nil {
		writeError(w, http.StatusNotFound, "calendar export is not configured")
		return
	}
	var buf bytes.Buffer
	if err := s.deps.Calendar.Export(r.Context(), &buf); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="lough-hyne.ics"`)
	_, _ = w.Write(buf.Bytes())
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &model.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func dateParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return time.Time{}, &model.ValidationError{Field: name, Reason: "invalid date format; expected YYYY-MM-DD"}
	}
	return d, nil
}
