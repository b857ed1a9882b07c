package api

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/audit"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/booking"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/calendar"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/db"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/notify"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/validation"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/voucher"
)

// StatusResponse summarises the background components for operators.
type StatusResponse struct {
	Calendar          *calendar.Status         `json:"calendar,omitempty"`
	Notifier          *notify.Report           `json:"notifier,omitempty"`
	UnmatchedPayments []model.UnmatchedPayment `json:"unmatched_payments"`
}

// GET /api/v1/admin/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_status")

	resp := StatusResponse{}
	if s.deps.Calendar != nil {
		st := s.deps.Calendar.Status()
		resp.Calendar = &st
	}
	if s.deps.Notifier != nil {
		resp.Notifier = s.deps.Notifier.LastReport()
	}
	unmatched, err := s.deps.Store.ListUnmatchedPayments(r.Context(), 20)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp.UnmatchedPayments = nonNil(unmatched)
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/admin/reservations?status=confirmed,pending&type=cabin&departing_after=YYYY-MM-DD&limit=50
func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_list_reservations")

	q := r.URL.Query()
	var f model.ReservationFilter
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			switch model.Status(st) {
			case model.StatusPending, model.StatusConfirmed, model.StatusCancelled:
				f.Status = append(f.Status, model.Status(st))
			default:
				s.writeServiceError(w, r, &model.ValidationError{Field: "status", Reason: "unknown status " + st})
				return
			}
		}
	}
	if raw := q.Get("type"); raw != "" {
		typ, err := model.ParseExperienceType(raw)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		f.ExperienceType = typ
	}
	if raw := q.Get("origin"); raw != "" {
		f.Origin = model.Origin(raw)
	}
	if q.Get("departing_after") != "" {
		d, err := dateParam(r, "departing_after", time.Time{})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		f.DepartingAfter = &d
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeServiceError(w, r, &model.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		f.Limit = n
	}

	list, err := s.deps.Bookings.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": nonNil(list)})
}

// POST /api/v1/admin/reservations/{id}/cancel
func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_cancel_reservation")

	id, err := idParam(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.deps.Bookings.Cancel(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type paymentReferenceRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=255"`
}

// PUT /api/v1/admin/reservations/{id}/payment-reference
func (s *Server) handleAttachPaymentReference(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_payment_reference")

	id, err := idParam(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req paymentReferenceRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.deps.Bookings.AttachPaymentReference(r.Context(), id, req.PaymentReference); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GET /api/v1/admin/slots?type=sauna&from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_list_slots")

	typ, err := model.ParseExperienceType(r.URL.Query().Get("type"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	from, err := dateParam(r, "from", model.CivilDate(s.opts.Now(), s.opts.Location))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	to, err := dateParam(r, "to", from.AddDate(0, 0, 30))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if model.DaysBetween(from, to) > booking.MaxAvailabilityRange {
		s.writeServiceError(w, r, &model.ValidationError{Field: "to", Reason: fmt.Sprintf("range exceeds %d days", booking.MaxAvailabilityRange)})
		return
	}

	slots, err := s.deps.Store.ListSlots(r.Context(), typ, from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": nonNil(slots)})
}

type createSlotRequest struct {
	Type     string `json:"type" validate:"required"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Time     string `json:"time,omitempty" validate:"omitempty,datetime=15:04"`
	Capacity int    `json:"capacity" validate:"gte=0"`
}

// POST /api/v1/admin/slots
func (s *Server) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_create_slot")

	var req createSlotRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	typ, err := model.ParseExperienceType(req.Type)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	slot, err := s.deps.Store.CreateSlot(r.Context(), model.SlotKey{Type: typ, Date: req.Date, Time: req.Time}, req.Capacity)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

type bulkGenerateRequest struct {
	Type     string   `json:"type" validate:"required"`
	From     string   `json:"from" validate:"required,datetime=2006-01-02"`
	To       string   `json:"to" validate:"required,datetime=2006-01-02"`
	Times    []string `json:"times,omitempty" validate:"dive,datetime=15:04"`
	Capacity *int     `json:"capacity,omitempty" validate:"omitempty,gte=0"`
}

// POST /api/v1/admin/slots/bulk
// Missing slots are created, existing ones are left alone. Times and capacity
// default to the experience catalog.
func (s *Server) handleBulkGenerate(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_bulk_generate")

	var req bulkGenerateRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	typ, err := model.ParseExperienceType(req.Type)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	from, _ := model.ParseDate(req.From)
	to, _ := model.ParseDate(req.To)
	if model.DaysBetween(from, to) > 366 {
		s.writeServiceError(w, r, &model.ValidationError{Field: "to", Reason: "range exceeds 366 days"})
		return
	}

	gen := db.BulkGenerateRequest{Type: typ, From: from, To: to, Times: req.Times}
	if s.deps.Catalog != nil {
		cat := s.deps.Catalog.Current()
		gen.Closed = cat.IsClosed
		if exp, ok := cat.Experience(typ); ok {
			gen.Capacity = exp.Capacity
			if len(gen.Times) == 0 && !typ.Nightly() {
				gen.Times = exp.TimeSlots
			}
		}
	}
	if req.Capacity != nil {
		gen.Capacity = *req.Capacity
	}
	if gen.Capacity <= 0 && req.Capacity == nil {
		s.writeServiceError(w, r, &model.ValidationError{Field: "capacity", Reason: "is required for experiences outside the catalog"})
		return
	}

	created, err := s.deps.Store.BulkGenerate(r.Context(), gen)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

type setBlockedRequest struct {
	Blocked *bool `json:"blocked" validate:"required"`
}

// PUT /api/v1/admin/slots/{id}/blocked
func (s *Server) handleSetBlocked(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_set_blocked")

	id, err := idParam(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req setBlockedRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.deps.Store.SetSlotBlocked(r.Context(), id, *req.Blocked); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	slot, err := s.deps.Store.GetSlotByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// DELETE /api/v1/admin/slots?type=yoga
func (s *Server) handleDeleteSlotsByType(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_delete_slots")

	typ, err := model.ParseExperienceType(r.URL.Query().Get("type"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	deleted, kept, err := s.deps.Store.DeleteSlotsByType(r.Context(), typ)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "kept_occupied": kept})
}

// POST /api/v1/admin/vouchers
func (s *Server) handleIssueVoucher(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_issue_voucher")

	var req voucher.IssueRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	v, err := s.deps.Vouchers.Issue(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// GET /api/v1/admin/vouchers/{code}
func (s *Server) handleGetVoucher(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_get_voucher")

	v, err := s.deps.Vouchers.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type redeemRequest struct {
	ReservationID int64 `json:"reservation_id" validate:"required,gt=0"`
	Amount        int64 `json:"amount" validate:"required,gt=0"`
}

// POST /api/v1/admin/vouchers/{code}/redeem
func (s *Server) handleRedeemVoucher(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_redeem_voucher")

	var req redeemRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	v, err := s.deps.Vouchers.Redeem(r.Context(), chi.URLParam(r, "code"), req.ReservationID, req.Amount)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GET /api/v1/admin/payments/unmatched?limit=100
func (s *Server) handleUnmatchedPayments(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_unmatched_payments")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeServiceError(w, r, &model.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := s.deps.Store.ListUnmatchedPayments(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": nonNil(list)})
}

// POST /api/v1/admin/calendar/sync
func (s *Server) handleCalendarSync(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_calendar_sync")

	if s.deps.Calendar == nil {
		writeError(w, http.StatusNotFound, "calendar sync is not configured")
		return
	}
	res, err := s.deps.Calendar.Sync(r.Context())
	if err != nil {
		// The feed being down is reported, not failed: bookings keep working.
		writeJSON(w, http.StatusOK, map[string]any{"result": res, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

// POST /api/v1/admin/notifier/run
func (s *Server) handleNotifierRun(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_notifier_run")

	if s.deps.Notifier == nil {
		writeError(w, http.StatusNotFound, "notifier is not configured")
		return
	}
	report, ok := s.deps.Notifier.Scan(r.Context())
	if !ok {
		writeError(w, http.StatusConflict, "a scan is already running")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /api/v1/admin/export.xlsx
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_export")

	if s.deps.Exporter == nil {
		writeError(w, http.StatusNotFound, "export is not configured")
		return
	}
	var buf bytes.Buffer
	if err := s.deps.Exporter.Export(r.Context(), &buf); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, audit.Filename(s.opts.Now())))
	_, _ = w.Write(buf.Bytes())
}

// POST /api/v1/admin/backup
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_backup")

	name := fmt.Sprintf("lough_hyne_%s.db", s.opts.Now().UTC().Format("20060102_150405"))
	dest := filepath.Join(s.opts.BackupDir, name)
	if err := s.deps.Store.Backup(r.Context(), dest); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info().Str("path", dest).Msg("manual backup written")
	writeJSON(w, http.StatusOK, map[string]any{"path": dest})
}

// decodeAndValidate decodes a JSON body and applies its validate tags.
func (s *Server) decodeAndValidate(r *http.Request, v any) error {
	if err := decodeJSON(r, v); err != nil {
		return err
	}
	if err := s.validate.Struct(v); err != nil {
		return validation.Error(err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
