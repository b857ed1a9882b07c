// Package api is the HTTP surface of the reservation engine: guest booking
// endpoints, payment webhooks, the calendar export and the admin API.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/booking"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/calendar"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/config"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/db"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/notify"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/payment"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/validation"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/voucher"
)

// Bookings is the reservation state machine.
type Bookings interface {
	Create(ctx context.Context, req booking.CreateRequest) (*model.Reservation, error)
	Get(ctx context.Context, id int64) (*model.Reservation, error)
	List(ctx context.Context, f model.ReservationFilter) ([]model.Reservation, error)
	Cancel(ctx context.Context, id int64) (*model.Reservation, error)
	AttachPaymentReference(ctx context.Context, id int64, ref string) error
	Availability(ctx context.Context, typ model.ExperienceType, from, to time.Time) ([]booking.DayAvailability, error)
}

// Store is the slot administration and reconciliation part of the database.
type Store interface {
	CreateSlot(ctx context.Context, key model.SlotKey, capacity int) (*model.AvailabilitySlot, error)
	GetSlotByID(ctx context.Context, id int64) (*model.AvailabilitySlot, error)
	SetSlotBlocked(ctx context.Context, id int64, blocked bool) error
	BulkGenerate(ctx context.Context, req db.BulkGenerateRequest) (int, error)
	ListSlots(ctx context.Context, typ model.ExperienceType, from, to time.Time) ([]model.AvailabilitySlot, error)
	DeleteSlotsByType(ctx context.Context, typ model.ExperienceType) (deleted, kept int64, err error)
	ListUnmatchedPayments(ctx context.Context, limit int) ([]model.UnmatchedPayment, error)
	Backup(ctx context.Context, dest string) error
}

// Payments applies payment events.
type Payments interface {
	Process(ctx context.Context, ev payment.Event) (*payment.Result, error)
}

// Calendar is the external calendar reconciler.
type Calendar interface {
	Sync(ctx context.Context) (calendar.SyncResult, error)
	Status() calendar.Status
	Export(ctx context.Context, w io.Writer) error
}

// Vouchers is the voucher ledger.
type Vouchers interface {
	Issue(ctx context.Context, req voucher.IssueRequest) (*model.Voucher, error)
	Validate(ctx context.Context, code string) (*model.Voucher, error)
	Redeem(ctx context.Context, code string, reservationID, amount int64) (*model.Voucher, error)
	Get(ctx context.Context, code string) (*model.Voucher, error)
}

// Notifier runs lifecycle notification scans on demand.
type Notifier interface {
	Scan(ctx context.Context) (notify.Report, bool)
	LastReport() *notify.Report
}

// Exporter writes the spreadsheet export.
type Exporter interface {
	Export(ctx context.Context, w io.Writer) error
}

// Deps are the components served over HTTP. Calendar, Notifier and Exporter may be nil.
type Deps struct {
	Bookings Bookings
	Store    Store
	Payments Payments
	Verifier *payment.Verifier
	Calendar Calendar
	Vouchers Vouchers
	Notifier Notifier
	Exporter Exporter
	Catalog  *config.Catalog
}

// Options tune the server.
type Options struct {
	// AdminAPIKey guards /api/v1/admin; an empty key disables the admin API.
	AdminAPIKey string
	// RateLimitPerMinute applies per client IP to the public endpoints.
	RateLimitPerMinute int
	BackupDir          string
	Location           *time.Location
	Now                func() time.Time
}

// Server holds handler dependencies.
type Server struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewServer(deps Deps, opts Options, logger *zerolog.Logger) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackupDir == "" {
		opts.BackupDir = "backups"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Server{
		deps:     deps,
		opts:     opts,
		validate: validation.New(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.opts.RateLimitPerMinute > 0 {
				r.Use(httprate.LimitByIP(s.opts.RateLimitPerMinute, time.Minute))
			}
			r.Get("/experiences", s.handleExperiences)
			r.Get("/availability/{type}", s.handleAvailability)
			r.Post("/reservations", s.handleCreateReservation)
			r.Get("/vouchers/{code}", s.handleValidateVoucher)
			r.Get("/calendar.ics", s.handleCalendarExport)
		})

		// Webhooks are retried by the provider and are not rate limited.
		r.Post("/payments/webhook", s.handlePaymentWebhook)
		r.Post("/payments/stripe", s.handleStripeWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAPIKey)

			r.Get("/status", s.handleStatus)

			r.Get("/reservations", s.handleListReservations)
			r.Get("/reservations/{id}", s.handleGetReservation)
			r.Post("/reservations/{id}/cancel", s.handleCancelReservation)
			r.Put("/reservations/{id}/payment-reference", s.handleAttachPaymentReference)

			r.Get("/slots", s.handleListSlots)
			r.Post("/slots", s.handleCreateSlot)
			r.Post("/slots/bulk", s.handleBulkGenerate)
			r.Put("/slots/{id}/blocked", s.handleSetBlocked)
			r.Delete("/slots", s.handleDeleteSlotsByType)

			r.Post("/vouchers", s.handleIssueVoucher)
			r.Get("/vouchers/{code}", s.handleGetVoucher)
			r.Post("/vouchers/{code}/redeem", s.handleRedeemVoucher)

			r.Get("/payments/unmatched", s.handleUnmatchedPayments)
			r.Post("/calendar/sync", s.handleCalendarSync)
			r.Post("/notifier/run", s.handleNotifierRun)
			r.Get("/export.xlsx", s.handleExport)
			r.Post("/backup", s.handleBackup)
		})
	})
	return r
}
