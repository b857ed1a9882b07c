package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// Store is the persistence the notifier needs.
type Store interface {
	ListReservations(ctx context.Context, f model.ReservationFilter) ([]model.Reservation, error)
	ClaimNotification(ctx context.Context, reservationID int64, kind model.NotificationKind, staleAfter time.Duration) (bool, error)
	CompleteNotification(ctx context.Context, reservationID int64, kind model.NotificationKind, recipients []string, sentAt time.Time) error
	ReleaseNotification(ctx context.Context, reservationID int64, kind model.NotificationKind) error
}

// Config holds the day offsets of the lifecycle messages.
type Config struct {
	// PreArrivalDays is how many calendar days before check-in the pre-arrival message goes out.
	// Days are counted between civil dates in Location, not as elapsed 24h periods, so the
	// message is due for the whole of that day: a 10:00 scan seven days out still counts 7.
	PreArrivalDays int
	// CatchUpDays widens both windows so a missed scan day is made up later.
	// Zero keeps exact-day matching: a day without a scan skips that message.
	CatchUpDays int
	// ClaimTTL is how long an unfinished send blocks others before it is taken over.
	ClaimTTL time.Duration
	// Location is the property's time zone; day offsets are counted in it.
	Location *time.Location
	Property string
}

// Failure is one send that did not go out.
type Failure struct {
	ReservationID int64                  `json:"reservation_id"`
	Kind          model.NotificationKind `json:"kind"`
	Error         string                 `json:"error"`
	Permanent     bool                   `json:"permanent"`
}

// Report summarises a scan.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Scanned   int           `json:"scanned"`
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Failures  []Failure     `json:"failures,omitempty"`
}

// Notifier scans confirmed direct reservations and sends day-offset messages.
type Notifier struct {
	store   Store
	sender  *Sender
	cfg     Config
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time

	scanMu sync.Mutex

	mu   sync.RWMutex
	last *Report
}

func NewNotifier(store Store, sender *Sender, cfg Config, metrics *Metrics, logger *zerolog.Logger) *Notifier {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.CatchUpDays < 0 {
		cfg.CatchUpDays = 0
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Notifier{
		store:   store,
		sender:  sender,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "notifier").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the wall clock.
func (n *Notifier) SetClock(now func() time.Time) {
	n.now = now
}

// Scan runs one pass. A failed send never stops the pass; failures are collected in the report.
// Concurrent calls return immediately with ok=false.
func (n *Notifier) Scan(ctx context.Context) (Report, bool) {
	if !n.scanMu.TryLock() {
		n.logger.Debug().Msg("scan already in progress")
		return Report{}, false
	}
	defer n.scanMu.Unlock()

	now := n.now()
	report := Report{StartedAt: now}
	today := model.CivilDate(now, n.cfg.Location)

	// Thank-you messages look back at most CatchUpDays past departure.
	departing := today.AddDate(0, 0, -n.cfg.CatchUpDays)
	rs, err := n.store.ListReservations(ctx, model.ReservationFilter{
		Status:         []model.Status{model.StatusConfirmed},
		Origin:         model.OriginDirect,
		DepartingAfter: &departing,
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to list reservations")
		report.Failures = append(report.Failures, Failure{Error: err.Error()})
		return n.finish(report), true
	}
	report.Scanned = len(rs)

	for i := range rs {
		select {
		case <-ctx.Done():
			n.logger.Info().Int("remaining", len(rs)-i).Msg("notification scan interrupted")
			return n.finish(report), true
		default:
		}

		r := &rs[i]
		for _, kind := range n.due(r, today) {
			n.dispatch(ctx, r, kind, &report)
		}
	}
	return n.finish(report), true
}

// due lists the message kinds whose day offset matches today and that were never sent.
func (n *Notifier) due(r *model.Reservation, today time.Time) []model.NotificationKind {
	var kinds []model.NotificationKind

	daysSinceCheckOut := model.DaysBetween(r.CheckOutOrCheckIn(), today)

	// A confirmation whose first send failed is retried until the stay ends.
	if daysSinceCheckOut <= 0 && !r.HasNotification(model.NotificationConfirmation) {
		kinds = append(kinds, model.NotificationConfirmation)
	}

	daysUntilCheckIn := model.DaysBetween(today, r.CheckIn)
	if daysUntilCheckIn <= n.cfg.PreArrivalDays &&
		daysUntilCheckIn >= n.cfg.PreArrivalDays-n.cfg.CatchUpDays &&
		daysUntilCheckIn >= 0 &&
		!r.HasNotification(model.NotificationPreArrival) {
		kinds = append(kinds, model.NotificationPreArrival)
	}

	if daysSinceCheckOut >= 0 && daysSinceCheckOut <= n.cfg.CatchUpDays &&
		!r.HasNotification(model.NotificationThankYou) {
		kinds = append(kinds, model.NotificationThankYou)
	}
	return kinds
}

// SendConfirmation sends the confirmation message for a newly confirmed reservation.
func (n *Notifier) SendConfirmation(ctx context.Context, r *model.Reservation) error {
	var report Report
	n.dispatch(ctx, r, model.NotificationConfirmation, &report)
	if len(report.Failures) > 0 {
		f := report.Failures[0]
		if f.Permanent {
			return &PermanentError{Reason: f.Error}
		}
		return &sendError{msg: f.Error}
	}
	return nil
}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }

// dispatch claims, sends and records one message. The claim keeps two scanners
// (or a scan and a payment webhook) from sending the same kind twice.
func (n *Notifier) dispatch(ctx context.Context, r *model.Reservation, kind model.NotificationKind, report *Report) {
	log := n.logger.With().Int64("reservation_id", r.ID).Str("kind", string(kind)).Logger()

	claimed, err := n.store.ClaimNotification(ctx, r.ID, kind, n.cfg.ClaimTTL)
	if err != nil {
		log.Error().Err(err).Msg("claim notification")
		report.Failures = append(report.Failures, Failure{ReservationID: r.ID, Kind: kind, Error: err.Error()})
		return
	}
	if !claimed {
		report.Skipped++
		return
	}

	msg, err := Compose(kind, r, n.cfg.Property)
	if err == nil {
		msg.CreatedAt = n.now().UTC()
		err = n.sender.SendWithRetry(ctx, msg)
	}

	if err != nil {
		permanent := IsPermanent(err)
		report.Failures = append(report.Failures, Failure{ReservationID: r.ID, Kind: kind, Error: err.Error(), Permanent: permanent})
		if permanent {
			// Recorded as handled so it is not retried every scan.
			if cerr := n.store.CompleteNotification(ctx, r.ID, kind, nil, n.now()); cerr != nil {
				log.Error().Err(cerr).Msg("record undeliverable notification")
			}
			log.Warn().Err(err).Msg("notification undeliverable")
			return
		}
		if rerr := n.store.ReleaseNotification(context.WithoutCancel(ctx), r.ID, kind); rerr != nil {
			log.Error().Err(rerr).Msg("release notification claim")
		}
		log.Warn().Err(err).Msg("notification failed")
		return
	}

	if err := n.store.CompleteNotification(ctx, r.ID, kind, msg.To, n.now()); err != nil {
		// The claim stays and goes stale; the message may be sent once more after ClaimTTL.
		log.Error().Err(err).Msg("record sent notification")
		report.Failures = append(report.Failures, Failure{ReservationID: r.ID, Kind: kind, Error: err.Error()})
		return
	}
	report.Sent++
	log.Info().Msg("notification sent")
}

func (n *Notifier) finish(report Report) Report {
	report.Duration = time.Since(report.StartedAt)
	if report.Duration < 0 {
		report.Duration = 0
	}
	n.metrics.LastScanFailures.Set(float64(len(report.Failures)))

	n.mu.Lock()
	r := report
	n.last = &r
	n.mu.Unlock()

	n.logger.Info().
		Int("scanned", report.Scanned).
		Int("sent", report.Sent).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failures)).
		Dur("duration", report.Duration).
		Msg("notification scan finished")
	return report
}

// LastReport returns the most recent scan report, if any.
func (n *Notifier) LastReport() *Report {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.last == nil {
		return nil
	}
	r := *n.last
	return &r
}
