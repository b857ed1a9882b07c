package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/config"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// Source returns the raw external feed.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Importer stores one external booking; it returns model.ErrDuplicateExternalEvent for known uids.
type Importer interface {
	ImportExternal(ctx context.Context, ev model.ExternalEvent) (*model.Reservation, error)
}

// ReservationLister lists local reservations for export.
type ReservationLister interface {
	List(ctx context.Context, f model.ReservationFilter) ([]model.Reservation, error)
}

// Alerter forwards operational problems to staff.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// Options configure a Reconciler.
type Options struct {
	Location *time.Location
	// CacheTTL is how long a fetched feed answers conflict checks before it is fetched again.
	CacheTTL  time.Duration
	ProductID string
	UIDDomain string
	Catalog   *config.Catalog
	Alerter   Alerter
	Now       func() time.Time
}

// SyncResult summarises one import pass.
type SyncResult struct {
	At       time.Time `json:"at"`
	Fetched  int       `json:"fetched"`
	Skipped  int       `json:"skipped"`
	Imported int       `json:"imported"`
	Existing int       `json:"existing"`
	Overlaps int       `json:"overlaps"`
	Failed   int       `json:"failed"`
	Degraded bool      `json:"degraded"`
}

// Status is the observable state of the reconciler.
type Status struct {
	Degraded  bool        `json:"degraded"`
	LastError string      `json:"last_error,omitempty"`
	CheckedAt time.Time   `json:"checked_at,omitempty"`
	Events    int         `json:"events"`
	LastSync  *SyncResult `json:"last_sync,omitempty"`
}

// Reconciler treats the external feed as a read-only source of truth for the dates it holds.
type Reconciler struct {
	source   Source
	importer Importer
	lister   ReservationLister
	opts     Options
	logger   zerolog.Logger

	refreshMu sync.Mutex

	mu        sync.RWMutex
	events    []model.ExternalEvent
	checkedAt time.Time
	degraded  bool
	lastErr   error
	lastSync  *SyncResult
}

func NewReconciler(source Source, importer Importer, lister ReservationLister, opts Options, logger *zerolog.Logger) *Reconciler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProductID == "" {
		opts.ProductID = "-//Lough Hyne Cottage//Bookings//EN"
	}
	if opts.UIDDomain == "" {
		opts.UIDDomain = "loughhyne.local"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Reconciler{
		source:   source,
		importer: importer,
		lister:   lister,
		opts:     opts,
		logger:   logger.With().Str("component", "calendar").Logger(),
	}
}

// Events returns the current external events. When the feed cannot be obtained it
// returns no events and degraded=true: bookings proceed on local inventory only.
func (r *Reconciler) Events(ctx context.Context) ([]model.ExternalEvent, bool) {
	if events, degraded, ok := r.cached(); ok {
		return events, degraded
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if events, degraded, ok := r.cached(); ok {
		return events, degraded
	}
	_, _, _ = r.refresh(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events, r.degraded
}

func (r *Reconciler) cached() ([]model.ExternalEvent, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.checkedAt.IsZero() || r.opts.CacheTTL <= 0 || r.opts.Now().Sub(r.checkedAt) >= r.opts.CacheTTL {
		return nil, false, false
	}
	return r.events, r.degraded, true
}

// refresh fetches and parses the feed. Callers hold refreshMu.
func (r *Reconciler) refresh(ctx context.Context) (events []model.ExternalEvent, skipped int, err error) {
	body, err := r.source.Fetch(ctx)
	if err == nil {
		events, skipped, err = Parse(bytes.NewReader(body), r.opts.Location)
	}

	r.mu.Lock()
	wasDegraded := r.degraded
	r.checkedAt = r.opts.Now()
	r.lastErr = err
	if err != nil {
		r.events = nil
		r.degraded = true
	} else {
		r.events = events
		r.degraded = false
	}
	r.mu.Unlock()

	metrics.SetCalendarDegraded(err != nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("external calendar unavailable; conflict checks use local inventory only")
		if !wasDegraded {
			r.alert(ctx, "External calendar unavailable, bookings are checked against local inventory only: "+err.Error())
		}
		return nil, 0, err
	}
	if wasDegraded {
		r.logger.Info().Int("events", len(events)).Msg("external calendar recovered")
	}
	if skipped > 0 {
		r.logger.Warn().Int("skipped", skipped).Msg("malformed external events skipped")
	}
	return events, skipped, nil
}

// HasConflict reports whether date is held by an external event. It answers false in degraded mode.
func (r *Reconciler) HasConflict(ctx context.Context, date time.Time) bool {
	events, _ := r.Events(ctx)
	return Conflicts(events, date, r.opts.Location)
}

// Conflicts reports whether the civil date falls inside [start, end) of any event.
// The check-out day of an event is free.
func Conflicts(events []model.ExternalEvent, date time.Time, loc *time.Location) bool {
	d := model.CivilDate(date, time.UTC)
	for _, ev := range events {
		start, end := ev.Nights(loc)
		if !d.Before(start) && d.Before(end) {
			return true
		}
	}
	return false
}

// Sync fetches the feed and imports every event not seen before.
func (r *Reconciler) Sync(ctx context.Context) (SyncResult, error) {
	r.refreshMu.Lock()
	events, skipped, err := r.refresh(ctx)
	r.refreshMu.Unlock()

	res := SyncResult{At: r.opts.Now(), Skipped: skipped}
	if err != nil {
		res.Degraded = true
		r.storeSync(res)
		return res, err
	}

	res.Fetched = len(events)
	for _, ev := range events {
		rsv, err := r.importer.ImportExternal(ctx, ev)
		switch {
		case errors.Is(err, model.ErrDuplicateExternalEvent):
			res.Existing++
		case model.IsValidation(err):
			res.Skipped++
		case err != nil:
			res.Failed++
			r.logger.Error().Err(err).Str("uid", ev.UID).Msg("import external event")
		default:
			res.Imported++
			if !rsv.OccupancyApplied {
				res.Overlaps++
				r.alert(ctx, fmt.Sprintf("External booking %s (%s to %s) overlaps a local reservation. Check for a double booking.",
					ev.UID, model.FormatDate(rsv.CheckIn), model.FormatDate(rsv.CheckOutOrCheckIn())))
			}
		}
	}

	metrics.AddCalendarImported(res.Imported)
	r.storeSync(res)
	r.logger.Info().
		Int("fetched", res.Fetched).
		Int("imported", res.Imported).
		Int("existing", res.Existing).
		Int("overlaps", res.Overlaps).
		Int("failed", res.Failed).
		Msg("external calendar synced")
	return res, nil
}

func (r *Reconciler) storeSync(res SyncResult) {
	r.mu.Lock()
	r.lastSync = &res
	r.mu.Unlock()
}

// Run syncs immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if _, err := r.Sync(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("initial calendar sync failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.Sync(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("calendar sync failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Status returns a snapshot for health and admin endpoints.
func (r *Reconciler) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{
		Degraded:  r.degraded,
		CheckedAt: r.checkedAt,
		Events:    len(r.events),
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	if r.lastSync != nil {
		s := *r.lastSync
		st.LastSync = &s
	}
	return st
}

// Export writes confirmed direct reservations as an iCalendar document.
// Imported reservations are never exported back.
func (r *Reconciler) Export(ctx context.Context, w io.Writer) error {
	rs, err := r.lister.List(ctx, model.ReservationFilter{
		Status: []model.Status{model.StatusConfirmed},
		Origin: model.OriginDirect,
	})
	if err != nil {
		return err
	}

	events := make([]Event, 0, len(rs))
	for i := range rs {
		ev, ok := r.exportEvent(&rs[i])
		if ok {
			events = append(events, ev)
		}
	}
	return Encode(w, r.opts.ProductID, r.opts.Now(), events)
}

func (r *Reconciler) exportEvent(rsv *model.Reservation) (Event, bool) {
	ev := Event{
		UID:     "reservation-" + strconv.FormatInt(rsv.ID, 10) + "@" + r.opts.UIDDomain,
		Summary: "Reserved",
	}
	exp := r.experience(rsv.ExperienceType)
	if exp != nil && exp.Name != "" {
		ev.Summary = exp.Name
	}

	if rsv.ExperienceType.Nightly() {
		if rsv.CheckOut == nil {
			return ev, false
		}
		ev.AllDay = true
		ev.Start = rsv.CheckIn
		ev.End = *rsv.CheckOut
		return ev, true
	}

	if rsv.TimeSlot == "" {
		ev.AllDay = true
		ev.Start = rsv.CheckIn
		ev.End = rsv.CheckIn.AddDate(0, 0, 1)
		return ev, true
	}
	hh, mm, ok := strings.Cut(rsv.TimeSlot, ":")
	if !ok {
		return ev, false
	}
	hour, err1 := strconv.Atoi(hh)
	minute, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil {
		return ev, false
	}
	y, m, d := rsv.CheckIn.Date()
	ev.Start = time.Date(y, m, d, hour, minute, 0, 0, r.opts.Location)
	duration := time.Hour
	if exp != nil {
		duration = exp.Duration()
	}
	ev.End = ev.Start.Add(duration)
	return ev, true
}

func (r *Reconciler) experience(t model.ExperienceType) *config.ExperienceConfig {
	if r.opts.Catalog == nil {
		return nil
	}
	exp, ok := r.opts.Catalog.Experience(t)
	if !ok {
		return nil
	}
	return exp
}

func (r *Reconciler) alert(ctx context.Context, text string) {
	if r.opts.Alerter != nil {
		r.opts.Alerter.Alert(ctx, text)
	}
}
