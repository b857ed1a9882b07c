package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

const namespace = "lough_hyne"

var (
	once sync.Once

	reservationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_transitions_total",
			Help:      "Count of reservation lifecycle events by event.",
		},
		[]string{"event"},
	)

	slotReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_reservations_total",
			Help:      "Slot reservation attempts by experience type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	paymentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Payment events by outcome.",
		},
		[]string{"outcome"},
	)

	calendarFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_fetch_total",
			Help:      "External calendar fetches by result.",
		},
		[]string{"result"},
	)

	calendarDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calendar_degraded",
			Help:      "1 while conflict checks run without the external calendar.",
		},
	)

	calendarImported = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_imported_total",
			Help:      "Reservations imported from the external calendar.",
		},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)

	voucherRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voucher_redemptions_total",
			Help:      "Voucher redemption attempts by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route.",
		},
		[]string{"route"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			reservationTransitions,
			slotReservations,
			paymentEvents,
			calendarFetches,
			calendarDegraded,
			calendarImported,
			circuitBreakerState,
			voucherRedemptions,
			httpRequests,
		)
	})
}

func IncReservation(event string) {
	reservationTransitions.WithLabelValues(event).Inc()
}

func IncSlotReservation(typ, outcome string) {
	slotReservations.WithLabelValues(typ, outcome).Inc()
}

func IncPaymentEvent(outcome string) {
	paymentEvents.WithLabelValues(outcome).Inc()
}

func IncCalendarFetch(result string) {
	calendarFetches.WithLabelValues(result).Inc()
}

func SetCalendarDegraded(degraded bool) {
	if degraded {
		calendarDegraded.Set(1)
		return
	}
	calendarDegraded.Set(0)
}

func AddCalendarImported(n int) {
	calendarImported.Add(float64(n))
}

func SetCircuitBreakerState(name string, state float64) {
	circuitBreakerState.WithLabelValues(name).Set(state)
}

// ObserveVoucherRedemption counts a redemption attempt under VoucherOutcome(err).
func ObserveVoucherRedemption(err error) {
	voucherRedemptions.WithLabelValues(VoucherOutcome(err)).Inc()
}

// VoucherOutcome is the voucher_redemptions_total label for a redemption result.
func VoucherOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrVoucherExpired):
		return "expired"
	case errors.Is(err, model.ErrVoucherNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func IncHTTP(route string) {
	httpRequests.WithLabelValues(route).Inc()
}
