// Package booking owns the reservation lifecycle: creation, confirmation by payment and cancellation.
package booking

import "github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"

// FSM holds the allowed transitions of both reservation tracks.
type FSM struct {
	status  map[model.Status][]model.Status
	payment map[model.PaymentStatus][]model.PaymentStatus
}

// NewFSM creates an FSM with the reservation transition tables.
func NewFSM() *FSM {
	return &FSM{
		status: map[model.Status][]model.Status{
			model.StatusPending:   {model.StatusConfirmed, model.StatusCancelled},
			model.StatusConfirmed: {model.StatusCancelled},
			model.StatusCancelled: {},
		},
		payment: map[model.PaymentStatus][]model.PaymentStatus{
			model.PaymentPending:  {model.PaymentPaid, model.PaymentFailed},
			model.PaymentFailed:   {model.PaymentPaid, model.PaymentPending},
			model.PaymentPaid:     {},
			model.PaymentExternal: {},
		},
	}
}

// CanTransition checks if a status transition is allowed.
func (f *FSM) CanTransition(from, to model.Status) bool {
	for _, s := range f.status[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPayment checks if a payment transition is allowed.
func (f *FSM) CanTransitionPayment(from, to model.PaymentStatus) bool {
	if from == to {
		return true
	}
	for _, s := range f.payment[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Check validates a combined transition.
func (f *FSM) Check(r *model.Reservation, to model.Status, toPayment model.PaymentStatus) error {
	if !f.CanTransition(r.Status, to) || !f.CanTransitionPayment(r.PaymentStatus, toPayment) {
		return model.ErrInvalidTransition
	}
	return nil
}
