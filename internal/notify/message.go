// Package notify sends the reservation lifecycle messages: confirmation,
// pre-arrival and thank-you.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// Message is one outbound email.
type Message struct {
	ReservationID int64                  `json:"reservation_id"`
	Kind          model.NotificationKind `json:"kind"`
	To            []string               `json:"to"`
	Subject       string                 `json:"subject"`
	Body          string                 `json:"body"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Mailer delivers a message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// PermanentError is a failure that retrying cannot fix.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Reason
}

// IsPermanent reports whether err is or wraps a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RedisOutbox queues messages on a Redis list for the mail relay.
type RedisOutbox struct {
	client *redis.Client
	key    string
}

func NewRedisOutbox(client *redis.Client, key string) *RedisOutbox {
	if key == "" {
		key = "mail:outbox"
	}
	return &RedisOutbox{client: client, key: key}
}

func (o *RedisOutbox) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &PermanentError{Reason: err.Error()}
	}
	if err := o.client.LPush(ctx, o.key, data).Err(); err != nil {
		return fmt.Errorf("queue message: %w", err)
	}
	return nil
}

// Len returns the number of queued messages.
func (o *RedisOutbox) Len(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.key).Result()
}

// LogMailer writes messages to the log. Used when no outbox is configured.
type LogMailer struct {
	logger zerolog.Logger
}

func NewLogMailer(logger *zerolog.Logger) *LogMailer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &LogMailer{logger: logger.With().Str("component", "mailer").Logger()}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info().
		Int64("reservation_id", msg.ReservationID).
		Str("kind", string(msg.Kind)).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("message")
	return nil
}

// Compose renders the message of kind for r.
func Compose(kind model.NotificationKind, r *model.Reservation, property string) (Message, error) {
	to := r.Recipients()
	if len(to) == 0 {
		return Message{}, &PermanentError{Reason: "reservation has no email address"}
	}
	if property == "" {
		property = "Lough Hyne Cottage"
	}

	msg := Message{ReservationID: r.ID, Kind: kind, To: to}
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", r.CustomerName)

	when := describeDates(r)
	switch kind {
	case model.NotificationConfirmation:
		msg.Subject = fmt.Sprintf("Your booking at %s is confirmed", property)
		fmt.Fprintf(&b, "Thank you for your payment. Your %s booking for %s is confirmed (reference #%d).\n", r.ExperienceType, when, r.ID)
		if r.AmountDue != r.PriceTotal {
			fmt.Fprintf(&b, "A gift voucher covered %s of the total.\n", money(r.PriceTotal-r.AmountDue))
		}
		if r.SaunaAddOn {
			b.WriteString("Your evening sauna sessions are reserved for each night of your stay.\n")
		}
	case model.NotificationPreArrival:
		msg.Subject = fmt.Sprintf("Getting ready for your visit to %s", property)
		fmt.Fprintf(&b, "We look forward to welcoming you for %s.\n", when)
		b.WriteString("Check-in is from 3pm. Directions and arrival details follow in a separate note from your host.\n")
	case model.NotificationThankYou:
		msg.Subject = fmt.Sprintf("Thank you for staying at %s", property)
		b.WriteString("Thank you for visiting us. We hope you enjoyed your time by the lough and would love to see you again.\n")
	default:
		return Message{}, &PermanentError{Reason: "unknown notification kind " + string(kind)}
	}
	fmt.Fprintf(&b, "\nWarm regards,\n%s\n", property)
	msg.Body = b.String()
	return msg, nil
}

func describeDates(r *model.Reservation) string {
	if r.CheckOut != nil {
		return fmt.Sprintf("%s to %s", r.CheckIn.Format("Mon 2 Jan 2006"), r.CheckOut.Format("Mon 2 Jan 2006"))
	}
	if r.TimeSlot != "" {
		return fmt.Sprintf("%s at %s", r.CheckIn.Format("Mon 2 Jan 2006"), r.TimeSlot)
	}
	return r.CheckIn.Format("Mon 2 Jan 2006")
}

func money(cents int64) string {
	return fmt.Sprintf("€%d.%02d", cents/100, cents%100)
}
