package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

type claimKey struct {
	id   int64
	kind model.NotificationKind
}

// mockStore keeps reservations and notification claims in memory.
type mockStore struct {
	mu      sync.Mutex
	rs      map[int64]*model.Reservation
	claims  map[claimKey]time.Time
	listErr error
}

func newMockStore(rs ...model.Reservation) *mockStore {
	m := &mockStore{rs: make(map[int64]*model.Reservation), claims: make(map[claimKey]time.Time)}
	for i := range rs {
		r := rs[i]
		m.rs[r.ID] = &r
	}
	return m
}

func (m *mockStore) ListReservations(_ context.Context, f model.ReservationFilter) ([]model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.Reservation
	for _, r := range m.rs {
		if f.Origin != "" && r.Origin != f.Origin {
			continue
		}
		if len(f.Status) > 0 && r.Status != f.Status[0] {
			continue
		}
		if f.DepartingAfter != nil && r.CheckOutOrCheckIn().Before(*f.DepartingAfter) {
			continue
		}
		c := *r
		c.NotificationLog = append([]model.NotificationRecord(nil), r.NotificationLog...)
		out = append(out, c)
	}
	return out, nil
}

func (m *mockStore) ClaimNotification(_ context.Context, id int64, kind model.NotificationKind, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rs[id] != nil && m.rs[id].HasNotification(kind) {
		return false, nil
	}
	k := claimKey{id, kind}
	if _, ok := m.claims[k]; ok {
		return false, nil
	}
	m.claims[k] = time.Now()
	return true, nil
}

func (m *mockStore) CompleteNotification(_ context.Context, id int64, kind model.NotificationKind, recipients []string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, claimKey{id, kind})
	if r := m.rs[id]; r != nil {
		r.NotificationLog = append(r.NotificationLog, model.NotificationRecord{Kind: kind, SentAt: sentAt, Recipients: recipients})
	}
	return nil
}

func (m *mockStore) ReleaseNotification(_ context.Context, id int64, kind model.NotificationKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, claimKey{id, kind})
	return nil
}

func (m *mockStore) log(id int64) []model.NotificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.NotificationRecord(nil), m.rs[id].NotificationLog...)
}

// recordingMailer records sends and fails for addresses in failFor.
type recordingMailer struct {
	mu      sync.Mutex
	sent    []Message
	calls   int
	failFor map[string]error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	for _, to := range msg.To {
		if err, ok := m.failFor[to]; ok {
			return err
		}
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) count(kind model.NotificationKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.sent {
		if msg.Kind == kind {
			n++
		}
	}
	return n
}

func civil(s string) time.Time {
	t, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func stay(id int64, email, in, out string) model.Reservation {
	checkOut := civil(out)
	return model.Reservation{
		ID:             id,
		ExperienceType: model.ExperienceCabin,
		CustomerName:   "Aoife",
		CustomerEmail:  email,
		CheckIn:        civil(in),
		CheckOut:       &checkOut,
		GuestCount:     2,
		PriceTotal:     30000,
		AmountDue:      30000,
		Status:         model.StatusConfirmed,
		PaymentStatus:  model.PaymentPaid,
		Origin:         model.OriginDirect,
		NotificationLog: []model.NotificationRecord{
			{Kind: model.NotificationConfirmation, SentAt: civil("2030-05-01"), Recipients: []string{email}},
		},
	}
}

func noRetry() RetryConfig {
	return RetryConfig{MaxRetries: 0}
}

func newTestNotifier(store Store, mailer Mailer, cfg Config) *Notifier {
	if cfg.PreArrivalDays == 0 {
		cfg.PreArrivalDays = 7
	}
	return NewNotifier(store, NewSender(mailer, 0, noRetry(), nil, nil), cfg, nil, nil)
}

func TestPreArrivalSentOnceAcrossHourlyScans(t *testing.T) {
	store := newMockStore(stay(1, "guest@example.com", "2030-06-10", "2030-06-12"))
	mailer := &recordingMailer{}
	n := newTestNotifier(store, mailer, Config{})

	now := time.Date(2030, 6, 2, 0, 30, 0, 0, time.UTC)
	n.SetClock(func() time.Time { return now })

	for i := 0; i < 8*24; i++ {
		_, ok := n.Scan(context.Background())
		require.True(t, ok)
		now = now.Add(time.Hour)
	}

	assert.Equal(t, 1, mailer.count(model.NotificationPreArrival))
	assert.Equal(t, 0, mailer.count(model.NotificationThankYou))
	assert.Equal(t, 0, mailer.count(model.NotificationConfirmation))

	log := store.log(1)
	require.Len(t, log, 2)
	assert.Equal(t, model.NotificationPreArrival, log[1].Kind)
	assert.Equal(t, []string{"guest@example.com"}, log[1].Recipients)
	assert.Equal(t, "2030-06-03", log[1].SentAt.Format("2006-01-02"), "sent on the day exactly seven days out")
}

func TestPreArrivalCountsCalendarDays(t *testing.T) {
	store := newMockStore(stay(1, "guest@example.com", "2030-06-10", "2030-06-12"))
	mailer := &recordingMailer{}
	n := newTestNotifier(store, mailer, Config{})

	// 6 days 13.5 hours before check-in, but the 3rd is seven calendar days out.
	n.SetClock(func() time.Time { return time.Date(2030, 6, 3, 10, 30, 0, 0, time.UTC) })
	report, ok := n.Scan(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, mailer.count(model.NotificationPreArrival))
}

func TestExactMatchSkipsMissedDay(t *testing.T) {
	store := newMockStore(stay(1, "guest@example.com", "2030-06-10", "2030-06-12"))
	mailer := &recordingMailer{}
	n := newTestNotifier(store, mailer, Config{})

	// First scan happens six days out.
	n.SetClock(func() time.Time { return time.Date(2030, 6, 4, 9, 0, 0, 0, time.UTC) })
	n.Scan(context.Background())
	assert.Equal(t, 0, mailer.count(model.NotificationPreArrival))

	caughtUp := newMockStore(stay(1, "guest@example.com", "2030-06-10", "2030-06-12"))
	m2 := &recordingMailer{}
	n2 := newTestNotifier(caughtUp, m2, Config{CatchUpDays: 2})
	n2.SetClock(func() time.Time { return time.Date(2030, 6, 4, 9, 0, 0, 0, time.UTC) })
	n2.Scan(context.Background())
	assert.Equal(t, 1, m2.count(model.NotificationPreArrival))
}

func TestThankYouOnDepartureDay(t *testing.T) {
	store := newMockStore(stay(1, "guest@example.com", "2030-06-10", "2030-06-12"))
	store.rs[1].NotificationLog = append(store.rs[1].NotificationLog, model.NotificationRecord{Kind: model.NotificationPreArrival})
	mailer := &recordingMailer{}
	n := newTestNotifier(store, mailer, Config{})

	n.SetClock(func() time.Time { return time.Date(2030, 6, 11, 23, 0, 0, 0, time.UTC) })
	n.Scan(context.Background())
	assert.Equal(t, 0, mailer.count(model.NotificationThankYou))

	n.SetClock(func() time.Time { return time.Date(2030, 6, 12, 8, 0, 0, 0, time.UTC) })
	report, _ := n.Scan(context.Background())
	assert.Equal(t, 1, report.Sent)
	n.Scan(context.Background())
	assert.Equal(t, 1, mailer.count(model.NotificationThankYou))
}

func TestDayOffsetsUseLocalCalendar(t *testing.T) {
	dublin, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)

	store := newMockStore(stay(1, "guest@example.com", "2030-07-08", "2030-07-10"))
	mailer := &recordingMailer{}
	n := newTestNotifier(store, mailer, Config{Location: dublin})

	// 23:30 UTC on 30 June is already 1 July in Dublin (IST).
	n.SetClock(func() time.Time { return time.Date(2030, 6, 30, 23, 30, 0, 0, time.UTC) })
	n.Scan(context.Background())
	assert.Equal(t, 1, mailer.count(model.NotificationPreArrival))
}

func TestScanCollectsFailures(t *testing.T) {
	noEmail := stay(3, "", "2030-06-10", "2030-06-12")
	noEmail.NotificationLog = nil
	store := newMockStore(
		stay(1, "down@example.com", "2030-06-10", "2030-06-12"),
		stay(2, "ok@example.com", "2030-06-10", "2030-06-12"),
		noEmail,
	)
	mailer := &recordingMailer{failFor: map[string]error{"down@example.com": errors.New("relay unavailable")}}
	n := newTestNotifier(store, mailer, Config{})
	n.SetClock(func() time.Time { return time.Date(2030, 6, 3, 9, 0, 0, 0, time.UTC) })

	report, ok := n.Scan(context.Background())
	require.True(t, ok)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, report.Failures, 3, "transient failure plus two undeliverable messages for the reservation without email")

	byID := map[int64][]Failure{}
	for _, f := range report.Failures {
		byID[f.ReservationID] = append(byID[f.ReservationID], f)
	}
	require.Len(t, byID[1], 1)
	assert.False(t, byID[1][0].Permanent)
	require.Len(t, byID[3], 2)
	assert.True(t, byID[3][0].Permanent)

	// The transient failure is retried on the next scan, the permanent ones are not.
	delete(mailer.failFor, "down@example.com")
	report, _ = n.Scan(context.Background())
	assert.Equal(t, 1, report.Sent)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 2, mailer.count(model.NotificationPreArrival))

	last := n.LastReport()
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Sent)
}

func TestScanListFailure(t *testing.T) {
	store := newMockStore()
	store.listErr = errors.New("database is locked")
	n := newTestNotifier(store, &recordingMailer{}, Config{})

	report, ok := n.Scan(context.Background())
	require.True(t, ok)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Error, "locked")
}

func TestSendConfirmationOnce(t *testing.T) {
	r := stay(1, "guest@example.com", "2030-06-10", "2030-06-12")
	r.NotificationLog = nil
	store := newMockStore(r)
	mailer := &recordingMailer{}
	n := newTestNotifier(store, mailer, Config{})

	require.NoError(t, n.SendConfirmation(context.Background(), &r))
	require.NoError(t, n.SendConfirmation(context.Background(), &r))
	assert.Equal(t, 1, mailer.count(model.NotificationConfirmation))

	r.ID = 9
	r.CustomerEmail = ""
	store.rs[9] = &r
	err := n.SendConfirmation(context.Background(), &r)
	assert.True(t, IsPermanent(err))
}

func TestMissingConfirmationCaughtUpByScan(t *testing.T) {
	r := stay(1, "guest@example.com", "2030-06-20", "2030-06-22")
	r.NotificationLog = nil
	store := newMockStore(r)
	mailer := &recordingMailer{}
	n := newTestNotifier(store, mailer, Config{})
	n.SetClock(func() time.Time { return time.Date(2030, 6, 2, 9, 0, 0, 0, time.UTC) })

	n.Scan(context.Background())
	n.Scan(context.Background())
	assert.Equal(t, 1, mailer.count(model.NotificationConfirmation))
}

func TestSenderRetries(t *testing.T) {
	flaky := &flakyMailer{failures: 2}
	s := NewSender(flaky, 0, RetryConfig{MaxRetries: 3, RetryDelays: []time.Duration{time.Millisecond}}, nil, nil)
	require.NoError(t, s.SendWithRetry(context.Background(), Message{Kind: model.NotificationThankYou}))
	assert.Equal(t, 3, flaky.calls)

	rejecting := &flakyMailer{failures: 5, err: &PermanentError{Reason: "mailbox does not exist"}}
	s = NewSender(rejecting, 0, RetryConfig{MaxRetries: 3, RetryDelays: []time.Duration{time.Millisecond}}, nil, nil)
	err := s.SendWithRetry(context.Background(), Message{Kind: model.NotificationThankYou})
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, rejecting.calls)

	down := &flakyMailer{failures: 10}
	s = NewSender(down, 0, RetryConfig{MaxRetries: 2}, nil, nil)
	assert.Error(t, s.SendWithRetry(context.Background(), Message{}))
	assert.Equal(t, 3, down.calls)
}

type flakyMailer struct {
	failures int
	calls    int
	err      error
}

func (m *flakyMailer) Send(context.Context, Message) error {
	m.calls++
	if m.calls <= m.failures {
		if m.err != nil {
			return m.err
		}
		return errors.New("temporary failure")
	}
	return nil
}

func TestRedisOutbox(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	outbox := NewRedisOutbox(client, "")
	r := stay(4, "guest@example.com", "2030-06-10", "2030-06-12")
	r.VoucherCode = "LH-1"
	r.AmountDue = 10000
	msg, err := Compose(model.NotificationConfirmation, &r, "")
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "€200.00")
	assert.Contains(t, msg.Subject, "Lough Hyne Cottage")

	require.NoError(t, outbox.Send(context.Background(), msg))
	n, err := outbox.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := mr.List("mail:outbox")
	require.NoError(t, err)
	var got Message
	require.NoError(t, json.Unmarshal([]byte(items[0]), &got))
	assert.Equal(t, int64(4), got.ReservationID)
	assert.Equal(t, []string{"guest@example.com"}, got.To)
}

func TestSchedulerStops(t *testing.T) {
	store := newMockStore()
	n := newTestNotifier(store, &recordingMailer{}, Config{})
	s := NewScheduler(n, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, s.IsRunning, time.Second, 10*time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.IsRunning())
}
