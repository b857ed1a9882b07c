package calendar

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/booking"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/config"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/db"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

type staticSource struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int
}

func (s *staticSource) Fetch(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, text)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func feed(events ...string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" + strings.Join(events, "") + "END:VCALENDAR\r\n"
}

func vevent(uid, start, end string) string {
	return "BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTART;VALUE=DATE:" + start + "\r\nDTEND;VALUE=DATE:" + end + "\r\nSUMMARY:Reserved\r\nEND:VEVENT\r\n"
}

func newBookingService(t *testing.T) (*booking.Service, *db.DB, *config.Catalog) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	database, err := db.NewDB(filepath.Join(t.TempDir(), "calendar.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	catalog := config.NewCatalog(&config.CatalogConfig{
		Experiences: []config.ExperienceConfig{
			{Type: model.ExperienceCabin, Name: "Lough Hyne Cabin", Capacity: 1, MaxGuests: 2, MinNights: 2, PriceCents: 15000},
			{Type: model.ExperienceYoga, Name: "Sunrise Yoga", Capacity: 8, MaxGuests: 8, PriceCents: 2000, DurationMinutes: 90, TimeSlots: []string{"07:30"}},
		},
	})
	now := func() time.Time { return time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC) }
	svc := booking.NewService(database, catalog, booking.Rules{MinNights: 2, MaxAdvanceDays: 365}, time.UTC, &logger, booking.WithClock(now))
	return svc, database, catalog
}

func TestConflictsHalfOpen(t *testing.T) {
	events := []model.ExternalEvent{{UID: "a", Start: day("2030-06-02"), End: day("2030-06-05")}}

	tests := []struct {
		date string
		want bool
	}{
		{"2030-06-01", false},
		{"2030-06-02", true},
		{"2030-06-04", true},
		{"2030-06-05", false}, // check-out day is free
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			assert.Equal(t, tt.want, Conflicts(events, day(tt.date), time.UTC))
		})
	}
}

func TestHasConflictDegradesToAvailable(t *testing.T) {
	src := &staticSource{err: errors.New("connection refused")}
	alerts := &recordingAlerter{}
	r := NewReconciler(src, nil, nil, Options{CacheTTL: time.Minute, Alerter: alerts}, nil)

	assert.False(t, r.HasConflict(context.Background(), day("2030-06-02")))
	assert.False(t, r.HasConflict(context.Background(), day("2030-06-03")))

	st := r.Status()
	assert.True(t, st.Degraded)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Equal(t, 1, src.calls, "failure is cached for the TTL")
	assert.Equal(t, 1, alerts.count())
}

func TestHasConflictUsesCachedEvents(t *testing.T) {
	now := time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)
	src := &staticSource{body: feed(vevent("x@airbnb.com", "20300602", "20300605"))}
	r := NewReconciler(src, nil, nil, Options{CacheTTL: 5 * time.Minute, Now: func() time.Time { return now }}, nil)

	ctx := context.Background()
	assert.True(t, r.HasConflict(ctx, day("2030-06-03")))
	assert.False(t, r.HasConflict(ctx, day("2030-06-05")))
	assert.Equal(t, 1, src.calls)

	now = now.Add(6 * time.Minute)
	assert.True(t, r.HasConflict(ctx, day("2030-06-02")))
	assert.Equal(t, 2, src.calls)
	assert.False(t, r.Status().Degraded)
}

func TestSyncImportsOnce(t *testing.T) {
	svc, database, _ := newBookingService(t)
	src := &staticSource{body: feed(vevent("X", "20300602", "20300605"))}
	r := NewReconciler(src, svc, svc, Options{}, nil)
	ctx := context.Background()

	res, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	res, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 1, res.Existing)

	list, err := svc.List(ctx, model.ReservationFilter{Origin: model.OriginExternal})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "X", list[0].ExternalEventID)

	for _, d := range []string{"2030-06-02", "2030-06-03", "2030-06-04"} {
		slot, err := database.GetSlot(ctx, model.SlotKey{Type: model.ExperienceCabin, Date: d})
		require.NoError(t, err)
		assert.Equal(t, 1, slot.Occupied, d)
	}
	_, err = database.GetSlot(ctx, model.SlotKey{Type: model.ExperienceCabin, Date: "2030-06-05"})
	assert.ErrorIs(t, err, model.ErrSlotNotFound)
}

func TestConcurrentSyncDoesNotDoubleCount(t *testing.T) {
	svc, database, _ := newBookingService(t)
	src := &staticSource{body: feed(vevent("Y", "20300710", "20300712"))}
	ctx := context.Background()

	var wg sync.WaitGroup
	var imported atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate reconcilers model separate processes sharing one store.
			r := NewReconciler(src, svc, svc, Options{}, nil)
			res, err := r.Sync(ctx)
			if err == nil {
				imported.Add(int64(res.Imported))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), imported.Load())
	slot, err := database.GetSlot(ctx, model.SlotKey{Type: model.ExperienceCabin, Date: "2030-07-10"})
	require.NoError(t, err)
	assert.Equal(t, 1, slot.Occupied)
}

func TestSyncAlertsOnOverlap(t *testing.T) {
	svc, _, _ := newBookingService(t)
	ctx := context.Background()

	co := day("2030-06-04")
	local, err := svc.Create(ctx, booking.CreateRequest{
		ExperienceType: model.ExperienceCabin, CustomerName: "Niamh", CustomerEmail: "niamh@example.com",
		CheckIn: day("2030-06-02"), CheckOut: &co, GuestCount: 2,
	})
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, local.ID, "pi_local")
	require.NoError(t, err)

	alerts := &recordingAlerter{}
	src := &staticSource{body: feed(vevent("Z", "20300603", "20300606"))}
	r := NewReconciler(src, svc, svc, Options{Alerter: alerts}, nil)

	res, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Overlaps)
	assert.Equal(t, 1, alerts.count())
}

func TestSyncDegraded(t *testing.T) {
	src := &staticSource{err: ErrFeedUnavailable}
	r := NewReconciler(src, nil, nil, Options{}, nil)

	res, err := r.Sync(context.Background())
	assert.ErrorIs(t, err, ErrFeedUnavailable)
	assert.True(t, res.Degraded)
	require.NotNil(t, r.Status().LastSync)
}

func TestExportRoundTrip(t *testing.T) {
	svc, _, catalog := newBookingService(t)
	ctx := context.Background()

	stays := [][2]string{{"2030-06-02", "2030-06-05"}, {"2030-06-10", "2030-06-12"}}
	want := map[string][2]time.Time{}
	for i, s := range stays {
		co := day(s[1])
		r, err := svc.Create(ctx, booking.CreateRequest{
			ExperienceType: model.ExperienceCabin, CustomerName: "Guest", CustomerEmail: "guest@example.com",
			CheckIn: day(s[0]), CheckOut: &co, GuestCount: 1,
		})
		require.NoError(t, err)
		_, err = svc.Confirm(ctx, r.ID, "pi_"+s[0])
		require.NoError(t, err, i)
		want[s[0]] = [2]time.Time{day(s[0]), co}
	}

	yoga, err := svc.Create(ctx, booking.CreateRequest{
		ExperienceType: model.ExperienceYoga, CustomerName: "Guest", CustomerEmail: "guest@example.com",
		CheckIn: day("2030-06-03"), TimeSlot: "07:30", GuestCount: 2,
	})
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, yoga.ID, "pi_yoga")
	require.NoError(t, err)

	// Pending, cancelled and imported reservations stay out of the export.
	co := day("2030-07-03")
	_, err = svc.Create(ctx, booking.CreateRequest{
		ExperienceType: model.ExperienceCabin, CustomerName: "Pending", CustomerEmail: "p@example.com",
		CheckIn: day("2030-07-01"), CheckOut: &co, GuestCount: 1,
	})
	require.NoError(t, err)
	_, err = svc.ImportExternal(ctx, model.ExternalEvent{UID: "ext", Start: day("2030-08-01"), End: day("2030-08-03")})
	require.NoError(t, err)

	r := NewReconciler(&staticSource{}, svc, svc, Options{Catalog: catalog, UIDDomain: "loughhyne.ie"}, nil)
	var buf bytes.Buffer
	require.NoError(t, r.Export(ctx, &buf))

	events, skipped, err := Parse(&buf, time.UTC)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, events, 3)

	for _, ev := range events {
		assert.True(t, strings.HasSuffix(ev.UID, "@loughhyne.ie"))
		if ev.Summary == "Sunrise Yoga" {
			assert.True(t, ev.Start.Equal(time.Date(2030, 6, 3, 7, 30, 0, 0, time.UTC)))
			assert.Equal(t, 90*time.Minute, ev.End.Sub(ev.Start))
			continue
		}
		in, out := ev.Nights(time.UTC)
		w, ok := want[model.FormatDate(in)]
		require.True(t, ok, ev.UID)
		assert.Equal(t, w[0], in)
		assert.Equal(t, w[1], out)
	}
}

func TestFeedClientWithReconciler(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = io.WriteString(w, feed(vevent("srv", "20300602", "20300604")))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	client := NewFeedClient(srv.URL, time.Second, nil)
	client.UseRedisCache(rdb, time.Minute)

	ctx := context.Background()
	r := NewReconciler(client, nil, nil, Options{}, nil)
	assert.True(t, r.HasConflict(ctx, day("2030-06-03")))
	assert.True(t, r.HasConflict(ctx, day("2030-06-02")))
	assert.Equal(t, int32(1), hits.Load(), "second fetch is served from redis")
	assert.True(t, mr.Exists("calendar:feed"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, r.HasConflict(ctx, day("2030-06-04")))
	assert.Equal(t, int32(2), hits.Load())
}

func TestFeedClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewFeedClient(srv.URL, time.Second, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Fetch(ctx)
		assert.ErrorIs(t, err, ErrFeedUnavailable)
	}
	// The breaker is open now and fails without calling the server.
	_, err := client.Fetch(ctx)
	assert.ErrorIs(t, err, ErrFeedUnavailable)
	assert.Contains(t, err.Error(), "circuit breaker is open")

	_, err = NewFeedClient("", time.Second, nil).Fetch(ctx)
	assert.ErrorIs(t, err, ErrFeedUnavailable)
}
