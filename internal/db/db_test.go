package db

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/config"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func insertReservation(t *testing.T, db *DB, r *model.Reservation) *model.Reservation {
	t.Helper()
	if r.Status == "" {
		r.Status = model.StatusPending
	}
	if r.PaymentStatus == "" {
		r.PaymentStatus = model.PaymentPending
	}
	if r.Origin == "" {
		r.Origin = model.OriginDirect
	}
	if r.GuestCount == 0 {
		r.GuestCount = 1
	}
	require.NoError(t, db.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertReservation(context.Background(), r)
	}))
	return r
}

func TestCreateSlotDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	key := model.SlotKey{Type: model.ExperienceCabin, Date: "2030-06-01"}

	slot, err := db.CreateSlot(ctx, key, 1)
	require.NoError(t, err)
	assert.NotZero(t, slot.ID)

	_, err = db.CreateSlot(ctx, key, 1)
	assert.ErrorIs(t, err, model.ErrDuplicateSlot)

	// Same date, different time slice is a different slot.
	_, err = db.CreateSlot(ctx, model.SlotKey{Type: model.ExperienceCabin, Date: "2030-06-01", Time: "10:00"}, 1)
	assert.NoError(t, err)
}

func TestReserveAndRelease(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	key := model.SlotKey{Type: model.ExperienceSauna, Date: "2030-06-01", Time: "18:00"}

	_, err := db.CreateSlot(ctx, key, 6)
	require.NoError(t, err)

	require.NoError(t, db.ReserveSlot(ctx, key, 4, nil))
	assert.ErrorIs(t, db.ReserveSlot(ctx, key, 3, nil), model.ErrCapacityExceeded)
	require.NoError(t, db.ReserveSlot(ctx, key, 2, nil))

	slot, err := db.GetSlot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 6, slot.Occupied)
	assert.Equal(t, 0, slot.Remaining())

	require.NoError(t, db.ReleaseSlot(ctx, key, 5))
	require.NoError(t, db.ReleaseSlot(ctx, key, 5))
	slot, err = db.GetSlot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.Occupied, "release floors at zero")
}

func TestReserveBlockedAndMissing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	key := model.SlotKey{Type: model.ExperienceYoga, Date: "2030-06-01", Time: "09:00"}

	assert.ErrorIs(t, db.ReserveSlot(ctx, key, 1, nil), model.ErrSlotNotFound)

	slot, err := db.CreateSlot(ctx, key, 10)
	require.NoError(t, err)
	require.NoError(t, db.SetSlotBlocked(ctx, slot.ID, true))
	assert.ErrorIs(t, db.ReserveSlot(ctx, key, 1, nil), model.ErrSlotBlocked)

	require.NoError(t, db.SetSlotBlocked(ctx, slot.ID, false))
	assert.NoError(t, db.ReserveSlot(ctx, key, 1, nil))

	assert.ErrorIs(t, db.SetSlotBlocked(ctx, 9999, true), model.ErrSlotNotFound)
}

func TestReserveLazilyCreatesSlot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	key := model.SlotKey{Type: model.ExperienceCabin, Date: "2030-07-01"}

	require.NoError(t, db.ReserveSlot(ctx, key, 1, &LazySlot{Capacity: 1}))
	assert.ErrorIs(t, db.ReserveSlot(ctx, key, 1, &LazySlot{Capacity: 1}), model.ErrCapacityExceeded)

	slot, err := db.GetSlot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.Capacity)
	assert.Equal(t, 1, slot.Occupied)

	closed := model.SlotKey{Type: model.ExperienceYoga, Date: "2030-12-25", Time: "09:00"}
	assert.ErrorIs(t, db.ReserveSlot(ctx, closed, 1, &LazySlot{Capacity: 3, Blocked: true}), model.ErrSlotBlocked)
	slot, err = db.GetSlot(ctx, closed)
	require.NoError(t, err)
	assert.True(t, slot.Blocked)
	assert.Zero(t, slot.Occupied)
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	key := model.SlotKey{Type: model.ExperienceBread, Date: "2030-06-01", Time: "11:00"}
	const capacity = 5

	_, err := db.CreateSlot(ctx, key, capacity)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		exceeded  atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := db.ReserveSlot(ctx, key, 1, nil)
			switch {
			case err == nil:
				succeeded.Add(1)
			case assert.ErrorIs(t, err, model.ErrCapacityExceeded):
				exceeded.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(capacity), succeeded.Load())
	assert.Equal(t, int32(40-capacity), exceeded.Load())

	slot, err := db.GetSlot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, capacity, slot.Occupied)
}

func TestBulkGenerateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	req := BulkGenerateRequest{
		Type:     model.ExperienceSauna,
		From:     day("2030-06-01"),
		To:       day("2030-06-03"),
		Times:    []string{"10:00", "18:00"},
		Capacity: 6,
		Closed:   func(d string) bool { return d == "2030-06-02" },
	}
	created, err := db.BulkGenerate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 6, created)

	created, err = db.BulkGenerate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	slots, err := db.ListSlots(ctx, model.ExperienceSauna, day("2030-06-01"), day("2030-06-03"))
	require.NoError(t, err)
	require.Len(t, slots, 6)
	for _, s := range slots {
		assert.Equal(t, s.Date == "2030-06-02", s.Blocked, s.Date)
	}

	_, err = db.BulkGenerate(ctx, BulkGenerateRequest{Type: model.ExperienceSauna, From: day("2030-06-03"), To: day("2030-06-01")})
	assert.True(t, model.IsValidation(err))
}

func TestDeleteSlotsByTypeKeepsOccupied(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.BulkGenerate(ctx, BulkGenerateRequest{Type: model.ExperienceYoga, From: day("2030-06-01"), To: day("2030-06-05"), Capacity: 8})
	require.NoError(t, err)
	require.NoError(t, db.ReserveSlot(ctx, model.SlotKey{Type: model.ExperienceYoga, Date: "2030-06-03"}, 2, nil))
	_, err = db.CreateSlot(ctx, model.SlotKey{Type: model.ExperienceBread, Date: "2030-06-03"}, 4)
	require.NoError(t, err)

	deleted, kept, err := db.DeleteSlotsByType(ctx, model.ExperienceYoga)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.Equal(t, int64(1), kept)

	bread, err := db.ListSlots(ctx, model.ExperienceBread, day("2030-06-01"), day("2030-06-05"))
	require.NoError(t, err)
	assert.Len(t, bread, 1)
}

func TestSyncCatalog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cfg := &config.CatalogConfig{
		Experiences: []config.ExperienceConfig{
			{Type: model.ExperienceCabin, Capacity: 1, HorizonDays: 2},
			{Type: model.ExperienceSauna, Capacity: 6, HorizonDays: 1, TimeSlots: []string{"10:00"}},
		},
		ClosedDates: []string{"2030-06-02"},
	}

	created, err := db.SyncCatalog(ctx, cfg, day("2030-06-01"))
	require.NoError(t, err)
	assert.Equal(t, 5, created)

	created, err = db.SyncCatalog(ctx, cfg, day("2030-06-01"))
	require.NoError(t, err)
	assert.Zero(t, created)

	slot, err := db.GetSlot(ctx, model.SlotKey{Type: model.ExperienceCabin, Date: "2030-06-02"})
	require.NoError(t, err)
	assert.True(t, slot.Blocked)
}

func TestReservationRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	checkOut := day("2030-06-04")

	r := insertReservation(t, db, &model.Reservation{
		ExperienceType: model.ExperienceCabin,
		CustomerName:   "Aoife",
		CustomerEmail:  "aoife@example.com",
		CheckIn:        day("2030-06-01"),
		CheckOut:       &checkOut,
		GuestCount:     2,
		PriceTotal:     54000,
		AmountDue:      54000,
		SaunaAddOn:     true,
	})

	got, err := db.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExperienceCabin, got.ExperienceType)
	assert.True(t, got.CheckIn.Equal(day("2030-06-01")))
	require.NotNil(t, got.CheckOut)
	assert.True(t, got.CheckOut.Equal(checkOut))
	assert.Equal(t, 3, got.Nights())
	assert.True(t, got.SaunaAddOn)
	assert.Empty(t, got.PaymentReference)
	assert.Empty(t, got.NotificationLog)

	_, err = db.GetReservation(ctx, 4242)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestExternalEventIDIsUnique(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mk := func() *model.Reservation {
		checkOut := day("2030-08-03")
		return &model.Reservation{
			ExperienceType:  model.ExperienceCabin,
			CheckIn:         day("2030-08-01"),
			CheckOut:        &checkOut,
			GuestCount:      1,
			Status:          model.StatusConfirmed,
			PaymentStatus:   model.PaymentExternal,
			Origin:          model.OriginExternal,
			ExternalEventID: "X",
		}
	}
	insertReservation(t, db, mk())

	err := db.WithTx(ctx, func(tx *Tx) error { return tx.InsertReservation(ctx, mk()) })
	assert.ErrorIs(t, err, model.ErrDuplicateExternalEvent)

	got, err := db.GetReservationByExternalID(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, model.OriginExternal, got.Origin)

	// origin=external requires an external id.
	bad := mk()
	bad.ExternalEventID = ""
	err = db.WithTx(ctx, func(tx *Tx) error { return tx.InsertReservation(ctx, bad) })
	assert.Error(t, err)
}

func TestUpdateReservationStateIsGuarded(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := insertReservation(t, db, &model.Reservation{ExperienceType: model.ExperienceYoga, CheckIn: day("2030-06-01"), TimeSlot: "09:00"})

	update := ReservationUpdate{Status: model.StatusConfirmed, PaymentStatus: model.PaymentPaid, PaymentReference: "pi_1", OccupancyApplied: true}
	require.NoError(t, db.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateReservationState(ctx, r.ID, model.StatusPending, update)
	}))
	err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateReservationState(ctx, r.ID, model.StatusPending, update)
	})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	got, err := db.GetReservationByPaymentReference(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.True(t, got.OccupancyApplied)
}

func TestPaymentEffectRecordedOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := insertReservation(t, db, &model.Reservation{ExperienceType: model.ExperienceYoga, CheckIn: day("2030-06-01")})

	var first, second bool
	require.NoError(t, db.WithTx(ctx, func(tx *Tx) (err error) {
		first, err = tx.RecordPaymentEffect(ctx, r.ID, "pi_1")
		return err
	}))
	require.NoError(t, db.WithTx(ctx, func(tx *Tx) (err error) {
		second, err = tx.RecordPaymentEffect(ctx, r.ID, "pi_1")
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
}

func TestAttachPaymentReference(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := insertReservation(t, db, &model.Reservation{ExperienceType: model.ExperienceYoga, CheckIn: day("2030-06-01")})
	b := insertReservation(t, db, &model.Reservation{ExperienceType: model.ExperienceYoga, CheckIn: day("2030-06-01")})

	require.NoError(t, db.AttachPaymentReference(ctx, a.ID, "cs_1"))
	require.NoError(t, db.AttachPaymentReference(ctx, a.ID, "cs_1"), "re-attaching the same reference is a no-op")
	assert.ErrorIs(t, db.AttachPaymentReference(ctx, a.ID, "cs_2"), model.ErrInvalidTransition)
	assert.ErrorIs(t, db.AttachPaymentReference(ctx, b.ID, "cs_1"), model.ErrPaymentReferenceMismatch)
	assert.ErrorIs(t, db.AttachPaymentReference(ctx, 999, "cs_3"), model.ErrNotFound)
}

func TestAttachPaymentReferenceAfterFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := insertReservation(t, db, &model.Reservation{ExperienceType: model.ExperienceYoga, CheckIn: day("2030-06-01")})

	require.NoError(t, db.AttachPaymentReference(ctx, r.ID, "cs_declined"))
	changed, err := db.MarkPaymentFailed(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, changed)

	// Re-attaching the failed reference keeps the failure.
	require.NoError(t, db.AttachPaymentReference(ctx, r.ID, "cs_declined"))
	got, err := db.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, got.PaymentStatus)

	require.NoError(t, db.AttachPaymentReference(ctx, r.ID, "cs_retry"))
	got, err = db.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "cs_retry", got.PaymentReference)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus)

	assert.ErrorIs(t, db.AttachPaymentReference(ctx, r.ID, "cs_third"), model.ErrInvalidTransition,
		"a live checkout cannot be replaced")
}

func TestNotificationClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := insertReservation(t, db, &model.Reservation{ExperienceType: model.ExperienceYoga, CheckIn: day("2030-06-01")})

	ok, err := db.ClaimNotification(ctx, r.ID, model.NotificationPreArrival, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.ClaimNotification(ctx, r.ID, model.NotificationPreArrival, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "fresh claim blocks a second sender")

	// A stale claim can be taken over.
	ok, err = db.ClaimNotification(ctx, r.ID, model.NotificationPreArrival, -time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.CompleteNotification(ctx, r.ID, model.NotificationPreArrival, []string{"guest@example.com"}, time.Now()))

	ok, err = db.ClaimNotification(ctx, r.ID, model.NotificationPreArrival, -time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "sent entries are never reclaimed")

	got, err := db.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, got.NotificationLog, 1)
	assert.Equal(t, model.NotificationPreArrival, got.NotificationLog[0].Kind)
	assert.Equal(t, []string{"guest@example.com"}, got.NotificationLog[0].Recipients)
	assert.True(t, got.HasNotification(model.NotificationPreArrival))
}

func TestReleaseNotificationAllowsRetry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := insertReservation(t, db, &model.Reservation{ExperienceType: model.ExperienceYoga, CheckIn: day("2030-06-01")})

	ok, err := db.ClaimNotification(ctx, r.ID, model.NotificationThankYou, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.ReleaseNotification(ctx, r.ID, model.NotificationThankYou))

	ok, err = db.ClaimNotification(ctx, r.ID, model.NotificationThankYou, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVoucherLedgerScenario(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.CreateVoucher(ctx, &model.Voucher{Code: "GIFT", FaceValue: 100, ExpiresAt: now.AddDate(1, 0, 0)}))

	v, err := db.RedeemVoucher(ctx, "GIFT", 1, 60, now)
	require.NoError(t, err)
	assert.Equal(t, int64(60), v.Spent)

	_, err = db.RedeemVoucher(ctx, "GIFT", 2, 50, now)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	v, err = db.RedeemVoucher(ctx, "GIFT", 2, 40, now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.Spent)
	assert.Zero(t, v.Balance())

	full, err := db.GetVoucher(ctx, "GIFT")
	require.NoError(t, err)
	require.Len(t, full.Redemptions, 2)
	assert.Equal(t, int64(60), full.Redemptions[0].Amount)
	assert.Equal(t, int64(40), full.Redemptions[1].Amount)
}

func TestVoucherExpiredAndMissing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.CreateVoucher(ctx, &model.Voucher{Code: "OLD", FaceValue: 100, ExpiresAt: now.Add(-time.Hour)}))

	_, err := db.RedeemVoucher(ctx, "OLD", 1, 10, now)
	assert.ErrorIs(t, err, model.ErrVoucherExpired)

	_, err = db.RedeemVoucher(ctx, "NOPE", 1, 10, now)
	assert.ErrorIs(t, err, model.ErrVoucherNotFound)
}

func TestConcurrentRedeemNeverOverspends(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.CreateVoucher(ctx, &model.Voucher{Code: "RACE", FaceValue: 100, ExpiresAt: now.AddDate(1, 0, 0)}))

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := db.RedeemVoucher(ctx, "RACE", int64(i), 30, now); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	v, err := db.GetVoucher(ctx, "RACE")
	require.NoError(t, err)
	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int64(90), v.Spent)
}

func TestUnmatchedPaymentsDeduplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p := &model.UnmatchedPayment{PaymentReference: "pi_x", EventType: "payment_intent.succeeded", Amount: 5000, Reason: model.UnmatchedNoReservation}
	created, err := db.RecordUnmatchedPayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.RecordUnmatchedPayment(ctx, &model.UnmatchedPayment{PaymentReference: "pi_x", Reason: model.UnmatchedNoReservation})
	require.NoError(t, err)
	assert.False(t, created)

	list, err := db.ListUnmatchedPayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(5000), list[0].Amount)
	assert.Nil(t, list[0].ReservationID)
}

func TestTableData(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, err := db.CreateSlot(ctx, model.SlotKey{Type: model.ExperienceCabin, Date: "2030-06-01"}, 1)
	require.NoError(t, err)

	columns, rows, err := db.TableData(ctx, "slots")
	require.NoError(t, err)
	assert.Contains(t, columns, "slot_date")
	require.Len(t, rows, 1)

	_, _, err = db.TableData(ctx, "sqlite_master")
	assert.Error(t, err)
}

func TestBackupAndCleanup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, err := db.CreateSlot(ctx, model.SlotKey{Type: model.ExperienceCabin, Date: "2030-06-01"}, 1)
	require.NoError(t, err)

	dir := t.TempDir()
	dest := filepath.Join(dir, "snapshot.db")
	require.NoError(t, db.Backup(ctx, dest))
	assert.FileExists(t, dest)
	assert.Error(t, db.Backup(ctx, dest), "existing target is not overwritten")

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(dest, old, old))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	deleted, err := db.CleanupBackups(dir, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.NoFileExists(t, dest)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}
