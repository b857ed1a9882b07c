package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

const slotColumns = `id, experience_type, slot_date, slot_time, capacity, occupied, blocked`

func scanSlot(row interface{ Scan(...any) error }) (*model.AvailabilitySlot, error) {
	var s model.AvailabilitySlot
	var typ string
	if err := row.Scan(&s.ID, &typ, &s.Date, &s.Time, &s.Capacity, &s.Occupied, &s.Blocked); err != nil {
		return nil, err
	}
	s.ExperienceType = model.ExperienceType(typ)
	return &s, nil
}

// CreateSlot inserts a slot and fails with ErrDuplicateSlot if the key exists.
func (db *DB) CreateSlot(ctx context.Context, key model.SlotKey, capacity int) (*model.AvailabilitySlot, error) {
	if capacity < 0 {
		return nil, &model.ValidationError{Field: "capacity", Reason: "must not be negative"}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO slots (experience_type, slot_date, slot_time, capacity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(key.Type), key.Date, key.Time, capacity, time.Now(), time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, model.ErrDuplicateSlot
		}
		return nil, fmt.Errorf("insert slot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.AvailabilitySlot{
		ID:             id,
		ExperienceType: key.Type,
		Date:           key.Date,
		Time:           key.Time,
		Capacity:       capacity,
	}, nil
}

// GetSlot returns the slot for key or ErrSlotNotFound.
func (db *DB) GetSlot(ctx context.Context, key model.SlotKey) (*model.AvailabilitySlot, error) {
	return getSlot(ctx, db, key)
}

func (db *DB) GetSlotByID(ctx context.Context, id int64) (*model.AvailabilitySlot, error) {
	s, err := scanSlot(db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSlotNotFound
	}
	return s, err
}

func getSlot(ctx context.Context, q querier, key model.SlotKey) (*model.AvailabilitySlot, error) {
	s, err := scanSlot(q.QueryRowContext(ctx, `
		SELECT `+slotColumns+` FROM slots
		WHERE experience_type = ? AND slot_date = ? AND slot_time = ?`,
		string(key.Type), key.Date, key.Time))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return s, nil
}

// LazySlot describes the slot created when a reservation lands on a date
// no one generated inventory for yet.
type LazySlot struct {
	Capacity int
	Blocked  bool
}

// ReserveSlot atomically adds units to a slot's occupancy.
// When lazy is non-nil a missing slot is created from it first.
func (db *DB) ReserveSlot(ctx context.Context, key model.SlotKey, units int, lazy *LazySlot) error {
	return reserveSlot(ctx, db, key, units, lazy)
}

// ReleaseSlot subtracts units from a slot's occupancy, flooring at zero.
func (db *DB) ReleaseSlot(ctx context.Context, key model.SlotKey, units int) error {
	return releaseSlot(ctx, db, key, units)
}

func (t *Tx) ReserveSlot(ctx context.Context, key model.SlotKey, units int, lazy *LazySlot) error {
	return reserveSlot(ctx, t.tx, key, units, lazy)
}

func (t *Tx) ReleaseSlot(ctx context.Context, key model.SlotKey, units int) error {
	return releaseSlot(ctx, t.tx, key, units)
}

// EnsureSlot creates the slot if it is missing and reports whether it did.
func (t *Tx) EnsureSlot(ctx context.Context, key model.SlotKey, capacity int) (bool, error) {
	return ensureSlot(ctx, t.tx, key, capacity, false)
}

func reserveSlot(ctx context.Context, q querier, key model.SlotKey, units int, lazy *LazySlot) error {
	if units <= 0 {
		return &model.ValidationError{Field: "guest_count", Reason: "must be at least 1"}
	}
	if lazy != nil && lazy.Capacity > 0 {
		if _, err := ensureSlot(ctx, q, key, lazy.Capacity, lazy.Blocked); err != nil {
			return err
		}
	}

	// Single-statement compare-and-swap: the guard and the increment are evaluated under one write lock.
	res, err := q.ExecContext(ctx, `
		UPDATE slots SET occupied = occupied + ?, updated_at = ?
		WHERE experience_type = ? AND slot_date = ? AND slot_time = ?
		  AND blocked = 0 AND occupied + ? <= capacity`,
		units, time.Now(), string(key.Type), key.Date, key.Time, units)
	if err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	slot, err := getSlot(ctx, q, key)
	if err != nil {
		return err
	}
	if slot.Blocked {
		return model.ErrSlotBlocked
	}
	return model.ErrCapacityExceeded
}

func releaseSlot(ctx context.Context, q querier, key model.SlotKey, units int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE slots SET occupied = MAX(occupied - ?, 0), updated_at = ?
		WHERE experience_type = ? AND slot_date = ? AND slot_time = ?`,
		units, time.Now(), string(key.Type), key.Date, key.Time)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrSlotNotFound
	}
	return nil
}

func ensureSlot(ctx context.Context, q querier, key model.SlotKey, capacity int, blocked bool) (bool, error) {
	now := time.Now()
	res, err := q.ExecContext(ctx, `
		INSERT INTO slots (experience_type, slot_date, slot_time, capacity, blocked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (experience_type, slot_date, slot_time) DO NOTHING`,
		string(key.Type), key.Date, key.Time, capacity, blocked, now, now)
	if err != nil {
		return false, fmt.Errorf("ensure slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSlotBlocked toggles the blocked flag of a slot.
func (db *DB) SetSlotBlocked(ctx context.Context, id int64, blocked bool) error {
	res, err := db.ExecContext(ctx, `UPDATE slots SET blocked = ?, updated_at = ? WHERE id = ?`, blocked, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set slot blocked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrSlotNotFound
	}
	return nil
}

// BulkGenerateRequest describes slots to create for every date in [From, To].
type BulkGenerateRequest struct {
	Type     model.ExperienceType
	From     time.Time
	To       time.Time
	Times    []string // empty for day-granular slots
	Capacity int
	// Closed dates are created blocked.
	Closed func(date string) bool
}

// BulkGenerate creates missing slots and skips existing ones. It returns the number created.
func (db *DB) BulkGenerate(ctx context.Context, req BulkGenerateRequest) (int, error) {
	if req.To.Before(req.From) {
		return 0, &model.ValidationError{Field: "end", Reason: "must not be before start"}
	}
	if req.Capacity < 0 {
		return 0, &model.ValidationError{Field: "capacity", Reason: "must not be negative"}
	}
	times := req.Times
	if len(times) == 0 {
		times = []string{""}
	}

	created := 0
	err := db.WithTx(ctx, func(tx *Tx) error {
		for d := req.From; !d.After(req.To); d = d.AddDate(0, 0, 1) {
			date := model.FormatDate(d)
			blocked := req.Closed != nil && req.Closed(date)
			for _, tm := range times {
				ok, err := ensureSlot(ctx, tx.tx, model.SlotKey{Type: req.Type, Date: date, Time: tm}, req.Capacity, blocked)
				if err != nil {
					return err
				}
				if ok {
					created++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// ListSlots returns slots of a type between two dates inclusive.
func (db *DB) ListSlots(ctx context.Context, typ model.ExperienceType, from, to time.Time) ([]model.AvailabilitySlot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM slots
		WHERE experience_type = ? AND slot_date BETWEEN ? AND ?
		ORDER BY slot_date, slot_time`,
		string(typ), model.FormatDate(from), model.FormatDate(to))
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []model.AvailabilitySlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteSlotsByType removes every unoccupied slot of a type. Occupied slots are kept
// so confirmed reservations never lose their counters. It returns deleted and kept counts.
func (db *DB) DeleteSlotsByType(ctx context.Context, typ model.ExperienceType) (deleted, kept int64, err error) {
	err = db.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM slots WHERE experience_type = ? AND occupied = 0`, string(typ))
		if err != nil {
			return fmt.Errorf("delete slots: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM slots WHERE experience_type = ?`, string(typ)).Scan(&kept)
	})
	return deleted, kept, err
}
