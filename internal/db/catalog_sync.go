package db

import (
	"context"
	"fmt"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/config"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// SyncCatalog generates slots for every enabled experience up to its horizon.
// Existing slots keep their capacity and counters, so the call is safe on every reload.
func (db *DB) SyncCatalog(ctx context.Context, cfg *config.CatalogConfig, today time.Time) (int, error) {
	if cfg == nil {
		return 0, fmt.Errorf("experience catalog is nil")
	}

	total := 0
	for _, exp := range cfg.Experiences {
		if !exp.IsEnabled() || exp.Capacity <= 0 {
			continue
		}
		created, err := db.BulkGenerate(ctx, BulkGenerateRequest{
			Type:     exp.Type,
			From:     today,
			To:       today.AddDate(0, 0, exp.HorizonDays),
			Times:    exp.TimeSlots,
			Capacity: exp.Capacity,
			Closed:   cfg.IsClosed,
		})
		if err != nil {
			return total, fmt.Errorf("sync %s slots: %w", exp.Type, err)
		}
		total += created
	}

	// Closed dates added after their slots existed still have to block them.
	for _, date := range cfg.ClosedDates {
		if _, err := db.ExecContext(ctx, `UPDATE slots SET blocked = 1, updated_at = ? WHERE slot_date = ? AND blocked = 0`,
			time.Now(), date); err != nil {
			return total, fmt.Errorf("block closed date %s: %w", date, err)
		}
	}

	db.logger.Info().Int("created", total).Msg("experience catalog synced")
	return total, nil
}

// EnsureAddOnSlots materialises sauna sessions on each evening of a stay.
func (db *DB) EnsureAddOnSlots(ctx context.Context, keys []model.SlotKey, capacity int) (int, error) {
	created := 0
	err := db.WithTx(ctx, func(tx *Tx) error {
		for _, k := range keys {
			ok, err := tx.EnsureSlot(ctx, k, capacity)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	return created, err
}
