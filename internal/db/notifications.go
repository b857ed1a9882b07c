package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
)

// Notification log rows move claimed -> sent. A claimed row blocks other senders;
// a failed send deletes the claim so a later scan can retry.
const (
	notificationClaimed = "claimed"
	notificationSent    = "sent"
)

// ClaimNotification reserves the right to send kind for a reservation.
// Claims older than staleAfter are taken over, which recovers from a crash mid-send.
func (db *DB) ClaimNotification(ctx context.Context, reservationID int64, kind model.NotificationKind, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		INSERT INTO notification_log (reservation_id, kind, state, claimed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (reservation_id, kind) DO UPDATE SET claimed_at = excluded.claimed_at
		WHERE notification_log.state = ? AND notification_log.claimed_at < ?`,
		reservationID, string(kind), notificationClaimed, now, notificationClaimed, now.Add(-staleAfter))
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteNotification appends the sent entry to the reservation's log.
func (db *DB) CompleteNotification(ctx context.Context, reservationID int64, kind model.NotificationKind, recipients []string, sentAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE notification_log SET state = ?, recipients = ?, sent_at = ?
		WHERE reservation_id = ? AND kind = ?`,
		notificationSent, strings.Join(recipients, ","), sentAt.UTC(), reservationID, string(kind))
	if err != nil {
		return fmt.Errorf("complete notification: %w", err)
	}
	return nil
}

// ReleaseNotification drops an unsent claim.
func (db *DB) ReleaseNotification(ctx context.Context, reservationID int64, kind model.NotificationKind) error {
	_, err := db.ExecContext(ctx, `DELETE FROM notification_log WHERE reservation_id = ? AND kind = ? AND state = ?`,
		reservationID, string(kind), notificationClaimed)
	if err != nil {
		return fmt.Errorf("release notification: %w", err)
	}
	return nil
}

func (db *DB) notificationLog(ctx context.Context, reservationID int64) ([]model.NotificationRecord, error) {
	logs, err := db.notificationLogs(ctx, []int64{reservationID})
	if err != nil {
		return nil, err
	}
	return logs[reservationID], nil
}

func (db *DB) attachNotificationLogs(ctx context.Context, rs []model.Reservation) error {
	if len(rs) == 0 {
		return nil
	}
	ids := make([]int64, len(rs))
	for i := range rs {
		ids[i] = rs[i].ID
	}
	logs, err := db.notificationLogs(ctx, ids)
	if err != nil {
		return err
	}
	for i := range rs {
		rs[i].NotificationLog = logs[rs[i].ID]
	}
	return nil
}

func (db *DB) notificationLogs(ctx context.Context, ids []int64) (map[int64][]model.NotificationRecord, error) {
	out := make(map[int64][]model.NotificationRecord, len(ids))
	// Chunked to stay under SQLite's bound parameter limit.
	for start := 0; start < len(ids); start += 500 {
		end := start + 500
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		ph := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, notificationSent)
		for i, id := range chunk {
			ph[i] = "?"
			args = append(args, id)
		}

		rows, err := db.QueryContext(ctx, `
			SELECT reservation_id, kind, recipients, sent_at FROM notification_log
			WHERE state = ? AND reservation_id IN (`+strings.Join(ph, ",")+`)
			ORDER BY sent_at`, args...)
		if err != nil {
			return nil, fmt.Errorf("load notification log: %w", err)
		}
		for rows.Next() {
			var (
				id         int64
				kind       string
				recipients string
				sentAt     sql.NullTime
			)
			if err := rows.Scan(&id, &kind, &recipients, &sentAt); err != nil {
				rows.Close()
				return nil, err
			}
			rec := model.NotificationRecord{Kind: model.NotificationKind(kind), SentAt: sentAt.Time.UTC()}
			if recipients != "" {
				rec.Recipients = strings.Split(recipients, ",")
			}
			out[id] = append(out[id], rec)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
