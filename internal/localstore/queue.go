// Package localstore persists the device's offline sync queue in SQLite.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/reconcile"
)

// DefaultPath is used when no queue path is configured.
const DefaultPath = "stepcount-queue.db"

// QueueEntry is the row shape of the sync queue.
type QueueEntry struct {
	ID          string `gorm:"primaryKey"`
	DedupeKey   string `gorm:"uniqueIndex"`
	Kind        string
	Payload     string
	Attempts    int
	LastError   string
	// Quarantined rows could not be decoded and are left out of Pending.
	Quarantined bool      `gorm:"index;not null;default:false"`
	EnqueuedAt  time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// TableName pins the table name.
func (QueueEntry) TableName() string {
	return "sync_queue"
}

// Queue is a reconcile.Queue stored in SQLite through gorm.
type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens or creates the queue database at path.
func Open(path string) (*Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the queue table.
func New(db *gorm.DB) (*Queue, error) {
	if err := db.AutoMigrate(&QueueEntry{}); err != nil {
		return nil, fmt.Errorf("migrate sync queue: %w", err)
	}
	return &Queue{db: db, now: time.Now}, nil
}

// Close releases the underlying connection.
func (q *Queue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue implements reconcile.Queue. A pending entry with the same key keeps its ID,
// attempts and position but takes the new payload.
func (q *Queue) Enqueue(ctx context.Context, entry reconcile.Entry) (reconcile.Entry, error) {
	payload, err := encodePayload(entry)
	if err != nil {
		return reconcile.Entry{}, err
	}

	now := q.now().UTC()
	row := QueueEntry{
		ID:         entry.ID,
		DedupeKey:  entry.Key(),
		Kind:       string(entry.Kind),
		Payload:    payload,
		EnqueuedAt: entry.EnqueuedAt,
		UpdatedAt:  now,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.EnqueuedAt.IsZero() {
		row.EnqueuedAt = now
	}

	db := q.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return reconcile.Entry{}, fmt.Errorf("upsert queue entry: %w", err)
	}

	var stored QueueEntry
	if err := db.Where("dedupe_key = ?", row.DedupeKey).First(&stored).Error; err != nil {
		return reconcile.Entry{}, fmt.Errorf("load queue entry: %w", err)
	}
	return decodeEntry(stored)
}

// Pending implements reconcile.Queue. A row whose payload no longer decodes is
// quarantined with the decode error in last_error instead of failing the call, so
// the rest of the queue keeps flushing.
func (q *Queue) Pending(ctx context.Context, limit int) ([]reconcile.Entry, error) {
	var rows []QueueEntry
	query := q.db.WithContext(ctx).Where("quarantined = ?", false).Order("enqueued_at asc").Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}

	out := make([]reconcile.Entry, 0, len(rows))
	var errs []error
	for _, row := range rows {
		entry, err := decodeEntry(row)
		if err != nil {
			if qerr := q.quarantine(ctx, row.ID, err); qerr != nil {
				errs = append(errs, qerr)
			}
			continue
		}
		out = append(out, entry)
	}
	return out, errors.Join(errs...)
}

// Remove implements reconcile.Queue.
func (q *Queue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.db.WithContext(ctx).Where("id IN ?", ids).Delete(&QueueEntry{}).Error; err != nil {
		return fmt.Errorf("delete queue entries: %w", err)
	}
	return nil
}

// Drop implements reconcile.Queue.
func (q *Queue) Drop(ctx context.Context, key string) error {
	if err := q.db.WithContext(ctx).Where("dedupe_key = ?", key).Delete(&QueueEntry{}).Error; err != nil {
		return fmt.Errorf("drop queue entry: %w", err)
	}
	return nil
}

// MarkFailed implements reconcile.Queue.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res := q.db.WithContext(ctx).Model(&QueueEntry{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": msg,
		"updated_at": q.now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("mark queue entry failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (q *Queue) quarantine(ctx context.Context, id string, cause error) error {
	err := q.db.WithContext(ctx).Model(&QueueEntry{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":    gorm.Expr("attempts + 1"),
		"last_error":  cause.Error(),
		"quarantined": true,
		"updated_at":  q.now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("quarantine queue entry %s: %w", id, err)
	}
	return nil
}

// Len implements reconcile.Queue. Quarantined rows are included.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int64
	if err := q.db.WithContext(ctx).Model(&QueueEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return int(n), nil
}

func encodePayload(entry reconcile.Entry) (string, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case entry.Kind == reconcile.KindRecord && entry.Record != nil:
		raw, err = json.Marshal(entry.Record)
	case entry.Kind == reconcile.KindSession && entry.Session != nil:
		raw, err = json.Marshal(entry.Session)
	default:
		return "", fmt.Errorf("%w: queue entry without payload", domain.ErrInvalidRecord)
	}
	if err != nil {
		return "", fmt.Errorf("encode queue payload: %w", err)
	}
	return string(raw), nil
}

func decodeEntry(row QueueEntry) (reconcile.Entry, error) {
	entry := reconcile.Entry{
		ID:         row.ID,
		Kind:       reconcile.EntryKind(row.Kind),
		Attempts:   row.Attempts,
		LastError:  row.LastError,
		EnqueuedAt: row.EnqueuedAt,
	}
	switch entry.Kind {
	case reconcile.KindRecord:
		var record domain.DailyStepRecord
		if err := json.Unmarshal([]byte(row.Payload), &record); err != nil {
			return reconcile.Entry{}, fmt.Errorf("decode queued record %s: %w", row.ID, err)
		}
		entry.Record = &record
	case reconcile.KindSession:
		var session domain.ActivitySession
		if err := json.Unmarshal([]byte(row.Payload), &session); err != nil {
			return reconcile.Entry{}, fmt.Errorf("decode queued session %s: %w", row.ID, err)
		}
		entry.Session = &session
	default:
		return reconcile.Entry{}, fmt.Errorf("queue entry %s: unknown kind %q", row.ID, row.Kind)
	}
	return entry, nil
}
