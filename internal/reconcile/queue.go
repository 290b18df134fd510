package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/stepcount/internal/domain"
)

// EntryKind identifies what a queued entry replays.
type EntryKind string

const (
	KindRecord  EntryKind = "record"
	KindSession EntryKind = "session"
)

// Entry is a write waiting for remote acceptance.
type Entry struct {
	ID         string
	Kind       EntryKind
	Record     *domain.DailyStepRecord
	Session    *domain.ActivitySession
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// RecordEntry wraps a daily record.
func RecordEntry(record domain.DailyStepRecord) Entry {
	return Entry{Kind: KindRecord, Record: &record}
}

// SessionEntry wraps an activity session. Sessions without an ID get one so replays stay
// idempotent.
func SessionEntry(session domain.ActivitySession) Entry {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	return Entry{Kind: KindSession, Session: &session}
}

// Key is the dedupe key: one pending record per (user, date), one entry per session.
func (e Entry) Key() string {
	switch {
	case e.Kind == KindRecord && e.Record != nil:
		return fmt.Sprintf("record:%s:%s", e.Record.UserID, e.Record.Date)
	case e.Kind == KindSession && e.Session != nil:
		return "session:" + e.Session.ID
	default:
		return "invalid:" + e.ID
	}
}

// Queue persists entries until they are confirmed remotely.
type Queue interface {
	// Enqueue stores entry, replacing any pending entry with the same Key.
	Enqueue(ctx context.Context, entry Entry) (Entry, error)
	// Pending returns up to limit entries, oldest first. limit <= 0 means all.
	// Entries may come back together with a non-nil error when only some rows loaded.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	// Remove deletes confirmed entries.
	Remove(ctx context.Context, ids ...string) error
	// Drop deletes the pending entry with key, if any.
	Drop(ctx context.Context, key string) error
	// MarkFailed bumps the attempt counter and stores the failure.
	MarkFailed(ctx context.Context, id string, cause error) error
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]Entry
	keys    map[string]string
	now     func() time.Time
}

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string]Entry),
		keys:    make(map[string]string),
		now:     time.Now,
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, entry Entry) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := entry.Key()
	if id, ok := q.keys[key]; ok {
		existing := q.entries[id]
		existing.Record = entry.Record
		existing.Session = entry.Session
		q.entries[id] = existing
		return existing, nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.now().UTC()
	}
	q.entries[entry.ID] = entry
	q.keys[key] = entry.ID
	return entry, nil
}

// Pending implements Queue.
func (q *MemoryQueue) Pending(ctx context.Context, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove implements Queue.
func (q *MemoryQueue) Remove(ctx context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		delete(q.entries, id)
		delete(q.keys, e.Key())
	}
	return nil
}

// Drop implements Queue.
func (q *MemoryQueue) Drop(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.keys[key]; ok {
		delete(q.entries, id)
		delete(q.keys, key)
	}
	return nil
}

// MarkFailed implements Queue.
func (q *MemoryQueue) MarkFailed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	q.entries[id] = e
	return nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
