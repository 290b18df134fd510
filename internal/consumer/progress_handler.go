package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/platform/events"
)

// ProgressApplier recomputes competition standings for a user's day.
type ProgressApplier interface {
	Apply(ctx context.Context, userID string, date domain.Date) error
}

// ProgressHandler keeps competition progress current as daily records arrive. Other event
// types are ignored.
type ProgressHandler struct {
	applier ProgressApplier
}

// NewProgressHandler constructs a ProgressHandler.
func NewProgressHandler(applier ProgressApplier) *ProgressHandler {
	return &ProgressHandler{applier: applier}
}

// Handle decodes steps.daily_recorded and applies it.
func (h *ProgressHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeStepsDailyRecorded {
		return nil
	}

	var event events.StepsDailyRecorded
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	if event.UserID == "" {
		event.UserID = msg.UserID
	}
	date, err := domain.ParseDate(event.Date)
	if err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	return h.applier.Apply(ctx, event.UserID, date)
}
