package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/stepcount/internal/domain"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"user_id":"user-1","date":"2026-04-20","step_count":8547}`)
	value := make([]byte, 5+len(payload))
	value[0] = 0
	binary.BigEndian.PutUint32(value[1:5], uint32(42))
	copy(value[5:], payload)

	msg := kafka.Message{
		Topic:     "steps_daily",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("steps.daily_recorded")},
			{Key: "user_id", Value: []byte("user-1")},
			{Key: "schema_subject", Value: []byte("steps_daily-value")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "steps.daily_recorded", handler.last.EventType)
	require.Equal(t, "user-1", handler.last.UserID)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"session_id":"s-1"}`)
	value := make([]byte, 5+len(payload))
	value[0] = 0
	binary.BigEndian.PutUint32(value[1:5], uint32(99))
	copy(value[5:], payload)

	msg := kafka.Message{
		Topic:     "activity_sessions",
		Partition: 0,
		Offset:    20,
		Time:      time.Now().UTC(),
		Value:     value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("activity.session_recorded")},
			{Key: "user_id", Value: []byte("user-2")},
			{Key: "schema_subject", Value: []byte("activity_sessions-value")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: "steps_daily", Value: []byte{0, 1}},
			{Topic: "steps_daily", Value: frame(1, []byte(`{}`))},
		},
		after: contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Zero(t, handler.calls, "short frames and missing headers never reach the handler")
	require.Equal(t, 2, reader.commitCalls)
}

func TestProcessorCountsOutcomes(t *testing.T) {
	const topic = "steps_daily_outcomes"
	processed := messagesTotal.WithLabelValues(topic, "steps.daily_recorded", resultProcessed)
	failed := messagesTotal.WithLabelValues(topic, "steps.daily_recorded", resultHandlerError)
	malformed := messagesTotal.WithLabelValues(topic, "", resultDecodeError)
	beforeProcessed, beforeFailed, beforeMalformed := testutil.ToFloat64(processed), testutil.ToFloat64(failed), testutil.ToFloat64(malformed)

	headers := []kafka.Header{
		{Key: "event_type", Value: []byte("steps.daily_recorded")},
		{Key: "user_id", Value: []byte("user-1")},
	}
	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: topic, Offset: 1, Time: time.Now().Add(-time.Second), Value: frame(7, []byte(`{}`)), Headers: headers},
			{Topic: topic, Offset: 2, Value: []byte{0}},
		},
		after: contextCanceled,
	}
	processor := NewProcessor(reader, &stubHandler{}, WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(context.Background()), context.Canceled)

	reader = &stubReader{
		messages: []kafka.Message{{Topic: topic, Offset: 3, Value: frame(7, []byte(`{}`)), Headers: headers}},
		after:    contextCanceled,
	}
	processor = NewProcessor(reader, &stubHandler{err: errors.New("db down")}, WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(context.Background()), context.Canceled)

	require.Equal(t, beforeProcessed+1, testutil.ToFloat64(processed))
	require.Equal(t, beforeFailed+1, testutil.ToFloat64(failed))
	require.Equal(t, beforeMalformed+1, testutil.ToFloat64(malformed))
}

func TestProcessorRetriesAfterFetchError(t *testing.T) {
	reader := &flakyReader{
		stubReader: stubReader{
			messages: []kafka.Message{{
				Topic:   "steps_daily",
				Value:   frame(3, []byte(`{}`)),
				Headers: []kafka.Header{{Key: "event_type", Value: []byte("steps.daily_recorded")}},
			}},
			after: contextCanceled,
		},
		failures: 2,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithFetchBackoff(time.Millisecond), WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(context.Background()), context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Zero(t, reader.failures)
}

func TestProcessorRetriesHandlerBeforeGivingUp(t *testing.T) {
	headers := []kafka.Header{{Key: "event_type", Value: []byte("steps.daily_recorded")}}
	newReader := func() *stubReader {
		return &stubReader{
			messages: []kafka.Message{{Topic: "steps_daily", Offset: 4, Value: frame(3, []byte(`{}`)), Headers: headers}},
			after:    contextCanceled,
		}
	}

	calls := 0
	recovering := HandlerFunc(func(context.Context, Message) error {
		calls++
		if calls < 3 {
			return errors.New("database restarting")
		}
		return nil
	})
	reader := newReader()
	processor := NewProcessor(reader, recovering, WithHandlerAttempts(3), WithFetchBackoff(time.Millisecond), WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(context.Background()), context.Canceled)
	require.Equal(t, 3, calls)
	require.Equal(t, 1, reader.commitCalls)

	failing := &stubHandler{err: errors.New("boom")}
	reader = newReader()
	processor = NewProcessor(reader, failing, WithHandlerAttempts(2), WithFetchBackoff(time.Millisecond), WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(context.Background()), context.Canceled)
	require.Equal(t, 2, failing.calls)
	require.Zero(t, reader.commitCalls)
}

func TestProgressHandlerAppliesDailyRecords(t *testing.T) {
	applier := &stubApplier{}
	handler := Chain(&stubHandler{}, NewProgressHandler(applier))

	err := handler.Handle(context.Background(), Message{
		EventType: "steps.daily_recorded",
		UserID:    "user-1",
		Payload:   []byte(`{"user_id":"user-1","date":"2026-04-20","step_count":8547}`),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"user-1@2026-04-20"}, applier.calls)

	require.NoError(t, handler.Handle(context.Background(), Message{EventType: "activity.session_recorded", Payload: []byte(`{}`)}))
	require.Len(t, applier.calls, 1)

	err = handler.Handle(context.Background(), Message{EventType: "steps.daily_recorded", Payload: []byte(`{"date":"yesterday"}`)})
	require.Error(t, err)
}

func TestChainJoinsErrors(t *testing.T) {
	first := &stubHandler{err: errors.New("first")}
	second := &stubHandler{}
	err := Chain(first, second).Handle(context.Background(), Message{})
	require.ErrorContains(t, err, "first")
	require.Equal(t, 1, second.calls, "later handlers still run")
}

func frame(schemaID int, payload []byte) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], uint32(schemaID))
	copy(value[5:], payload)
	return value
}

type stubApplier struct {
	calls []string
}

func (a *stubApplier) Apply(_ context.Context, userID string, date domain.Date) error {
	a.calls = append(a.calls, userID+"@"+date.String())
	return nil
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

type flakyReader struct {
	stubReader
	failures int
}

func (r *flakyReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.failures > 0 {
		r.failures--
		return kafka.Message{}, errors.New("leader not available")
	}
	return r.stubReader.FetchMessage(ctx)
}

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
