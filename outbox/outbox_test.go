package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"complaintflow/test/fakes"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu     sync.Mutex
	events map[string]*Event
	order  []string
}

func newMemStore(events ...Event) *memStore {
	s := &memStore{events: map[string]*Event{}}
	for i := range events {
		e := events[i]
		if e.Status == "" {
			e.Status = StatusPending
		}
		s.events[e.ID] = &e
		s.order = append(s.order, e.ID)
	}
	return s
}

func (s *memStore) ClaimPending(_ context.Context, _ pgx.Tx, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, id := range s.order {
		if len(out) == limit {
			break
		}
		if e := s.events[id]; e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memStore) MarkProcessed(_ context.Context, _ pgx.Tx, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = StatusProcessed
	s.events[id].Attempts++
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, _ pgx.Tx, id string, lastErr string, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.Attempts++
	e.LastError = lastErr
	if dead {
		e.Status = StatusDead
	}
	return nil
}

func (s *memStore) get(id string) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []Event
	failTopic string
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.Topic == p.failTopic {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, e)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestWriter_EnqueueInsideTx(t *testing.T) {
	tx := &fakes.Tx{}
	w := NewWriter()

	err := w.Enqueue(context.Background(), tx, TopicDisputeRaised, map[string]any{"disputeId": 0})
	require.NoError(t, err)
	require.Len(t, tx.Execs, 1)
	assert.Contains(t, tx.Execs[0], "INSERT INTO outbox")
}

func TestWriter_RejectsUnmarshalablePayload(t *testing.T) {
	tx := &fakes.Tx{}
	err := NewWriter().Enqueue(context.Background(), tx, TopicVoteCast, map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
	assert.Empty(t, tx.Execs)
}

func TestRelay_ProcessBatch(t *testing.T) {
	store := newMemStore(
		Event{ID: "e1", Topic: TopicFollowUpSubmitted, Payload: json.RawMessage(`{"complaintId":1}`)},
		Event{ID: "e2", Topic: TopicMismatchDisputed, Payload: json.RawMessage(`{"complaintId":1}`)},
	)
	pub := &recordingPublisher{failTopic: TopicMismatchDisputed}
	pool := &fakes.Pool{}
	relay := NewRelay(pool, store, pub, RelayConfig{MaxAttempts: 2}, nil, nil)

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, pool.Last().Committed)
	assert.Equal(t, StatusProcessed, store.get("e1").Status)

	failed := store.get("e2")
	assert.Equal(t, StatusPending, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "broker unavailable", failed.LastError)

	_, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDead, store.get("e2").Status)
	assert.Equal(t, 1, pub.count())
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := newMemStore(Event{ID: "e1", Topic: TopicVoteCast, Payload: json.RawMessage(`{}`)})
	pub := &recordingPublisher{}
	relay := NewRelay(&fakes.Pool{}, store, pub, RelayConfig{PollInterval: 5 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

type stubWriter struct {
	failures int
	messages []kafka.Message
	closed   bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_EnvelopeAndRetry(t *testing.T) {
	w := &stubWriter{failures: 1}
	p := &KafkaPublisher{writer: w, maxAttempts: 3, backoff: time.Millisecond}
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Event{
		ID:        "e1",
		Topic:     TopicDisputeResolved,
		Payload:   json.RawMessage(`{"disputeId":0,"resolution":"in-favor"}`),
		CreatedAt: created,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)
	assert.Equal(t, []byte(TopicDisputeResolved), w.messages[0].Key)

	var env map[string]any
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &env))
	assert.Equal(t, "e1", env["id"])
	assert.Equal(t, TopicDisputeResolved, env["topic"])
	assert.Equal(t, "in-favor", env["payload"].(map[string]any)["resolution"])
	assert.Equal(t, "2026-03-01T00:00:00Z", env["created_at"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_GivesUp(t *testing.T) {
	w := &stubWriter{failures: 5}
	p := &KafkaPublisher{writer: w, maxAttempts: 2, backoff: time.Millisecond}

	err := p.Publish(context.Background(), Event{ID: "e1", Topic: TopicVoteCast, Payload: json.RawMessage(`{}`)})
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Empty(t, w.messages)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "events"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
