package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webhook-bridge/internal/breaker"
	"webhook-bridge/internal/domain"
	"webhook-bridge/internal/repository"
)

const tenant = "faster"

// flakyStore wraps the in-memory store and can be told to fail or stall.
type flakyStore struct {
	*repository.MemoryStore
	mu    sync.Mutex
	err   error
	stall bool
	calls int
}

func (s *flakyStore) next() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.stall, s.err
}

func (s *flakyStore) check(ctx context.Context) error {
	stall, err := s.next()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *flakyStore) UpsertMessage(ctx context.Context, msg domain.MessageRecord) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.MemoryStore.UpsertMessage(ctx, msg)
}

func (s *flakyStore) UpsertConversation(ctx context.Context, key string, fn func(*domain.ConversationState) *domain.ConversationState) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	return s.MemoryStore.UpsertConversation(ctx, key, fn)
}

func (s *flakyStore) UpsertContactAndAppendHistory(ctx context.Context, id string, c domain.ContactRecord, ch domain.LifecycleChange) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.MemoryStore.UpsertContactAndAppendHistory(ctx, id, c, ch)
}

type recordedLetter struct {
	task   domain.Task
	reason string
	ctxErr error
}

type recordingSink struct {
	mu      sync.Mutex
	letters []recordedLetter
}

func (s *recordingSink) Record(ctx context.Context, task domain.Task, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, recordedLetter{task: task, reason: reason, ctxErr: ctx.Err()})
	return nil
}

func (s *recordingSink) all() []recordedLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedLetter(nil), s.letters...)
}

type fixture struct {
	pipeline *Pipeline
	store    *flakyStore
	breaker  *breaker.Breaker
	sink     *recordingSink
}

func newFixture(t *testing.T, cfg PipelineConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:   &flakyStore{MemoryStore: repository.NewMemoryStore()},
		breaker: breaker.New(3, time.Minute),
		sink:    &recordingSink{},
	}
	p, err := NewPipeline(map[string]Store{tenant: f.store}, f.breaker, cfg,
		WithDeadLetter(f.sink),
		WithClock(func() time.Time { return received }))
	require.NoError(t, err)
	f.pipeline = p
	return f
}

// inlineConfig makes every Submit run synchronously.
func inlineConfig() PipelineConfig {
	cfg := DefaultPipelineConfig()
	cfg.Workers = 0
	cfg.QueueCapacity = 0
	return cfg
}

func messageTask(body string, dir domain.Direction) domain.Task {
	return domain.Task{Tenant: tenant, Payload: []byte(body), Direction: dir, Kind: domain.KindMessage}
}

func lifecycleTask(body string) domain.Task {
	return domain.Task{Tenant: tenant, Payload: []byte(body), Kind: domain.KindLifecycle}
}

func TestNewPipeline_ValidatesDependencies(t *testing.T) {
	b := breaker.New(0, 0)
	_, err := NewPipeline(nil, b, DefaultPipelineConfig())
	require.Error(t, err)

	_, err = NewPipeline(map[string]Store{tenant: nil}, b, DefaultPipelineConfig())
	require.Error(t, err)

	_, err = NewPipeline(map[string]Store{tenant: repository.NewMemoryStore()}, nil, DefaultPipelineConfig())
	require.Error(t, err)

	p, err := NewPipeline(map[string]Store{tenant: repository.NewMemoryStore()}, b, PipelineConfig{Workers: -1, QueueCapacity: -1})
	require.NoError(t, err)
	require.Equal(t, DefaultWorkers, p.Health().Workers)
	require.Equal(t, DefaultQueueCapacity, p.Health().QueueCapacity)
}

func TestPipeline_IncomingTextCreatesConversation(t *testing.T) {
	f := newFixture(t, inlineConfig())

	acc := f.pipeline.Submit(context.Background(), messageTask(
		`{"contact":{"phone":"+1"},"message":{"messageId":"m1","message":{"type":"text"}}}`, domain.DirectionIncoming))
	require.NoError(t, acc.Err)
	require.False(t, acc.Queued)

	msg, ok := f.store.Message("m1")
	require.True(t, ok)
	require.Equal(t, domain.DirectionIncoming, msg.Direction)
	require.Equal(t, domain.ContentText, msg.ContentType)

	conv, ok := f.store.Conversation("+1")
	require.True(t, ok)
	require.Equal(t, 1, conv.MessageCount)
	require.Equal(t, int64(1), f.pipeline.Health().Processed)
}

func TestPipeline_AttachmentCountsMedia(t *testing.T) {
	f := newFixture(t, inlineConfig())

	acc := f.pipeline.Submit(context.Background(), messageTask(
		`{"contact":{"phone":"+1"},"message":{"messageId":"m2","message":{"type":"attachment","attachment":{"type":"image"}}}}`,
		domain.DirectionIncoming))
	require.NoError(t, acc.Err)

	conv, ok := f.store.Conversation("+1")
	require.True(t, ok)
	require.Equal(t, map[string]int{"image": 1}, conv.MediaCounts)
}

func TestPipeline_LifecycleWithoutConversation(t *testing.T) {
	f := newFixture(t, inlineConfig())

	acc := f.pipeline.Submit(context.Background(), lifecycleTask(
		`{"event_type":"contact.lifecycle.updated","contact":{"id":42,"phone":"+1"},"oldLifecycle":"lead","lifecycle":"customer"}`))
	require.NoError(t, acc.Err)

	contact, ok := f.store.Contact("42")
	require.True(t, ok)
	require.Len(t, contact.LifecycleHistory, 1)
	require.Equal(t, "lead", contact.LifecycleHistory[0].From)
	require.Equal(t, "customer", contact.LifecycleHistory[0].To)

	_, ok = f.store.Conversation("+1")
	require.False(t, ok)
}

func TestPipeline_LifecycleUpdatesExistingConversation(t *testing.T) {
	f := newFixture(t, inlineConfig())
	ctx := context.Background()

	require.NoError(t, f.pipeline.Submit(ctx, messageTask(
		`{"contact":{"id":42,"phone":"+1"},"message":{"messageId":"m1"}}`, domain.DirectionIncoming)).Err)
	require.NoError(t, f.pipeline.Submit(ctx, lifecycleTask(
		`{"contact":{"id":42,"phone":"+1"},"lifecycle":"customer"}`)).Err)

	conv, ok := f.store.Conversation("+1")
	require.True(t, ok)
	require.Equal(t, "customer", conv.Lifecycle)
	require.Equal(t, 1, conv.MessageCount)

	require.NoError(t, f.pipeline.Submit(ctx, messageTask(
		`{"contact":{"id":42,"phone":"+1"},"message":{"messageId":"m2"}}`, domain.DirectionIncoming)).Err)
	conv, _ = f.store.Conversation("+1")
	require.Equal(t, "customer", conv.Lifecycle)
}

func TestPipeline_SaturatedQueueProcessesInline(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.QueueCapacity = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	// Workers are never started so the single slot stays occupied.
	first := f.pipeline.Submit(ctx, messageTask(`{"contact":{"phone":"+1"},"message":{"messageId":"q1"}}`, domain.DirectionIncoming))
	require.True(t, first.Queued)

	second := f.pipeline.Submit(ctx, messageTask(`{"contact":{"phone":"+2"},"message":{"messageId":"q2"}}`, domain.DirectionIncoming))
	require.False(t, second.Queued)
	require.NoError(t, second.Err)

	_, ok := f.store.Message("q2")
	require.True(t, ok)
	_, ok = f.store.Message("q1")
	require.False(t, ok)

	h := f.pipeline.Health()
	require.Equal(t, 1, h.QueueDepth)
	require.Equal(t, int64(1), h.Inline)
}

func TestPipeline_OpenBreakerConsumesToDeadLetter(t *testing.T) {
	f := newFixture(t, inlineConfig())
	for n := 0; n < 3; n++ {
		f.breaker.RecordFailure()
	}

	task := messageTask(`{"contact":{"phone":"+1"},"message":{"messageId":"m1"}}`, domain.DirectionIncoming)
	acc := f.pipeline.Submit(context.Background(), task)
	require.Equal(t, ErrorBreakerOpen, ErrorCodeOf(acc.Err))

	require.Equal(t, 0, f.store.MessageCount())
	require.Equal(t, 0, f.store.calls)
	letters := f.sink.all()
	require.Len(t, letters, 1)
	require.Equal(t, string(ErrorBreakerOpen), letters[0].reason)
	require.Equal(t, received, letters[0].task.ReceivedAt)

	h := f.pipeline.Health()
	require.Equal(t, breaker.StateOpen, h.BreakerState)
	require.Equal(t, int64(1), h.Dropped)
}

func TestPipeline_StoreFailureFeedsBreaker(t *testing.T) {
	f := newFixture(t, inlineConfig())
	f.store.err = errors.New("dynamodb: service unavailable")

	for i := 0; i < 3; i++ {
		acc := f.pipeline.Submit(context.Background(), messageTask(
			fmt.Sprintf(`{"contact":{"phone":"+1"},"message":{"messageId":"m%d"}}`, i), domain.DirectionIncoming))
		require.Equal(t, ErrorStoreUnavailable, ErrorCodeOf(acc.Err))
	}
	require.True(t, f.breaker.IsOpen())
	require.Len(t, f.sink.all(), 3)
	require.Equal(t, int64(3), f.pipeline.Health().Failed)

	acc := f.pipeline.Submit(context.Background(), messageTask(
		`{"contact":{"phone":"+1"},"message":{"messageId":"m9"}}`, domain.DirectionIncoming))
	require.Equal(t, ErrorBreakerOpen, ErrorCodeOf(acc.Err))
}

func TestPipeline_SuccessHealsBreaker(t *testing.T) {
	f := newFixture(t, inlineConfig())
	f.breaker.RecordFailure()
	f.breaker.RecordFailure()

	require.NoError(t, f.pipeline.Submit(context.Background(), messageTask(
		`{"contact":{"phone":"+1"},"message":{"messageId":"m1"}}`, domain.DirectionIncoming)).Err)
	require.Equal(t, 1, f.breaker.Snapshot().Failures)
}

func TestPipeline_StoreTimeout(t *testing.T) {
	cfg := inlineConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.store.stall = true

	acc := f.pipeline.Submit(context.Background(), messageTask(
		`{"contact":{"phone":"+1"},"message":{"messageId":"m1"}}`, domain.DirectionIncoming))
	require.Equal(t, ErrorStoreTimeout, ErrorCodeOf(acc.Err))
	require.Equal(t, 1, f.breaker.Snapshot().Failures)
	require.Equal(t, string(ErrorStoreTimeout), f.sink.all()[0].reason)
}

func TestPipeline_MalformedIsRejectedWithoutBreaker(t *testing.T) {
	f := newFixture(t, inlineConfig())

	acc := f.pipeline.Submit(context.Background(), messageTask(`{not json`, domain.DirectionIncoming))
	require.Equal(t, ErrorMalformedPayload, ErrorCodeOf(acc.Err))
	acc = f.pipeline.Submit(context.Background(), messageTask(`{"message":{"messageId":"m1"}}`, domain.DirectionIncoming))
	require.Equal(t, ErrorMissingIdentity, ErrorCodeOf(acc.Err))

	require.Equal(t, 0, f.breaker.Snapshot().Failures)
	require.Empty(t, f.sink.all())
	require.Equal(t, int64(2), f.pipeline.Health().Rejected)
}

func TestPipeline_UnknownTenant(t *testing.T) {
	f := newFixture(t, inlineConfig())
	task := messageTask(`{"contact":{"phone":"+1"},"message":{"messageId":"m1"}}`, domain.DirectionIncoming)
	task.Tenant = "nobody"
	err := f.pipeline.Process(context.Background(), task)
	require.Equal(t, ErrorMalformedPayload, ErrorCodeOf(err))
}

func TestPipeline_RedeliveryConvergesMessage(t *testing.T) {
	f := newFixture(t, inlineConfig())
	task := messageTask(`{"contact":{"phone":"+1"},"message":{"messageId":"m1","timestamp":1700000000000}}`, domain.DirectionIncoming)

	require.NoError(t, f.pipeline.Submit(context.Background(), task).Err)
	require.NoError(t, f.pipeline.Submit(context.Background(), task).Err)

	require.Equal(t, 1, f.store.MessageCount())
	conv, _ := f.store.Conversation("+1")
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), conv.LastMessageTS)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), conv.FirstMessageTS)
}

func TestPipeline_LifecycleRedeliveryAppendsOnce(t *testing.T) {
	f := newFixture(t, inlineConfig())
	task := lifecycleTask(`{"event_id":"e1","contact":{"id":42,"phone":"+1"},"oldLifecycle":"lead","lifecycle":"customer"}`)

	require.NoError(t, f.pipeline.Submit(context.Background(), task).Err)
	require.NoError(t, f.pipeline.Submit(context.Background(), task).Err)

	contact, _ := f.store.Contact("42")
	require.Len(t, contact.LifecycleHistory, 1)
}

func TestPipeline_WorkersPreserveConcurrentCounts(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Workers = 8
	cfg.QueueCapacity = 64
	f := newFixture(t, cfg)
	f.pipeline.Start(context.Background())

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.pipeline.Submit(context.Background(), messageTask(
				fmt.Sprintf(`{"contact":{"phone":"+1"},"message":{"messageId":"c%d","message":{"type":"image","url":"u"}}}`, i),
				domain.DirectionIncoming))
		}()
	}
	wg.Wait()
	f.pipeline.Stop()

	conv, ok := f.store.Conversation("+1")
	require.True(t, ok)
	require.Equal(t, n, conv.MessageCount)
	require.Equal(t, n, conv.MediaCounts["image"])
	require.Equal(t, n, f.store.MessageCount())

	h := f.pipeline.Health()
	require.Equal(t, int64(n), h.Processed)
	require.Equal(t, 0, h.QueueDepth)
}

func TestPipeline_StopDrainsQueue(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 10
	f := newFixture(t, cfg)

	for i := 0; i < 5; i++ {
		acc := f.pipeline.Submit(context.Background(), messageTask(
			fmt.Sprintf(`{"contact":{"phone":"+%d"},"message":{"messageId":"d%d"}}`, i, i), domain.DirectionIncoming))
		require.True(t, acc.Queued)
	}
	f.pipeline.Start(context.Background())
	f.pipeline.Stop()
	require.Equal(t, 5, f.store.MessageCount())

	// After Stop the pipeline keeps accepting work inline.
	acc := f.pipeline.Submit(context.Background(), messageTask(`{"contact":{"phone":"+9"},"message":{"messageId":"late"}}`, domain.DirectionIncoming))
	require.False(t, acc.Queued)
	require.NoError(t, acc.Err)
}

func TestPipeline_CancelledStartContextStillDrains(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 10
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		acc := f.pipeline.Submit(context.Background(), messageTask(
			fmt.Sprintf(`{"contact":{"phone":"+%d"},"message":{"messageId":"s%d"}}`, i, i), domain.DirectionIncoming))
		require.True(t, acc.Queued)
	}
	f.pipeline.Start(ctx)
	cancel()

	// Requests still in flight while the server shuts down.
	for i := 5; i < 7; i++ {
		acc := f.pipeline.Submit(context.Background(), messageTask(
			fmt.Sprintf(`{"contact":{"phone":"+%d"},"message":{"messageId":"s%d"}}`, i, i), domain.DirectionIncoming))
		require.True(t, acc.Queued)
	}
	f.pipeline.Stop()

	require.Equal(t, 7, f.store.MessageCount())
	require.Equal(t, int64(7), f.pipeline.Health().Processed)
	require.Empty(t, f.sink.all())
}

func TestNewPipeline_ZeroWorkersProcessInline(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Workers = 0
	cfg.QueueCapacity = 10
	f := newFixture(t, cfg)
	require.Zero(t, f.pipeline.Health().QueueCapacity)

	acc := f.pipeline.Submit(context.Background(), messageTask(
		`{"contact":{"phone":"+1"},"message":{"messageId":"z1"}}`, domain.DirectionIncoming))
	require.False(t, acc.Queued)
	require.NoError(t, acc.Err)
	_, ok := f.store.Message("z1")
	require.True(t, ok)
}

func TestPipeline_DeadLetterOutlivesInlineDeadline(t *testing.T) {
	cfg := inlineConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	cfg.SyncTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.store.stall = true

	acc := f.pipeline.Submit(context.Background(), messageTask(
		`{"contact":{"phone":"+1"},"message":{"messageId":"m1"}}`, domain.DirectionIncoming))
	require.Equal(t, ErrorStoreTimeout, ErrorCodeOf(acc.Err))

	letters := f.sink.all()
	require.Len(t, letters, 1)
	require.NoError(t, letters[0].ctxErr)
}

func TestPipeline_ReplayOfUnidentifiedMessageWritesOnce(t *testing.T) {
	f := newFixture(t, inlineConfig())
	task := messageTask(`{"contact":{"phone":"+1"},"message":{"message":{"type":"text","text":"hi"}}}`, domain.DirectionIncoming)
	task.ReceivedAt = received

	// Dead letter recorded after only the message write landed.
	require.NoError(t, f.store.MemoryStore.UpsertMessage(context.Background(), mustNormalize(t, task).Message))
	require.Equal(t, 1, f.store.MessageCount())

	require.NoError(t, f.pipeline.Process(context.Background(), task))
	require.Equal(t, 1, f.store.MessageCount())
	conv, ok := f.store.Conversation("+1")
	require.True(t, ok)
	require.Equal(t, 1, conv.MessageCount)
}

func mustNormalize(t *testing.T, task domain.Task) MessageResult {
	t.Helper()
	res, err := NormalizeMessage(task.Payload, task.Direction, task.ReceivedAt)
	require.NoError(t, err)
	return res
}
