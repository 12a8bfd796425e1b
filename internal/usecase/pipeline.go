package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"webhook-bridge/internal/breaker"
	"webhook-bridge/internal/domain"
)

const (
	DefaultWorkers       = 4
	DefaultQueueCapacity = 10000
	DefaultWriteTimeout  = 5 * time.Second
	DefaultSyncTimeout   = 10 * time.Second

	deadLetterTimeout = 5 * time.Second
)

// Store is the idempotent document store one tenant's records are written to.
type Store interface {
	UpsertMessage(ctx context.Context, msg domain.MessageRecord) error
	// UpsertConversation applies fn to the current state of key as one atomic
	// step. fn returning nil skips the write and applied is false.
	UpsertConversation(ctx context.Context, key string, fn func(existing *domain.ConversationState) *domain.ConversationState) (applied bool, err error)
	UpsertContactAndAppendHistory(ctx context.Context, contactID string, contact domain.ContactRecord, change domain.LifecycleChange) error
}

type Breaker interface {
	IsOpen() bool
	RecordFailure()
	RecordSuccess()
	Snapshot() breaker.Snapshot
}

// DeadLetterSink keeps tasks that were consumed without being persisted so
// they can be replayed later.
type DeadLetterSink interface {
	Record(ctx context.Context, task domain.Task, reason string) error
}

type PipelineConfig struct {
	Workers       int
	QueueCapacity int
	// WriteTimeout bounds every individual store call.
	WriteTimeout time.Duration
	// SyncTimeout bounds inline processing when the queue is saturated.
	SyncTimeout time.Duration
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:       DefaultWorkers,
		QueueCapacity: DefaultQueueCapacity,
		WriteTimeout:  DefaultWriteTimeout,
		SyncTimeout:   DefaultSyncTimeout,
	}
}

// Acceptance is what Submit hands back to the gateway. The gateway always
// acknowledges the producer; Err is informational.
type Acceptance struct {
	Queued bool
	Err    error
}

// Health is the diagnostics snapshot of the pipeline.
type Health struct {
	QueueDepth       int           `json:"queue_depth"`
	QueueCapacity    int           `json:"queue_capacity"`
	Workers          int           `json:"workers"`
	BreakerState     breaker.State `json:"breaker_state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	Processed        int64         `json:"processed"`
	Failed           int64         `json:"failed"`
	Rejected         int64         `json:"rejected"`
	Dropped          int64         `json:"dropped"`
	Inline           int64         `json:"inline"`
}

type PipelineOption func(*Pipeline)

func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithDeadLetter(sink DeadLetterSink) PipelineOption {
	return func(p *Pipeline) {
		p.deadLetters = sink
	}
}

func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline owns the intake queue and the worker pool draining it.
type Pipeline struct {
	stores      map[string]Store
	breaker     Breaker
	queue       *Queue
	cfg         PipelineConfig
	logger      *slog.Logger
	deadLetters DeadLetterSink
	now         func() time.Time

	startOnce sync.Once
	wg        sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
	inline    atomic.Int64
}

// NewPipeline wires a pipeline over per-tenant stores. Negative sizes and
// non-positive timeouts fall back to the defaults. Zero workers processes
// every task inline whatever the configured capacity.
func NewPipeline(stores map[string]Store, b Breaker, cfg PipelineConfig, opts ...PipelineOption) (*Pipeline, error) {
	if len(stores) == 0 {
		return nil, errors.New("usecase: at least one tenant store is required")
	}
	for tenant, s := range stores {
		if s == nil {
			return nil, fmt.Errorf("usecase: store for tenant %q must not be nil", tenant)
		}
	}
	if b == nil {
		return nil, errors.New("usecase: breaker must not be nil")
	}
	if cfg.Workers < 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Workers == 0 {
		cfg.QueueCapacity = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}

	copied := make(map[string]Store, len(stores))
	for tenant, s := range stores {
		copied[tenant] = s
	}
	p := &Pipeline{
		stores:  copied,
		breaker: b,
		queue:   NewQueue(cfg.QueueCapacity),
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers. Calling it more than once has no effect.
// Cancelling ctx does not stop them; only Stop does, after the queue drains.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx := context.WithoutCancel(ctx)
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
		p.logger.Info("ingest workers started", "workers", p.cfg.Workers, "queue_capacity", p.queue.Cap())
	})
}

// Stop closes the intake queue and waits for the workers to drain it.
// Submit keeps working afterwards by processing inline.
func (p *Pipeline) Stop() {
	p.queue.Close()
	p.wg.Wait()
	p.logger.Info("ingest workers stopped")
}

// Submit hands task to the workers, or processes it on the caller's goroutine
// when the queue is full. It never fails the caller.
func (p *Pipeline) Submit(ctx context.Context, task domain.Task) Acceptance {
	if task.ReceivedAt.IsZero() {
		task.ReceivedAt = p.now().UTC()
	}
	if p.queue.TryEnqueue(task) {
		return Acceptance{Queued: true}
	}

	p.inline.Add(1)
	level := slog.LevelWarn
	if p.queue.Cap() == 0 {
		level = slog.LevelDebug
	}
	p.logger.Log(ctx, level, "intake queue saturated, processing inline",
		"tenant", task.Tenant, "kind", task.Kind, "queue_depth", p.queue.Len())

	// The producer's request context may end before the store answers.
	inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SyncTimeout)
	defer cancel()
	return Acceptance{Queued: false, Err: p.handle(inlineCtx, task)}
}

// Process runs one task through normalization, aggregation and the store
// without consulting the breaker.
func (p *Pipeline) Process(ctx context.Context, task domain.Task) error {
	store, ok := p.stores[task.Tenant]
	if !ok {
		return newError(ErrorMalformedPayload, "unknown_tenant", fmt.Errorf("tenant %q", task.Tenant))
	}
	receivedAt := task.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now().UTC()
	}

	switch task.Kind {
	case domain.KindMessage:
		return p.processMessage(ctx, store, task, receivedAt)
	case domain.KindLifecycle:
		return p.processLifecycle(ctx, store, task, receivedAt)
	default:
		return newError(ErrorMalformedPayload, "unknown_event_kind", fmt.Errorf("kind %q", task.Kind))
	}
}

func (p *Pipeline) Health() Health {
	snap := p.breaker.Snapshot()
	return Health{
		QueueDepth:       p.queue.Len(),
		QueueCapacity:    p.queue.Cap(),
		Workers:          p.cfg.Workers,
		BreakerState:     snap.State,
		FailureCount:     snap.Failures,
		FailureThreshold: snap.Threshold,
		Processed:        p.processed.Load(),
		Failed:           p.failed.Load(),
		Rejected:         p.rejected.Load(),
		Dropped:          p.dropped.Load(),
		Inline:           p.inline.Load(),
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		task, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		_ = p.handle(ctx, task)
	}
}

// handle consults the breaker, processes the task and feeds the outcome back.
// Every task is consumed exactly once here whatever the outcome.
func (p *Pipeline) handle(ctx context.Context, task domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.rejected.Add(1)
			p.logger.Error("ingest task panicked", "tenant", task.Tenant, "kind", task.Kind, "panic", r)
			err = fmt.Errorf("usecase: task panicked: %v", r)
		}
	}()

	if p.breaker.IsOpen() {
		p.dropped.Add(1)
		p.logger.Warn("breaker open, task consumed without persisting",
			"tenant", task.Tenant, "kind", task.Kind)
		p.recordDeadLetter(ctx, task, string(ErrorBreakerOpen))
		return newError(ErrorBreakerOpen, "breaker_open", nil)
	}

	err = p.Process(ctx, task)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
		p.processed.Add(1)
	case IsStoreFailure(err):
		p.breaker.RecordFailure()
		p.failed.Add(1)
		p.logger.Error("ingest store write failed",
			"tenant", task.Tenant, "kind", task.Kind, "code", ErrorCodeOf(err), "err", err)
		p.recordDeadLetter(ctx, task, string(ErrorCodeOf(err)))
	default:
		p.rejected.Add(1)
		p.logger.Warn("ingest task dropped",
			"tenant", task.Tenant, "kind", task.Kind, "code", ErrorCodeOf(err), "err", err)
	}
	return err
}

func (p *Pipeline) processMessage(ctx context.Context, store Store, task domain.Task, receivedAt time.Time) error {
	res, err := NormalizeMessage(task.Payload, task.Direction, receivedAt)
	if err != nil {
		return err
	}
	msg := res.Message
	p.logger.Debug("webhook normalized", "tenant", task.Tenant, "direction", task.Direction,
		"message_id", msg.ID, "conversation", msg.ConversationKey, "content_type", msg.ContentType)

	if err := p.callStore(ctx, func(ctx context.Context) error {
		return store.UpsertMessage(ctx, msg)
	}); err != nil {
		return storeError("upsert_message", err)
	}

	if err := p.callStore(ctx, func(ctx context.Context) error {
		_, err := store.UpsertConversation(ctx, res.Delta.Key, func(existing *domain.ConversationState) *domain.ConversationState {
			return ApplyDelta(existing, res.Delta, p.now())
		})
		return err
	}); err != nil {
		return storeError("upsert_conversation", err)
	}

	p.logger.Info("message saved", "tenant", task.Tenant, "message_id", msg.ID,
		"conversation", msg.ConversationKey, "media_type", res.MediaType)
	return nil
}

func (p *Pipeline) processLifecycle(ctx context.Context, store Store, task domain.Task, receivedAt time.Time) error {
	res, err := NormalizeLifecycle(task.Payload, receivedAt)
	if err != nil {
		return err
	}

	if err := p.callStore(ctx, func(ctx context.Context) error {
		return store.UpsertContactAndAppendHistory(ctx, res.Contact.ID, res.Contact, res.Change)
	}); err != nil {
		return storeError("upsert_contact", err)
	}
	p.logger.Info("contact lifecycle updated", "tenant", task.Tenant, "contact_id", res.Contact.ID,
		"from", res.Change.From, "to", res.Change.To)

	var applied bool
	if err := p.callStore(ctx, func(ctx context.Context) error {
		var err error
		applied, err = store.UpsertConversation(ctx, res.ConversationKey, func(existing *domain.ConversationState) *domain.ConversationState {
			next, _ := ApplyLifecycle(existing, res.Delta, p.now())
			return next
		})
		return err
	}); err != nil {
		return storeError("update_conversation_lifecycle", err)
	}
	if applied {
		p.logger.Info("conversation lifecycle updated", "tenant", task.Tenant, "conversation", res.ConversationKey)
	} else {
		p.logger.Info("no conversation found for contact", "tenant", task.Tenant, "conversation", res.ConversationKey)
	}
	return nil
}

func (p *Pipeline) callStore(ctx context.Context, call func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	if err := call(ctx); err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return err
	}
	return nil
}

func (p *Pipeline) recordDeadLetter(ctx context.Context, task domain.Task, reason string) {
	if p.deadLetters == nil {
		return
	}
	// The processing deadline may already be spent.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()
	if err := p.deadLetters.Record(ctx, task, reason); err != nil {
		p.logger.Error("dead letter write failed", "tenant", task.Tenant, "reason", reason, "err", err)
	}
}
