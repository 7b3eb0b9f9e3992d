/*
Notifq - multi-channel notification delivery queue.
Copyright © 2023-2024 Max Mazurov <fox.cpp@disroot.org>, Notifq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package notifq is the public surface of the notification delivery
pipeline: enqueue, batch enqueue, processor control and introspection.

The Queue owns a Storage, a Processor, a Deduplicator and a rate
Limiter and wires them to a single event emitter. Enqueued payloads are
validated synchronously; everything that happens after Add returns is
reported through events and status queries, never as an error to the
enqueueing caller.
*/
package notifq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/notifq/framework/exterrors"
	"github.com/foxcpp/notifq/framework/hooks"
	"github.com/foxcpp/notifq/framework/log"
	"github.com/foxcpp/notifq/internal/dedup"
	"github.com/foxcpp/notifq/internal/processor"
	"github.com/foxcpp/notifq/internal/ratelimit"
	"github.com/foxcpp/notifq/internal/storage/memory"
	"github.com/foxcpp/notifq/notify"
)

type Config struct {
	// Storage backend; nil selects the in-memory reference store.
	Storage notify.Storage

	Processor processor.Config
	Dedup     dedup.Config
	RateLimit ratelimit.Config

	// Consult the deduplicator at enqueue time: Add returns a
	// CodeDuplicate error instead of storing a payload equivalent to a
	// recently enqueued one. Without this flag the deduplicator is still
	// available via Deduplicator() but enqueue never rejects.
	DedupOnEnqueue bool

	// How often expired dedup entries are swept while the queue runs.
	DedupCleanupInterval time.Duration

	// Suppress all event emission.
	DisableEvents bool

	Log log.Logger
}

// Input describes one notification to enqueue.
type Input struct {
	Payload notify.Payload

	Priority notify.Priority

	// 0 selects the processor's default budget.
	MaxAttempts int

	// Nil means deliverable immediately.
	ScheduledAt *time.Time
	ExpiresAt   *time.Time

	// Opaque label propagated through events.
	CorrelationID string
}

type Queue struct {
	Log log.Logger

	cfg      Config
	events   *notify.Emitter
	storage  notify.Storage
	registry *notify.Registry
	dedup    *dedup.Deduplicator
	limiter  *ratelimit.Limiter
	proc     *processor.Processor

	hookOnce sync.Once

	mu          sync.Mutex
	dedupSweep  chan struct{}
	sweeperDone chan struct{}
}

func New(cfg Config) *Queue {
	if cfg.Log.Out == nil && cfg.Log.Name == "" {
		cfg.Log = log.Logger{Name: "notifq"}
	}
	if cfg.DedupCleanupInterval == 0 {
		cfg.DedupCleanupInterval = time.Minute
	}
	cfg.Processor.EnableEvents = !cfg.DisableEvents

	q := &Queue{
		Log:      cfg.Log,
		cfg:      cfg,
		events:   &notify.Emitter{Log: cfg.Log},
		registry: notify.NewRegistry(),
	}

	q.storage = cfg.Storage
	if q.storage == nil {
		q.storage = memory.New()
	}

	q.dedup = dedup.New(cfg.Dedup)
	q.dedup.Log = q.childLogger("dedup")

	q.limiter = ratelimit.New(cfg.RateLimit)
	q.limiter.Log = q.childLogger("ratelimit")

	// With DisableEvents set the components keep their own emitters, which
	// have no subscribers, so nothing surfaces through On.
	if !cfg.DisableEvents {
		q.dedup.Events = q.events
		q.limiter.Events = q.events
	}

	q.proc = processor.New(q.storage, q.registry, q.limiter, cfg.Processor)
	q.proc.Log = q.childLogger("processor")
	q.proc.Events = q.events

	return q
}

func (q *Queue) childLogger(name string) log.Logger {
	l := q.Log
	if l.Name != "" {
		name = l.Name + "/" + name
	}
	l.Name = name
	return l
}

// ErrDuplicate is returned by enqueue paths when pre-enqueue dedup is on
// and the payload duplicates a recent one.
var ErrDuplicate = &exterrors.Coded{
	Code:    exterrors.CodeDuplicate,
	Message: "duplicate notification suppressed",
}

// IsDuplicate reports whether err is the duplicate-suppressed rejection.
func IsDuplicate(err error) bool {
	coded := exterrors.AsCoded(err)
	return coded != nil && coded.Code == exterrors.CodeDuplicate
}

// Add validates and stores one notification, returning the created item.
// Validation failures reject synchronously; nothing about the later
// delivery outcome is reported here.
func (q *Queue) Add(input Input) (*notify.QueueItem, error) {
	item, err := q.buildItem(input)
	if err != nil {
		return nil, err
	}
	return q.enqueue(item)
}

func (q *Queue) buildItem(input Input) (*notify.QueueItem, error) {
	if input.Payload == nil {
		return nil, exterrors.Validation("no payload")
	}
	if err := input.Payload.Validate(); err != nil {
		return nil, err
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.Processor.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	now := time.Now()
	item := &notify.QueueItem{
		ID:            uuid.New().String(),
		Payload:       input.Payload.Clone(),
		Priority:      input.Priority,
		Status:        notify.StatusPending,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		CorrelationID: input.CorrelationID,
	}
	if input.ScheduledAt != nil {
		at := *input.ScheduledAt
		item.ScheduledAt = &at
	}
	if input.ExpiresAt != nil {
		at := *input.ExpiresAt
		item.ExpiresAt = &at
	}
	return item, nil
}

func (q *Queue) enqueue(item *notify.QueueItem) (*notify.QueueItem, error) {
	if q.cfg.DedupOnEnqueue {
		res := q.dedup.CheckAndRecord(item.Payload, item.CorrelationID, item.Priority, item.ID)
		if res.IsDuplicate {
			return nil, ErrDuplicate
		}
	}

	if err := q.storage.Add(context.Background(), item); err != nil {
		return nil, &exterrors.Coded{
			Code:      exterrors.CodeStorage,
			Message:   "enqueue failed",
			Retryable: exterrors.IsTemporaryOrUnspec(err),
			Cause:     err,
		}
	}

	q.emit(notify.Event{
		Type:          notify.EventItemEnqueued,
		ItemID:        item.ID,
		Channel:       item.Payload.Channel(),
		Priority:      item.Priority,
		CorrelationID: item.CorrelationID,
	})

	if item.ScheduledAt != nil && item.ScheduledAt.After(time.Now()) {
		q.proc.NoteScheduled(*item.ScheduledAt, item.ID)
	} else {
		q.proc.Wake()
	}
	return item, nil
}

func (q *Queue) emit(ev notify.Event) {
	if q.cfg.DisableEvents {
		return
	}
	q.events.Emit(ev)
}

// AddEmail enqueues an EMAIL notification with NORMAL priority.
func (q *Queue) AddEmail(to []string, title, body string) (*notify.QueueItem, error) {
	return q.Add(Input{
		Payload:  &notify.Email{Header: notify.Header{Title: title, Body: body}, To: to},
		Priority: notify.PriorityNormal,
	})
}

// AddChat enqueues a TELEGRAM notification with NORMAL priority.
func (q *Queue) AddChat(chatID, title, body string) (*notify.QueueItem, error) {
	return q.Add(Input{
		Payload:  &notify.Telegram{Header: notify.Header{Title: title, Body: body}, ChatID: chatID},
		Priority: notify.PriorityNormal,
	})
}

// AddWebhook enqueues a DISCORD webhook notification with NORMAL priority.
func (q *Queue) AddWebhook(webhookURL, title, body string) (*notify.QueueItem, error) {
	return q.Add(Input{
		Payload:  &notify.Discord{Header: notify.Header{Title: title, Body: body}, WebhookURL: webhookURL},
		Priority: notify.PriorityNormal,
	})
}

// AddPush enqueues a PUSH notification with NORMAL priority.
func (q *Queue) AddPush(deviceTokens []string, title, body string) (*notify.QueueItem, error) {
	return q.Add(Input{
		Payload:  &notify.Push{Header: notify.Header{Title: title, Body: body}, DeviceTokens: deviceTokens},
		Priority: notify.PriorityNormal,
	})
}

// AddSMS enqueues an SMS notification with NORMAL priority.
func (q *Queue) AddSMS(phoneNumbers []string, title, body string) (*notify.QueueItem, error) {
	return q.Add(Input{
		Payload:  &notify.SMS{Header: notify.Header{Title: title, Body: body}, PhoneNumbers: phoneNumbers},
		Priority: notify.PriorityNormal,
	})
}

// AddBatch enqueues inputs sequentially, not atomically: all inputs are
// validated up front and the first validation error rejects the whole
// batch before anything is stored, but a failure during the store phase
// (duplicate suppression included) returns the items enqueued so far
// together with the error.
func (q *Queue) AddBatch(inputs []Input) ([]*notify.QueueItem, error) {
	items := make([]*notify.QueueItem, 0, len(inputs))
	for _, input := range inputs {
		item, err := q.buildItem(input)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	stored := make([]*notify.QueueItem, 0, len(items))
	for _, item := range items {
		enqueued, err := q.enqueue(item)
		if err != nil {
			return stored, err
		}
		stored = append(stored, enqueued)
	}
	return stored, nil
}

// Start launches the background processor. The first call also registers
// a shutdown hook so process teardown drains in-flight deliveries.
func (q *Queue) Start() error {
	if err := q.proc.Start(); err != nil {
		return err
	}

	q.hookOnce.Do(func() {
		hooks.AddHook(hooks.EventShutdown, func() {
			if err := q.Stop(context.Background()); err != nil {
				q.Log.Error("shutdown", err)
			}
		})
	})

	q.mu.Lock()
	q.dedupSweep = make(chan struct{})
	q.sweeperDone = make(chan struct{})
	go q.sweepDedup(q.dedupSweep, q.sweeperDone)
	q.mu.Unlock()

	return nil
}

func (q *Queue) sweepDedup(stop chan struct{}, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(q.cfg.DedupCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.dedup.Cleanup()
		case <-stop:
			return
		}
	}
}

// Stop halts intake and waits for in-flight deliveries up to the
// processor's shutdown deadline.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.dedupSweep != nil {
		close(q.dedupSweep)
		<-q.sweeperDone
		q.dedupSweep = nil
	}
	q.mu.Unlock()

	return q.proc.Stop(ctx)
}

// Close stops the processor and releases the storage and limiter.
func (q *Queue) Close(ctx context.Context) error {
	stopErr := q.Stop(ctx)
	q.limiter.Close()
	if err := q.storage.Close(); err != nil {
		return err
	}
	return stopErr
}

func (q *Queue) Pause()  { q.proc.Pause() }
func (q *Queue) Resume() { q.proc.Resume() }

// ProcessPending synchronously drains everything ready right now.
func (q *Queue) ProcessPending(ctx context.Context) (int, error) {
	return q.proc.ProcessPending(ctx)
}

// RetryFailed requeues FAILED items that still have attempt budget.
// limit <= 0 requeues all of them.
func (q *Queue) RetryFailed(ctx context.Context, limit int) (int, error) {
	return q.proc.RetryFailed(ctx, limit)
}

// CleanupExpired removes non-terminal items past their expiry.
func (q *Queue) CleanupExpired(ctx context.Context) (int, error) {
	return q.proc.CleanupExpired(ctx)
}

func (q *Queue) Get(ctx context.Context, id string) (*notify.QueueItem, error) {
	return q.storage.Get(ctx, id)
}

func (q *Queue) Find(ctx context.Context, f notify.Filter) ([]*notify.QueueItem, error) {
	return q.storage.Find(ctx, f)
}

func (q *Queue) Count(ctx context.Context, f notify.Filter) (int, error) {
	return q.storage.Count(ctx, f)
}

func (q *Queue) Stats(ctx context.Context) (*notify.Stats, error) {
	return q.storage.Stats(ctx)
}

// DeadLetter returns dead-lettered items, most recently buried first.
// limit <= 0 returns all of them.
func (q *Queue) DeadLetter(ctx context.Context, limit int) ([]*notify.QueueItem, error) {
	return q.storage.DeadLetter(ctx, limit)
}

// QueueDepth is the number of items that still may be delivered.
func (q *Queue) QueueDepth(ctx context.Context) (int, error) {
	stats, err := q.storage.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.QueueDepth, nil
}

func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.storage.Count(ctx, notify.Filter{Status: []notify.Status{notify.StatusPending}})
}

func (q *Queue) ProcessingCount(ctx context.Context) (int, error) {
	return q.storage.Count(ctx, notify.Filter{Status: []notify.Status{notify.StatusProcessing}})
}

func (q *Queue) IsRunning() bool {
	return q.proc.State() == processor.StateRunning
}

func (q *Queue) ProcessorStatus() processor.State {
	return q.proc.State()
}

// RegisterHandler binds h to the channel, replacing any previous binding.
func (q *Queue) RegisterHandler(ch notify.Channel, h notify.Handler) {
	q.registry.Register(ch, h)
	q.proc.Wake()
}

func (q *Queue) UnregisterHandler(ch notify.Channel) bool {
	return q.registry.Unregister(ch)
}

// Handlers returns the channels that currently have a handler.
func (q *Queue) Handlers() []notify.Channel {
	return q.registry.Channels()
}

// On subscribes fn to all pipeline events and returns a token for Off.
func (q *Queue) On(fn func(notify.Event)) int {
	return q.events.Subscribe(fn)
}

func (q *Queue) Off(token int) {
	q.events.Unsubscribe(token)
}

// Deduplicator exposes the dedup component for direct checks, stats and
// hot config updates.
func (q *Queue) Deduplicator() *dedup.Deduplicator {
	return q.dedup
}

// RateLimiter exposes the admission component for direct checks, stats
// and hot config updates.
func (q *Queue) RateLimiter() *ratelimit.Limiter {
	return q.limiter
}
