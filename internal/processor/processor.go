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
Package processor implements the delivery loop of the pipeline.

A single polling goroutine claims ready items from storage in priority
order and hands each one to a delivery goroutine; a buffered channel used
as a semaphore restricts how many handler invocations run in parallel.
Claiming goes through Storage.MarkProcessing, which is atomic, so any
number of concurrent pollers (including explicit ProcessPending calls)
never deliver the same item twice.

Failures are classified by the handler's ShouldRetry flag: transient
failures are rescheduled with exponential backoff until the attempt
budget runs out, everything else goes to the dead letter set (or stays
FAILED when dead-lettering is off). A time wheel wakes the poller the
moment a deferred item becomes ready.
*/
package processor

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxcpp/notifq/framework/exterrors"
	"github.com/foxcpp/notifq/framework/log"
	"github.com/foxcpp/notifq/internal/ratelimit"
	"github.com/foxcpp/notifq/notify"
)

// State of the processor lifecycle:
//
//	IDLE -> RUNNING <-> PAUSED -> STOPPED
//
// A stopped processor can be started again.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

type Config struct {
	// Maximum handler invocations in flight at once.
	Concurrency int

	PollInterval time.Duration

	// Items fetched per poll, further capped by free concurrency slots.
	BatchSize int

	// Base retry delay; attempt N waits RetryDelay * 2^(N-1) with ±20%
	// jitter, capped at MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Fallback attempt budget for items enqueued without MaxAttempts.
	MaxAttempts int

	// Exhausted or permanently failed items move to DEAD_LETTER instead
	// of staying FAILED.
	DeadLetterEnabled bool

	// Suppresses all event emission when false.
	EnableEvents bool

	HandlerTimeout time.Duration

	// How long Stop waits for in-flight deliveries.
	ShutdownTimeout time.Duration

	// Cadence of the opportunistic expired-item sweep done by the poll
	// loop.
	ExpiryInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.ExpiryInterval == 0 {
		c.ExpiryInterval = time.Minute
	}
}

type Processor struct {
	Log log.Logger

	// Emitter for item and processor lifecycle events. May be shared with
	// the queue facade.
	Events *notify.Emitter

	storage  notify.Storage
	registry *notify.Registry

	// Optional admission gate consulted right before each handler
	// invocation. Nil disables rate limiting.
	limiter *ratelimit.Limiter

	cfg Config

	mu         sync.Mutex
	state      State
	stop       chan struct{}
	loopDone   chan struct{}
	wheel      *timeWheel
	lastExpiry time.Time

	wake chan struct{}

	inFlight int32
	wg       sync.WaitGroup
	sem      chan struct{}
}

func New(storage notify.Storage, registry *notify.Registry, limiter *ratelimit.Limiter, cfg Config) *Processor {
	cfg.setDefaults()
	return &Processor{
		Log:      log.Logger{Name: "processor"},
		Events:   &notify.Emitter{},
		storage:  storage,
		registry: registry,
		limiter:  limiter,
		cfg:      cfg,
		state:    StateIdle,
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// InFlight is the number of deliveries currently executing.
func (p *Processor) InFlight() int {
	return int(atomic.LoadInt32(&p.inFlight))
}

func (p *Processor) emit(ev notify.Event) {
	if !p.cfg.EnableEvents {
		return
	}
	p.Events.Emit(ev)
}

func itemEvent(t notify.EventType, item *notify.QueueItem) notify.Event {
	return notify.Event{
		Type:          t,
		ItemID:        item.ID,
		Channel:       item.Payload.Channel(),
		Priority:      item.Priority,
		Attempts:      item.Attempts,
		CorrelationID: item.CorrelationID,
	}
}

// Start launches the poll loop. Starting a RUNNING or PAUSED processor is
// an error; a STOPPED one starts cleanly again.
func (p *Processor) Start() error {
	p.mu.Lock()
	if p.state == StateRunning || p.state == StatePaused {
		p.mu.Unlock()
		return fmt.Errorf("processor: already started")
	}
	p.state = StateRunning
	p.stop = make(chan struct{})
	p.loopDone = make(chan struct{})
	p.wheel = newTimeWheel(func(wheelSlot) { p.Wake() })
	p.mu.Unlock()

	go p.pollLoop()

	p.emit(notify.Event{Type: notify.EventProcessorStarted})
	p.Log.Msg("started", "concurrency", p.cfg.Concurrency, "poll_interval", p.cfg.PollInterval)
	return nil
}

// Stop halts intake and waits for in-flight deliveries, at most for
// ShutdownTimeout (or until ctx is done, whichever is earlier). Items
// still in flight past the deadline keep running detached; their status
// updates land in storage whenever the handler returns.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateRunning && p.state != StatePaused {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopped
	stop := p.stop
	wheel := p.wheel
	p.wheel = nil
	p.mu.Unlock()

	close(stop)
	<-p.loopDone
	wheel.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("processor: shutdown deadline exceeded with %d deliveries in flight", p.InFlight())
	}

	p.emit(notify.Event{Type: notify.EventProcessorStopped})
	p.Log.Msg("stopped")
	return err
}

// Pause halts new claims; in-flight deliveries run to completion.
func (p *Processor) Pause() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StatePaused
	p.mu.Unlock()

	p.emit(notify.Event{Type: notify.EventProcessorPaused})
}

func (p *Processor) Resume() {
	p.mu.Lock()
	if p.state != StatePaused {
		p.mu.Unlock()
		return
	}
	p.state = StateRunning
	p.mu.Unlock()

	p.emit(notify.Event{Type: notify.EventProcessorResumed})
	p.Wake()
}

// Wake makes the poll loop run immediately instead of waiting out the
// current poll interval. Used by the facade after an enqueue and by the
// time wheel when a deferred item comes due.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// NoteScheduled arms the time wheel for a deferred item so the poll loop
// wakes when it becomes ready.
func (p *Processor) NoteScheduled(at time.Time, id string) {
	p.mu.Lock()
	wheel := p.wheel
	p.mu.Unlock()
	if wheel != nil {
		wheel.Add(at, id)
	}
}

func (p *Processor) pollLoop() {
	defer close(p.loopDone)

	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-timer.C:
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(p.cfg.PollInterval)

		if p.State() != StateRunning {
			continue
		}

		p.maybeCleanupExpired()
		p.pollOnce(context.Background())
	}
}

func (p *Processor) pollOnce(ctx context.Context) {
	free := p.cfg.Concurrency - p.InFlight()
	if free <= 0 {
		return
	}
	limit := p.cfg.BatchSize
	if limit > free {
		limit = free
	}

	items, err := p.storage.ReadyForProcessing(ctx, limit)
	if err != nil {
		p.Log.Error("fetch ready items", err)
		return
	}

	for _, item := range items {
		ok, err := p.storage.MarkProcessing(ctx, item.ID)
		if err != nil {
			p.Log.Error("claim item", err, "id", item.ID)
			continue
		}
		if !ok {
			// Another claimer won the race.
			continue
		}
		p.spawn(item)
	}
}

func (p *Processor) spawn(item *notify.QueueItem) {
	p.wg.Add(1)
	atomic.AddInt32(&p.inFlight, 1)
	inFlightGauge.Inc()

	go func() {
		p.sem <- struct{}{}
		defer func() {
			<-p.sem
			atomic.AddInt32(&p.inFlight, -1)
			inFlightGauge.Dec()
			p.wg.Done()

			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during delivery %s: %v\n%s", item.ID, err, stack)
			}
		}()

		p.deliver(context.Background(), item)
	}()
}

// deliver runs one claimed item through the rate gate and its handler and
// finalizes the status. item must already be PROCESSING.
func (p *Processor) deliver(ctx context.Context, item *notify.QueueItem) {
	p.emit(itemEvent(notify.EventItemProcessing, item))

	h := p.registry.Get(item.Payload.Channel())
	if h == nil {
		// The registry is process-local, a handler can not appear on its
		// own. Permanent failure.
		p.finalizeFailure(ctx, item, "no handler registered for channel "+string(item.Payload.Channel()), false)
		return
	}

	if p.limiter != nil {
		res := p.limiter.Check(item.Payload, ratelimit.CheckOptions{
			Priority: item.Priority,
			UserID:   item.Payload.Head().Metadata["user_id"],
		})
		if !res.Allowed {
			p.rescheduleDenied(ctx, item, res)
			return
		}
	}

	if !h.IsAvailable() {
		p.finalizeFailure(ctx, item, "handler unavailable", true)
		return
	}

	res := p.invoke(ctx, h, item)
	if res.Success {
		now := time.Now()
		sent := notify.StatusSent
		// Attempts counts every completed handler invocation, the
		// successful one included.
		updated, err := p.storage.Update(ctx, item.ID, notify.Patch{
			Status:            &sent,
			CompletedAt:       &now,
			IncrementAttempts: true,
		})
		if err != nil {
			p.Log.Error("record success", err, "id", item.ID)
			return
		}
		p.emit(itemEvent(notify.EventItemSent, updated))
		deliveries.WithLabelValues(string(item.Payload.Channel()), "sent").Inc()
		p.Log.DebugMsg("delivered", "id", item.ID, "channel", item.Payload.Channel(), "external_id", res.ExternalID)
		return
	}

	reason := "delivery failed"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	p.finalizeFailure(ctx, item, reason, res.ShouldRetry)
}

// invoke calls the handler under HandlerTimeout. An overrun yields a
// synthetic transient failure; the handler goroutine is left to finish on
// its own with the canceled context.
func (p *Processor) invoke(ctx context.Context, h notify.Handler, item *notify.QueueItem) notify.SendResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan notify.SendResult, 1)
	go func() {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic in handler for %s: %v\n%s", item.ID, err, stack)
				done <- notify.SendResult{
					Success:     false,
					Err:         fmt.Errorf("handler panic: %v", err),
					ShouldRetry: false,
					Timestamp:   time.Now(),
				}
			}
		}()
		done <- h.Send(ctx, item.Payload)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return notify.SendResult{
			Success:     false,
			Err:         exterrors.WithTemporary(fmt.Errorf("handler timed out after %v", p.cfg.HandlerTimeout), true),
			ShouldRetry: true,
			Timestamp:   time.Now(),
			Duration:    time.Since(start),
		}
	}
}

// rescheduleDenied returns a rate-limited item to the queue without
// spending an attempt. The status passes through FAILED so the lifecycle
// DAG holds.
func (p *Processor) rescheduleDenied(ctx context.Context, item *notify.QueueItem, res ratelimit.Result) {
	reason := "rate limited: " + res.Reason
	failed := notify.StatusFailed
	if _, err := p.storage.Update(ctx, item.ID, notify.Patch{Status: &failed, Error: &reason}); err != nil {
		p.Log.Error("record rate denial", err, "id", item.ID)
		return
	}

	retryAfter := res.RetryAfter
	if retryAfter <= 0 {
		retryAfter = p.cfg.PollInterval
	}
	at := time.Now().Add(retryAfter)
	pending := notify.StatusPending
	if _, err := p.storage.Update(ctx, item.ID, notify.Patch{Status: &pending, ScheduledAt: &at}); err != nil {
		p.Log.Error("reschedule rate-denied item", err, "id", item.ID)
		return
	}

	deliveries.WithLabelValues(string(item.Payload.Channel()), "rate_denied").Inc()
	p.Log.DebugMsg("rate denied", "id", item.ID, "scope", res.Scope, "retry_after", retryAfter)
	p.NoteScheduled(at, item.ID)
}

// finalizeFailure records a failed attempt and either schedules a retry
// or dead-letters the item. shouldRetry=false is a permanent failure
// regardless of the remaining attempt budget.
func (p *Processor) finalizeFailure(ctx context.Context, item *notify.QueueItem, reason string, shouldRetry bool) {
	failed := notify.StatusFailed
	updated, err := p.storage.Update(ctx, item.ID, notify.Patch{
		Status:            &failed,
		Error:             &reason,
		IncrementAttempts: true,
	})
	if err != nil {
		p.Log.Error("record failure", err, "id", item.ID)
		return
	}

	ev := itemEvent(notify.EventItemFailed, updated)
	ev.Error = reason
	p.emit(ev)

	maxAttempts := updated.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = p.cfg.MaxAttempts
	}

	if shouldRetry && updated.Attempts < maxAttempts {
		delay := p.backoff(updated.Attempts)
		at := time.Now().Add(delay)
		pending := notify.StatusPending
		requeued, err := p.storage.Update(ctx, item.ID, notify.Patch{Status: &pending, ScheduledAt: &at})
		if err != nil {
			p.Log.Error("schedule retry", err, "id", item.ID)
			return
		}

		ev := itemEvent(notify.EventItemRetrying, requeued)
		ev.Error = reason
		ev.RetryAfter = delay
		p.emit(ev)
		deliveries.WithLabelValues(string(item.Payload.Channel()), "retry").Inc()
		p.Log.DebugMsg("retry scheduled", "id", item.ID, "attempts", requeued.Attempts, "delay", delay)
		p.NoteScheduled(at, item.ID)
		return
	}

	if p.cfg.DeadLetterEnabled {
		now := time.Now()
		dead := notify.StatusDeadLetter
		buried, err := p.storage.Update(ctx, item.ID, notify.Patch{Status: &dead, CompletedAt: &now})
		if err != nil {
			p.Log.Error("dead-letter item", err, "id", item.ID)
			return
		}

		ev := itemEvent(notify.EventItemDeadLettered, buried)
		ev.Error = reason
		p.emit(ev)
		deliveries.WithLabelValues(string(item.Payload.Channel()), "dead_letter").Inc()
		p.Log.Msg("item dead-lettered", "id", item.ID, "attempts", buried.Attempts, "error", reason)
		return
	}

	deliveries.WithLabelValues(string(item.Payload.Channel()), "failed").Inc()
	p.Log.Msg("item failed permanently", "id", item.ID, "attempts", updated.Attempts, "error", reason)
}

// backoff computes the delay before attempt attempts+1:
// RetryDelay * 2^(attempts-1) with ±20% jitter, capped at MaxRetryDelay.
func (p *Processor) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.cfg.RetryDelay) * float64(uint64(1)<<uint(attempts-1))
	delay *= 1 + (rand.Float64()*0.4 - 0.2)
	if capped := float64(p.cfg.MaxRetryDelay); delay > capped {
		delay = capped
	}
	if delay < 0 {
		delay = float64(p.cfg.RetryDelay)
	}
	return time.Duration(delay)
}

// ProcessPending synchronously drains everything that is ready right now,
// delivering with the same concurrency cap and atomic claim as the poll
// loop. It returns the number of items it claimed. Safe to call while the
// processor is RUNNING.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	processed := 0
	for {
		items, err := p.storage.ReadyForProcessing(ctx, p.cfg.BatchSize)
		if err != nil {
			return processed, err
		}
		if len(items) == 0 {
			return processed, nil
		}

		claimed := 0
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Concurrency)
		for _, item := range items {
			ok, err := p.storage.MarkProcessing(ctx, item.ID)
			if err != nil {
				return processed, err
			}
			if !ok {
				continue
			}
			claimed++

			item := item
			g.Go(func() error {
				p.sem <- struct{}{}
				defer func() { <-p.sem }()
				p.deliver(gctx, item)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return processed, err
		}
		processed += claimed

		if claimed == 0 {
			// Everything ready was claimed by the background loop.
			return processed, nil
		}
	}
}

// RetryFailed moves FAILED items that still have attempt budget back to
// PENDING for immediate delivery. limit <= 0 requeues all of them.
func (p *Processor) RetryFailed(ctx context.Context, limit int) (int, error) {
	items, err := p.storage.Find(ctx, notify.Filter{
		Status: []notify.Status{notify.StatusFailed},
		Limit:  limit,
	})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	requeued := 0
	for _, item := range items {
		maxAttempts := item.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = p.cfg.MaxAttempts
		}
		if item.Attempts >= maxAttempts {
			continue
		}

		pending := notify.StatusPending
		updated, err := p.storage.Update(ctx, item.ID, notify.Patch{Status: &pending, ScheduledAt: &now})
		if err != nil {
			return requeued, err
		}
		requeued++

		p.emit(itemEvent(notify.EventItemRetrying, updated))
	}

	if requeued != 0 {
		p.Wake()
	}
	return requeued, nil
}

// CleanupExpired removes non-terminal items past their ExpiresAt and
// returns the count removed.
func (p *Processor) CleanupExpired(ctx context.Context) (int, error) {
	items, err := p.storage.Find(ctx, notify.Filter{
		Status: []notify.Status{notify.StatusPending, notify.StatusFailed},
	})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, item := range items {
		if !item.Expired(now) {
			continue
		}
		if err := p.storage.Remove(ctx, item.ID); err != nil {
			if err == notify.ErrNoSuchItem {
				continue
			}
			return removed, err
		}
		removed++

		p.emit(itemEvent(notify.EventItemExpired, item))
	}

	if removed != 0 {
		p.Log.DebugMsg("expired items removed", "count", removed)
	}
	return removed, nil
}

func (p *Processor) maybeCleanupExpired() {
	p.mu.Lock()
	due := time.Since(p.lastExpiry) >= p.cfg.ExpiryInterval
	if due {
		p.lastExpiry = time.Now()
	}
	p.mu.Unlock()

	if !due {
		return
	}
	if _, err := p.CleanupExpired(context.Background()); err != nil {
		p.Log.Error("expired item sweep", err)
	}
}
