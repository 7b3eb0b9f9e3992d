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

package notify

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/foxcpp/notifq/framework/log"
)

// EventType discriminates lifecycle events emitted by the pipeline.
type EventType string

const (
	EventItemEnqueued     EventType = "item_enqueued"
	EventItemProcessing   EventType = "item_processing"
	EventItemSent         EventType = "item_sent"
	EventItemFailed       EventType = "item_failed"
	EventItemRetrying     EventType = "item_retrying"
	EventItemDeadLettered EventType = "item_dead_lettered"
	EventItemExpired      EventType = "item_expired"

	EventProcessorStarted EventType = "processor_started"
	EventProcessorStopped EventType = "processor_stopped"
	EventProcessorPaused  EventType = "processor_paused"
	EventProcessorResumed EventType = "processor_resumed"

	EventRateAllowed      EventType = "rate_allowed"
	EventRateDenied       EventType = "rate_denied"
	EventPriorityOverride EventType = "priority_override"
	EventBucketCreated    EventType = "bucket_created"

	EventDuplicateBlocked EventType = "duplicate_blocked"
	EventDedupEntryAdded  EventType = "entry_added"
	EventDedupExpired     EventType = "entry_expired"
	EventDedupCleanup     EventType = "cache_cleanup"

	EventConfigUpdated EventType = "config_updated"
)

// Event is a single lifecycle notification. Only the fields meaningful for
// the given Type are populated.
type Event struct {
	Type      EventType
	Timestamp time.Time

	ItemID        string
	Channel       Channel
	Priority      Priority
	Attempts      int
	Error         string
	CorrelationID string

	// Dedup entry key or rate limiter bucket key.
	Key string

	// Rate limiter scope name (global, channel, recipient, user).
	Scope string

	RetryAfter time.Duration

	// Count carried by cleanup/stats events.
	Count int
}

// Emitter provides synchronous event fan-out. Listeners run on the emitting
// goroutine; a panicking listener is logged and isolated so it can not
// abort the delivery path.
//
// The zero value is usable, drops all events and accepts subscriptions.
type Emitter struct {
	Log log.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// Subscribe registers fn and returns a token usable for Unsubscribe.
func (e *Emitter) Subscribe(fn func(Event)) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs == nil {
		e.subs = make(map[int]func(Event))
	}
	e.nextID++
	e.subs[e.nextID] = fn
	return e.nextID
}

func (e *Emitter) Unsubscribe(token int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, token)
}

// Emit dispatches ev to all listeners. Timestamp is filled in if unset.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		e.dispatch(fn, ev)
	}
}

func (e *Emitter) dispatch(fn func(Event), ev Event) {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			e.Log.Printf("panic in event listener (%s): %v\n%s", ev.Type, err, stack)
		}
	}()
	fn(ev)
}
