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

package testutils

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/foxcpp/notifq/notify"
)

// Handler is a scriptable notify.Handler implementation that records
// delivered payloads and sometimes fails with the specified error.
type Handler struct {
	mu sync.Mutex

	// Payloads of successful Send calls, in completion order.
	Sent []notify.Payload

	// If non-nil, each successful Send also pushes the payload here.
	SentNotify chan notify.Payload

	// To make the N-th Send fail, set the N-1-th element of this slice
	// to the wanted error object. If the slice is nil/empty or N is
	// bigger than its size - the delivery will succeed.
	Failures []error

	// Scripted failures report ShouldRetry=false.
	Permanent bool

	// Each Send sleeps for Delay first, honoring ctx cancellation.
	Delay time.Duration

	unavailable bool

	// Amount of completed Send calls (both failed and succeeded).
	passed int
}

func (h *Handler) Send(ctx context.Context, p notify.Payload) notify.SendResult {
	start := time.Now()

	if h.delay() > 0 {
		select {
		case <-time.After(h.delay()):
		case <-ctx.Done():
			return notify.SendResult{
				Success:     false,
				Err:         ctx.Err(),
				ShouldRetry: true,
				Timestamp:   time.Now(),
				Duration:    time.Since(start),
			}
		}
	}

	h.mu.Lock()
	n := h.passed
	h.passed++
	var scripted error
	if n < len(h.Failures) {
		scripted = h.Failures[n]
	}
	if scripted == nil {
		h.Sent = append(h.Sent, p)
	}
	notifyCh := h.SentNotify
	permanent := h.Permanent
	h.mu.Unlock()

	if scripted != nil {
		return notify.SendResult{
			Success:     false,
			Err:         scripted,
			ShouldRetry: !permanent,
			Timestamp:   time.Now(),
			Duration:    time.Since(start),
		}
	}

	if notifyCh != nil {
		notifyCh <- p
	}
	return notify.SendResult{
		Success:    true,
		ExternalID: "ext-" + strconv.Itoa(n),
		Timestamp:  time.Now(),
		Duration:   time.Since(start),
	}
}

func (h *Handler) delay() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Delay
}

func (h *Handler) SetAvailable(v bool) {
	h.mu.Lock()
	h.unavailable = !v
	h.mu.Unlock()
}

func (h *Handler) IsAvailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.unavailable
}

func (h *Handler) Status() notify.HandlerStatus {
	if !h.IsAvailable() {
		return notify.HandlerUnavailable
	}
	return notify.HandlerAvailable
}

// SentCount is the number of successful deliveries so far.
func (h *Handler) SentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Sent)
}

// Passed is the number of completed Send calls, failed ones included.
func (h *Handler) Passed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.passed
}

// EventRecorder collects events from an Emitter for later assertion.
// Subscribe it via rec.Record.
type EventRecorder struct {
	mu     sync.Mutex
	events []notify.Event

	notify chan notify.Event
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{notify: make(chan notify.Event, 1024)}
}

func (r *EventRecorder) Record(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	select {
	case r.notify <- ev:
	default:
	}
}

// Events returns a snapshot of everything recorded so far.
func (r *EventRecorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cpy := make([]notify.Event, len(r.events))
	copy(cpy, r.events)
	return cpy
}

func (r *EventRecorder) Count(t notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, ev := range r.events {
		if ev.Type == t {
			count++
		}
	}
	return count
}

// Wait blocks until an event of the wanted type is recorded or the
// timeout passes. Events recorded before the call count too.
func (r *EventRecorder) Wait(t notify.EventType, timeout time.Duration) (notify.Event, bool) {
	r.mu.Lock()
	for _, ev := range r.events {
		if ev.Type == t {
			r.mu.Unlock()
			return ev, true
		}
	}
	seen := len(r.events)
	r.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-r.notify:
			r.mu.Lock()
			for ; seen < len(r.events); seen++ {
				if r.events[seen].Type == t {
					ev := r.events[seen]
					r.mu.Unlock()
					return ev, true
				}
			}
			r.mu.Unlock()
		case <-deadline.C:
			return notify.Event{}, false
		}
	}
}
