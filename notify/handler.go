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
	"context"
	"sync"
	"time"
)

// SendResult reports the outcome of a single handler invocation.
type SendResult struct {
	Success bool

	// Identifier assigned by the remote service, if any.
	ExternalID string

	Err error

	// ShouldRetry distinguishes transient failures from permanent ones.
	// Success=false with ShouldRetry=false is a permanent failure and is
	// never retried.
	ShouldRetry bool

	Timestamp time.Time
	Duration  time.Duration
}

type HandlerStatus string

const (
	HandlerAvailable   HandlerStatus = "available"
	HandlerUnavailable HandlerStatus = "unavailable"
	HandlerRateLimited HandlerStatus = "rate_limited"
)

// Handler turns a payload into a real-world send. Implementations live
// outside the core; the processor only relies on this contract.
//
// Send should return within a bounded time; the processor additionally
// enforces its own timeout via ctx and treats overruns as transient
// failures.
type Handler interface {
	Send(ctx context.Context, p Payload) SendResult
	IsAvailable() bool
	Status() HandlerStatus
}

// Registry maps channels to handlers. At most one handler is registered per
// channel; registering again replaces the previous one.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Channel]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Channel]Handler)}
}

// Register binds h to the channel, replacing any previous binding.
func (r *Registry) Register(ch Channel, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ch] = h
}

// Unregister removes the binding, reporting whether one existed.
func (r *Registry) Unregister(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[ch]
	delete(r.handlers, ch)
	return ok
}

// Get returns the handler for the channel, or nil.
func (r *Registry) Get(ch Channel) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[ch]
}

// Channels returns the channels that currently have a handler.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chs := make([]Channel, 0, len(r.handlers))
	for _, ch := range Channels() {
		if _, ok := r.handlers[ch]; ok {
			chs = append(chs, ch)
		}
	}
	return chs
}
