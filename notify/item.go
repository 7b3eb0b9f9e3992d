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
	"time"
)

// Priority orders items within the queue. Higher values are claimed first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// Status is the queue item lifecycle state.
//
// Permitted transitions form a DAG:
//
//	PENDING -> PROCESSING -> {SENT, FAILED}
//	FAILED  -> PENDING (retry) | DEAD_LETTER
//
// SENT and DEAD_LETTER are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDeadLetter
}

// CanTransition reports whether the status DAG permits moving to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusPending || next == StatusDeadLetter
	}
	return false
}

// QueueItem is the unit of work owned by Storage. All times are UTC.
type QueueItem struct {
	ID      string
	Payload Payload

	Priority Priority
	Status   Status

	// Attempts is the number of delivery attempts already made,
	// 0 <= Attempts <= MaxAttempts at all times.
	Attempts    int
	MaxAttempts int

	CreatedAt time.Time

	// Nil ScheduledAt means the item is deliverable immediately.
	ScheduledAt         *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	ExpiresAt           *time.Time

	// Text of the last delivery error, if any.
	LastError string

	// Caller-supplied opaque label propagated through events.
	CorrelationID string
}

// Ready reports whether the item is claimable at the passed moment:
// PENDING, not deferred into the future and not expired.
func (i *QueueItem) Ready(now time.Time) bool {
	if i.Status != StatusPending {
		return false
	}
	if i.ScheduledAt != nil && i.ScheduledAt.After(now) {
		return false
	}
	return !i.Expired(now)
}

func (i *QueueItem) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cpy := *t
	return &cpy
}

// DeepCopy returns a copy sharing no mutable state with the original.
// Storage implementations use it to isolate stored state from callers.
func (i *QueueItem) DeepCopy() *QueueItem {
	cpy := *i
	if i.Payload != nil {
		cpy.Payload = i.Payload.Clone()
	}
	cpy.ScheduledAt = copyTime(i.ScheduledAt)
	cpy.ProcessingStartedAt = copyTime(i.ProcessingStartedAt)
	cpy.CompletedAt = copyTime(i.CompletedAt)
	cpy.ExpiresAt = copyTime(i.ExpiresAt)
	return &cpy
}

// Patch describes a partial update applied by Storage.Update. Nil pointer
// fields are left unchanged.
type Patch struct {
	Status              *Status
	Error               *string
	ScheduledAt         *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time

	// IncrementAttempts adds 1 to the attempts counter atomically with the
	// rest of the patch.
	IncrementAttempts bool
}

// Filter selects items for Find/Count/Clear. Zero-value fields do not
// restrict the result. Multiple values within one field are OR-ed,
// different fields are AND-ed.
type Filter struct {
	Status        []Status
	Channel       []Channel
	Priority      []Priority
	CorrelationID string

	Limit  int
	Offset int
}

// Matches checks the filter conditions ignoring Limit/Offset.
func (f *Filter) Matches(item *QueueItem) bool {
	if len(f.Status) != 0 {
		ok := false
		for _, s := range f.Status {
			if item.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Channel) != 0 {
		ok := false
		for _, ch := range f.Channel {
			if item.Payload != nil && item.Payload.Channel() == ch {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Priority) != 0 {
		ok := false
		for _, p := range f.Priority {
			if item.Priority == p {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.CorrelationID != "" && item.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

// Stats is the aggregate view returned by Storage.Stats.
type Stats struct {
	Total     int
	ByStatus  map[Status]int
	ByChannel map[Channel]int

	// PENDING + PROCESSING + FAILED, i.e. items that still may be
	// delivered.
	QueueDepth int

	// SENT / (SENT + DEAD_LETTER); 0 when nothing reached a terminal
	// status yet.
	SuccessRate float64
}
