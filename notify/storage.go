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
	"errors"
)

// ErrNoSuchItem is returned by Storage methods when the referenced item
// does not exist.
var ErrNoSuchItem = errors.New("notify: no such queue item")

// Storage is the single owner of mutable queue state. Implementations must
// copy items on the way in and out so callers can not mutate stored state,
// and must make MarkProcessing atomic - it is the only point of mutual
// exclusion preventing two workers from claiming the same item.
//
// Failures are reported via error returns; storage never retries
// internally. Remote implementations should classify errors using
// exterrors.WithTemporary so the processor can tell transient failures
// apart from permanent ones.
type Storage interface {
	// Add stores a deep copy of the item.
	Add(ctx context.Context, item *QueueItem) error

	// Get returns a copy of the item or ErrNoSuchItem.
	Get(ctx context.Context, id string) (*QueueItem, error)

	// Update applies the patch and returns the updated copy, or
	// ErrNoSuchItem.
	Update(ctx context.Context, id string, patch Patch) (*QueueItem, error)

	// Remove deletes the item, returning ErrNoSuchItem if absent.
	Remove(ctx context.Context, id string) error

	// Find returns copies of items matching the filter, sorted by priority
	// descending then CreatedAt ascending.
	Find(ctx context.Context, f Filter) ([]*QueueItem, error)

	Count(ctx context.Context, f Filter) (int, error)

	// ReadyForProcessing returns up to limit PENDING items whose
	// ScheduledAt is unset or in the past and that are not expired, in
	// claim order (priority descending, CreatedAt ascending).
	ReadyForProcessing(ctx context.Context, limit int) ([]*QueueItem, error)

	// MarkProcessing atomically transitions PENDING -> PROCESSING, setting
	// ProcessingStartedAt. Returns false without error if the item is
	// absent or not PENDING (another worker won the claim).
	MarkProcessing(ctx context.Context, id string) (bool, error)

	// DeadLetter returns up to limit DEAD_LETTER items, newest first.
	// limit <= 0 means no limit.
	DeadLetter(ctx context.Context, limit int) ([]*QueueItem, error)

	// Clear removes items matching the filter (all items if f is nil) and
	// returns the count removed.
	Clear(ctx context.Context, f *Filter) (int, error)

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
