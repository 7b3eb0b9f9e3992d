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

// Package memory provides the reference Storage implementation backed by a
// process-local map. It can not fail for normal operations and keeps no
// state across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/foxcpp/notifq/notify"
)

type Store struct {
	mu    sync.RWMutex
	items map[string]*notify.QueueItem
}

func New() *Store {
	return &Store{items: make(map[string]*notify.QueueItem)}
}

func (s *Store) Add(_ context.Context, item *notify.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item.DeepCopy()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*notify.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, notify.ErrNoSuchItem
	}
	return item.DeepCopy(), nil
}

func (s *Store) Update(_ context.Context, id string, patch notify.Patch) (*notify.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, notify.ErrNoSuchItem
	}

	applyPatch(item, patch)
	return item.DeepCopy(), nil
}

func applyPatch(item *notify.QueueItem, patch notify.Patch) {
	if patch.Status != nil {
		item.Status = *patch.Status
	}
	if patch.Error != nil {
		item.LastError = *patch.Error
	}
	if patch.ScheduledAt != nil {
		at := *patch.ScheduledAt
		item.ScheduledAt = &at
	}
	if patch.ProcessingStartedAt != nil {
		at := *patch.ProcessingStartedAt
		item.ProcessingStartedAt = &at
	}
	if patch.CompletedAt != nil {
		at := *patch.CompletedAt
		item.CompletedAt = &at
	}
	if patch.IncrementAttempts {
		item.Attempts++
	}
}

func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return notify.ErrNoSuchItem
	}
	delete(s.items, id)
	return nil
}

// claimOrder sorts by priority descending, then CreatedAt ascending, then
// by ID to keep the order fully deterministic for items created within the
// same clock tick.
func claimOrder(items []*notify.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *Store) Find(_ context.Context, f notify.Filter) ([]*notify.QueueItem, error) {
	// Sorting and copying happen under the read lock: the stored items are
	// mutated in place by applyPatch and must not be touched unlocked.
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*notify.QueueItem, 0, len(s.items))
	for _, item := range s.items {
		if f.Matches(item) {
			matched = append(matched, item)
		}
	}

	claimOrder(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	result := make([]*notify.QueueItem, 0, len(matched))
	for _, item := range matched {
		result = append(result, item.DeepCopy())
	}
	return result, nil
}

func (s *Store) Count(_ context.Context, f notify.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.items {
		if f.Matches(item) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ReadyForProcessing(_ context.Context, limit int) ([]*notify.QueueItem, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ready := make([]*notify.QueueItem, 0, limit)
	for _, item := range s.items {
		if item.Ready(now) {
			ready = append(ready, item)
		}
	}

	claimOrder(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	result := make([]*notify.QueueItem, 0, len(ready))
	for _, item := range ready {
		result = append(result, item.DeepCopy())
	}
	return result, nil
}

func (s *Store) MarkProcessing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != notify.StatusPending {
		return false, nil
	}

	now := time.Now()
	item.Status = notify.StatusProcessing
	item.ProcessingStartedAt = &now
	return true, nil
}

func (s *Store) DeadLetter(_ context.Context, limit int) ([]*notify.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dead := make([]*notify.QueueItem, 0)
	for _, item := range s.items {
		if item.Status == notify.StatusDeadLetter {
			dead = append(dead, item)
		}
	}

	sort.Slice(dead, func(i, j int) bool {
		a, b := dead[i], dead[j]
		if a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt) {
			return a.CompletedAt.After(*b.CompletedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}

	result := make([]*notify.QueueItem, 0, len(dead))
	for _, item := range dead {
		result = append(result, item.DeepCopy())
	}
	return result, nil
}

func (s *Store) Clear(_ context.Context, f *notify.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f == nil {
		count := len(s.items)
		s.items = make(map[string]*notify.QueueItem)
		return count, nil
	}

	count := 0
	for id, item := range s.items {
		if f.Matches(item) {
			delete(s.items, id)
			count++
		}
	}
	return count, nil
}

func (s *Store) Stats(_ context.Context) (*notify.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &notify.Stats{
		Total:     len(s.items),
		ByStatus:  make(map[notify.Status]int),
		ByChannel: make(map[notify.Channel]int),
	}
	for _, item := range s.items {
		stats.ByStatus[item.Status]++
		if item.Payload != nil {
			stats.ByChannel[item.Payload.Channel()]++
		}
	}
	stats.QueueDepth = stats.ByStatus[notify.StatusPending] +
		stats.ByStatus[notify.StatusProcessing] +
		stats.ByStatus[notify.StatusFailed]

	terminal := stats.ByStatus[notify.StatusSent] + stats.ByStatus[notify.StatusDeadLetter]
	if terminal != 0 {
		stats.SuccessRate = float64(stats.ByStatus[notify.StatusSent]) / float64(terminal)
	}
	return stats, nil
}

func (s *Store) Close() error {
	return nil
}
