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

// Package dedup implements sliding-window duplicate suppression keyed by
// channel-aware payload fingerprints.
//
// Deduplication is best-effort: a disabled deduplicator admits everything,
// and a lost entry (eviction under memory pressure) merely lets one extra
// notification through. Neither storage nor the processor depend on it for
// correctness.
package dedup

import (
	"sort"
	"sync"
	"time"

	"github.com/foxcpp/notifq/framework/log"
	"github.com/foxcpp/notifq/notify"
)

// Config is the closed set of deduplicator options. The zero value is
// completed by setDefaults.
type Config struct {
	Enabled bool

	// Window applied to channels without an override.
	DefaultWindow time.Duration

	// Per-channel window overrides.
	ChannelWindows map[notify.Channel]time.Duration

	// Hard cap on tracked entries. When exceeded, oldest-by-FirstSeen
	// entries are evicted first.
	MaxEntries int

	// Fingerprint inputs beyond the payload itself.
	IncludeCorrelationID bool
	IncludePriority      bool
}

func (c *Config) setDefaults() {
	if c.DefaultWindow == 0 {
		c.DefaultWindow = 5 * time.Minute
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 10000
	}
	if c.ChannelWindows == nil {
		c.ChannelWindows = map[notify.Channel]time.Duration{
			notify.ChannelEmail:    1 * time.Hour,
			notify.ChannelSMS:      1 * time.Hour,
			notify.ChannelTelegram: 5 * time.Minute,
			notify.ChannelDiscord:  5 * time.Minute,
			notify.ChannelPush:     2 * time.Minute,
		}
	}
}

func (c *Config) windowFor(ch notify.Channel) time.Duration {
	if w, ok := c.ChannelWindows[ch]; ok {
		return w
	}
	return c.DefaultWindow
}

// Entry tracks one seen payload fingerprint.
type Entry struct {
	Key            string
	Channel        notify.Channel
	FirstSeen      time.Time
	LastSeen       time.Time
	DuplicateCount int
	ExpiresAt      time.Time
	OriginalItemID string
}

// Result is returned by Check/CheckAndRecord.
type Result struct {
	IsDuplicate bool
	Key         string

	// Copy of the matched entry, set when IsDuplicate.
	Original *Entry

	Reason          string
	WindowRemaining time.Duration
}

// Stats is a point-in-time snapshot of deduplicator counters.
type Stats struct {
	Enabled      bool
	Entries      int
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	CleanupsRun  uint64
	ExpiredTotal uint64
}

type Deduplicator struct {
	Log log.Logger

	// Emitter for dedup lifecycle events. May be shared with the queue
	// facade. Nil-safe via embedding default.
	Events *notify.Emitter

	mu      sync.Mutex
	cfg     Config
	entries map[string]*Entry
	keyFn   KeyFunc

	hits      uint64
	misses    uint64
	evictions uint64
	cleanups  uint64
	expired   uint64
}

func New(cfg Config) *Deduplicator {
	cfg.setDefaults()
	d := &Deduplicator{
		Log:     log.Logger{Name: "dedup"},
		Events:  &notify.Emitter{},
		cfg:     cfg,
		entries: make(map[string]*Entry),
	}
	return d
}

func (d *Deduplicator) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetKeyFunc replaces the fingerprint function. Passing nil restores the
// default. Existing entries are not rekeyed.
func (d *Deduplicator) SetKeyFunc(fn KeyFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyFn = fn
}

func (d *Deduplicator) keyFor(p notify.Payload, correlationID string, priority notify.Priority) string {
	d.mu.Lock()
	fn := d.keyFn
	d.mu.Unlock()
	if fn != nil {
		return fn(p, correlationID, priority)
	}
	return d.defaultKey(p, correlationID, priority)
}

// Check reports whether an equivalent payload was recorded within the
// channel window. On a hit the matched entry's counters are updated; no
// new entry is ever added.
func (d *Deduplicator) Check(p notify.Payload, correlationID string, priority notify.Priority) Result {
	if !d.enabled() {
		return Result{IsDuplicate: false, Reason: "dedup disabled"}
	}

	key := d.keyFor(p, correlationID, priority)
	now := time.Now()

	d.mu.Lock()
	entry, ok := d.entries[key]
	if ok && entry.ExpiresAt.After(now) {
		entry.DuplicateCount++
		entry.LastSeen = now
		cpy := *entry
		d.hits++
		d.mu.Unlock()

		d.Events.Emit(notify.Event{
			Type:    notify.EventDuplicateBlocked,
			Channel: p.Channel(),
			Key:     key,
			ItemID:  cpy.OriginalItemID,
		})
		dedupChecks.WithLabelValues(string(p.Channel()), "hit").Inc()
		return Result{
			IsDuplicate:     true,
			Key:             key,
			Original:        &cpy,
			Reason:          "within window",
			WindowRemaining: cpy.ExpiresAt.Sub(now),
		}
	}
	if ok {
		// Lazily drop the expired entry instead of waiting for Cleanup.
		delete(d.entries, key)
		d.expired++
	}
	d.misses++
	d.mu.Unlock()

	if ok {
		d.Events.Emit(notify.Event{Type: notify.EventDedupExpired, Channel: p.Channel(), Key: key})
	}
	dedupChecks.WithLabelValues(string(p.Channel()), "miss").Inc()
	return Result{IsDuplicate: false, Key: key}
}

// Record inserts (or refreshes) the entry for the payload. Used by enqueue
// paths that want suppression without the pre-check.
func (d *Deduplicator) Record(p notify.Payload, correlationID string, priority notify.Priority, originalItemID string) {
	if !d.enabled() {
		return
	}
	key := d.keyFor(p, correlationID, priority)

	d.mu.Lock()
	d.insertLocked(key, p.Channel(), originalItemID)
	d.mu.Unlock()

	d.Events.Emit(notify.Event{
		Type:    notify.EventDedupEntryAdded,
		Channel: p.Channel(),
		Key:     key,
		ItemID:  originalItemID,
	})
}

// CheckAndRecord is the compound form: exactly one of N concurrent calls
// with equivalent payloads within the window observes IsDuplicate=false
// and owns the inserted entry; all others observe the duplicate.
func (d *Deduplicator) CheckAndRecord(p notify.Payload, correlationID string, priority notify.Priority, originalItemID string) Result {
	if !d.enabled() {
		return Result{IsDuplicate: false, Reason: "dedup disabled"}
	}

	key := d.keyFor(p, correlationID, priority)
	now := time.Now()

	d.mu.Lock()
	entry, ok := d.entries[key]
	if ok && entry.ExpiresAt.After(now) {
		entry.DuplicateCount++
		entry.LastSeen = now
		cpy := *entry
		d.hits++
		d.mu.Unlock()

		d.Events.Emit(notify.Event{
			Type:    notify.EventDuplicateBlocked,
			Channel: p.Channel(),
			Key:     key,
			ItemID:  cpy.OriginalItemID,
		})
		dedupChecks.WithLabelValues(string(p.Channel()), "hit").Inc()
		return Result{
			IsDuplicate:     true,
			Key:             key,
			Original:        &cpy,
			Reason:          "within window",
			WindowRemaining: cpy.ExpiresAt.Sub(now),
		}
	}
	if ok {
		d.expired++
	}
	d.misses++
	d.insertLocked(key, p.Channel(), originalItemID)
	d.mu.Unlock()

	d.Events.Emit(notify.Event{
		Type:    notify.EventDedupEntryAdded,
		Channel: p.Channel(),
		Key:     key,
		ItemID:  originalItemID,
	})
	dedupChecks.WithLabelValues(string(p.Channel()), "miss").Inc()
	return Result{IsDuplicate: false, Key: key}
}

// insertLocked adds or refreshes the entry, evicting if over MaxEntries.
// Caller holds d.mu.
func (d *Deduplicator) insertLocked(key string, ch notify.Channel, originalItemID string) {
	now := time.Now()
	d.entries[key] = &Entry{
		Key:            key,
		Channel:        ch,
		FirstSeen:      now,
		LastSeen:       now,
		ExpiresAt:      now.Add(d.cfg.windowFor(ch)),
		OriginalItemID: originalItemID,
	}

	if len(d.entries) <= d.cfg.MaxEntries {
		return
	}

	// Expired entries go first, then oldest-by-FirstSeen.
	for k, e := range d.entries {
		if len(d.entries) <= d.cfg.MaxEntries {
			return
		}
		if !e.ExpiresAt.After(now) && k != key {
			delete(d.entries, k)
			d.expired++
			d.evictions++
		}
	}

	type aged struct {
		key       string
		firstSeen time.Time
	}
	byAge := make([]aged, 0, len(d.entries))
	for k, e := range d.entries {
		if k == key {
			continue
		}
		byAge = append(byAge, aged{k, e.FirstSeen})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].firstSeen.Before(byAge[j].firstSeen) })
	for _, a := range byAge {
		if len(d.entries) <= d.cfg.MaxEntries {
			break
		}
		delete(d.entries, a.key)
		d.evictions++
	}
}

// Cleanup removes expired entries and returns the count removed.
func (d *Deduplicator) Cleanup() int {
	now := time.Now()

	d.mu.Lock()
	removed := 0
	for k, e := range d.entries {
		if !e.ExpiresAt.After(now) {
			delete(d.entries, k)
			removed++
		}
	}
	d.cleanups++
	d.expired += uint64(removed)
	d.mu.Unlock()

	if removed != 0 {
		d.Log.DebugMsg("cache cleanup", "removed", removed)
	}
	d.Events.Emit(notify.Event{Type: notify.EventDedupCleanup, Count: removed})
	return removed
}

func (d *Deduplicator) Has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[key]
	return ok && entry.ExpiresAt.After(time.Now())
}

func (d *Deduplicator) Remove(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[key]
	delete(d.entries, key)
	return ok
}

func (d *Deduplicator) Clear() {
	d.mu.Lock()
	d.entries = make(map[string]*Entry)
	d.mu.Unlock()
}

func (d *Deduplicator) enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled
}

func (d *Deduplicator) Enable()  { d.setEnabled(true) }
func (d *Deduplicator) Disable() { d.setEnabled(false) }

func (d *Deduplicator) setEnabled(v bool) {
	d.mu.Lock()
	d.cfg.Enabled = v
	d.mu.Unlock()
}

// UpdateConfig merges non-zero fields of the passed config into the
// current one. Existing entries keep their expiry; new windows apply to
// entries recorded afterwards.
func (d *Deduplicator) UpdateConfig(cfg Config) {
	d.mu.Lock()
	d.cfg.Enabled = cfg.Enabled
	if cfg.DefaultWindow != 0 {
		d.cfg.DefaultWindow = cfg.DefaultWindow
	}
	if cfg.MaxEntries != 0 {
		d.cfg.MaxEntries = cfg.MaxEntries
	}
	for ch, w := range cfg.ChannelWindows {
		d.cfg.ChannelWindows[ch] = w
	}
	d.cfg.IncludeCorrelationID = cfg.IncludeCorrelationID
	d.cfg.IncludePriority = cfg.IncludePriority
	d.mu.Unlock()

	d.Events.Emit(notify.Event{Type: notify.EventConfigUpdated, Scope: "dedup"})
}

func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Enabled:      d.cfg.Enabled,
		Entries:      len(d.entries),
		Hits:         d.hits,
		Misses:       d.misses,
		Evictions:    d.evictions,
		CleanupsRun:  d.cleanups,
		ExpiredTotal: d.expired,
	}
}
