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

// Package ratelimit implements hierarchical admission control for
// notification candidates: per-scope token buckets with an optional
// sliding window on top, evaluated global-first, with a priority
// override for traffic that must not be dropped.
//
// Buckets are created on demand, one per (scope, key) pair, and reaped
// after sitting idle for BucketTTL. The whole structure is guarded by a
// single mutex; scope evaluation is two-phase (peek everything, then
// commit everything) so a denial by a later scope never consumes tokens
// from an earlier one.
package ratelimit

import (
	"sync"
	"time"

	"github.com/foxcpp/notifq/framework/log"
	"github.com/foxcpp/notifq/notify"
)

// Scope identifies one level of the limit hierarchy.
type Scope string

const (
	ScopeGlobal           Scope = "global"
	ScopeChannel          Scope = "channel"
	ScopeRecipient        Scope = "recipient"
	ScopeUser             Scope = "user"
	ScopeChannelRecipient Scope = "channel_recipient"
)

// Evaluation order. The first scope to deny wins.
var scopeOrder = []Scope{
	ScopeGlobal,
	ScopeChannel,
	ScopeRecipient,
	ScopeUser,
	ScopeChannelRecipient,
}

type Config struct {
	Enabled bool

	// Limits per scope. Scopes without an entry (or with an inactive
	// Limit) are not evaluated.
	Limits map[Scope]Limit

	// Admit candidates at or above OverrideThreshold without touching
	// bucket state.
	PriorityOverride  bool
	OverrideThreshold notify.Priority

	// Buckets idle longer than BucketTTL are removed by Cleanup, which
	// runs every CleanupInterval (0 disables the timer, explicit Cleanup
	// still works). MaxBuckets caps the table; when full and nothing is
	// stale, new keys are denied.
	BucketTTL       time.Duration
	CleanupInterval time.Duration
	MaxBuckets      int
}

func (c *Config) setDefaults() {
	if c.OverrideThreshold == 0 {
		c.OverrideThreshold = notify.PriorityCritical
	}
	if c.BucketTTL == 0 {
		c.BucketTTL = 10 * time.Minute
	}
	if c.MaxBuckets == 0 {
		c.MaxBuckets = 10000
	}
}

// CheckOptions carries candidate context beyond the payload itself.
type CheckOptions struct {
	Priority notify.Priority

	// UserID enables the USER scope; empty skips it.
	UserID string
}

// Result of one admission decision.
type Result struct {
	Allowed bool

	// Admission was forced by the priority override.
	Overridden bool

	// Denying scope and bucket key, set when !Allowed.
	Scope Scope
	Key   string

	RetryAfter time.Duration
	Reason     string
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Enabled bool
	Buckets int

	Allowed   uint64
	Denied    uint64
	Overrides uint64

	BucketsCreated uint64
	BucketsReaped  uint64

	DeniedByScope map[Scope]uint64
}

type Limiter struct {
	Log log.Logger

	// Emitter for admission events. May be shared with the queue facade.
	Events *notify.Emitter

	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket

	allowed   uint64
	denied    uint64
	overrides uint64
	created   uint64
	reaped    uint64
	deniedBy  map[Scope]uint64

	stopReaper chan struct{}
	reaperDone chan struct{}
}

func New(cfg Config) *Limiter {
	cfg.setDefaults()
	l := &Limiter{
		Log:      log.Logger{Name: "ratelimit"},
		Events:   &notify.Emitter{},
		cfg:      cfg,
		buckets:  make(map[string]*bucket),
		deniedBy: make(map[Scope]uint64),
	}
	if cfg.CleanupInterval > 0 {
		l.stopReaper = make(chan struct{})
		l.reaperDone = make(chan struct{})
		go l.reapLoop(cfg.CleanupInterval)
	}
	return l
}

// Close stops the cleanup timer. Admission calls remain usable.
func (l *Limiter) Close() {
	if l.stopReaper == nil {
		return
	}
	close(l.stopReaper)
	<-l.reaperDone
	l.stopReaper = nil
}

func (l *Limiter) reapLoop(interval time.Duration) {
	defer close(l.reaperDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.Cleanup()
		case <-l.stopReaper:
			return
		}
	}
}

// scopeKey derives the bucket key for one scope. ok=false means the
// scope has no input for this candidate and is skipped.
func scopeKey(scope Scope, p notify.Payload, userID string) (string, bool) {
	switch scope {
	case ScopeGlobal:
		return "", true
	case ScopeChannel:
		return string(p.Channel()), true
	case ScopeRecipient:
		return p.RecipientKey(), true
	case ScopeUser:
		return userID, userID != ""
	case ScopeChannelRecipient:
		return string(p.Channel()) + "\x00" + p.RecipientKey(), true
	}
	return "", false
}

func bucketID(scope Scope, key string) string {
	return string(scope) + "\x00" + key
}

// Check evaluates all configured scopes in hierarchy order and, if every
// one admits, consumes one admission from each. The first denying scope
// is reported with its retry-after.
func (l *Limiter) Check(p notify.Payload, opts CheckOptions) Result {
	return l.check(p, opts, true)
}

// CheckQueueInput is the non-consuming form used at enqueue time: it
// reports what Check would decide without spending tokens or window
// slots. The processor performs the consuming Check before dispatch.
func (l *Limiter) CheckQueueInput(p notify.Payload, opts CheckOptions) Result {
	return l.check(p, opts, false)
}

// IsRateLimited reports whether the candidate would currently be denied.
func (l *Limiter) IsRateLimited(p notify.Payload, opts CheckOptions) bool {
	return !l.check(p, opts, false).Allowed
}

func (l *Limiter) check(p notify.Payload, opts CheckOptions, consume bool) Result {
	var events []notify.Event

	l.mu.Lock()
	if !l.cfg.Enabled {
		l.mu.Unlock()
		return Result{Allowed: true, Reason: "limiter disabled"}
	}

	if l.cfg.PriorityOverride && opts.Priority >= l.cfg.OverrideThreshold {
		l.overrides++
		l.mu.Unlock()

		l.Events.Emit(notify.Event{
			Type:     notify.EventPriorityOverride,
			Channel:  p.Channel(),
			Priority: opts.Priority,
		})
		decisions.WithLabelValues("", "override").Inc()
		return Result{Allowed: true, Overridden: true, Reason: "priority override"}
	}

	now := time.Now()

	type hit struct {
		scope Scope
		lim   Limit
		b     *bucket
	}
	hits := make([]hit, 0, len(scopeOrder))

	res := Result{Allowed: true}
	for _, scope := range scopeOrder {
		lim, ok := l.cfg.Limits[scope]
		if !ok || !lim.active() {
			continue
		}
		key, ok := scopeKey(scope, p, opts.UserID)
		if !ok {
			continue
		}

		b, ok, ev := l.bucketLocked(scope, key, lim, now)
		if ev != nil {
			events = append(events, *ev)
		}
		if !ok {
			// Bucket table is full of live buckets. Shedding the new key
			// is the defined behavior under this kind of pressure.
			res = Result{
				Scope:      scope,
				Key:        key,
				RetryAfter: l.cfg.BucketTTL,
				Reason:     "bucket table full",
			}
			break
		}

		if ok, retryAfter, reason := b.peek(lim, now); !ok {
			res = Result{
				Scope:      scope,
				Key:        key,
				RetryAfter: retryAfter,
				Reason:     reason,
			}
			break
		}
		hits = append(hits, hit{scope, lim, b})
	}

	if res.Allowed {
		if consume {
			for _, h := range hits {
				h.b.commit(h.lim, now)
			}
		}
		l.allowed++
	} else {
		l.denied++
		l.deniedBy[res.Scope]++
	}
	l.mu.Unlock()

	for _, ev := range events {
		l.Events.Emit(ev)
	}
	if res.Allowed {
		l.Events.Emit(notify.Event{
			Type:     notify.EventRateAllowed,
			Channel:  p.Channel(),
			Priority: opts.Priority,
		})
		decisions.WithLabelValues("", "allowed").Inc()
	} else {
		l.Events.Emit(notify.Event{
			Type:       notify.EventRateDenied,
			Channel:    p.Channel(),
			Priority:   opts.Priority,
			Scope:      string(res.Scope),
			Key:        res.Key,
			RetryAfter: res.RetryAfter,
		})
		decisions.WithLabelValues(string(res.Scope), "denied").Inc()
	}
	return res
}

// bucketLocked returns the bucket for (scope, key), creating it on
// demand. ok=false means the table is full and nothing could be reaped.
// Caller holds l.mu; the returned event, if any, is emitted after unlock.
func (l *Limiter) bucketLocked(scope Scope, key string, lim Limit, now time.Time) (*bucket, bool, *notify.Event) {
	id := bucketID(scope, key)
	if b, ok := l.buckets[id]; ok {
		return b, true, nil
	}

	if len(l.buckets) >= l.cfg.MaxBuckets {
		// Reap stale buckets in-line, the same way an over-capacity
		// bucket set sheds idle entries before giving up.
		for k, b := range l.buckets {
			if now.Sub(b.lastUse) > l.cfg.BucketTTL {
				delete(l.buckets, k)
				l.reaped++
			}
		}
		if len(l.buckets) >= l.cfg.MaxBuckets {
			return nil, false, nil
		}
	}

	b := newBucket(lim, now)
	l.buckets[id] = b
	l.created++
	return b, true, &notify.Event{
		Type:  notify.EventBucketCreated,
		Scope: string(scope),
		Key:   key,
	}
}

// Remaining reports the admissions left in the bucket for (scope, key)
// before it denies. Key is "" for the global scope. A scope without a
// configured limit, or a key never seen, reports the full capacity.
func (l *Limiter) Remaining(scope Scope, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.cfg.Limits[scope]
	if !ok || !lim.active() {
		return int(^uint(0) >> 1)
	}
	b, ok := l.buckets[bucketID(scope, key)]
	if !ok {
		if lim.MaxTokens > 0 && (lim.MaxPerWindow == 0 || int(lim.MaxTokens) < lim.MaxPerWindow) {
			return int(lim.MaxTokens)
		}
		return lim.MaxPerWindow
	}
	return b.remaining(lim, time.Now())
}

// ResetTime reports when the bucket for (scope, key) is back at full
// capacity. The zero time means the bucket is already full (or absent).
func (l *Limiter) ResetTime(scope Scope, key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.cfg.Limits[scope]
	if !ok || !lim.active() {
		return time.Time{}
	}
	b, ok := l.buckets[bucketID(scope, key)]
	if !ok {
		return time.Time{}
	}
	now := time.Now()
	reset := b.resetTime(lim, now)
	if !reset.After(now) {
		return time.Time{}
	}
	return reset
}

// Cleanup removes buckets idle longer than BucketTTL and returns the
// count removed.
func (l *Limiter) Cleanup() int {
	now := time.Now()

	l.mu.Lock()
	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastUse) > l.cfg.BucketTTL {
			delete(l.buckets, k)
			removed++
		}
	}
	l.reaped += uint64(removed)
	l.mu.Unlock()

	if removed != 0 {
		l.Log.DebugMsg("bucket cleanup", "removed", removed)
	}
	return removed
}

func (l *Limiter) Enable()  { l.setEnabled(true) }
func (l *Limiter) Disable() { l.setEnabled(false) }

func (l *Limiter) setEnabled(v bool) {
	l.mu.Lock()
	l.cfg.Enabled = v
	l.mu.Unlock()
}

// UpdateConfig merges non-zero fields into the current config. Existing
// buckets keep their token and window state; updated limits apply on the
// next refill calculation of each bucket.
func (l *Limiter) UpdateConfig(cfg Config) {
	l.mu.Lock()
	l.cfg.Enabled = cfg.Enabled
	l.cfg.PriorityOverride = cfg.PriorityOverride
	if cfg.OverrideThreshold != 0 {
		l.cfg.OverrideThreshold = cfg.OverrideThreshold
	}
	if cfg.BucketTTL != 0 {
		l.cfg.BucketTTL = cfg.BucketTTL
	}
	if cfg.MaxBuckets != 0 {
		l.cfg.MaxBuckets = cfg.MaxBuckets
	}
	if l.cfg.Limits == nil {
		l.cfg.Limits = make(map[Scope]Limit)
	}
	for scope, lim := range cfg.Limits {
		l.cfg.Limits[scope] = lim
	}
	l.mu.Unlock()

	l.Events.Emit(notify.Event{Type: notify.EventConfigUpdated, Scope: "ratelimit"})
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	byScope := make(map[Scope]uint64, len(l.deniedBy))
	for scope, n := range l.deniedBy {
		byScope[scope] = n
	}
	return Stats{
		Enabled:        l.cfg.Enabled,
		Buckets:        len(l.buckets),
		Allowed:        l.allowed,
		Denied:         l.denied,
		Overrides:      l.overrides,
		BucketsCreated: l.created,
		BucketsReaped:  l.reaped,
		DeniedByScope:  byScope,
	}
}
