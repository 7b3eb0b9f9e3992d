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

package ratelimit

import (
	"math"
	"time"
)

// Limit describes the admission policy applied to every bucket of one
// scope. Zero MaxTokens disables the token constraint, zero MaxPerWindow
// disables the sliding window; a Limit with both zero admits everything.
type Limit struct {
	MaxTokens       float64
	RefillPerSecond float64

	MaxPerWindow int
	Window       time.Duration
}

func (l Limit) active() bool {
	return l.MaxTokens > 0 || l.MaxPerWindow > 0
}

// bucket holds per-key admission state: a continuously refilled token
// count plus an optional sliding window of admission timestamps. All
// access is serialized by the owning Limiter.
type bucket struct {
	tokens     float64
	lastRefill time.Time

	// Timestamps of admissions within the window, oldest first.
	window []time.Time

	lastUse time.Time
}

func newBucket(lim Limit, now time.Time) *bucket {
	return &bucket{
		tokens:     lim.MaxTokens,
		lastRefill: now,
		lastUse:    now,
	}
}

// advance refills tokens for the time elapsed since the last refill and
// prunes window timestamps that fell out of the window. Limit parameters
// are read from the current config on every call, so hot updates take
// effect here.
func (b *bucket) advance(lim Limit, now time.Time) {
	if lim.MaxTokens > 0 {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * lim.RefillPerSecond
		}
		if b.tokens > lim.MaxTokens {
			b.tokens = lim.MaxTokens
		}
	}
	b.lastRefill = now

	if lim.MaxPerWindow > 0 && lim.Window > 0 {
		cutoff := now.Add(-lim.Window)
		drop := 0
		for drop < len(b.window) && !b.window[drop].After(cutoff) {
			drop++
		}
		if drop > 0 {
			b.window = append(b.window[:0], b.window[drop:]...)
		}
	} else if len(b.window) != 0 {
		b.window = b.window[:0]
	}
}

// peek reports whether one admission would pass right now. retryAfter is
// meaningful only on denial: the maximum over the denial causes, per
// cause computed as ceil(1/refillRate) for exhausted tokens and as the
// time until the oldest window timestamp ages out for a full window.
func (b *bucket) peek(lim Limit, now time.Time) (ok bool, retryAfter time.Duration, reason string) {
	b.advance(lim, now)

	byTokens := lim.MaxTokens > 0 && b.tokens < 1
	byWindow := lim.MaxPerWindow > 0 && len(b.window) >= lim.MaxPerWindow
	if !byTokens && !byWindow {
		return true, 0, ""
	}

	if byTokens {
		reason = "tokens exhausted"
		if lim.RefillPerSecond > 0 {
			retryAfter = time.Duration(math.Ceil(1/lim.RefillPerSecond)) * time.Second
		}
	}
	if byWindow {
		if reason != "" {
			reason += ", window full"
		} else {
			reason = "window full"
		}
		if wait := lim.Window - now.Sub(b.window[0]); wait > retryAfter {
			retryAfter = wait
		}
	}
	return false, retryAfter, reason
}

// commit consumes one admission. Callers peek first; commit assumes the
// admission passes.
func (b *bucket) commit(lim Limit, now time.Time) {
	if lim.MaxTokens > 0 {
		b.tokens--
		if b.tokens < 0 {
			b.tokens = 0
		}
	}
	if lim.MaxPerWindow > 0 {
		b.window = append(b.window, now)
	}
	b.lastUse = now
}

// remaining is the whole number of admissions left before the bucket
// denies, considering both constraints.
func (b *bucket) remaining(lim Limit, now time.Time) int {
	b.advance(lim, now)

	left := math.MaxInt32
	if lim.MaxTokens > 0 {
		left = int(b.tokens)
	}
	if lim.MaxPerWindow > 0 {
		if w := lim.MaxPerWindow - len(b.window); w < left {
			left = w
		}
	}
	if left < 0 {
		return 0
	}
	return left
}

// resetTime is the instant the bucket is back to full capacity: tokens
// refilled to the cap and the window emptied.
func (b *bucket) resetTime(lim Limit, now time.Time) time.Time {
	b.advance(lim, now)

	reset := now
	if lim.MaxTokens > 0 && lim.RefillPerSecond > 0 && b.tokens < lim.MaxTokens {
		wait := time.Duration((lim.MaxTokens - b.tokens) / lim.RefillPerSecond * float64(time.Second))
		if t := now.Add(wait); t.After(reset) {
			reset = t
		}
	}
	if lim.MaxPerWindow > 0 && len(b.window) > 0 {
		if t := b.window[len(b.window)-1].Add(lim.Window); t.After(reset) {
			reset = t
		}
	}
	return reset
}
