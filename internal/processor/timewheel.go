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

package processor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type wheelSlot struct {
	at time.Time
	id string
}

// timeWheel fires the dispatch callback when a scheduled instant arrives.
// The processor uses it to wake the poll loop exactly when a deferred
// item becomes ready instead of discovering it on the next poll tick.
//
// Slots are kept sorted by time; a single goroutine waits on the earliest
// one and is re-armed when an earlier slot is added.
type timeWheel struct {
	stopped uint32

	mu    sync.Mutex
	slots []wheelSlot

	update chan time.Time
	stop   chan struct{}
	done   chan struct{}

	dispatch func(wheelSlot)
}

func newTimeWheel(dispatch func(wheelSlot)) *timeWheel {
	tw := &timeWheel{
		update:   make(chan time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dispatch: dispatch,
	}
	go tw.tick()
	return tw
}

// Add schedules dispatch at the passed instant. Calls after Close are
// ignored.
func (tw *timeWheel) Add(at time.Time, id string) {
	if atomic.LoadUint32(&tw.stopped) == 1 {
		return
	}

	tw.mu.Lock()
	i := sort.Search(len(tw.slots), func(i int) bool { return tw.slots[i].at.After(at) })
	tw.slots = append(tw.slots, wheelSlot{})
	copy(tw.slots[i+1:], tw.slots[i:])
	tw.slots[i] = wheelSlot{at: at, id: id}
	tw.mu.Unlock()

	select {
	case tw.update <- at:
	case <-tw.stop:
	}
}

// Close stops the wheel. Pending slots are discarded without dispatch.
func (tw *timeWheel) Close() {
	if !atomic.CompareAndSwapUint32(&tw.stopped, 0, 1) {
		return
	}
	close(tw.stop)
	<-tw.done
}

func (tw *timeWheel) tick() {
	defer close(tw.done)

	for {
		tw.mu.Lock()
		var (
			next     wheelSlot
			nonEmpty bool
		)
		if len(tw.slots) != 0 {
			next = tw.slots[0]
			nonEmpty = true
		}
		tw.mu.Unlock()

		if !nonEmpty {
			select {
			case <-tw.update:
				continue
			case <-tw.stop:
				return
			}
		}

		timer := time.NewTimer(time.Until(next.at))

	waitloop:
		for {
			select {
			case <-timer.C:
				tw.mu.Lock()
				if len(tw.slots) != 0 && tw.slots[0] == next {
					tw.slots = tw.slots[1:]
				}
				tw.mu.Unlock()

				tw.dispatch(next)
				break waitloop
			case at := <-tw.update:
				if !at.Before(next.at) {
					// Later than what we already wait on, no re-arm needed.
					continue
				}
				timer.Stop()
				break waitloop
			case <-tw.stop:
				timer.Stop()
				return
			}
		}
	}
}
