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

package notifq

import (
	"context"
	"sync"
)

var (
	defaultLock  sync.Mutex
	defaultQueue *Queue
)

// Default returns the process-wide shared Queue, creating it with the
// zero Config on first use.
func Default() *Queue {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultQueue == nil {
		defaultQueue = New(Config{})
	}
	return defaultQueue
}

// SetDefault replaces the process-wide Queue. The previous one, if any,
// is left untouched.
func SetDefault(q *Queue) {
	defaultLock.Lock()
	defaultQueue = q
	defaultLock.Unlock()
}

// Reset tears down the process-wide Queue so the next Default call
// creates a fresh one. Intended for tests.
func Reset() {
	defaultLock.Lock()
	q := defaultQueue
	defaultQueue = nil
	defaultLock.Unlock()

	if q != nil {
		_ = q.Close(context.Background())
	}
}
