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

package dedup

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/notifq/notify"
)

func emailPayload(to, title, body string) *notify.Email {
	return &notify.Email{
		Header: notify.Header{Title: title, Body: body},
		To:     []string{to},
	}
}

func newTestDedup(cfg Config) *Deduplicator {
	cfg.Enabled = true
	return New(cfg)
}

func TestCheckAndRecord_BlocksWithinWindow(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{
		ChannelWindows: map[notify.Channel]time.Duration{notify.ChannelEmail: 60 * time.Second},
	})

	p := emailPayload("tester@example.org", "S", "B")
	first := d.CheckAndRecord(p, "", notify.PriorityNormal, "item-1")
	if first.IsDuplicate {
		t.Fatal("first call reported duplicate")
	}

	second := d.CheckAndRecord(p, "", notify.PriorityNormal, "item-2")
	if !second.IsDuplicate {
		t.Fatal("second call within window not reported as duplicate")
	}
	if second.Original == nil || second.Original.DuplicateCount != 1 {
		t.Errorf("duplicate count not incremented: %+v", second.Original)
	}
	if second.Original.OriginalItemID != "item-1" {
		t.Errorf("wrong original item: %v", second.Original.OriginalItemID)
	}
	if second.WindowRemaining <= 0 || second.WindowRemaining > 60*time.Second {
		t.Errorf("window remaining out of range: %v", second.WindowRemaining)
	}
}

func TestKeyStability_RecipientOrderAndCase(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{})

	a := &notify.Email{
		Header: notify.Header{Title: "S", Body: "B"},
		To:     []string{"First@example.org", "second@example.org"},
	}
	b := &notify.Email{
		Header: notify.Header{Title: "S", Body: "B"},
		To:     []string{"second@example.org", "first@EXAMPLE.org"},
	}

	if d.CheckAndRecord(a, "", notify.PriorityNormal, "").IsDuplicate {
		t.Fatal("first payload reported duplicate")
	}
	if !d.CheckAndRecord(b, "", notify.PriorityNormal, "").IsDuplicate {
		t.Error("permuted/case-folded recipient list not recognized as duplicate")
	}
}

func TestKeyStability_Unicode(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{})

	// "é" precomposed vs combining sequence.
	a := emailPayload("tester@example.org", "café", "B")
	b := emailPayload("tester@example.org", "café", "B")

	if d.CheckAndRecord(a, "", notify.PriorityNormal, "").IsDuplicate {
		t.Fatal("first payload reported duplicate")
	}
	if !d.CheckAndRecord(b, "", notify.PriorityNormal, "").IsDuplicate {
		t.Error("NFC/NFD variants not recognized as duplicates")
	}
}

func TestChannelSeparation(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{})

	email := emailPayload("tester@example.org", "S", "B")
	sms := &notify.SMS{
		Header:       notify.Header{Title: "S", Body: "B"},
		PhoneNumbers: []string{"tester@example.org"},
	}

	if d.CheckAndRecord(email, "", notify.PriorityNormal, "").IsDuplicate {
		t.Fatal("first payload reported duplicate")
	}
	if d.CheckAndRecord(sms, "", notify.PriorityNormal, "").IsDuplicate {
		t.Error("same title/body on different channel reported as duplicate")
	}
}

func TestWindowExpiry(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{
		ChannelWindows: map[notify.Channel]time.Duration{notify.ChannelEmail: 50 * time.Millisecond},
	})

	p := emailPayload("tester@example.org", "S", "B")
	d.CheckAndRecord(p, "", notify.PriorityNormal, "")

	time.Sleep(80 * time.Millisecond)

	if d.CheckAndRecord(p, "", notify.PriorityNormal, "").IsDuplicate {
		t.Error("entry past its window still blocks")
	}
}

func TestCheckDoesNotInsert(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{})

	p := emailPayload("tester@example.org", "S", "B")
	if d.Check(p, "", notify.PriorityNormal).IsDuplicate {
		t.Fatal("empty deduplicator reported duplicate")
	}
	// Check must not have recorded anything.
	if d.Check(p, "", notify.PriorityNormal).IsDuplicate {
		t.Error("Check inserted an entry")
	}

	d.Record(p, "", notify.PriorityNormal, "item-1")
	res := d.Check(p, "", notify.PriorityNormal)
	if !res.IsDuplicate {
		t.Error("recorded entry not found by Check")
	}
}

func TestConcurrentCheckAndRecord_SingleWinner(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{})
	p := emailPayload("tester@example.org", "S", "B")

	const callers = 32
	var wg sync.WaitGroup
	winners := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.CheckAndRecord(p, "", notify.PriorityNormal, "").IsDuplicate {
				winners <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("CheckAndRecord winners: want exactly 1, got %d", count)
	}
}

func TestMaxEntriesEviction(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{MaxEntries: 5})

	var firstKey string
	for i := 0; i < 6; i++ {
		p := emailPayload("tester@example.org", "S"+strconv.Itoa(i), "B")
		res := d.CheckAndRecord(p, "", notify.PriorityNormal, "")
		if i == 0 {
			firstKey = res.Key
		}
		// Keep FirstSeen strictly ordered.
		time.Sleep(time.Millisecond)
	}

	if d.Stats().Entries > 5 {
		t.Errorf("entry count exceeds MaxEntries: %d", d.Stats().Entries)
	}
	if d.Has(firstKey) {
		t.Error("oldest entry survived eviction")
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{
		ChannelWindows: map[notify.Channel]time.Duration{
			notify.ChannelEmail: 10 * time.Millisecond,
			notify.ChannelSMS:   1 * time.Hour,
		},
	})

	var cleanupEv []notify.Event
	d.Events.Subscribe(func(ev notify.Event) {
		if ev.Type == notify.EventDedupCleanup {
			cleanupEv = append(cleanupEv, ev)
		}
	})

	d.CheckAndRecord(emailPayload("a@example.org", "S", "B"), "", notify.PriorityNormal, "")
	d.CheckAndRecord(&notify.SMS{
		Header:       notify.Header{Title: "S", Body: "B"},
		PhoneNumbers: []string{"+15551230000"},
	}, "", notify.PriorityNormal, "")

	time.Sleep(30 * time.Millisecond)

	if removed := d.Cleanup(); removed != 1 {
		t.Errorf("cleanup removed %d entries, want 1", removed)
	}
	if len(cleanupEv) != 1 || cleanupEv[0].Count != 1 {
		t.Errorf("cleanup event not emitted properly: %+v", cleanupEv)
	}
	if d.Stats().Entries != 1 {
		t.Errorf("wrong entries left: %d", d.Stats().Entries)
	}
}

func TestDisabledAdmitsEverything(t *testing.T) {
	t.Parallel()

	d := New(Config{Enabled: false})
	p := emailPayload("tester@example.org", "S", "B")

	for i := 0; i < 3; i++ {
		if d.CheckAndRecord(p, "", notify.PriorityNormal, "").IsDuplicate {
			t.Fatal("disabled deduplicator blocked a payload")
		}
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{})
	d.Events.Subscribe(func(notify.Event) {
		panic("listener bug")
	})

	p := emailPayload("tester@example.org", "S", "B")
	// Must not panic through to us.
	d.CheckAndRecord(p, "", notify.PriorityNormal, "")
	d.CheckAndRecord(p, "", notify.PriorityNormal, "")
}

func TestCustomKeyFunc(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{})
	d.SetKeyFunc(func(p notify.Payload, _ string, _ notify.Priority) string {
		// Collapse everything on one channel into a single key.
		return string(p.Channel())
	})

	a := emailPayload("a@example.org", "S1", "B1")
	b := emailPayload("b@example.org", "S2", "B2")

	if d.CheckAndRecord(a, "", notify.PriorityNormal, "").IsDuplicate {
		t.Fatal("first payload reported duplicate")
	}
	if !d.CheckAndRecord(b, "", notify.PriorityNormal, "").IsDuplicate {
		t.Error("custom key function not used")
	}
}

func TestCorrelationIDInKey(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Config{IncludeCorrelationID: true})

	p := emailPayload("tester@example.org", "S", "B")
	if d.CheckAndRecord(p, "corr-1", notify.PriorityNormal, "").IsDuplicate {
		t.Fatal("first payload reported duplicate")
	}
	if d.CheckAndRecord(p, "corr-2", notify.PriorityNormal, "").IsDuplicate {
		t.Error("different correlation IDs considered duplicates with IncludeCorrelationID")
	}
	if !d.CheckAndRecord(p, "corr-1", notify.PriorityNormal, "").IsDuplicate {
		t.Error("same correlation ID not considered duplicate")
	}
}
