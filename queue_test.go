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
	"errors"
	"testing"
	"time"

	"github.com/foxcpp/notifq/framework/exterrors"
	"github.com/foxcpp/notifq/internal/dedup"
	"github.com/foxcpp/notifq/internal/processor"
	"github.com/foxcpp/notifq/internal/testutils"
	"github.com/foxcpp/notifq/notify"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *testutils.EventRecorder) {
	t.Helper()

	if cfg.Processor.PollInterval == 0 {
		cfg.Processor.PollInterval = 10 * time.Millisecond
	}
	cfg.Log = testutils.Logger(t, "notifq")

	q := New(cfg)
	rec := testutils.NewEventRecorder()
	q.On(rec.Record)
	return q, rec
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for", what)
}

func TestBasicDelivery(t *testing.T) {
	t.Parallel()

	q, rec := newTestQueue(t, Config{})
	h := &testutils.Handler{}
	q.RegisterHandler(notify.ChannelEmail, h)

	item, err := q.AddEmail([]string{"tester@example.org"}, "S", "B")
	if err != nil {
		t.Fatal("AddEmail:", err)
	}
	if item.Status != notify.StatusPending || item.ID == "" {
		t.Fatalf("enqueued item: %+v", item)
	}

	if err := q.Start(); err != nil {
		t.Fatal("Start:", err)
	}
	defer q.Stop(context.Background())

	if _, ok := rec.Wait(notify.EventItemSent, 2*time.Second); !ok {
		t.Fatal("item_sent not observed")
	}

	got, err := q.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatal("Get:", err)
	}
	if got.Status != notify.StatusSent {
		t.Errorf("status: want sent, got %v", got.Status)
	}
	if h.SentCount() != 1 {
		t.Errorf("handler calls: want 1, got %d", h.SentCount())
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{
		Processor: processor.Config{
			Concurrency:  1,
			PollInterval: 5 * time.Millisecond,
		},
	})
	h := &testutils.Handler{}
	q.RegisterHandler(notify.ChannelEmail, h)

	for _, in := range []struct {
		title    string
		priority notify.Priority
	}{
		{"l", notify.PriorityLow},
		{"n", notify.PriorityNormal},
		{"h", notify.PriorityHigh},
	} {
		_, err := q.Add(Input{
			Payload: &notify.Email{
				Header: notify.Header{Title: in.title, Body: "B"},
				To:     []string{"tester@example.org"},
			},
			Priority: in.priority,
		})
		if err != nil {
			t.Fatal("Add:", err)
		}
	}

	if err := q.Start(); err != nil {
		t.Fatal("Start:", err)
	}
	defer q.Stop(context.Background())

	waitFor(t, 2*time.Second, "all deliveries", func() bool { return h.SentCount() == 3 })

	for i, want := range []string{"h", "n", "l"} {
		if got := h.Sent[i].Head().Title; got != want {
			t.Errorf("delivery %d: want %s, got %s", i, want, got)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	q, rec := newTestQueue(t, Config{
		Processor: processor.Config{
			PollInterval:  5 * time.Millisecond,
			RetryDelay:    10 * time.Millisecond,
			MaxRetryDelay: 20 * time.Millisecond,
		},
	})
	q.RegisterHandler(notify.ChannelEmail, &testutils.Handler{
		Failures: []error{errors.New("temporary glitch")},
	})

	item, err := q.AddEmail([]string{"tester@example.org"}, "S", "B")
	if err != nil {
		t.Fatal("AddEmail:", err)
	}

	if err := q.Start(); err != nil {
		t.Fatal("Start:", err)
	}
	defer q.Stop(context.Background())

	if _, ok := rec.Wait(notify.EventItemRetrying, 2*time.Second); !ok {
		t.Fatal("item_retrying not observed")
	}
	if _, ok := rec.Wait(notify.EventItemSent, 2*time.Second); !ok {
		t.Fatal("item_sent not observed")
	}

	got, err := q.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatal("Get:", err)
	}
	if got.Status != notify.StatusSent {
		t.Errorf("status: want sent, got %v", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts after retry-then-success: want 2, got %d", got.Attempts)
	}
}

func TestDeadLetterAfterExhaustion(t *testing.T) {
	t.Parallel()

	q, rec := newTestQueue(t, Config{
		Processor: processor.Config{
			PollInterval:      5 * time.Millisecond,
			RetryDelay:        5 * time.Millisecond,
			MaxRetryDelay:     10 * time.Millisecond,
			DeadLetterEnabled: true,
		},
	})
	q.RegisterHandler(notify.ChannelEmail, &testutils.Handler{
		Failures: []error{
			errors.New("fail"), errors.New("fail"), errors.New("fail"),
		},
	})

	item, err := q.Add(Input{
		Payload: &notify.Email{
			Header: notify.Header{Title: "S", Body: "B"},
			To:     []string{"tester@example.org"},
		},
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatal("Add:", err)
	}

	if err := q.Start(); err != nil {
		t.Fatal("Start:", err)
	}
	defer q.Stop(context.Background())

	if _, ok := rec.Wait(notify.EventItemDeadLettered, 2*time.Second); !ok {
		t.Fatal("item_dead_lettered not observed")
	}

	got, err := q.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatal("Get:", err)
	}
	if got.Status != notify.StatusDeadLetter {
		t.Errorf("status: want dead_letter, got %v", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts: want 2, got %d", got.Attempts)
	}

	dead, err := q.DeadLetter(context.Background(), 0)
	if err != nil {
		t.Fatal("DeadLetter:", err)
	}
	if len(dead) != 1 || dead[0].ID != item.ID {
		t.Errorf("dead letter set: %v", dead)
	}
}

func TestScheduledDeferral(t *testing.T) {
	t.Parallel()

	q, rec := newTestQueue(t, Config{
		Processor: processor.Config{PollInterval: 5 * time.Millisecond},
	})
	q.RegisterHandler(notify.ChannelEmail, &testutils.Handler{})

	if err := q.Start(); err != nil {
		t.Fatal("Start:", err)
	}
	defer q.Stop(context.Background())

	at := time.Now().Add(100 * time.Millisecond)
	deferred, err := q.Add(Input{
		Payload: &notify.Email{
			Header: notify.Header{Title: "deferred", Body: "B"},
			To:     []string{"tester@example.org"},
		},
		ScheduledAt: &at,
	})
	if err != nil {
		t.Fatal("Add:", err)
	}
	immediate, err := q.AddEmail([]string{"tester@example.org"}, "immediate", "B")
	if err != nil {
		t.Fatal("AddEmail:", err)
	}

	if _, ok := rec.Wait(notify.EventItemSent, 2*time.Second); !ok {
		t.Fatal("immediate item not delivered")
	}

	got, err := q.Get(context.Background(), deferred.ID)
	if err != nil {
		t.Fatal("Get:", err)
	}
	if got.Status != notify.StatusPending {
		t.Fatalf("deferred item delivered early: %v", got.Status)
	}
	if sent, _ := q.Get(context.Background(), immediate.ID); sent.Status != notify.StatusSent {
		t.Fatalf("immediate item not sent first: %v", sent.Status)
	}

	waitFor(t, 2*time.Second, "deferred delivery", func() bool {
		got, err := q.Get(context.Background(), deferred.ID)
		return err == nil && got.Status == notify.StatusSent
	})
}

func TestDedupOnEnqueue(t *testing.T) {
	t.Parallel()

	q, rec := newTestQueue(t, Config{
		DedupOnEnqueue: true,
		Dedup: dedup.Config{
			Enabled: true,
			ChannelWindows: map[notify.Channel]time.Duration{
				notify.ChannelEmail: 60 * time.Second,
			},
		},
	})

	if _, err := q.AddEmail([]string{"tester@example.org"}, "S", "B"); err != nil {
		t.Fatal("first AddEmail:", err)
	}

	_, err := q.AddEmail([]string{"tester@example.org"}, "S", "B")
	if err == nil {
		t.Fatal("duplicate not rejected")
	}
	if !IsDuplicate(err) {
		t.Errorf("rejection is not a duplicate error: %v", err)
	}
	if rec.Count(notify.EventDuplicateBlocked) != 1 {
		t.Error("duplicate_blocked event missing")
	}

	count, err := q.Count(context.Background(), notify.Filter{})
	if err != nil {
		t.Fatal("Count:", err)
	}
	if count != 1 {
		t.Errorf("stored items: want 1, got %d", count)
	}

	// A different payload passes.
	if _, err := q.AddEmail([]string{"tester@example.org"}, "other", "B"); err != nil {
		t.Errorf("distinct payload rejected: %v", err)
	}
}

func TestDisableEventsSilencesAllComponents(t *testing.T) {
	t.Parallel()

	q, rec := newTestQueue(t, Config{
		DisableEvents:  true,
		DedupOnEnqueue: true,
		Dedup: dedup.Config{
			Enabled: true,
			ChannelWindows: map[notify.Channel]time.Duration{
				notify.ChannelEmail: 60 * time.Second,
			},
		},
	})

	if _, err := q.AddEmail([]string{"tester@example.org"}, "S", "B"); err != nil {
		t.Fatal("first AddEmail:", err)
	}
	_, err := q.AddEmail([]string{"tester@example.org"}, "S", "B")
	if !IsDuplicate(err) {
		t.Fatalf("duplicate not rejected: %v", err)
	}

	// Suppression covers the dedup emitter too, not just the facade's own
	// item_enqueued.
	if evs := rec.Events(); len(evs) != 0 {
		t.Errorf("events emitted with DisableEvents: %v", evs)
	}
}

func TestValidationRejectsAtEnqueue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})

	for _, tc := range []struct {
		name string
		in   Input
	}{
		{"no payload", Input{}},
		{"empty title", Input{Payload: &notify.Email{
			Header: notify.Header{Body: "B"},
			To:     []string{"tester@example.org"},
		}}},
		{"no recipients", Input{Payload: &notify.Email{
			Header: notify.Header{Title: "S", Body: "B"},
		}}},
		{"malformed address", Input{Payload: &notify.Email{
			Header: notify.Header{Title: "S", Body: "B"},
			To:     []string{"not an address"},
		}}},
	} {
		_, err := q.Add(tc.in)
		if err == nil {
			t.Errorf("%s: accepted", tc.name)
			continue
		}
		if coded := exterrors.AsCoded(err); coded.Code != exterrors.CodeValidation {
			t.Errorf("%s: error code %v", tc.name, coded.Code)
		}
	}

	count, _ := q.Count(context.Background(), notify.Filter{})
	if count != 0 {
		t.Errorf("rejected inputs were stored: %d", count)
	}
}

func TestAddBatch(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	h := &testutils.Handler{}
	q.RegisterHandler(notify.ChannelEmail, h)
	q.RegisterHandler(notify.ChannelSMS, h)

	items, err := q.AddBatch([]Input{
		{Payload: &notify.Email{
			Header: notify.Header{Title: "1", Body: "B"},
			To:     []string{"tester@example.org"},
		}},
		{Payload: &notify.SMS{
			Header:       notify.Header{Title: "2", Body: "B"},
			PhoneNumbers: []string{"+15551230000"},
		}},
	})
	if err != nil {
		t.Fatal("AddBatch:", err)
	}
	if len(items) != 2 {
		t.Fatalf("batch items: want 2, got %d", len(items))
	}

	n, err := q.ProcessPending(context.Background())
	if err != nil {
		t.Fatal("ProcessPending:", err)
	}
	if n != 2 {
		t.Errorf("processed: want 2, got %d", n)
	}
	for _, item := range items {
		got, err := q.Get(context.Background(), item.ID)
		if err != nil {
			t.Fatal("Get:", err)
		}
		if !got.Status.Terminal() {
			t.Errorf("item %s not terminal after drain: %v", item.ID, got.Status)
		}
	}
}

func TestAddBatchValidatesBeforeStoring(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})

	_, err := q.AddBatch([]Input{
		{Payload: &notify.Email{
			Header: notify.Header{Title: "ok", Body: "B"},
			To:     []string{"tester@example.org"},
		}},
		{Payload: &notify.Email{
			Header: notify.Header{Title: "", Body: "B"},
			To:     []string{"tester@example.org"},
		}},
	})
	if err == nil {
		t.Fatal("invalid batch accepted")
	}

	count, _ := q.Count(context.Background(), notify.Filter{})
	if count != 0 {
		t.Errorf("partial batch stored: %d items", count)
	}
}

func TestIntrospection(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	q.RegisterHandler(notify.ChannelEmail, &testutils.Handler{})

	if q.IsRunning() {
		t.Error("queue running before Start")
	}
	if got := q.ProcessorStatus(); got != processor.StateIdle {
		t.Errorf("processor status: want idle, got %v", got)
	}

	item, err := q.AddEmail([]string{"tester@example.org"}, "S", "B")
	if err != nil {
		t.Fatal("AddEmail:", err)
	}
	if _, err := q.AddSMS([]string{"+15551230000"}, "S", "B"); err != nil {
		t.Fatal("AddSMS:", err)
	}

	if n, _ := q.PendingCount(context.Background()); n != 2 {
		t.Errorf("pending count: want 2, got %d", n)
	}
	if n, _ := q.QueueDepth(context.Background()); n != 2 {
		t.Errorf("queue depth: want 2, got %d", n)
	}

	found, err := q.Find(context.Background(), notify.Filter{Channel: []notify.Channel{notify.ChannelEmail}})
	if err != nil {
		t.Fatal("Find:", err)
	}
	if len(found) != 1 || found[0].ID != item.ID {
		t.Errorf("find by channel: %v", found)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatal("Stats:", err)
	}
	if stats.Total != 2 || stats.ByChannel[notify.ChannelEmail] != 1 {
		t.Errorf("stats: %+v", stats)
	}

	if err := q.Start(); err != nil {
		t.Fatal("Start:", err)
	}
	defer q.Stop(context.Background())
	if !q.IsRunning() {
		t.Error("queue not running after Start")
	}
}

func TestHandlerManagement(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	h := &testutils.Handler{}

	q.RegisterHandler(notify.ChannelEmail, h)
	q.RegisterHandler(notify.ChannelSMS, h)

	chs := q.Handlers()
	if len(chs) != 2 {
		t.Errorf("handlers: %v", chs)
	}

	if !q.UnregisterHandler(notify.ChannelSMS) {
		t.Error("unregister of a bound channel returned false")
	}
	if q.UnregisterHandler(notify.ChannelSMS) {
		t.Error("unregister of an unbound channel returned true")
	}
	if got := q.Handlers(); len(got) != 1 || got[0] != notify.ChannelEmail {
		t.Errorf("handlers after unregister: %v", got)
	}
}

func TestEventSubscription(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	q.RegisterHandler(notify.ChannelEmail, &testutils.Handler{})

	var seen int
	token := q.On(func(ev notify.Event) {
		if ev.Type == notify.EventItemEnqueued {
			seen++
		}
	})

	if _, err := q.AddEmail([]string{"tester@example.org"}, "1", "B"); err != nil {
		t.Fatal("AddEmail:", err)
	}
	q.Off(token)
	if _, err := q.AddEmail([]string{"tester@example.org"}, "2", "B"); err != nil {
		t.Fatal("AddEmail:", err)
	}

	if seen != 1 {
		t.Errorf("listener saw %d enqueues, want 1 (unsubscribed before the second)", seen)
	}
}

func TestStopLeavesNothingProcessing(t *testing.T) {
	t.Parallel()

	q, rec := newTestQueue(t, Config{
		Processor: processor.Config{PollInterval: 5 * time.Millisecond},
	})
	q.RegisterHandler(notify.ChannelEmail, &testutils.Handler{Delay: 50 * time.Millisecond})

	if err := q.Start(); err != nil {
		t.Fatal("Start:", err)
	}

	if _, err := q.AddEmail([]string{"tester@example.org"}, "S", "B"); err != nil {
		t.Fatal("AddEmail:", err)
	}
	if _, ok := rec.Wait(notify.EventItemProcessing, 2*time.Second); !ok {
		t.Fatal("item never entered processing")
	}

	if err := q.Stop(context.Background()); err != nil {
		t.Fatal("Stop:", err)
	}

	n, err := q.ProcessingCount(context.Background())
	if err != nil {
		t.Fatal("ProcessingCount:", err)
	}
	if n != 0 {
		t.Errorf("items left in processing after Stop: %d", n)
	}
}

func TestDefaultQueue(t *testing.T) {
	// Mutates process-global state, not parallel.
	Reset()
	t.Cleanup(Reset)

	first := Default()
	if first == nil {
		t.Fatal("Default returned nil")
	}
	if Default() != first {
		t.Error("Default is not stable")
	}

	custom := New(Config{})
	SetDefault(custom)
	if Default() != custom {
		t.Error("SetDefault not honored")
	}

	Reset()
	if Default() == custom {
		t.Error("Reset did not discard the default instance")
	}
}
