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
	"testing"
)

func TestEmailValidate(t *testing.T) {
	t.Parallel()

	valid := &Email{
		Header: Header{Title: "S", Body: "B"},
		To:     []string{"tester@example.org"},
		CC:     []string{"copy@example.org"},
	}
	if err := valid.Validate(); err != nil {
		t.Error("valid payload rejected:", err)
	}

	for _, tc := range []struct {
		name string
		p    *Email
	}{
		{"blank title", &Email{Header: Header{Title: "  ", Body: "B"}, To: []string{"a@example.org"}}},
		{"blank body", &Email{Header: Header{Title: "S", Body: ""}, To: []string{"a@example.org"}}},
		{"no recipients", &Email{Header: Header{Title: "S", Body: "B"}}},
		{"bad to", &Email{Header: Header{Title: "S", Body: "B"}, To: []string{"no-at-sign"}}},
		{"bad cc", &Email{Header: Header{Title: "S", Body: "B"}, To: []string{"a@example.org"}, CC: []string{"also bad"}}},
	} {
		if err := tc.p.Validate(); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestEmailRecipientKeyCanonical(t *testing.T) {
	t.Parallel()

	a := &Email{To: []string{"B@Example.ORG", "a@example.org"}}
	b := &Email{To: []string{"a@example.org ", "b@example.org"}}
	if a.RecipientKey() != b.RecipientKey() {
		t.Errorf("order/case variants differ: %q vs %q", a.RecipientKey(), b.RecipientKey())
	}

	// CC recipients are part of the identity.
	c := &Email{To: []string{"a@example.org"}, CC: []string{"b@example.org"}}
	d := &Email{To: []string{"a@example.org"}}
	if c.RecipientKey() == d.RecipientKey() {
		t.Error("CC list ignored by recipient key")
	}
}

func TestSMSValidateAndKey(t *testing.T) {
	t.Parallel()

	p := &SMS{Header: Header{Title: "S", Body: "B"}, PhoneNumbers: []string{"+1 (555) 123-0000"}}
	if err := p.Validate(); err != nil {
		t.Error("separator-formatted number rejected:", err)
	}

	plain := &SMS{PhoneNumbers: []string{"+15551230000"}}
	if p.RecipientKey() != plain.RecipientKey() {
		t.Errorf("formatting variants differ: %q vs %q", p.RecipientKey(), plain.RecipientKey())
	}

	bad := &SMS{Header: Header{Title: "S", Body: "B"}, PhoneNumbers: []string{"+1555CALLME"}}
	if err := bad.Validate(); err == nil {
		t.Error("alphabetic number accepted")
	}
}

func TestDiscordRecipientKey(t *testing.T) {
	t.Parallel()

	a := &Discord{WebhookURL: "HTTPS://Hooks.Example.ORG/wh/AbC"}
	b := &Discord{WebhookURL: "https://hooks.example.org/wh/AbC"}
	if a.RecipientKey() != b.RecipientKey() {
		t.Error("scheme/host case changes the key")
	}

	// Path case is significant.
	c := &Discord{WebhookURL: "https://hooks.example.org/wh/abc"}
	if a.RecipientKey() == c.RecipientKey() {
		t.Error("path case folded")
	}
}

func TestTelegramValidate(t *testing.T) {
	t.Parallel()

	p := &Telegram{Header: Header{Title: "S", Body: "B"}, ChatID: "42", ParseMode: "MarkdownV2"}
	if err := p.Validate(); err != nil {
		t.Error("valid payload rejected:", err)
	}

	p.ParseMode = "BBCode"
	if err := p.Validate(); err == nil {
		t.Error("unknown parse mode accepted")
	}
}

func TestCloneIsolation(t *testing.T) {
	t.Parallel()

	orig := &Push{
		Header: Header{
			Title:    "S",
			Body:     "B",
			Metadata: map[string]string{"k": "v"},
		},
		DeviceTokens: []string{"tok-1"},
	}
	cpy := orig.Clone().(*Push)

	cpy.DeviceTokens[0] = "mutated"
	cpy.Metadata["k"] = "mutated"

	if orig.DeviceTokens[0] != "tok-1" {
		t.Error("token slice shared between clone and original")
	}
	if orig.Metadata["k"] != "v" {
		t.Error("metadata map shared between clone and original")
	}
}
