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
	"net/url"
	"sort"
	"strings"

	"github.com/foxcpp/notifq/framework/address"
	"github.com/foxcpp/notifq/framework/exterrors"
	"golang.org/x/text/unicode/norm"
)

// Header carries the fields common to all payload variants.
type Header struct {
	Title string
	Body  string

	// Free-form metadata attached by the caller, not interpreted by the
	// pipeline and passed to the handler as-is.
	Metadata map[string]string

	// Optional reference to a template known to the channel handler.
	Template string
}

func (h *Header) cloneInto(dst *Header) {
	*dst = *h
	if h.Metadata != nil {
		dst.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			dst.Metadata[k] = v
		}
	}
}

func (h *Header) validate() error {
	if strings.TrimSpace(h.Title) == "" {
		return exterrors.Validation("empty title")
	}
	if strings.TrimSpace(h.Body) == "" {
		return exterrors.Validation("empty body")
	}
	return nil
}

// Payload is the closed sum over the per-channel notification shapes.
//
// RecipientKey returns the canonical recipient identity: equivalent
// payloads produce byte-identical keys no matter the recipient list order,
// letter case or Unicode normalization form used by the caller. Both the
// deduplicator and the per-recipient rate limit scope are keyed by it.
type Payload interface {
	Channel() Channel
	Head() *Header
	RecipientKey() string
	Validate() error
	Clone() Payload
}

// Email is the payload shape for the EMAIL channel.
type Email struct {
	Header
	To []string
	CC []string
}

func (e *Email) Channel() Channel { return ChannelEmail }
func (e *Email) Head() *Header    { return &e.Header }

func (e *Email) RecipientKey() string {
	all := make([]string, 0, len(e.To)+len(e.CC))
	for _, addrList := range [][]string{e.To, e.CC} {
		for _, a := range addrList {
			folded, _ := address.ForLookup(strings.TrimSpace(a))
			all = append(all, folded)
		}
	}
	sort.Strings(all)
	return strings.Join(all, ",")
}

func (e *Email) Validate() error {
	if err := e.Header.validate(); err != nil {
		return err
	}
	if len(e.To) == 0 {
		return exterrors.Validation("email: no recipients")
	}
	for _, a := range append(append([]string{}, e.To...), e.CC...) {
		if !address.Valid(strings.TrimSpace(a)) {
			return exterrors.Validation("email: malformed address: %s", a)
		}
	}
	return nil
}

func (e *Email) Clone() Payload {
	cpy := &Email{To: append([]string(nil), e.To...)}
	if e.CC != nil {
		cpy.CC = append([]string(nil), e.CC...)
	}
	e.Header.cloneInto(&cpy.Header)
	return cpy
}

// Telegram is the payload shape for Telegram-like chat channels.
type Telegram struct {
	Header
	ChatID    string
	ParseMode string
}

func (tg *Telegram) Channel() Channel { return ChannelTelegram }
func (tg *Telegram) Head() *Header    { return &tg.Header }

func (tg *Telegram) RecipientKey() string {
	return strings.TrimSpace(tg.ChatID)
}

func (tg *Telegram) Validate() error {
	if err := tg.Header.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(tg.ChatID) == "" {
		return exterrors.Validation("telegram: empty chat ID")
	}
	switch tg.ParseMode {
	case "", "Markdown", "MarkdownV2", "HTML":
	default:
		return exterrors.Validation("telegram: unknown parse mode: %s", tg.ParseMode)
	}
	return nil
}

func (tg *Telegram) Clone() Payload {
	cpy := &Telegram{ChatID: tg.ChatID, ParseMode: tg.ParseMode}
	tg.Header.cloneInto(&cpy.Header)
	return cpy
}

// Discord is the payload shape for Discord-like webhook channels.
type Discord struct {
	Header
	WebhookURL string
}

func (d *Discord) Channel() Channel { return ChannelDiscord }
func (d *Discord) Head() *Header    { return &d.Header }

func (d *Discord) RecipientKey() string {
	u, err := url.Parse(strings.TrimSpace(d.WebhookURL))
	if err != nil {
		return strings.TrimSpace(d.WebhookURL)
	}
	// Scheme and host are case-insensitive, path is not.
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

func (d *Discord) Validate() error {
	if err := d.Header.validate(); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimSpace(d.WebhookURL))
	if err != nil || u.Host == "" {
		return exterrors.Validation("discord: malformed webhook URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return exterrors.Validation("discord: webhook URL is not HTTP(S)")
	}
	return nil
}

func (d *Discord) Clone() Payload {
	cpy := &Discord{WebhookURL: d.WebhookURL}
	d.Header.cloneInto(&cpy.Header)
	return cpy
}

// Push is the payload shape for mobile/desktop push notifications.
type Push struct {
	Header
	DeviceTokens []string

	// Collapse tag, makes the platform replace a previous notification
	// with the same tag.
	Tag string
}

func (p *Push) Channel() Channel { return ChannelPush }
func (p *Push) Head() *Header    { return &p.Header }

func (p *Push) RecipientKey() string {
	tokens := make([]string, 0, len(p.DeviceTokens))
	for _, tok := range p.DeviceTokens {
		tokens = append(tokens, strings.TrimSpace(tok))
	}
	sort.Strings(tokens)
	return strings.Join(tokens, ",")
}

func (p *Push) Validate() error {
	if err := p.Header.validate(); err != nil {
		return err
	}
	if len(p.DeviceTokens) == 0 {
		return exterrors.Validation("push: no device tokens")
	}
	for _, tok := range p.DeviceTokens {
		if strings.TrimSpace(tok) == "" {
			return exterrors.Validation("push: empty device token")
		}
	}
	return nil
}

func (p *Push) Clone() Payload {
	cpy := &Push{DeviceTokens: append([]string(nil), p.DeviceTokens...), Tag: p.Tag}
	p.Header.cloneInto(&cpy.Header)
	return cpy
}

// SMS is the payload shape for the SMS channel.
type SMS struct {
	Header
	PhoneNumbers []string
}

func (s *SMS) Channel() Channel { return ChannelSMS }
func (s *SMS) Head() *Header    { return &s.Header }

// canonPhone strips the visual separators commonly pasted together with
// phone numbers so that equivalent spellings map to the same key.
func canonPhone(number string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, number)
}

func (s *SMS) RecipientKey() string {
	numbers := make([]string, 0, len(s.PhoneNumbers))
	for _, n := range s.PhoneNumbers {
		numbers = append(numbers, canonPhone(n))
	}
	sort.Strings(numbers)
	return strings.Join(numbers, ",")
}

func (s *SMS) Validate() error {
	if err := s.Header.validate(); err != nil {
		return err
	}
	if len(s.PhoneNumbers) == 0 {
		return exterrors.Validation("sms: no phone numbers")
	}
	for _, n := range s.PhoneNumbers {
		canon := canonPhone(n)
		if canon == "" {
			return exterrors.Validation("sms: empty phone number")
		}
		for i, r := range canon {
			if r == '+' && i == 0 {
				continue
			}
			if r < '0' || r > '9' {
				return exterrors.Validation("sms: malformed phone number: %s", n)
			}
		}
	}
	return nil
}

func (s *SMS) Clone() Payload {
	cpy := &SMS{PhoneNumbers: append([]string(nil), s.PhoneNumbers...)}
	s.Header.cloneInto(&cpy.Header)
	return cpy
}

// NormalizeText folds the string to NFC so that visually identical Unicode
// strings hash to the same value in dedup keys.
func NormalizeText(s string) string {
	return norm.NFC.String(s)
}
