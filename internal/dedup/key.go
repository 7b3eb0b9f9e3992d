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
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/foxcpp/notifq/notify"
	"golang.org/x/crypto/blake2b"
)

// KeyFunc computes the fingerprint for a payload. The default can be
// replaced via Deduplicator.SetKeyFunc to customize what counts as a
// duplicate.
type KeyFunc func(p notify.Payload, correlationID string, priority notify.Priority) string

// defaultKey builds a channel-aware fingerprint. The input string is
// canonicalized before hashing: the recipient identity comes from
// Payload.RecipientKey (order- and case-insensitive), title and body are
// NFC-folded, and only the channel-specific fields that affect the
// rendered notification are included. Equivalent payloads therefore hash
// identically regardless of how the caller spelled them.
func (d *Deduplicator) defaultKey(p notify.Payload, correlationID string, priority notify.Priority) string {
	head := p.Head()

	parts := make([]string, 0, 8)
	parts = append(parts,
		string(p.Channel()),
		p.RecipientKey(),
		notify.NormalizeText(head.Title),
		notify.NormalizeText(head.Body),
		head.Template,
	)

	switch payload := p.(type) {
	case *notify.Telegram:
		parts = append(parts, payload.ParseMode)
	case *notify.Push:
		parts = append(parts, payload.Tag)
	}

	cfg := d.config()
	if cfg.IncludeCorrelationID {
		parts = append(parts, correlationID)
	}
	if cfg.IncludePriority {
		parts = append(parts, strconv.Itoa(int(priority)))
	}

	// \x00 can not appear in any canonicalized field, so joining on it
	// keeps distinct field vectors distinct.
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
