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

// Package address provides e-mail address validation and canonicalization
// used to build stable recipient keys for deduplication and rate limiting.
package address

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// Split splits an e-mail address into the local part (mailbox) and domain.
//
// Split does almost no sanity checks on the input and is intentionally
// naive. If this is a concern, Valid should be used on the input first.
func Split(addr string) (mailbox, domain string, err error) {
	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:indx]
	domain = addr[indx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return
}

// ForLookup transforms the address into a canonical form usable for map
// lookups or direct comparisons.
//
// The domain part is converted to U-labels, the whole address is normalized
// to NFC and case-folded. If Equal(addr1, addr2) would hold, then
// ForLookup(addr1) == ForLookup(addr2).
//
// On error, case-folded addr is also returned.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	uDomain = strings.ToLower(norm.NFC.String(uDomain))
	mbox = strings.ToLower(norm.NFC.String(mbox))

	return mbox + "@" + uDomain, nil
}

// "specials" from the RFC 5322 grammar, with dot removed.
var mboxSpecial = map[rune]struct{}{
	'(': {}, ')': {}, '<': {}, '>': {},
	'[': {}, ']': {}, ':': {}, ';': {},
	'@': {}, '\\': {}, ',': {},
	'"': {}, ' ': {},
}

// Valid checks whether the string is usable as an e-mail address.
//
// The check is a subset of the RFC 5321 grammar extended with RFC 6531
// Unicode support: quoting in the local-part is not supported, everything
// else matches what an SMTP submission endpoint would accept.
func Valid(addr string) bool {
	if len(addr) > 320 { // RFC 3696 says it's 320, not 255.
		return false
	}

	mbox, domain, err := Split(addr)
	if err != nil {
		return false
	}

	return validMailboxName(mbox) && validDomain(domain)
}

func validMailboxName(mbox string) bool {
	for _, ch := range mbox {
		if _, special := mboxSpecial[ch]; special {
			return false
		}
		if ch < ' ' || ch == 0x7F /* DEL */ {
			return false
		}
	}
	return true
}

func validDomain(domain string) bool {
	if len(domain) > 255 || len(domain) == 0 {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, "-") {
		return false
	}
	if strings.Contains(domain, "..") {
		return false
	}
	// Converts U-labels to A-labels, verifying the result is a valid DNS
	// name on the way.
	if _, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, ".")); err != nil {
		return false
	}
	return true
}
