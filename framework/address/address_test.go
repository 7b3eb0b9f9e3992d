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

package address

import (
	"testing"
)

func TestSplit(t *testing.T) {
	check := func(addr, mbox, domain string, fail bool) {
		t.Helper()
		actualMbox, actualDomain, err := Split(addr)
		if err != nil {
			if !fail {
				t.Errorf("unexpected error for %s: %v", addr, err)
			}
			return
		}
		if fail {
			t.Errorf("expected error for %s", addr)
			return
		}
		if actualMbox != mbox {
			t.Errorf("%s: wrong local-part: want %s, got %s", addr, mbox, actualMbox)
		}
		if actualDomain != domain {
			t.Errorf("%s: wrong domain: want %s, got %s", addr, domain, actualDomain)
		}
	}

	check("simple@example.org", "simple", "example.org", false)
	check("with@sign@example.org", "with@sign", "example.org", false)
	check("no-domain@", "", "", true)
	check("@no-local-part.org", "", "", true)
	check("no-at-sign", "", "", true)
}

func TestForLookup(t *testing.T) {
	check := func(addr, expected string) {
		t.Helper()
		actual, err := ForLookup(addr)
		if err != nil {
			t.Errorf("unexpected error for %s: %v", addr, err)
			return
		}
		if actual != expected {
			t.Errorf("%s: want %s, got %s", addr, expected, actual)
		}
	}

	check("simple@example.org", "simple@example.org")
	check("UpperCase@Example.ORG", "uppercase@example.org")
	check("puny@xn--9caa.example.org", "puny@éé.example.org")
	// NFD to NFC folding of the local-part.
	check("françois@example.org", "françois@example.org")
}

func TestValid(t *testing.T) {
	check := func(addr string, expected bool) {
		t.Helper()
		if Valid(addr) != expected {
			t.Errorf("Valid(%q): want %v", addr, expected)
		}
	}

	check("simple@example.org", true)
	check("unicode-локальная-часть@example.org", true)
	check("unicode@домен.example.org", true)
	check("", false)
	check("no-at-sign", false)
	check("spaces in local part@example.org", false)
	check("double-dot@exa..mple.org", false)
	check("dot-prefix@.example.org", false)
}
