/*
mlist - Mailing list manager.
Copyright © 2019-2024 Max Mazurov <fox.cpp@disroot.org>, mlist contributors

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
	test := func(addr, mbox, domain string, fail bool) {
		t.Helper()
		actualMbox, actualDomain, err := Split(addr)
		if err != nil && !fail {
			t.Errorf("%s: unexpected error: %v", addr, err)
			return
		}
		if err == nil && fail {
			t.Errorf("%s: expected error, got %s, %s", addr, actualMbox, actualDomain)
			return
		}
		if actualMbox != mbox || actualDomain != domain {
			t.Errorf("%s: want %s, %s; got %s, %s", addr, mbox, domain, actualMbox, actualDomain)
		}
	}

	test("test@example.com", "test", "example.com", false)
	test(`"a@b"@example.com`, `"a@b"`, "example.com", false)
	test("postmaster", "postmaster", "", false)
	test("@example.com", "", "", true)
	test("no-domain@", "", "", true)
	test("", "", "", true)
}

func TestForLookup(t *testing.T) {
	test := func(in, want string, fail bool) {
		t.Helper()
		got, err := ForLookup(in)
		if (err != nil) != fail {
			t.Errorf("%s: unexpected error state: %v", in, err)
		}
		if got != want {
			t.Errorf("%s: want %s, got %s", in, want, got)
		}
	}

	test("Anne@Example.ORG", "anne@example.org", false)
	test("É@example.org", "é@example.org", false)
	test("test@xn--e1aybc.example.org", "test@тест.example.org", false)
	test("tESt@", "test@", true)
}

func TestEqual(t *testing.T) {
	if !Equal("Anne@example.org", "anne@EXAMPLE.org") {
		t.Error("case-insensitive addresses should be equal")
	}
	if Equal("anne@example.org", "bart@example.org") {
		t.Error("different addresses are equal")
	}
}

func TestToASCII(t *testing.T) {
	got, err := ToASCII("test@тест.example.org")
	if err != nil || got != "test@xn--e1aybc.example.org" {
		t.Errorf("got %s, %v", got, err)
	}
	if _, err := ToASCII("тест@example.org"); err != ErrUnicodeMailbox {
		t.Errorf("expected ErrUnicodeMailbox, got %v", err)
	}
}
