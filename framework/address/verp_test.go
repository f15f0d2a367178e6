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

func TestVERPRoundtrip(t *testing.T) {
	for _, rcpt := range []string{
		"anne@example.org",
		"bart+tag@example.com",
		"c.d-e@sub.example.net",
	} {
		enc, err := EncodeVERP("test-bounces@example.com", rcpt)
		if err != nil {
			t.Fatal(err)
		}
		dec, ok := DecodeVERP(enc, "test-bounces")
		if !ok {
			t.Errorf("%s: %s not decoded", rcpt, enc)
			continue
		}
		if dec != rcpt {
			t.Errorf("roundtrip mismatch: %s -> %s -> %s", rcpt, enc, dec)
		}
	}
}

func TestDecodeVERP(t *testing.T) {
	test := func(addr, want string, ok bool) {
		t.Helper()
		got, gotOk := DecodeVERP(addr, "test-bounces")
		if gotOk != ok || got != want {
			t.Errorf("%s: want %s, %v; got %s, %v", addr, want, ok, got, gotOk)
		}
	}

	test("test-bounces+anne=example.com@example.com", "anne@example.com", true)
	test("TEST-BOUNCES+anne=example.com@example.com", "anne@example.com", true)
	test("other-bounces+anne=example.com@example.com", "", false)
	test("test-bounces@example.com", "", false)
	test("test-bounces+token@example.com", "", false)
	test("", "", false)
}

func TestProbeAddress(t *testing.T) {
	enc, err := EncodeProbe("test-bounces@example.com", "abcdef0123")
	if err != nil {
		t.Fatal(err)
	}
	if enc != "test-bounces+abcdef0123@example.com" {
		t.Fatal("unexpected probe address:", enc)
	}

	token, ok := DecodeProbe(enc, "test-bounces")
	if !ok || token != "abcdef0123" {
		t.Errorf("got %s, %v", token, ok)
	}
	if _, ok := DecodeProbe("test-bounces+anne=example.com@example.com", "test-bounces"); ok {
		t.Error("VERP address decoded as a probe")
	}
}
