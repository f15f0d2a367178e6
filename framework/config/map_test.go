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

package config

import (
	"strings"
	"testing"
	"time"
)

func readBlock(t *testing.T, cfg string) Node {
	t.Helper()
	root, err := Read(strings.NewReader(cfg), "test")
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestMapProcess(t *testing.T) {
	root := readBlock(t, `
hostname lists.example.org
retry_period 5d 12h
max_message_size 40M
verp yes
slices 4
site_owner_names a b
personalize full
`)

	var (
		hostname    string
		period      time.Duration
		size        int64
		verp        bool
		slices      int
		names       []string
		personalize string
		missing     = "untouched"
	)
	m := NewMap(nil, root)
	m.String("hostname", true, "", &hostname)
	m.Duration("retry_period", false, 0, &period)
	m.DataSize("max_message_size", false, 0, &size)
	m.Bool("verp", false, &verp)
	m.Int("slices", false, 1, &slices)
	m.StringList("site_owner_names", false, nil, &names)
	m.Enum("personalize", false, []string{"none", "individual", "full"}, "none", &personalize)
	m.String("missing", false, "default", &missing)
	if err := m.Process(); err != nil {
		t.Fatal(err)
	}

	if hostname != "lists.example.org" {
		t.Error("hostname:", hostname)
	}
	if period != 5*24*time.Hour+12*time.Hour {
		t.Error("retry_period:", period)
	}
	if size != 40*1024*1024 {
		t.Error("max_message_size:", size)
	}
	if !verp || slices != 4 || personalize != "full" {
		t.Error("wrong values:", verp, slices, personalize)
	}
	if len(names) != 2 {
		t.Error("site_owner_names:", names)
	}
	if missing != "default" {
		t.Error("default not applied:", missing)
	}
}

func TestMapErrors(t *testing.T) {
	test := func(cfg string, setup func(m *Map)) {
		t.Helper()
		m := NewMap(nil, readBlock(t, cfg))
		setup(m)
		if err := m.Process(); err == nil {
			t.Errorf("expected failure for %q", cfg)
		}
	}

	var s string
	var i int
	test(`unknown 1`, func(m *Map) {})
	test(``, func(m *Map) { m.String("hostname", true, "", &s) })
	test(`a 1
a 2`, func(m *Map) { m.Int("a", false, 0, &i) })
	test(`a x`, func(m *Map) { m.Int("a", false, 0, &i) })
	test(`a x`, func(m *Map) { m.Enum("a", false, []string{"y"}, "y", &s) })
	test(`a { }`, func(m *Map) { m.String("a", false, "", &s) })
	test(`a yes no`, func(m *Map) { m.Bool("a", false, new(bool)) })
	test(`a maybe`, func(m *Map) { m.Bool("a", false, new(bool)) })
	test(`a`, func(m *Map) { m.Duration("a", false, 0, new(time.Duration)) })
}

func TestMapCallback(t *testing.T) {
	m := NewMap(nil, readBlock(t, "header_check X-Spam yes\nheader_check X-Virus .*"))
	var checks [][]string
	m.Callback("header_check", func(_ *Map, node Node) error {
		checks = append(checks, node.Args)
		return nil
	})
	if err := m.Process(); err != nil {
		t.Fatal(err)
	}
	if len(checks) != 2 {
		t.Errorf("callback called %d times", len(checks))
	}
}

func TestMapGlobals(t *testing.T) {
	var hostname string
	m := NewMap(map[string]interface{}{"hostname": "global.example.org"}, Node{})
	m.String("hostname", true, "", &hostname)
	if err := m.Process(); err != nil {
		t.Fatal(err)
	}
	if hostname != "global.example.org" {
		t.Error("global value not used:", hostname)
	}
}

func TestParseDataSize(t *testing.T) {
	for s, want := range map[string]int64{
		"1K":     1024,
		"1M 1K":  1024*1024 + 1024,
		"10B":    10,
		"0":      0,
		"1G":     1024 * 1024 * 1024,
		"512K 1": -1,
		"M":      -1,
		"1Q":     -1,
	} {
		got, err := parseDataSize(s)
		if want == -1 {
			if err == nil {
				t.Errorf("%q: expected error, got %d", s, got)
			}
			continue
		}
		if err != nil || got != want {
			t.Errorf("%q: got %d, %v; want %d", s, got, err, want)
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	for _, expected := range []Endpoint{
		{Original: "tcp://127.0.0.1:8024", Scheme: "tcp", Host: "127.0.0.1", Port: "8024"},
		{Original: "tcp://[::1]:25", Scheme: "tcp", Host: "::1", Port: "25"},
		{Original: "tcp:127.0.0.1:25", Scheme: "tcp", Host: "127.0.0.1", Port: "25"},
		{Original: "tls://smtp.example.org:465", Scheme: "tls", Host: "smtp.example.org", Port: "465"},
		{Original: "unix:///run/mlist/lmtp.sock", Scheme: "unix", Path: "/run/mlist/lmtp.sock"},
		{Original: "unix:lmtp.sock", Scheme: "unix", Path: "lmtp.sock"},
	} {
		actual, err := ParseEndpoint(expected.Original)
		if err != nil {
			t.Errorf("unexpected failure for %s: %v", expected.Original, err)
			continue
		}
		if actual != expected {
			t.Errorf("didn't parse %q correctly\ngot %#v\nwant %#v", expected.Original, actual, expected)
		}
	}

	for _, bad := range []string{"http://x:1", "tcp://host", "unix://"} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Errorf("expected failure for %s", bad)
		}
	}
}
