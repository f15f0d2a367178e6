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

package templates

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxcpp/mlist/internal/mlist"
)

func TestExpand(t *testing.T) {
	test := func(text, expected string) {
		t.Helper()
		got := Expand(text, map[string]string{"listname": "test@example.com", "x": "1"})
		if got != expected {
			t.Errorf("Expand(%q) = %q, want %q", text, got, expected)
		}
	}

	test("list $listname", "list test@example.com")
	test("list ${listname}!", "list test@example.com!")
	test("$x$x", "11")
	test("costs $$5", "costs $5")
	test("costs $5", "costs $5")
	test("unknown $missing", "unknown $missing")
	test("trailing $", "trailing $")
}

func TestBuiltin(t *testing.T) {
	l := New("", "")
	list := mlist.New("test", "example.com")

	text, err := l.Render("postheld", list, "", map[string]string{
		"subject": "Hello",
		"reason":  "Post by non-member to a members-only list",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Your mail to 'test@example.com'") {
		t.Errorf("list name not substituted:\n%s", text)
	}
	if !strings.Contains(text, "    Hello\n") {
		t.Errorf("subject not substituted:\n%s", text)
	}

	// Unknown language falls back to English.
	if _, err := l.Get("probe", list, "xx"); err != nil {
		t.Error(err)
	}

	if _, err := l.Get("missing", list, ""); !errors.Is(err, ErrNotFound) {
		t.Error("expected ErrNotFound, got", err)
	}
	if _, err := l.Get("../en/probe", list, ""); err == nil {
		t.Error("path traversal accepted")
	}
}

func TestOverrides(t *testing.T) {
	dir := t.TempDir()
	write := func(path, text string) {
		t.Helper()
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("site/en/footer.txt", "site footer")
	write("domains/example.com/en/footer.txt", "domain footer")
	write("lists/test.example.com/de/footer.txt", "list german footer")
	write("site/fr/footer.txt", "site french footer")

	l := New(dir, "en")
	test := func(list *mlist.List, lang, expected string) {
		t.Helper()
		text, err := l.Get("footer", list, lang)
		if err != nil {
			t.Fatal(err)
		}
		if text != expected {
			t.Errorf("got %q, want %q", text, expected)
		}
	}

	list := mlist.New("test", "example.com")
	other := mlist.New("other", "example.org")

	test(list, "de", "list german footer")
	test(list, "", "domain footer")
	test(list, "fr", "site french footer")
	test(other, "", "site footer")

	list.PreferredLanguage = "de"
	test(list, "", "list german footer")
	test(list, "en", "domain footer")
}
