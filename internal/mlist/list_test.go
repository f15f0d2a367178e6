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

package mlist_test

import (
	"testing"

	"github.com/foxcpp/mlist/internal/mlist"
	"golang.org/x/crypto/bcrypt"
)

func TestCheckPassword(t *testing.T) {
	hash := func(pass string) string {
		t.Helper()
		h, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		return string(h)
	}

	list := mlist.New("test", "example.com")
	if list.CheckPassword("") || list.CheckPassword("anything") {
		t.Error("password accepted for a list without passwords")
	}

	list.ModeratorPassword = hash("mod")
	list.AdminPassword = hash("owner")
	for pass, want := range map[string]bool{
		"mod":   true,
		"owner": true,
		"guess": false,
		"":      false,
	} {
		if got := list.CheckPassword(pass); got != want {
			t.Errorf("CheckPassword(%q) = %v, want %v", pass, got, want)
		}
	}

	list.ModeratorPassword = ""
	if !list.CheckPassword("owner") {
		t.Error("owner password rejected without a moderator password")
	}
}
