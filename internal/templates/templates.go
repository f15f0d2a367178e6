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

// Package templates loads the texts of notices, headers and footers.
//
// Templates are looked up in the site template directory first:
//
//	<dir>/lists/<list-id>/<lang>/<name>
//	<dir>/domains/<mail-host>/<lang>/<name>
//	<dir>/site/<lang>/<name>
//
// and then in the built-in set. The language of the request, the list
// preferred language, the site default language and "en" are tried in
// order, each in all locations.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/mlist/internal/mlist"
)

//go:embed data
var builtin embed.FS

var ErrNotFound = errors.New("templates: not found")

type Loader struct {
	// Dir is the site template directory, can be empty.
	Dir string
	// DefaultLang is the site default language.
	DefaultLang string
}

func New(dir, defaultLang string) *Loader {
	if defaultLang == "" {
		defaultLang = "en"
	}
	return &Loader{Dir: dir, DefaultLang: defaultLang}
}

func (l *Loader) languages(list *mlist.List, lang string) []string {
	var res []string
	add := func(s string) {
		if s == "" {
			return
		}
		for _, existing := range res {
			if existing == s {
				return
			}
		}
		res = append(res, s)
	}
	add(lang)
	if list != nil {
		add(list.PreferredLanguage)
	}
	add(l.DefaultLang)
	add("en")
	return res
}

// Get returns the raw template text.
func (l *Loader) Get(name string, list *mlist.List, lang string) (string, error) {
	if strings.ContainsAny(name, "/\\") || name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("templates: invalid name %q", name)
	}
	name += ".txt"

	langs := l.languages(list, lang)

	if l.Dir != "" {
		var scopes []string
		if list != nil {
			scopes = append(scopes,
				filepath.Join(l.Dir, "lists", list.ListID()),
				filepath.Join(l.Dir, "domains", list.MailHost))
		}
		scopes = append(scopes, filepath.Join(l.Dir, "site"))

		for _, lng := range langs {
			for _, scope := range scopes {
				b, err := os.ReadFile(filepath.Join(scope, lng, name))
				if err == nil {
					return string(b), nil
				}
				if !errors.Is(err, fs.ErrNotExist) {
					return "", fmt.Errorf("templates: %w", err)
				}
			}
		}
	}

	for _, lng := range langs {
		b, err := builtin.ReadFile("data/" + lng + "/" + name)
		if err == nil {
			return string(b), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Render returns the template text with variables substituted, see Expand.
// Variables describing the list are added automatically.
func (l *Loader) Render(name string, list *mlist.List, lang string, vars map[string]string) (string, error) {
	text, err := l.Get(name, list, lang)
	if err != nil {
		return "", err
	}
	all := make(map[string]string, len(vars)+8)
	if list != nil {
		for k, v := range ListVars(list) {
			all[k] = v
		}
	}
	for k, v := range vars {
		all[k] = v
	}
	return Expand(text, all), nil
}

// ListVars returns the standard substitutions describing the list.
func ListVars(list *mlist.List) map[string]string {
	return map[string]string{
		"listname":        list.FQDN(),
		"list_id":         list.ListID(),
		"display_name":    list.DisplayName,
		"short_listname":  list.ListName,
		"hostname":        list.MailHost,
		"description":     list.Description,
		"info":            list.Info,
		"language":        list.PreferredLanguage,
		"owneraddr":       list.OwnerAddress(),
		"posting_address": list.PostingAddress(),
		"request_address": list.RequestAddress(),
		"join_address":    list.JoinAddress(),
		"leave_address":   list.LeaveAddress(),
	}
}

// Expand substitutes $name and ${name} references. "$$" is a literal
// dollar sign. Unknown references are written back in the $name form.
func Expand(text string, vars map[string]string) string {
	return os.Expand(text, func(name string) string {
		if name == "$" {
			return "$"
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return "$" + name
	})
}
