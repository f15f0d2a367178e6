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

package pipeline

import (
	"context"
	"errors"
	"mime"
	"strings"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/templates"
)

// Decorator adds the list header and footer templates to messages.
type Decorator struct {
	Templates *templates.Loader
}

func (d *Decorator) render(name string, list *mlist.List, lang string, vars map[string]string) (string, error) {
	text, err := d.Templates.Render(name, list, lang, vars)
	if errors.Is(err, templates.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text, nil
}

func decorationPart(text string) *msg.Part {
	p := msg.NewTextPart(text)
	p.Header.Set("Content-Disposition", "inline")
	return p
}

// Decorate adds the header and footer to m. If member is not nil, the
// templates are personalized for it.
//
// A single text/plain body gets the decorations inline. Otherwise they are
// added as separate parts, wrapping the body into multipart/mixed if
// needed.
func (d *Decorator) Decorate(list *mlist.List, m *msg.Message, member *mlist.Member) error {
	lang := list.PreferredLanguage
	vars := map[string]string{}
	if member != nil {
		if member.PreferredLanguage != "" {
			lang = member.PreferredLanguage
		}
		name := member.DisplayName
		if name == "" {
			name = member.Address
		}
		vars["user_address"] = member.Address
		vars["user_delivered_to"] = member.Address
		vars["user_language"] = lang
		vars["user_name"] = name
		vars["user_optionsurl"] = "mailto:" + list.RequestAddress() + "?subject=help"
	}

	header, err := d.render("header", list, lang, vars)
	if err != nil {
		return err
	}
	footer, err := d.render("footer", list, lang, vars)
	if err != nil {
		return err
	}
	if header == "" && footer == "" {
		return nil
	}

	root, err := m.Parts()
	if err != nil {
		return err
	}

	ctype, _ := root.ContentType()
	disp, _, _ := mime.ParseMediaType(root.Header.Get("Content-Disposition"))
	if ctype == "text/plain" && disp != "attachment" {
		if text, err := root.Text(); err == nil {
			if text != "" && !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			root.SetText("plain", header+text+footer)
			return m.SetParts(root)
		}
	}

	if ctype != "multipart/mixed" {
		root = msg.NewMultipart("mixed", root)
	}
	if header != "" {
		root.Children = append([]*msg.Part{decorationPart(header)}, root.Children...)
	}
	if footer != "" {
		root.Children = append(root.Children, decorationPart(footer))
	}
	return m.SetParts(root)
}

// decorate handles messages delivered as a single copy. Personalized
// deliveries are decorated per recipient at delivery time.
func (h *handlers) decorate(_ context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if md.NoDecorate || md.IsDigest || list.Personalize != mlist.PersonalizeNone {
		return Result{}, nil
	}
	d := Decorator{Templates: h.Notify.Templates}
	return Result{}, d.Decorate(list, m, nil)
}
