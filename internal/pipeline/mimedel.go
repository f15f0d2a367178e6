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
	"path"
	"strings"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[strings.TrimPrefix(v, ".")] = true
		}
	}
	return set
}

// fileExt returns the lowercased file name extension without the dot.
func fileExt(p *msg.Part) string {
	name := p.Filename()
	if name == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

type contentFilter struct {
	filterTypes, passTypes map[string]bool
	filterExts, passExts   map[string]bool
}

func newContentFilter(list *mlist.List) contentFilter {
	return contentFilter{
		filterTypes: lowerSet(list.FilterTypes),
		passTypes:   lowerSet(list.PassTypes),
		filterExts:  lowerSet(list.FilterExtensions),
		passExts:    lowerSet(list.PassExtensions),
	}
}

// check returns the reason the part is not allowed or an empty string.
func (f contentFilter) check(p *msg.Part) string {
	ctype, _ := p.ContentType()
	mtype := p.MainType()
	if f.filterTypes[ctype] || f.filterTypes[mtype] {
		return "The message's content type was explicitly disallowed"
	}
	if len(f.passTypes) != 0 && !f.passTypes[ctype] && !f.passTypes[mtype] {
		return "The message's content type was not explicitly allowed"
	}
	if ext := fileExt(p); ext != "" {
		if f.filterExts[ext] {
			return "The message's file extension was explicitly disallowed"
		}
		if len(f.passExts) != 0 && !f.passExts[ext] {
			return "The message's file extension was not explicitly allowed"
		}
	}
	return ""
}

// filterParts removes the disallowed descendants of p. It returns false if
// p was a non-empty multipart and nothing is left of it.
func (f contentFilter) filterParts(p *msg.Part) bool {
	if !p.IsMultipart() {
		return true
	}
	before := len(p.Children)
	kept := p.Children[:0]
	for _, child := range p.Children {
		if !f.filterParts(child) {
			continue
		}
		if f.check(child) != "" {
			continue
		}
		kept = append(kept, child)
	}
	p.Children = kept
	return !(before > 0 && len(kept) == 0)
}

// collapseAlternatives replaces each multipart/alternative with its first
// alternative.
func collapseAlternatives(p *msg.Part) *msg.Part {
	for i, child := range p.Children {
		p.Children[i] = collapseAlternatives(child)
	}
	if ctype, _ := p.ContentType(); ctype == "multipart/alternative" && len(p.Children) != 0 {
		return p.Children[0]
	}
	return p
}

// recastMultipart replaces multiparts with a single child by the child,
// unless it is an attached message.
func recastMultipart(p *msg.Part) *msg.Part {
	if !p.IsMultipart() {
		return p
	}
	if len(p.Children) == 1 {
		if ctype, _ := p.Children[0].ContentType(); ctype != "message/rfc822" {
			return recastMultipart(p.Children[0])
		}
	}
	for i, child := range p.Children {
		p.Children[i] = recastMultipart(child)
	}
	return p
}

func countParts(p *msg.Part) int {
	n := 0
	p.Walk(func(*msg.Part, *msg.Part) error {
		n++
		return nil
	})
	return n
}

// convertHTML replaces text/html leaves by their plain text rendering.
func convertHTML(root *msg.Part) (bool, error) {
	converted := false
	err := root.Walk(func(p, _ *msg.Part) error {
		if ctype, _ := p.ContentType(); ctype != "text/html" || len(p.Children) != 0 {
			return nil
		}
		text, err := p.Text()
		if err != nil {
			return err
		}
		p.SetText("plain", htmlToText(text))
		converted = true
		return nil
	})
	return converted, err
}

func (h *handlers) mimeDelete(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if !list.FilterContent || md.IsDigest {
		return Result{}, nil
	}
	root, err := m.Parts()
	if err != nil {
		return Result{}, err
	}

	f := newContentFilter(list)
	if why := f.check(root); why != "" {
		return h.filterDispose(ctx, list, m, md, why)
	}

	numParts := countParts(root)
	if !f.filterParts(root) {
		return h.filterDispose(ctx, list, m, md, "After content filtering, the message was empty")
	}
	if list.CollapseAlternatives {
		root = collapseAlternatives(root)
	}
	root = recastMultipart(root)

	changed := numParts != countParts(root)
	if list.ConvertHTMLToPlaintext {
		converted, err := convertHTML(root)
		if err != nil {
			return Result{}, err
		}
		changed = changed || converted
	}
	if !changed {
		return Result{}, nil
	}

	if err := m.SetParts(root); err != nil {
		return Result{}, err
	}
	m.Header.Del("X-Content-Filtered-By")
	m.Header.Add("X-Content-Filtered-By", "mlist/MimeDel "+h.Version)
	return Result{}, nil
}

func (h *handlers) filterDispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata, why string) (Result, error) {
	l := h.Log.With("list", list.ListID(), "msg_id_hash", md.MessageIDHash)
	switch list.FilterAction {
	case mlist.FilterReject:
		return reject(why)
	case mlist.FilterForward:
		err := h.Notify.NoticeAdmins(ctx, list, "Content filter message notification", "filtered", nil, m)
		if err != nil {
			return Result{}, err
		}
	case mlist.FilterPreserve:
		if h.PreserveFiltered && h.Bad != nil {
			fb, err := h.Bad.Enqueue(m, md)
			if err != nil {
				return Result{}, err
			}
			l.Msg("filtered message preserved", "msg_id", m.MessageID(), "filebase", fb)
		}
	case mlist.FilterDiscard:
	default:
		l.Msg("unsupported filter action, treating as discard", "action", list.FilterAction)
	}
	return discard(why)
}
