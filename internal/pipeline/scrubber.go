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
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/foxcpp/mlist/framework/module"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

const partSeparator = "\n-------------- next part --------------\n"

var unsafeFilenameChars = regexp.MustCompile(`[^-\w.]`)

// attachmentDir returns the directory scrubbed parts of m are stored in:
// the list, the message date and a short hash of the Message-ID.
func (h *handlers) attachmentDir(list *mlist.List, m *msg.Message, md *msg.Metadata) string {
	hdr := mail.Header{Header: message.Header{Header: m.Header}}
	date, err := hdr.Date()
	if err != nil || date.IsZero() {
		date = md.ReceivedTime
	}
	if date.IsZero() {
		date = h.now()
	}
	sum := sha1.Sum([]byte(m.EnsureMessageID(list.MailHost)))
	digest := hex.EncodeToString(sum[:])
	return path.Join(list.ListID(), date.UTC().Format("20060102"), digest[:4]+digest[len(digest)-4:])
}

func safeFilename(p *msg.Part) string {
	name := path.Base(strings.ReplaceAll(p.Filename(), "\\", "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		name = "attachment"
		ctype, _ := p.ContentType()
		if exts, err := mime.ExtensionsByType(ctype); err == nil && len(exts) != 0 {
			name += exts[0]
		} else {
			name += ".bin"
		}
	}
	return name
}

// saveAttachment stores the decoded part and returns its URL and size.
func (h *handlers) saveAttachment(ctx context.Context, dir string, p *msg.Part) (string, int, error) {
	data, err := p.Decoded()
	if err != nil && !message.IsUnknownCharset(err) {
		return "", 0, err
	}

	name := safeFilename(p)
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	key := path.Join(dir, name)
	for i := 1; ; i++ {
		rd, err := h.Attachments.Open(ctx, "attachments/"+key)
		if errors.Is(err, module.ErrNoSuchBlob) {
			break
		}
		if err != nil {
			return "", 0, err
		}
		rd.Close()
		key = path.Join(dir, fmt.Sprintf("%s-%04d%s", base, i, ext))
	}

	blob, err := h.Attachments.Create(ctx, "attachments/"+key, int64(len(data)))
	if err != nil {
		return "", 0, err
	}
	if _, err := blob.Write(data); err != nil {
		blob.Close()
		return "", 0, err
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		return "", 0, err
	}
	if err := blob.Close(); err != nil {
		return "", 0, err
	}
	return strings.TrimSuffix(h.AttachmentURL, "/") + "/" + key, len(data), nil
}

func describe(p *msg.Part) string {
	if desc := p.Header.Get("Content-Description"); desc != "" {
		return desc
	}
	return "not available"
}

// scrubPart returns the text replacing p in the flattened message. keep
// is set for text parts that stay as is.
func (h *handlers) scrubPart(ctx context.Context, dir string, p *msg.Part) (text string, keep bool, err error) {
	ctype, _ := p.ContentType()
	disp, _, _ := mime.ParseMediaType(p.Header.Get("Content-Disposition"))

	switch {
	case ctype == "text/plain" && disp != "attachment",
		ctype == "message/delivery-status":
		return "", true, nil
	case ctype == "text/html":
		switch h.HTMLPolicy {
		case HTMLRemove, HTMLDiscard:
			return "An HTML attachment was scrubbed...\n", false, nil
		case HTMLEscape:
			return "", true, nil
		case HTMLInline:
			html, err := p.Text()
			if err != nil {
				return "", false, err
			}
			return htmlToText(html), false, nil
		}
		url, _, err := h.saveAttachment(ctx, dir, p)
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("An HTML attachment was scrubbed...\nURL: <%s>\n", url), false, nil
	case ctype == "message/rfc822":
		url, size, err := h.saveAttachment(ctx, dir, p)
		if err != nil {
			return "", false, err
		}
		embedded, err := msg.ReadBytes(p.Body)
		if err != nil {
			return fmt.Sprintf("An embedded message was scrubbed...\nSize: %d bytes\nURL: <%s>\n", size, url), false, nil
		}
		return fmt.Sprintf("An embedded message was scrubbed...\nFrom: %s\nSubject: %s\nDate: %s\nSize: %d bytes\nURL: <%s>\n",
			embedded.Header.Get("From"), embedded.Subject(), embedded.Header.Get("Date"), size, url), false, nil
	}

	url, size, err := h.saveAttachment(ctx, dir, p)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("A non-text attachment was scrubbed...\nName: %s\nType: %s\nSize: %d bytes\nDesc: %s\nURL: <%s>\n",
		p.Filename(), ctype, size, describe(p), url), false, nil
}

// scrubber moves non-text parts to the attachment store and flattens the
// message into a single text/plain entity.
func (h *handlers) scrubber(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if !list.ScrubNondigest || md.IsDigest || h.Attachments == nil {
		return Result{}, nil
	}
	root, err := m.Parts()
	if err != nil {
		return Result{}, err
	}
	if ctype, _ := root.ContentType(); ctype == "text/html" && h.HTMLPolicy == HTMLDiscard {
		return discard("HTML message discarded")
	}
	if !root.IsMultipart() {
		if ctype, _ := root.ContentType(); ctype == "text/plain" {
			return Result{}, nil
		}
	}

	dir := h.attachmentDir(list, m, md)
	var (
		texts     []string
		firstText *msg.Part
	)
	err = root.Walk(func(p, _ *msg.Part) error {
		if p.IsMultipart() {
			return nil
		}
		text, keep, err := h.scrubPart(ctx, dir, p)
		if err != nil {
			return err
		}
		if keep {
			text, err = p.Text()
			if err != nil && !message.IsUnknownCharset(err) {
				return err
			}
			if firstText == nil {
				firstText = p
			}
		}
		texts = append(texts, text)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	flat := &msg.Part{}
	if firstText != nil {
		// SetText keeps format and delsp of the first text part.
		flat.Header.Set("Content-Type", firstText.Header.Get("Content-Type"))
	}
	for i, text := range texts {
		if i != 0 && !strings.HasSuffix(texts[i-1], "\n") {
			texts[i-1] += "\n"
		}
		texts[i] = strings.TrimLeft(text, "\r\n")
	}
	flat.SetText("plain", strings.Join(texts, partSeparator))
	if err := m.SetParts(flat); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}
