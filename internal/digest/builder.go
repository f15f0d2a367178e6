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

package digest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/templates"
)

var (
	mimeKeepHeaders = []string{
		"Date", "From", "To", "Cc", "Subject", "Message-ID", "Keywords",
		"In-Reply-To", "References", "Content-Type", "MIME-Version",
		"Content-Transfer-Encoding", "Precedence", "Reply-To",
	}
	plainKeepHeaders = []string{
		"Message", "Date", "From", "Subject", "To", "Cc", "Message-ID", "Keywords",
	}
)

var (
	separator70 = strings.Repeat("-", 70)
	separator30 = strings.Repeat("-", 30)
)

// Builder renders digests from the collected posts.
type Builder struct {
	Templates *templates.Loader
	Now       func() time.Time
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Builder) render(name string, list *mlist.List) (string, error) {
	text, err := b.Templates.Render(name, list, list.PreferredLanguage, nil)
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

// Title returns the digest identifier used as its subject.
func Title(list *mlist.List, volume, number int) string {
	return fmt.Sprintf("%s Digest, Vol %d, Issue %d", list.DisplayName, volume, number)
}

func (b *Builder) header(list *mlist.List, title string) textproto.Header {
	h := mail.Header{}
	h.SetAddressList("From", []*mail.Address{{Address: list.RequestAddress()}})
	h.SetSubject(title)
	h.SetAddressList("To", []*mail.Address{{Address: list.PostingAddress()}})
	h.SetAddressList("Reply-To", []*mail.Address{{Address: list.PostingAddress()}})
	h.SetDate(b.now())
	h.Set("Message-Id", msg.GenerateMessageID(list.MailHost))
	return h.Header.Header
}

// Build returns the MIME and the plain text digest of posts.
func (b *Builder) Build(list *mlist.List, volume, number int, posts []*msg.Message) (mimeDigest, plainDigest *msg.Message, err error) {
	title := Title(list, volume, number)
	masthead, err := b.render("masthead", list)
	if err != nil {
		return nil, nil, err
	}
	footer, err := b.render("digestfooter", list)
	if err != nil {
		return nil, nil, err
	}
	toc := tableOfContents(list, posts)

	mimeDigest, err = b.buildMIME(list, title, masthead, toc, footer, posts)
	if err != nil {
		return nil, nil, err
	}
	plainDigest, err = b.buildPlain(list, title, masthead, toc, footer, posts)
	if err != nil {
		return nil, nil, err
	}
	return mimeDigest, plainDigest, nil
}

func describedPart(text, description string) *msg.Part {
	p := msg.NewTextPart(text)
	p.Header.Set("Content-Description", description)
	return p
}

func (b *Builder) buildMIME(list *mlist.List, title, masthead, toc, footer string, posts []*msg.Message) (*msg.Message, error) {
	entries := make([]*msg.Part, 0, len(posts))
	for i, post := range posts {
		entries = append(entries, msg.NewMessagePart(keepHeaders(post, mimeKeepHeaders, i+1)))
	}

	root := msg.NewMultipart("mixed",
		describedPart(masthead, title),
		describedPart(toc, fmt.Sprintf("Today's Topics (%d messages)", len(posts))),
		msg.NewMultipart("digest", entries...))
	if footer != "" {
		root.Children = append(root.Children, describedPart(footer, "Digest Footer"))
	}
	root.Epilogue = []byte("End of " + title + "\r\n")

	m := &msg.Message{Header: b.header(list, title)}
	if err := m.SetParts(root); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *Builder) buildPlain(list *mlist.List, title, masthead, toc, footer string, posts []*msg.Message) (*msg.Message, error) {
	var text strings.Builder
	text.WriteString(masthead)
	text.WriteString("\n")
	text.WriteString(toc)
	text.WriteString("\n")
	text.WriteString(separator70 + "\n\n")

	for i, post := range posts {
		if i != 0 {
			text.WriteString(separator30 + "\n\n")
		}
		kept := keepHeaders(post, plainKeepHeaders, i+1)
		for _, key := range plainKeepHeaders {
			value := kept.Header.Get(key)
			if key == "Subject" {
				value = kept.Subject()
			}
			if value == "" {
				continue
			}
			lines := wrap(key+": "+oneline(value), 70)
			text.WriteString(strings.Join(lines, "\n\t") + "\n")
		}
		text.WriteString("\n")

		payload := postText(post)
		text.WriteString(payload)
		if !strings.HasSuffix(payload, "\n") {
			text.WriteString("\n")
		}
		text.WriteString("\n")
	}

	if footer != "" {
		text.WriteString(separator30 + "\n\n")
		text.WriteString(footer)
		text.WriteString("\n")
	}
	signOff := "End of " + title
	text.WriteString(signOff + "\n")
	text.WriteString(strings.Repeat("*", len(signOff)) + "\n")

	m := &msg.Message{Header: b.header(list, title)}
	if err := m.SetParts(msg.NewTextPart(text.String())); err != nil {
		return nil, err
	}
	return m, nil
}

// keepHeaders returns a copy of m with only the keepers fields and the
// Message field numbering the post in the digest.
func keepHeaders(m *msg.Message, keepers []string, count int) *msg.Message {
	c := m.Clone()
	var h textproto.Header
	// Add prepends, so fields are added in reverse.
	for i := len(keepers) - 1; i >= 0; i-- {
		values := m.Header.Values(keepers[i])
		for j := len(values) - 1; j >= 0; j-- {
			h.Add(keepers[i], values[j])
		}
	}
	h.Set("Message", fmt.Sprint(count))
	c.Header = h
	return c
}

// postText returns the text of the post for the plain digest: the body of
// single part messages, the first text/plain part of multipart ones.
func postText(m *msg.Message) string {
	root, err := m.Parts()
	if err != nil {
		return string(m.Body)
	}
	var text *msg.Part
	root.Walk(func(p, _ *msg.Part) error {
		if ctype, _ := p.ContentType(); text == nil && ctype == "text/plain" && !p.IsMultipart() {
			text = p
		}
		return nil
	})
	if text == nil {
		if root.IsMultipart() {
			return string(m.Body)
		}
		text = root
	}
	s, _ := text.Text()
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func oneline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// wrap splits text into lines of at most width characters, breaking at
// spaces. Leading spaces of text are kept, words longer than width are not
// split.
func wrap(text string, width int) []string {
	var lines []string
	line := text[:len(text)-len(strings.TrimLeft(text, " "))]
	words := 0
	for _, word := range strings.Fields(text) {
		if words != 0 && len(line)+1+len(word) > width {
			lines = append(lines, line)
			line, words = "", 0
		}
		if words != 0 {
			line += " "
		}
		line += word
		words++
	}
	return append(lines, line)
}

func prefixPattern(list *mlist.List) *regexp.Regexp {
	prefix := strings.TrimSpace(list.SubjectPrefix)
	if prefix == "" {
		return nil
	}
	pattern := strings.ReplaceAll(regexp.QuoteMeta(prefix), "%d", `\s*\d+\s*`)
	return regexp.MustCompile(`(?i)^(re:? *)?(` + pattern + `) *`)
}

func author(m *msg.Message) string {
	from := m.AddressList("From")
	if len(from) == 0 {
		return ""
	}
	if from[0].Name != "" {
		return from[0].Name
	}
	return from[0].Address
}

// tableOfContents lists the subjects and authors of the posts. The list
// subject prefix is omitted.
func tableOfContents(list *mlist.List, posts []*msg.Message) string {
	var b strings.Builder
	b.WriteString("Today's Topics:\n\n")
	prefixRe := prefixPattern(list)

	for i, post := range posts {
		subject := oneline(post.Subject())
		if prefixRe != nil {
			if loc := prefixRe.FindStringSubmatchIndex(subject); loc != nil {
				subject = subject[:loc[4]] + subject[loc[1]:]
			}
		}
		if subject == "" {
			subject = "(no subject)"
		}

		lines := wrap(fmt.Sprintf("%2d. %s", i+1, subject), 65)
		if name := author(post); name != "" {
			name = " (" + name + ")"
			if last := len(lines) - 1; len(lines[last])+len(name) > 70 {
				lines = append(lines, strings.TrimSpace(name))
			} else {
				lines[last] += name
			}
		}
		for j, line := range lines {
			if j == 0 {
				b.WriteString("  " + line + "\n")
			} else {
				b.WriteString("      " + line + "\n")
			}
		}
	}
	return b.String()
}
