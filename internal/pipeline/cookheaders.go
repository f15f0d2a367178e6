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
	"regexp"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

var replyPrefix = regexp.MustCompile(`(?i)^((RE|AW|SV|VS)(\[\d+\])?:\s*)+`)

// Volatile annotations shared by the posting pipeline handlers.
const (
	originalSubjectKey = "_original_subject"
	strippedSubjectKey = "_stripped_subject"
)

// prefixSubject returns the subject with the list prefix. A prefix already
// present, possibly after reply markers, is not repeated and reply markers
// are moved after the prefix. The prefix may contain %d, the post number.
func prefixSubject(list *mlist.List, subject string) (prefixed, stripped string) {
	prefix := list.SubjectPrefix
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return subject, subject
	}
	pattern := strings.ReplaceAll(regexp.QuoteMeta(trimmed), "%d", `\s*\d+\s*`)
	prefixRe := regexp.MustCompile("(?i)" + pattern)
	prefix = strings.ReplaceAll(prefix, "%d", strconv.Itoa(list.PostID+1))

	recolon := ""
	stripped = strings.TrimSpace(subject)
	if loc := replyPrefix.FindStringIndex(stripped); loc != nil {
		stripped = stripped[loc[1]:]
		recolon = "Re: "
	}
	stripped = strings.TrimSpace(prefixRe.ReplaceAllString(stripped, ""))
	if loc := replyPrefix.FindStringIndex(stripped); loc != nil {
		stripped = stripped[loc[1]:]
		recolon = "Re: "
	}
	stripped = strings.Join(strings.Fields(stripped), " ")
	if stripped == "" {
		stripped = "(no subject)"
	}
	if !strings.HasSuffix(prefix, " ") {
		prefix += " "
	}
	return prefix + recolon + stripped, stripped
}

type addrSet struct {
	seen  map[string]bool
	addrs []*mail.Address
}

func (s *addrSet) add(a *mail.Address) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	key := strings.ToLower(a.Address)
	if key == "" || s.seen[key] {
		return
	}
	s.seen[key] = true
	s.addrs = append(s.addrs, a)
}

func (h *handlers) anonymize(list *mlist.List, m *msg.Message, md *msg.Metadata) {
	h.Log.Msg("post anonymized", "list", list.ListID(), "msg_id_hash", md.MessageIDHash)
	for _, field := range []string{"From", "Reply-To", "Sender", "X-Originating-Email"} {
		m.Header.Del(field)
	}
	name := list.Description
	if name == "" {
		name = list.DisplayName
	}
	setAddressList(m, "From", []*mail.Address{{Name: name, Address: list.PostingAddress()}})
	m.Header.Set("Reply-To", list.PostingAddress())
}

// mungeReplyTo applies the Reply-To policy of the list. RFC 5322 allows a
// single Reply-To field, so existing fields are merged.
func (h *handlers) mungeReplyTo(list *mlist.List, m *msg.Message) {
	var replyTo addrSet
	if list.ReplyGoesToList == mlist.ExplicitHeader && list.ReplyToAddress != "" {
		if a, err := mail.ParseAddress(list.ReplyToAddress); err == nil {
			replyTo.add(a)
		} else {
			h.Log.Error("malformed reply_to_address", err, "list", list.ListID())
		}
	}
	if !list.FirstStripReplyTo {
		for _, a := range m.AddressList("Reply-To") {
			replyTo.add(a)
		}
	}
	if list.ReplyGoesToList == mlist.PointToList {
		replyTo.add(&mail.Address{Name: list.DisplayName, Address: list.PostingAddress()})
	}
	m.Header.Del("Reply-To")
	if len(replyTo.addrs) != 0 {
		setAddressList(m, "Reply-To", replyTo.addrs)
	}

	// Fully personalized deliveries replace To, the posting address goes to
	// Cc so replies still reach the list.
	if list.Personalize == mlist.PersonalizeFull && list.ReplyGoesToList != mlist.PointToList && !list.AnonymousList {
		var cc addrSet
		for _, a := range m.AddressList("Cc") {
			cc.add(a)
		}
		cc.add(&mail.Address{Name: list.Description, Address: list.PostingAddress()})
		m.Header.Del("Cc")
		setAddressList(m, "Cc", cc.addrs)
	}
}

// cookHeaders adds the subject prefix and the informational fields, and
// rewrites Reply-To. Messages generated by the list only get the
// informational fields.
func (h *handlers) cookHeaders(_ context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	fasttrack := md.Pipeline == VirginPipeline
	if md.OriginalSender == "" {
		md.OriginalSender = m.Sender()
	}

	subject := m.Subject()
	md.Set(originalSubjectKey, subject)
	if !md.IsDigest && !fasttrack {
		prefixed, stripped := prefixSubject(list, subject)
		md.Set(strippedSubjectKey, stripped)
		if prefixed != subject {
			m.SetSubject(prefixed)
		}
	}

	if list.AnonymousList && !fasttrack {
		h.anonymize(list, m, md)
	}

	m.Header.Add("X-BeenThere", list.PostingAddress())
	m.Header.Set("X-Mailman-Version", h.Version)
	if !m.Header.Has("Precedence") {
		m.Header.Set("Precedence", "list")
	}
	if !fasttrack {
		h.mungeReplyTo(list, m)
	}
	return Result{}, nil
}

// listArchivers returns the archivers enabled for the list.
func (h *handlers) listArchivers(list *mlist.List) []Archiver {
	if len(list.Archivers) == 0 {
		return h.Archivers
	}
	enabled := make(map[string]bool, len(list.Archivers))
	for _, name := range list.Archivers {
		enabled[name] = true
	}
	var res []Archiver
	for _, a := range h.Archivers {
		if enabled[a.Name()] {
			res = append(res, a)
		}
	}
	return res
}

// rfc2369 adds the List-* fields (RFC 2369, RFC 2919) and Archived-At (RFC
// 5064). Messages generated by the list only get List-Id and List-Post.
func (h *handlers) rfc2369(_ context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if !list.IncludeRFC2369Headers {
		return Result{}, nil
	}

	listID := "<" + list.ListID() + ">"
	if list.Description != "" {
		listID = (&mail.Address{Name: list.Description, Address: list.ListID()}).String()
	}
	m.Header.Set("List-Id", listID)
	if md.ReduceHeaders {
		m.Header.Set("X-List-Administrivia", "yes")
	}

	var fields [][2]string
	if !md.ReduceHeaders {
		fields = append(fields,
			[2]string{"List-Help", "<mailto:" + list.RequestAddress() + "?subject=help>"},
			[2]string{"List-Unsubscribe", "<mailto:" + list.LeaveAddress() + ">"},
			[2]string{"List-Subscribe", "<mailto:" + list.JoinAddress() + ">"})
	}
	if list.IncludeListPostHeader {
		if list.AllowListPosts {
			fields = append(fields, [2]string{"List-Post", "<mailto:" + list.PostingAddress() + ">"})
		} else {
			fields = append(fields, [2]string{"List-Post", "NO"})
		}
	}
	for _, f := range fields {
		m.Header.Set(f[0], f[1])
	}

	if md.ReduceHeaders || list.ArchivePolicy == mlist.ArchiveNever {
		return Result{}, nil
	}
	m.Header.Del("List-Archive")
	m.Header.Del("Archived-At")
	for _, a := range h.listArchivers(list) {
		if url := a.ListURL(list); url != "" {
			m.Header.Add("List-Archive", "<"+url+">")
		}
		if url := a.Permalink(list, m); url != "" {
			m.Header.Add("Archived-At", "<"+url+">")
		}
	}
	return Result{}, nil
}
