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
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

// wrapKeepers are the prefixes of the fields kept in the outer message when
// the original is wrapped.
var wrapKeepers = []string{
	"archived-at",
	"date",
	"in-reply-to",
	"list-",
	"mime-version",
	"precedence",
	"references",
	"subject",
	"to",
	"x-mailman-",
}

var domainSuffix = regexp.MustCompile(`@([^ .]+\.)+[^ .]+$`)

func setAddressList(m *msg.Message, field string, addrs []*mail.Address) {
	h := mail.Header{}
	h.Header.Header = m.Header
	h.SetAddressList(field, addrs)
	m.Header = h.Header.Header
}

// mungedHeaders returns the From field pointing to the list and the field
// (Reply-To or Cc) carrying the original author.
func (h *handlers) mungedHeaders(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (from *mail.Address, field string, orig []*mail.Address) {
	var valid []*mail.Address
	for _, a := range m.AddressList("From") {
		if strings.Index(a.Address, "@") > 0 {
			valid = append(valid, a)
		}
	}
	author := &mail.Address{Address: md.OriginalSender}
	if len(valid) == 1 {
		author = valid[0]
	}

	name := author.Name
	if name == "" {
		name = author.Address
		mem, err := h.Roster.GetMember(ctx, list.ListID(), mlist.RoleMember, author.Address)
		if err == nil && mem.DisplayName != "" {
			name = mem.DisplayName
		}
	}
	name = domainSuffix.ReplaceAllString(name, "---")

	field = "Cc"
	if list.ReplyGoesToList == mlist.NoMunging {
		field = "Reply-To"
	}
	orig = m.AddressList(field)
	seen := false
	for _, a := range orig {
		if strings.EqualFold(a.Address, author.Address) {
			seen = true
		}
	}
	if !seen && author.Address != "" {
		orig = append(orig, author)
	}
	return &mail.Address{Name: name + " via " + list.DisplayName, Address: list.PostingAddress()}, field, orig
}

func (h *handlers) dmarcMitigation(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if !md.DMARC && !list.DMARCMitigateUncond {
		return Result{}, nil
	}
	switch list.DMARCMitigateAction {
	case mlist.DMARCMunge:
		from, field, orig := h.mungedHeaders(ctx, list, m, md)
		setAddressList(m, "From", []*mail.Address{from})
		setAddressList(m, field, orig)
	case mlist.DMARCWrap:
		return Result{}, h.wrapMessage(ctx, list, m, md)
	}
	return Result{}, nil
}

func keepOnWrap(field string) bool {
	field = strings.ToLower(field)
	for _, prefix := range wrapKeepers {
		if strings.HasPrefix(field, prefix) {
			return true
		}
	}
	return false
}

// wrapMessage replaces m with a message from the list containing the
// original as an attachment.
func (h *handlers) wrapMessage(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) error {
	orig := m.Clone()
	from, field, authors := h.mungedHeaders(ctx, list, orig, md)

	for fields := m.Header.Fields(); fields.Next(); {
		if !keepOnWrap(fields.Key()) {
			fields.Del()
		}
	}
	m.Header.Set("Message-Id", msg.GenerateMessageID(list.MailHost))
	md.MessageIDHash = m.AddMessageIDHash()
	setAddressList(m, "From", []*mail.Address{from})
	setAddressList(m, field, authors)

	wrapped := msg.NewMessagePart(orig)
	wrapped.Header.Set("Content-Disposition", "inline")
	root := wrapped
	if text := list.DMARCWrappedMessageText; text != "" {
		intro := msg.NewTextPart(text)
		intro.Header.Set("Content-Disposition", "inline")
		root = msg.NewMultipart("mixed", intro, wrapped)
	}
	return m.SetParts(root)
}
