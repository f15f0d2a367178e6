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
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

// posterAddresses returns the addresses a post may come from, in the order
// From, Sender, envelope sender.
func posterAddresses(m *msg.Message, md *msg.Metadata) []string {
	var res []string
	seen := make(map[string]bool)
	add := func(addr string) {
		if addr == "" {
			return
		}
		norm, err := address.ForLookup(addr)
		if err != nil {
			norm = strings.ToLower(addr)
		}
		if seen[norm] {
			return
		}
		seen[norm] = true
		res = append(res, norm)
	}
	for _, field := range []string{"From", "Sender"} {
		for _, a := range m.AddressList(field) {
			add(a.Address)
		}
	}
	add(md.OriginalSender)
	return res
}

// senderMember resolves the poster: the first of the poster addresses that
// is a regular member, or the first address if none is.
func (h *handlers) senderMember(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (string, *mlist.Member, error) {
	addrs := posterAddresses(m, md)
	if len(addrs) == 0 {
		return "", nil, nil
	}
	mem, err := mlist.FindMember(ctx, h.Roster, list.ListID(), mlist.RoleMember, addrs)
	if err != nil {
		return "", nil, err
	}
	if mem == nil {
		return addrs[0], nil, nil
	}
	return strings.ToLower(mem.Address), mem, nil
}

// memberRecipients sets the recipients of a post: enabled regular members,
// except the sender if they do not want their own posts.
//
// A message with the Urgent field containing the owner or moderator
// password goes to all members regardless of their delivery settings.
func (h *handlers) memberRecipients(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if md.Recipients != nil {
		return Result{}, nil
	}
	_, sender, err := h.senderMember(ctx, list, m, md)
	if err != nil {
		return Result{}, err
	}

	if m.Header.Has("Urgent") {
		password := strings.TrimSpace(m.Header.Get("Urgent"))
		m.Header.Del("Urgent")
		if !list.CheckPassword(password) {
			return reject("Your urgent message to the " + list.FQDN() + " mailing list was not authorized for\n" +
				"delivery.  The original message as received by the list is attached.")
		}
		all, err := mlist.AllPostingMembers(ctx, h.Roster, list.ListID())
		if err != nil {
			return Result{}, err
		}
		md.Recipients = mlist.Addresses(all)
		return Result{}, nil
	}

	regular, err := mlist.RegularMembers(ctx, h.Roster, list.ListID())
	if err != nil {
		return Result{}, err
	}
	rcpts := make([]*mlist.Member, 0, len(regular))
	for _, mem := range regular {
		if sender != nil && !sender.ReceiveOwnPostings && mem.ID == sender.ID {
			continue
		}
		rcpts = append(rcpts, mem)
	}
	md.Recipients = mlist.Addresses(rcpts)
	return Result{}, nil
}

// ownerRecipients sends messages for the owner address to the enabled
// owners and moderators, or the site owner if there are none.
func (h *handlers) ownerRecipients(ctx context.Context, list *mlist.List, _ *msg.Message, md *msg.Metadata) (Result, error) {
	md.NoDecorate = true
	if md.Recipients != nil {
		return Result{}, nil
	}
	admins, err := mlist.Administrators(ctx, h.Roster, list.ListID())
	if err != nil {
		return Result{}, err
	}
	md.Recipients = mlist.Addresses(admins)
	if len(md.Recipients) == 0 && h.Notify != nil && h.Notify.SiteOwner != "" {
		h.Log.Msg("list has no administrators, using the site owner", "list", list.ListID())
		md.Recipients = []string{h.Notify.SiteOwner}
	}
	return Result{}, nil
}

// IncludeFile returns the path of the file with extra recipients of the
// list.
func IncludeFile(dataDir string, list *mlist.List) string {
	return filepath.Join(dataDir, "lists", list.ListID(), "members.txt")
}

func readIncludeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var res []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		res = append(res, strings.ToLower(line))
	}
	return res, scanner.Err()
}

// fileRecipients adds the addresses from the include file of the list. The
// sender is never taken from the file, so a sender gets the post only as a
// member who wants their own posts.
func (h *handlers) fileRecipients(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if h.DataDir == "" {
		return Result{}, nil
	}
	extra, err := readIncludeFile(IncludeFile(h.DataDir, list))
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, nil
		}
		return Result{}, err
	}
	sender, _, err := h.senderMember(ctx, list, m, md)
	if err != nil {
		return Result{}, err
	}

	seen := make(map[string]bool, len(md.Recipients)+len(extra))
	rcpts := make([]string, 0, len(md.Recipients)+len(extra))
	for _, rcpt := range md.Recipients {
		seen[rcpt] = true
		rcpts = append(rcpts, rcpt)
	}
	for _, rcpt := range extra {
		if seen[rcpt] || (sender != "" && address.Equal(rcpt, sender)) {
			continue
		}
		seen[rcpt] = true
		rcpts = append(rcpts, rcpt)
	}
	sort.Strings(rcpts)
	md.Recipients = rcpts
	return Result{}, nil
}
