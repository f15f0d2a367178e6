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

// Package command processes the messages sent to the join, leave, confirm
// and request addresses of a list.
//
// Only the first word of a command message is looked at: the Subject, or
// the first nonblank body line if the Subject is empty. The confirm command
// also takes the token following it.
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/moderation"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
)

// Types of the pending confirmations created here.
const (
	PendingSubscription   = "subscription"
	PendingUnsubscription = "unsubscription"
)

// DefaultTokenLifetime is how long a subscription confirmation stays valid.
const DefaultTokenLifetime = 3 * 24 * time.Hour

type Processor struct {
	Roster    mlist.Roster
	Pending   mlist.PendingStore
	Moderator *moderation.Moderator
	Notify    *notify.Notifier

	TokenLifetime time.Duration
	Now           func() time.Time
	Log           log.Logger
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) tokenLifetime() time.Duration {
	if p.TokenLifetime == 0 {
		return DefaultTokenLifetime
	}
	return p.TokenLifetime
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|aw|sv|fwd?)\s*:\s*)+`)

// words returns the words of the command line of m.
func words(m *msg.Message) []string {
	subject := replyPrefix.ReplaceAllString(m.Subject(), "")
	if f := strings.Fields(subject); len(f) != 0 {
		return f
	}
	return strings.Fields(firstBodyLine(m))
}

// firstBodyLine returns the first nonblank line of the first text/plain
// part of m.
func firstBodyLine(m *msg.Message) string {
	root, err := m.Parts()
	if err != nil {
		return ""
	}
	var (
		res   string
		found bool
	)
	root.Walk(func(part, _ *msg.Part) error {
		if found || part.IsMultipart() {
			return nil
		}
		if typ, _ := part.ContentType(); typ != "text/plain" {
			return nil
		}
		found = true
		text, err := part.Text()
		if err != nil {
			return nil
		}
		for _, line := range strings.Split(text, "\n") {
			if strings.TrimSpace(line) != "" {
				res = strings.TrimSpace(line)
				break
			}
		}
		return nil
	})
	return res
}

func isAutoSubmitted(m *msg.Message) bool {
	v := strings.ToLower(strings.TrimSpace(m.Header.Get("Auto-Submitted")))
	if v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(m.Header.Get("Precedence"))) {
	case "bulk", "list", "junk":
		return true
	}
	return false
}

// subaddressToken returns the token of a confirm+TOKEN subaddress.
func subaddressToken(md *msg.Metadata) string {
	_, token, ok := strings.Cut(md.Subaddress, "+")
	if !ok {
		return ""
	}
	return token
}

func (p *Processor) Dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error) {
	l := p.Log.With("list", list.ListID(), "msg_id_hash", md.MessageIDHash)

	if isAutoSubmitted(m) {
		l.Msg("ignoring automatic message")
		commands.WithLabelValues("none", "ignored").Inc()
		return false, nil
	}
	senders := m.Senders(md.OriginalSender)
	if len(senders) == 0 {
		l.Msg("ignoring command without a sender")
		commands.WithLabelValues("none", "ignored").Inc()
		return false, nil
	}
	sender := senders[0]
	l = l.With("sender", sender)

	cmd, args := "", []string(nil)
	switch {
	case md.ToJoin:
		cmd = "join"
	case md.ToLeave:
		cmd = "leave"
	case md.ToConfirm:
		cmd = "confirm"
		if token := subaddressToken(md); token != "" {
			args = []string{token}
		} else if w := words(m); len(w) > 1 && strings.EqualFold(w[0], "confirm") {
			args = w[1:]
		}
	default:
		if w := words(m); len(w) != 0 {
			cmd, args = strings.ToLower(w[0]), w[1:]
		}
	}

	var err error
	switch cmd {
	case "join", "subscribe":
		cmd = "join"
		err = p.join(ctx, l, list, m, sender)
	case "leave", "unsubscribe":
		cmd = "leave"
		err = p.leave(ctx, l, list, sender)
	case "confirm":
		if len(args) == 0 {
			l.Msg("confirm without a token")
			commands.WithLabelValues(cmd, "ignored").Inc()
			return false, nil
		}
		err = p.confirm(ctx, l, list, m, sender, args[0])
	default:
		cmd = "help"
		err = p.help(ctx, l, list, sender)
	}
	if err != nil {
		commands.WithLabelValues(cmd, "error").Inc()
		return false, err
	}
	commands.WithLabelValues(cmd, "ok").Inc()
	return false, nil
}

func displayName(m *msg.Message, addr string) string {
	for _, a := range m.AddressList("From") {
		if strings.EqualFold(a.Address, addr) {
			return a.Name
		}
	}
	return ""
}

func (p *Processor) join(ctx context.Context, l log.Logger, list *mlist.List, m *msg.Message, addr string) error {
	_, err := p.Roster.GetMember(ctx, list.ListID(), mlist.RoleMember, addr)
	if err == nil {
		l.Msg("join from an existing member")
		return nil
	}
	if !errors.Is(err, mlist.ErrNoSuchMember) {
		return err
	}
	name := displayName(m, addr)

	switch list.SubscriptionPolicy {
	case mlist.SubscribeOpen:
		return p.subscribe(ctx, l, list, addr, name)
	case mlist.SubscribeModerate:
		_, err := p.Moderator.HoldSubscription(ctx, list, addr, name, "", mlist.DeliveryRegular, "")
		return err
	default:
		return p.verify(ctx, l, list, addr, "verify", "subscription", mlist.Pendable{
			"type":         PendingSubscription,
			"list_id":      list.ListID(),
			"address":      addr,
			"display_name": name,
		})
	}
}

func (p *Processor) subscribe(ctx context.Context, l log.Logger, list *mlist.List, addr, name string) error {
	mem := mlist.NewMember(list.ListID(), addr, mlist.RoleMember)
	mem.DisplayName = name
	mem.SubscribedAt = p.now()
	if err := p.Roster.Subscribe(ctx, mem); err != nil {
		if errors.Is(err, mlist.ErrAlreadyMember) {
			return nil
		}
		return err
	}
	l.Msg("member subscribed", "address", addr)

	if list.SendWelcomeMessage {
		subject := `Welcome to the "` + list.DisplayName + `" mailing list`
		if err := p.Notify.NoticeUser(ctx, list, addr, subject, "subscribeack", map[string]string{"address": addr}); err != nil {
			l.Error("failed to send the welcome message", err)
		}
	}
	p.notifyAdmins(ctx, l, list, addr, "subscribeack")
	return nil
}

func (p *Processor) leave(ctx context.Context, l log.Logger, list *mlist.List, addr string) error {
	mem, err := p.Roster.GetMember(ctx, list.ListID(), mlist.RoleMember, addr)
	if errors.Is(err, mlist.ErrNoSuchMember) {
		l.Msg("leave from a non-member")
		return nil
	}
	if err != nil {
		return err
	}

	switch list.UnsubscriptionPolicy {
	case mlist.SubscribeOpen:
		return p.unsubscribe(ctx, l, list, mem)
	case mlist.SubscribeModerate:
		_, err := p.Moderator.HoldUnsubscription(ctx, list, addr)
		return err
	default:
		return p.verify(ctx, l, list, addr, "unsubverify", "unsubscription", mlist.Pendable{
			"type":    PendingUnsubscription,
			"list_id": list.ListID(),
			"address": addr,
		})
	}
}

func (p *Processor) unsubscribe(ctx context.Context, l log.Logger, list *mlist.List, mem *mlist.Member) error {
	// The goodbye notice uses the member language, send it first.
	if list.SendGoodbyeMessage {
		subject := "You have been unsubscribed from the " + list.DisplayName + " mailing list"
		if err := p.Notify.NoticeUser(ctx, list, mem.Address, subject, "unsubscribeack", map[string]string{"address": mem.Address}); err != nil {
			l.Error("failed to send the goodbye message", err)
		}
	}
	if err := p.Roster.Unsubscribe(ctx, mem.ID); err != nil {
		return err
	}
	l.Msg("member unsubscribed", "address", mem.Address)
	p.notifyAdmins(ctx, l, list, mem.Address, "unsubscribeack")
	return nil
}

func (p *Processor) notifyAdmins(ctx context.Context, l log.Logger, list *mlist.List, addr, tmpl string) {
	if !list.AdminNotifyMchanges {
		return
	}
	err := p.Notify.NoticeAdmins(ctx, list, list.DisplayName+" membership change: "+addr, tmpl,
		map[string]string{"address": addr}, nil)
	if err != nil {
		l.Error("failed to notify administrators", err)
	}
}

// verify pends data and asks addr to confirm the request. Replies to the
// notice arrive at the confirm address with the token.
func (p *Processor) verify(ctx context.Context, l log.Logger, list *mlist.List, addr, tmpl, what string, data mlist.Pendable) error {
	token, err := p.Pending.Add(ctx, data, p.tokenLifetime())
	if err != nil {
		return err
	}
	confirmAddr := list.ConfirmAddress(token)
	text, err := p.Notify.Render(list, p.Notify.UserLanguage(ctx, list, addr), tmpl, map[string]string{
		"address":         addr,
		"confirm_address": confirmAddr,
	})
	if err != nil {
		return err
	}
	notice, err := p.Notify.Text(confirmAddr, []string{addr}, "confirm "+token, text)
	if err != nil {
		return err
	}
	if err := p.Notify.Send(list, notice, []string{addr}); err != nil {
		return err
	}
	l.Msg("confirmation requested", "request", what, "address", addr)
	return nil
}

func (p *Processor) confirm(ctx context.Context, l log.Logger, list *mlist.List, m *msg.Message, sender, token string) error {
	data, err := p.Pending.Confirm(ctx, token, false)
	if errors.Is(err, mlist.ErrNoSuchPending) {
		l.Msg("unknown confirmation token", "token", token)
		return nil
	}
	if err != nil {
		return err
	}
	if data["list_id"] != list.ListID() {
		l.Msg("confirmation token of another list", "token", token)
		return nil
	}

	switch data["type"] {
	case PendingSubscription:
		if _, err := p.Pending.Confirm(ctx, token, true); err != nil && !errors.Is(err, mlist.ErrNoSuchPending) {
			return err
		}
		addr := data["address"]
		if list.SubscriptionPolicy == mlist.SubscribeConfirmThenModerate {
			_, err := p.Moderator.HoldSubscription(ctx, list, addr, data["display_name"], "", mlist.DeliveryRegular, "")
			return err
		}
		return p.subscribe(ctx, l, list, addr, data["display_name"])
	case PendingUnsubscription:
		if _, err := p.Pending.Confirm(ctx, token, true); err != nil && !errors.Is(err, mlist.ErrNoSuchPending) {
			return err
		}
		mem, err := p.Roster.GetMember(ctx, list.ListID(), mlist.RoleMember, data["address"])
		if errors.Is(err, mlist.ErrNoSuchMember) {
			return nil
		}
		if err != nil {
			return err
		}
		return p.unsubscribe(ctx, l, list, mem)
	case moderation.PendingType:
		return p.confirmHeld(ctx, l, list, m, token)
	default:
		l.Msg("token cannot be confirmed by mail", "type", data["type"])
		return nil
	}
}

var approvedFields = []string{"Approved", "Approve", "X-Approved", "X-Approve"}

// confirmHeld handles a reply to the confirmation stub of a held message.
// The message is approved if the reply carries the moderator password and
// discarded otherwise.
func (p *Processor) confirmHeld(ctx context.Context, l log.Logger, list *mlist.List, m *msg.Message, token string) error {
	req, err := p.Moderator.FindByToken(ctx, list, token)
	if errors.Is(err, mlist.ErrNoSuchPending) || errors.Is(err, mlist.ErrNoSuchRequest) {
		l.Msg("held request is gone", "token", token)
		return nil
	}
	if err != nil {
		return err
	}
	if req.Type != mlist.RequestHeldMessage {
		l.Msg("held request needs a moderator decision", "request_id", req.ID, "type", string(req.Type))
		return nil
	}

	action := moderation.Discard
	if approvedPassword(list, m) {
		action = moderation.Accept
	}
	if err := p.Moderator.HandleMessage(ctx, list, req.ID, action, moderation.MessageOptions{}); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	l.Msg("held message confirmed", "request_id", req.ID, "action", string(action))
	return nil
}

var approvedLine = regexp.MustCompile(`(?i)^\s*(?:x-)?approved?:\s*(.*?)\s*$`)

func approvedPassword(list *mlist.List, m *msg.Message) bool {
	var password string
	for _, field := range approvedFields {
		if v := strings.TrimSpace(m.Header.Get(field)); v != "" {
			password = v
			break
		}
	}
	if password == "" {
		if match := approvedLine.FindStringSubmatch(firstBodyLine(m)); match != nil {
			password = match[1]
		}
	}
	return list.CheckPassword(password)
}

func (p *Processor) help(ctx context.Context, l log.Logger, list *mlist.List, addr string) error {
	ok, err := p.Notify.AutoRespond(ctx, list, addr, "help")
	if err != nil {
		return err
	}
	if !ok {
		l.Msg("help reply limit reached")
		return nil
	}
	return p.Notify.NoticeUser(ctx, list, addr, "Help for the "+list.DisplayName+" mailing list", "help", nil)
}
