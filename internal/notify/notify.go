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

// Package notify builds the messages generated by the list itself and
// queues them for delivery through the virgin queue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/foxcpp/mlist/internal/templates"
	"github.com/jordan-wright/email"
)

// VirginPipeline is the pipeline used for the generated messages.
const VirginPipeline = "virgin"

// DefaultMaxAutoresponses is the default daily limit of automatic responses
// per sender.
const DefaultMaxAutoresponses = 10

type Store interface {
	mlist.Roster
	mlist.AutoResponseStore
}

type Notifier struct {
	Virgin    *switchboard.Switchboard
	Templates *templates.Loader
	Store     Store

	// SiteOwner receives owner notices for lists without administrators.
	SiteOwner string
	// Hostname is used for generated Message-IDs.
	Hostname string

	// MaxAutoresponsesPerDay limits responses sent to a single address per
	// list and kind. 0 disables the limit.
	MaxAutoresponsesPerDay int

	Now func() time.Time
	Log log.Logger
}

// Text returns a text/plain notice.
func (n *Notifier) Text(from string, to []string, subject, text string) (*msg.Message, error) {
	e := email.NewEmail()
	e.From = from
	e.To = to
	e.Subject = subject
	e.Text = []byte(text)
	e.Headers.Set("Message-Id", msg.GenerateMessageID(n.Hostname))
	e.Headers.Set("Auto-Submitted", "auto-generated")

	b, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	m, err := msg.ReadBytes(b)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return m, nil
}

// WithOriginal returns a multipart/mixed notice with text followed by the
// original message attached as message/rfc822.
func (n *Notifier) WithOriginal(from string, to []string, subject, text string, original *msg.Message) (*msg.Message, error) {
	m, err := n.Text(from, to, subject, "")
	if err != nil {
		return nil, err
	}
	root := msg.NewMultipart("mixed", msg.NewTextPart(text), msg.NewMessagePart(original))
	if err := m.SetParts(root); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return m, nil
}

// Render expands the template in the language and wraps it into a notice.
func (n *Notifier) Render(list *mlist.List, lang, tmpl string, vars map[string]string) (string, error) {
	return n.Templates.Render(tmpl, list, lang, vars)
}

// Send queues m for delivery to recipients.
func (n *Notifier) Send(list *mlist.List, m *msg.Message, recipients []string) error {
	md := msg.NewMetadata(list.ListID())
	if n.Now != nil {
		md.ReceivedTime = n.Now()
	}
	md.Pipeline = VirginPipeline
	md.Recipients = append([]string{}, recipients...)
	md.NoArchive = true
	md.ReduceHeaders = true
	md.MessageIDHash = m.AddMessageIDHash()

	if _, err := n.Virgin.Enqueue(m, md); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	n.Log.DebugMsg("notice queued", "list", list.ListID(), "rcpts", recipients, "msg_id_hash", md.MessageIDHash)
	return nil
}

// Administrators returns the addresses of the list owners and moderators
// with delivery enabled, the site owner if there are none.
func (n *Notifier) Administrators(ctx context.Context, list *mlist.List) ([]string, error) {
	admins, err := mlist.Administrators(ctx, n.Store, list.ListID())
	if err != nil {
		return nil, err
	}
	addrs := mlist.Addresses(admins)
	if len(addrs) == 0 && n.SiteOwner != "" {
		addrs = []string{n.SiteOwner}
	}
	return addrs, nil
}

// SendToAdmins sends m to the list administrators.
func (n *Notifier) SendToAdmins(ctx context.Context, list *mlist.List, m *msg.Message) error {
	rcpts, err := n.Administrators(ctx, list)
	if err != nil {
		return err
	}
	if len(rcpts) == 0 {
		n.Log.Msg("no administrators to notify", "list", list.ListID())
		return nil
	}
	return n.Send(list, m, rcpts)
}

// UserLanguage returns the preferred language of the list member or the
// list language.
func (n *Notifier) UserLanguage(ctx context.Context, list *mlist.List, addr string) string {
	mem, err := n.Store.GetMember(ctx, list.ListID(), mlist.RoleMember, addr)
	if err == nil && mem.PreferredLanguage != "" {
		return mem.PreferredLanguage
	}
	return list.PreferredLanguage
}

// NoticeUser renders the template in the language of addr and sends it to
// addr from the list owner address.
func (n *Notifier) NoticeUser(ctx context.Context, list *mlist.List, addr, subject, tmpl string, vars map[string]string) error {
	text, err := n.Render(list, n.UserLanguage(ctx, list, addr), tmpl, vars)
	if err != nil {
		return err
	}
	m, err := n.Text(list.OwnerAddress(), []string{addr}, subject, text)
	if err != nil {
		return err
	}
	return n.Send(list, m, []string{addr})
}

// NoticeAdmins renders the template in the list language and sends it to
// the list administrators. If original is not nil, it is attached.
func (n *Notifier) NoticeAdmins(ctx context.Context, list *mlist.List, subject, tmpl string, vars map[string]string, original *msg.Message) error {
	text, err := n.Render(list, list.PreferredLanguage, tmpl, vars)
	if err != nil {
		return err
	}
	var m *msg.Message
	if original != nil {
		m, err = n.WithOriginal(list.OwnerAddress(), []string{list.OwnerAddress()}, subject, text, original)
	} else {
		m, err = n.Text(list.OwnerAddress(), []string{list.OwnerAddress()}, subject, text)
	}
	if err != nil {
		return err
	}
	return n.SendToAdmins(ctx, list, m)
}

var errLimitReached = errors.New("notify: autoresponse limit reached")

// AutoRespond checks the daily limit of automatic responses of the kind to
// addr. It returns true if a response can be sent. When the limit is
// reached, a single "no more responses today" notice is sent instead.
func (n *Notifier) AutoRespond(ctx context.Context, list *mlist.List, addr, kind string) (bool, error) {
	if n.MaxAutoresponsesPerDay <= 0 {
		return true, nil
	}
	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}

	count, err := n.Store.AutoResponses(ctx, list.ListID(), addr, kind, now)
	if err != nil {
		return false, err
	}
	if err := n.Store.IncrementAutoResponses(ctx, list.ListID(), addr, kind, now); err != nil {
		return false, err
	}

	switch {
	case count < n.MaxAutoresponsesPerDay:
		return true, nil
	case count == n.MaxAutoresponsesPerDay:
		n.Log.Msg("autoresponse limit reached", "list", list.ListID(), "rcpt", addr, "kind", kind)
		err := n.NoticeUser(ctx, list, addr, "Last autoresponse notification for today", "nomoretoday", map[string]string{
			"sender": addr,
			"count":  fmt.Sprint(count + 1),
		})
		return false, err
	default:
		n.Log.DebugMsg("autoresponse suppressed", "list", list.ListID(), "rcpt", addr, "kind", kind, "reason", errLimitReached)
		return false, nil
	}
}
