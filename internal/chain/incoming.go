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

package chain

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/moderation"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
	"github.com/foxcpp/mlist/internal/switchboard"
)

// Incoming is the stage of the in queue. It runs the chain selected by the
// list and applies the outcome.
type Incoming struct {
	Engine *Engine
	// Pipeline receives accepted messages.
	Pipeline  *switchboard.Switchboard
	Moderator *moderation.Moderator
	Notify    *notify.Notifier
	Log       log.Logger
}

func (in *Incoming) Dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error) {
	start := list.PostingChain
	if start == "" {
		start = DefaultPostingChain
	}
	if md.ToOwner {
		start = list.OwnerChain
		if start == "" {
			start = DefaultOwnerChain
		}
	}

	env := &Env{List: list, Msg: m, Meta: md}
	res, err := in.Engine.Process(ctx, env, start)
	if err != nil {
		return false, err
	}
	dispositions.WithLabelValues(res.Disposition.String()).Inc()

	l := in.Log.With("list", list.ListID(), "msg_id_hash", md.MessageIDHash, "chain", res.Chain)
	switch res.Disposition {
	case Accept:
		return false, in.accept(env, l)
	case Hold:
		return false, in.hold(ctx, env, l)
	case Reject:
		return false, in.reject(ctx, env, l)
	case Discard:
		return false, in.discard(ctx, env, l)
	case Owner:
		md.ToOwner = true
		if _, err := in.Pipeline.Enqueue(m, md); err != nil {
			return false, err
		}
		l.Msg("message to owner accepted")
		return false, nil
	}
	return false, fmt.Errorf("chain: unexpected disposition %v", res.Disposition)
}

func addRuleHeaders(m *msg.Message, md *msg.Metadata) {
	m.Header.Del("X-Mailman-Rule-Hits")
	m.Header.Del("X-Mailman-Rule-Misses")
	if len(md.RuleHits) != 0 {
		m.Header.Add("X-Mailman-Rule-Hits", strings.Join(md.RuleHits, "; "))
	}
	if len(md.RuleMisses) != 0 {
		m.Header.Add("X-Mailman-Rule-Misses", strings.Join(md.RuleMisses, "; "))
	}
}

// sender is the address notices about the message are sent to.
func (env *Env) sender() string {
	if env.Meta.ModerationSender != "" {
		return env.Meta.ModerationSender
	}
	if senders := env.Senders(); len(senders) != 0 {
		return senders[0]
	}
	return ""
}

func isAutoSubmitted(m *msg.Message) bool {
	v := strings.ToLower(strings.TrimSpace(m.Header.Get("Auto-Submitted")))
	return v != "" && v != "no"
}

func (in *Incoming) accept(env *Env, l log.Logger) error {
	addRuleHeaders(env.Msg, env.Meta)
	if _, err := in.Pipeline.Enqueue(env.Msg, env.Meta); err != nil {
		return err
	}
	l.Msg("message accepted", "sender", env.sender())
	return nil
}

func (in *Incoming) hold(ctx context.Context, env *Env, l log.Logger) error {
	list, m, md := env.List, env.Msg, env.Meta
	addRuleHeaders(m, md)

	reason := reasons(md)
	req, err := in.Moderator.HoldMessage(ctx, list, m, md, reason)
	if err != nil {
		return err
	}

	sender := env.sender()
	subject := m.Subject()
	if subject == "" {
		subject = "(no subject)"
	}
	vars := map[string]string{
		"sender":     sender,
		"subject":    subject,
		"reason":     reason,
		"request_id": strconv.Itoa(req.ID),
	}

	// Notice failures do not undo the hold.
	if list.RespondToPostRequests && sender != "" && !isAutoSubmitted(m) {
		ok, err := in.Notify.AutoRespond(ctx, list, sender, "postheld")
		if err != nil {
			l.Error("autoresponse check failed", err, "rcpt", sender)
		} else if ok {
			err := in.Notify.NoticeUser(ctx, list, sender,
				"Your message to "+list.FQDN()+" awaits moderator approval", "postheld", vars)
			if err != nil {
				l.Error("failed to notify the sender", err, "rcpt", sender)
			}
		}
	}
	if list.AdminImmedNotify {
		if err := in.notifyModerators(ctx, list, m, req, vars); err != nil {
			l.Error("failed to notify moderators", err)
		}
	}
	return nil
}

// notifyModerators sends the hold notice: the explanation, the held message
// and a stub moderators can reply to in order to confirm or discard the
// message.
func (in *Incoming) notifyModerators(ctx context.Context, list *mlist.List, m *msg.Message, req *mlist.Request, vars map[string]string) error {
	text, err := in.Notify.Render(list, list.PreferredLanguage, "postauth", vars)
	if err != nil {
		return err
	}
	stubText, err := in.Notify.Render(list, list.PreferredLanguage, "confirmstub", nil)
	if err != nil {
		return err
	}
	stub, err := in.Notify.Text(list.RequestAddress(), []string{list.RequestAddress()}, "confirm "+req.Data["token"], stubText)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s post from %s requires approval", list.FQDN(), vars["sender"])
	notice, err := in.Notify.Text(list.OwnerAddress(), []string{list.OwnerAddress()}, subject, "")
	if err != nil {
		return err
	}
	root := msg.NewMultipart("mixed",
		msg.NewTextPart(text),
		msg.NewMessagePart(m),
		msg.NewMessagePart(stub))
	if err := notice.SetParts(root); err != nil {
		return err
	}
	return in.Notify.SendToAdmins(ctx, list, notice)
}

func (in *Incoming) reject(ctx context.Context, env *Env, l log.Logger) error {
	list, m := env.List, env.Msg
	sender := env.sender()
	if sender == "" {
		l.Msg("message rejected, no sender to notify")
		return nil
	}

	member, err := mlist.FindMember(ctx, in.Notify.Store, list.ListID(), mlist.RoleMember, []string{sender})
	if err != nil {
		return err
	}
	text := list.NonmemberRejectionNotice
	if member != nil {
		text = list.MemberRejectionNotice
	}
	if text == "" {
		text, err = in.Notify.Render(list, in.Notify.UserLanguage(ctx, list, sender), "rejected", map[string]string{
			"reasons": "    " + strings.Join(env.Meta.ModerationReasons, "\n    "),
		})
		if err != nil {
			return err
		}
	}

	subject := m.Subject()
	if subject == "" {
		subject = "(no subject)"
	}
	notice, err := in.Notify.WithOriginal(list.OwnerAddress(), []string{sender}, subject, text, m)
	if err != nil {
		return err
	}
	if err := in.Notify.Send(list, notice, []string{sender}); err != nil {
		return err
	}
	l.Msg("message rejected", "sender", sender, "reason", reasons(env.Meta))
	return nil
}

func (in *Incoming) discard(ctx context.Context, env *Env, l log.Logger) error {
	l.Msg("message discarded", "sender", env.sender(), "msg_id", env.Msg.MessageID(), "reason", reasons(env.Meta))
	if !env.List.ForwardAutoDiscards {
		return nil
	}
	if err := in.Notify.NoticeAdmins(ctx, env.List, "Auto-discard notification", "forward", nil, env.Msg); err != nil {
		l.Error("failed to forward the discarded message", err)
	}
	return nil
}
