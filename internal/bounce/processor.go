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

package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
	"github.com/foxcpp/mlist/internal/switchboard"
)

// DefaultProbeLifetime is how long a probe token is valid.
const DefaultProbeLifetime = 10 * 24 * time.Hour

// Processor applies the recorded bounce events to the roster.
type Processor struct {
	Lists    mlist.ListManager
	Roster   mlist.Roster
	Bounces  mlist.BounceStore
	Pending  mlist.PendingStore
	Messages mlist.MessageStore
	Notify   *notify.Notifier

	// Out receives the probes. They bypass the virgin pipeline, which would
	// add the Precedence field.
	Out *switchboard.Switchboard

	// SendProbes enables probes to the members disabled by bounces.
	SendProbes    bool
	ProbeLifetime time.Duration

	Now func() time.Time
	Log log.Logger
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func sameDay(t1, t2 time.Time) bool {
	y1, m1, d1 := t1.UTC().Date()
	y2, m2, d2 := t2.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// ProcessEvents applies all unprocessed bounce events. Events that fail are
// left for the next run.
func (p *Processor) ProcessEvents(ctx context.Context) error {
	events, err := p.Bounces.UnprocessedBounceEvents(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	p.Log.DebugMsg("processing bounce events", "count", len(events))

	lists := make(map[string]*mlist.List)
	for _, ev := range events {
		list, ok := lists[ev.ListID]
		if !ok {
			list, err = p.Lists.GetListByID(ctx, ev.ListID)
			if err != nil && !errors.Is(err, mlist.ErrNoSuchList) {
				return err
			}
			lists[ev.ListID] = list
		}

		if err := p.processEvent(ctx, list, ev); err != nil {
			p.Log.Error("bounce event processing failed", err, "list", ev.ListID, "rcpt", ev.Email)
			continue
		}
		if err := p.Bounces.MarkBounceProcessed(ctx, ev.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processEvent(ctx context.Context, list *mlist.List, ev *mlist.BounceEvent) error {
	if list == nil {
		p.Log.Msg("bounce event for a deleted list", "list", ev.ListID, "rcpt", ev.Email)
		return nil
	}
	if !list.ProcessBounces {
		return nil
	}
	l := p.Log.With("list", list.ListID(), "rcpt", ev.Email)

	member, err := p.Roster.GetMember(ctx, list.ListID(), mlist.RoleMember, ev.Email)
	if errors.Is(err, mlist.ErrNoSuchMember) {
		l.DebugMsg("bounce from a non-member")
		return nil
	}
	if err != nil {
		return err
	}

	weight := 1.0
	if ev.Context == mlist.BounceProbe {
		weight = list.BounceScoreThreshold
	} else if !member.LastBounceReceived.IsZero() && sameDay(member.LastBounceReceived, ev.Timestamp) {
		l.DebugMsg("bounce already counted today")
		return nil
	}

	stale := !member.LastBounceReceived.IsZero() &&
		ev.Timestamp.Sub(member.LastBounceReceived) > list.BounceInfoStaleAfter
	if stale && member.DeliveryStatus == mlist.StatusEnabled {
		member.BounceScore = weight
	} else {
		member.BounceScore += weight
	}
	if ev.Timestamp.After(member.LastBounceReceived) {
		member.LastBounceReceived = ev.Timestamp
	}
	l.Msg("bounce score updated", "score", member.BounceScore, "context", string(ev.Context))

	if member.BounceScore < list.BounceScoreThreshold || member.DeliveryStatus != mlist.StatusEnabled {
		return p.Roster.UpdateMember(ctx, member)
	}

	member.DeliveryStatus = mlist.StatusByBounce
	member.TotalWarningsSent = 0
	member.LastWarningSent = time.Time{}
	if err := p.Roster.UpdateMember(ctx, member); err != nil {
		return err
	}
	membersDisabled.Inc()
	l.Msg("delivery disabled by bounces", "score", member.BounceScore)

	// A failed probe is what got the member here.
	if p.SendProbes && ev.Context == mlist.BounceNormal {
		if err := p.SendProbe(ctx, list, member, ev.MessageID); err != nil {
			l.Error("cannot send the probe", err)
		}
	}
	if list.BounceNotifyOwnerOnDisable {
		return p.notifyOwner(ctx, list, member, "disabled")
	}
	return nil
}

// SendProbe sends a probe message to the member. If the probe bounces, the
// bounce is attributed to the member by the token in the envelope sender.
func (p *Processor) SendProbe(ctx context.Context, list *mlist.List, member *mlist.Member, bounceID string) error {
	lifetime := p.ProbeLifetime
	if lifetime == 0 {
		lifetime = DefaultProbeLifetime
	}
	token, err := p.Pending.Add(ctx, mlist.Pendable{
		"type":       PendingProbe,
		"member_id":  member.ID,
		"list_id":    list.ListID(),
		"message_id": bounceID,
	}, lifetime)
	if err != nil {
		return err
	}
	envSender, err := address.EncodeProbe(list.BouncesAddress(), token)
	if err != nil {
		return err
	}

	lang := member.PreferredLanguage
	if lang == "" {
		lang = list.PreferredLanguage
	}
	text, err := p.Notify.Render(list, lang, "probe", map[string]string{
		"address":   member.Address,
		"owneraddr": list.OwnerAddress(),
	})
	if err != nil {
		return err
	}

	var original *msg.Message
	if p.Messages != nil && bounceID != "" {
		original, err = p.Messages.GetMessage(ctx, bounceID)
		if err != nil && !errors.Is(err, mlist.ErrNoSuchMessage) {
			return err
		}
	}

	subject := list.DisplayName + " mailing list probe message"
	var probe *msg.Message
	if original != nil {
		probe, err = p.Notify.WithOriginal(list.OwnerAddress(), []string{member.Address}, subject, text, original)
	} else {
		probe, err = p.Notify.Text(list.OwnerAddress(), []string{member.Address}, subject, text)
	}
	if err != nil {
		return err
	}
	probe.Header.Del("Precedence")

	noVERP := false
	md := msg.NewMetadata(list.ListID())
	md.ReceivedTime = p.now()
	md.Recipients = []string{member.Address}
	md.EnvSender = envSender
	md.ProbeToken = token
	md.VERP = &noVERP
	md.NoDecorate = true
	md.NoArchive = true
	md.MessageIDHash = probe.AddMessageIDHash()
	if _, err := p.Out.Enqueue(probe, md); err != nil {
		return err
	}
	probesSent.Inc()
	p.Log.Msg("probe sent", "list", list.ListID(), "rcpt", member.Address, "msg_id_hash", md.MessageIDHash)
	return nil
}

func (p *Processor) notifyOwner(ctx context.Context, list *mlist.List, member *mlist.Member, action string) error {
	subject := fmt.Sprintf("%s mailing list member %s bouncing - %s", list.DisplayName, member.Address, action)
	return p.Notify.NoticeAdmins(ctx, list, subject, "bounce", map[string]string{
		"member": member.Address,
		"action": action,
		"notice": "",
		"score":  fmt.Sprint(member.BounceScore),
	}, nil)
}

// SendWarnings sends the "you are disabled" reminders to the members
// disabled by bounces and removes those who got all of them.
func (p *Processor) SendWarnings(ctx context.Context) error {
	lists, err := p.Lists.Lists(ctx)
	if err != nil {
		return err
	}
	now := p.now()
	for _, list := range lists {
		if !list.ProcessBounces {
			continue
		}
		members, err := p.Roster.Members(ctx, list.ListID(), mlist.RoleMember)
		if err != nil {
			return err
		}
		for _, member := range members {
			if member.DeliveryStatus != mlist.StatusByBounce {
				continue
			}
			if err := p.warn(ctx, list, member, now); err != nil {
				p.Log.Error("disabled member warning failed", err, "list", list.ListID(), "rcpt", member.Address)
			}
		}
	}
	return nil
}

func (p *Processor) warn(ctx context.Context, list *mlist.List, member *mlist.Member, now time.Time) error {
	if !member.LastWarningSent.IsZero() && now.Sub(member.LastWarningSent) < list.BounceYouAreDisabledWarningsInterval {
		return nil
	}

	if member.TotalWarningsSent >= list.BounceYouAreDisabledWarnings {
		if err := p.Roster.Unsubscribe(ctx, member.ID); err != nil {
			return err
		}
		membersRemoved.Inc()
		p.Log.Msg("member removed by bounces", "list", list.ListID(), "rcpt", member.Address)
		if list.BounceNotifyOwnerOnRemoval {
			return p.notifyOwner(ctx, list, member, "removed")
		}
		return nil
	}

	left := list.BounceYouAreDisabledWarnings - member.TotalWarningsSent - 1
	subject := fmt.Sprintf("Your membership in the %s mailing list has been disabled", list.DisplayName)
	err := p.Notify.NoticeUser(ctx, list, member.Address, subject, "disabled", map[string]string{
		"noticesleft": fmt.Sprint(left),
		"owneraddr":   list.OwnerAddress(),
	})
	if err != nil {
		return err
	}

	member.TotalWarningsSent++
	member.LastWarningSent = now
	warningsSent.Inc()
	return p.Roster.UpdateMember(ctx, member)
}
