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

// Package bounce handles the messages sent to the list bounces address and
// maintains the bounce scores of the members.
//
// The Stage attributes incoming bounces to addresses and records bounce
// events. Events are applied to the roster later by the Processor, run by
// the scheduler, which also sends the probes and the "you are disabled"
// warnings.
package bounce

import (
	"context"
	"errors"
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
)

// PendingProbe is the type of the pending tokens of probe messages.
const PendingProbe = "probe"

type Stage struct {
	Bounces mlist.BounceStore
	Pending mlist.PendingStore
	Roster  mlist.Roster
	// Messages keeps the bounces, so probes can include them. Optional.
	Messages mlist.MessageStore
	Notify   *notify.Notifier

	// Detectors used for bounces without VERP, DefaultDetectors if nil.
	Detectors []Detector

	Now func() time.Time
	Log log.Logger
}

func (s *Stage) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Stage) detectors() []Detector {
	if s.Detectors == nil {
		return DefaultDetectors
	}
	return s.Detectors
}

func (s *Stage) Dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error) {
	l := s.Log.With("list", list.ListID(), "msg_id_hash", md.MessageIDHash)

	if !list.ProcessBounces {
		l.DebugMsg("bounce processing is disabled, dropping")
		return false, nil
	}

	addrs := VERPRecipients(list, m)
	if len(addrs) != 0 {
		// A delay notification sent to a VERP address.
		if _, stop := Scan(s.detectors(), m); stop {
			l.Msg("non-fatal bounce ignored", "rcpts", addrs)
			return false, nil
		}
	} else {
		handled, err := s.probeBounce(ctx, l, list, m)
		if err != nil || handled {
			return false, err
		}

		var stop bool
		addrs, stop = Scan(s.detectors(), m)
		if stop {
			l.Msg("non-fatal bounce ignored")
			return false, nil
		}
	}

	if len(addrs) == 0 {
		return false, s.forwardUnrecognized(ctx, l, list, m)
	}

	for _, addr := range addrs {
		if err := s.record(ctx, l, list, m, addr, mlist.BounceNormal); err != nil {
			return false, err
		}
	}
	return false, nil
}

// probeBounce records a probe bounce if the message was sent to the
// address of a probe. The probe token is consumed. A bounce to a probe
// address whose token is gone is dropped.
func (s *Stage) probeBounce(ctx context.Context, l log.Logger, list *mlist.List, m *msg.Message) (bool, error) {
	tokens := ProbeTokens(list, m)
	if len(tokens) == 0 {
		return false, nil
	}
	for _, token := range tokens {
		data, err := s.Pending.Confirm(ctx, token, true)
		if errors.Is(err, mlist.ErrNoSuchPending) {
			continue
		}
		if err != nil {
			return false, err
		}
		if data["type"] != PendingProbe {
			l.Msg("probe address carries a token of another type", "token", token, "type", data["type"])
			continue
		}

		member, err := s.Roster.MemberByID(ctx, data["member_id"])
		if errors.Is(err, mlist.ErrNoSuchMember) {
			l.Msg("probe bounce for a removed member", "token", token)
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return true, s.record(ctx, l, list, m, member.Address, mlist.BounceProbe)
	}
	l.Msg("probe bounce with a stale token dropped", "tokens", tokens)
	return true, nil
}

func (s *Stage) record(ctx context.Context, l log.Logger, list *mlist.List, m *msg.Message, addr string, bctx mlist.BounceContext) error {
	msgID := m.MessageID()
	if s.Messages != nil && msgID != "" {
		if err := s.Messages.AddMessage(ctx, msgID, m); err != nil {
			l.Error("cannot store the bounce", err)
		}
	}

	err := s.Bounces.AddBounceEvent(ctx, &mlist.BounceEvent{
		ListID:    list.ListID(),
		Email:     addr,
		Timestamp: s.now(),
		MessageID: msgID,
		Context:   bctx,
	})
	if err != nil {
		return err
	}
	bounceEvents.WithLabelValues(string(bctx)).Inc()
	l.Msg("bounce recorded", "rcpt", addr, "context", string(bctx))
	return nil
}

// forwardUnrecognized sends the bounce nobody could be identified in to the
// destination configured for the list.
func (s *Stage) forwardUnrecognized(ctx context.Context, l log.Logger, list *mlist.List, m *msg.Message) error {
	unrecognized.Inc()

	const subject = "Uncaught bounce notification"
	switch list.ForwardUnrecognizedBouncesTo {
	case mlist.ForwardToAdministrators:
		l.Msg("forwarding unrecognized bounce", "to", "administrators", "msg_id", m.MessageID())
		return s.Notify.NoticeAdmins(ctx, list, subject, "unrecognized", nil, m)
	case mlist.ForwardToSiteOwner:
		if s.Notify.SiteOwner == "" {
			l.Msg("discarding unrecognized bounce, no site owner", "msg_id", m.MessageID())
			return nil
		}
		l.Msg("forwarding unrecognized bounce", "to", "site_owner", "msg_id", m.MessageID())
		text, err := s.Notify.Render(list, list.PreferredLanguage, "unrecognized", nil)
		if err != nil {
			return err
		}
		notice, err := s.Notify.WithOriginal(list.OwnerAddress(), []string{s.Notify.SiteOwner}, subject, text, m)
		if err != nil {
			return err
		}
		return s.Notify.Send(list, notice, []string{s.Notify.SiteOwner})
	default:
		l.Msg("discarding unrecognized bounce", "msg_id", m.MessageID())
		return nil
	}
}
