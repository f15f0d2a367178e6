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

// Package delivery implements the out and retry queue stages: delivery of
// the processed messages to the outbound relay and retries of temporary
// failures.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/exterrors"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/dkim"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/pipeline"
	"github.com/foxcpp/mlist/internal/smtpconn"
	"github.com/foxcpp/mlist/internal/switchboard"
)

// DefaultRetryPeriod is how long temporary failures are retried.
const DefaultRetryPeriod = 5 * 24 * time.Hour

// Transport sends one message to the recipients. refused holds per-recipient
// failures, err is set if the transaction failed for all other recipients.
type Transport interface {
	Send(ctx context.Context, from string, rcpts []string, body []byte) (refused map[string]error, err error)
	Close() error
}

// Stage delivers the items of the out queue.
type Stage struct {
	Transport Transport

	Roster  mlist.Roster
	Bounces mlist.BounceStore
	Pending mlist.PendingStore
	// Retry is the retry queue temporary failures are moved to.
	Retry *switchboard.Switchboard

	// Decorator is used for personalized deliveries.
	Decorator *pipeline.Decorator
	// DKIM signs personalized copies. nil if messages are not signed.
	DKIM *dkim.Signer

	// MaxRecipients is the maximum number of recipients per transaction of
	// non-personalized deliveries, 0 means no limit.
	MaxRecipients int
	// DevmodeRecipient, if set, replaces all envelope recipients.
	DevmodeRecipient string
	RetryPeriod      time.Duration
	VERPPersonalized bool
	VERPInterval     int

	Now func() time.Time
	Log log.Logger

	// connFailed is set after a connection failure, the following items of
	// the same pass are not attempted.
	connFailed bool
	// connLogged is set once the connection failure is logged, until the
	// next successful delivery.
	connLogged bool
}

func (s *Stage) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// failures is the outcome of a delivery attempt.
type failures struct {
	temporary []string
	permanent []string
}

// add classifies err. Errors without an SMTP code are treated as temporary,
// so a broken session never counts as a bounce.
func (f *failures) add(rcpt string, err error) {
	if exterrors.IsTemporaryOrUnspec(err) {
		f.temporary = append(f.temporary, rcpt)
	} else {
		f.permanent = append(f.permanent, rcpt)
	}
}

func (s *Stage) Dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error) {
	if !md.DeliverAfter.IsZero() && s.now().Before(md.DeliverAfter) {
		return true, nil
	}
	if md.VERP == nil {
		verp := pipeline.UseVERP(list, s.VERPPersonalized, s.VERPInterval)
		md.VERP = &verp
	}
	if len(md.Recipients) == 0 {
		return false, nil
	}

	l := s.Log.With("list", list.ListID(), "msg_id_hash", md.MessageIDHash)

	var (
		res failures
		err error
	)
	if s.connFailed {
		res.temporary = md.Recipients
	} else {
		start := time.Now()
		res, err = s.deliver(ctx, list, m, md)
		var connErr smtpconn.ConnectError
		switch {
		case errors.As(err, &connErr):
			s.connFailed = true
			if !s.connLogged {
				s.Log.Printf("Cannot connect to SMTP server %s on port %s: %v",
					connErr.Endpoint.Host, relayPort(connErr.Endpoint), connErr.Err)
				s.connLogged = true
			}
			l.Msg("relay unreachable, retrying later", "smtp_code", 444, "rcpts", len(md.Recipients))
		case err != nil:
			return false, err
		default:
			s.connLogged = false
		}
		deliveryDuration.Observe(time.Since(start).Seconds())
		l.Msg("delivered", "rcpts", len(md.Recipients),
			"refused", len(res.temporary)+len(res.permanent), "size", len(m.Body))
	}

	deliveries.WithLabelValues("temporary").Add(float64(len(res.temporary)))
	deliveries.WithLabelValues("permanent").Add(float64(len(res.permanent)))
	deliveries.WithLabelValues("ok").Add(float64(len(md.Recipients) - len(res.temporary) - len(res.permanent)))

	if len(res.permanent) != 0 {
		if err := s.registerBounces(ctx, list, m, md, res.permanent); err != nil {
			return false, err
		}
	}
	if len(res.temporary) != 0 {
		return false, s.retry(l, m, md, res.temporary)
	}
	return false, nil
}

// EndPass closes the relay connection after a pass over the queue.
func (s *Stage) EndPass(context.Context) {
	s.connFailed = false
	if err := s.Transport.Close(); err != nil {
		s.Log.Error("relay close failed", err)
	}
}

func relayPort(endp config.Endpoint) string {
	if endp.Port == "" || endp.Port == "0" {
		return "smtp"
	}
	return endp.Port
}

// envelopeSender returns the MAIL FROM address for rcpt, VERP-encoded if
// requested.
func envelopeSender(list *mlist.List, md *msg.Metadata, rcpt string) string {
	if md.EnvSender != "" {
		return md.EnvSender
	}
	if rcpt != "" && md.VERP != nil && *md.VERP {
		if verp, err := address.EncodeVERP(list.BouncesAddress(), rcpt); err == nil {
			return verp
		}
	}
	return list.BouncesAddress()
}

func (s *Stage) deliver(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (failures, error) {
	individual := (md.VERP != nil && *md.VERP) || list.Personalize != mlist.PersonalizeNone

	var batches [][]string
	if individual {
		for _, rcpt := range md.Recipients {
			batches = append(batches, []string{rcpt})
		}
	} else {
		batches = chunkify(md.Recipients, s.MaxRecipients)
	}

	var (
		res  failures
		body = m.Bytes()
		from = envelopeSender(list, md, "")
	)
	for i, batch := range batches {
		data := body
		if individual {
			c, err := s.personalize(ctx, list, m, md, batch[0])
			if err != nil {
				return res, err
			}
			data = c.Bytes()
			from = envelopeSender(list, md, batch[0])
		}
		if err := s.send(ctx, &res, from, batch, data); err != nil {
			// Not attempted, retried later.
			for _, rest := range batches[i:] {
				res.temporary = append(res.temporary, rest...)
			}
			return res, err
		}
	}
	return res, nil
}

// personalize returns the copy of m for rcpt: decorated for the member,
// for fully personalized lists addressed to it, then signed.
func (s *Stage) personalize(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata, rcpt string) (*msg.Message, error) {
	if !pipeline.Personalized(list, md) {
		return m, nil
	}

	member, err := s.Roster.GetMember(ctx, list.ListID(), mlist.RoleMember, rcpt)
	if err != nil && !errors.Is(err, mlist.ErrNoSuchMember) {
		return nil, err
	}
	if err != nil {
		member = nil
	}

	c := m.Clone()
	if list.Personalize == mlist.PersonalizeFull {
		to := &mail.Address{Address: rcpt}
		if member != nil {
			to.Name = member.DisplayName
		}
		h := mail.Header{Header: message.Header{Header: c.Header}}
		h.SetAddressList("To", []*mail.Address{to})
		c.Header = h.Header.Header
	}
	if s.Decorator != nil && !md.NoDecorate {
		if err := s.Decorator.Decorate(list, c, member); err != nil {
			return nil, err
		}
	}
	if s.DKIM != nil {
		if err := s.DKIM.Sign(c, list.MailHost); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// send runs one transaction, recording failures in res. The returned error
// is a smtpconn.ConnectError if the relay cannot be reached.
func (s *Stage) send(ctx context.Context, res *failures, from string, rcpts []string, body []byte) error {
	envRcpts := rcpts
	if s.DevmodeRecipient != "" {
		envRcpts = make([]string, len(rcpts))
		for i := range envRcpts {
			envRcpts[i] = s.DevmodeRecipient
		}
	}

	refused, err := s.Transport.Send(ctx, from, dedup(envRcpts), body)

	var connErr smtpconn.ConnectError
	if err != nil && errors.As(err, &connErr) {
		return connErr
	}

	for i, rcpt := range rcpts {
		envRcpt := envRcpts[i]
		rcptErr, ok := refused[envRcpt]
		if !ok {
			rcptErr = err
		}
		if rcptErr == nil {
			continue
		}
		s.Log.Msg("delivery failed", "rcpt", rcpt, "reason", rcptErr.Error(), "temporary", exterrors.IsTemporaryOrUnspec(rcptErr))
		res.add(rcpt, rcptErr)
	}
	return nil
}

func dedup(rcpts []string) []string {
	seen := make(map[string]struct{}, len(rcpts))
	res := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if _, ok := seen[rcpt]; ok {
			continue
		}
		seen[rcpt] = struct{}{}
		res = append(res, rcpt)
	}
	return res
}

// registerBounces records bounce events for permanently failed recipients.
// A failed probe is attributed to the probed member.
func (s *Stage) registerBounces(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata, rcpts []string) error {
	if md.ProbeToken != "" {
		data, err := s.Pending.Confirm(ctx, md.ProbeToken, true)
		if errors.Is(err, mlist.ErrNoSuchPending) {
			return nil
		}
		if err != nil {
			return err
		}
		member, err := s.Roster.MemberByID(ctx, data["member_id"])
		if errors.Is(err, mlist.ErrNoSuchMember) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.addBounce(ctx, list, m, member.Address, mlist.BounceProbe)
	}

	for _, rcpt := range rcpts {
		if err := s.addBounce(ctx, list, m, rcpt, mlist.BounceNormal); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) addBounce(ctx context.Context, list *mlist.List, m *msg.Message, rcpt string, bctx mlist.BounceContext) error {
	s.Log.Msg("bounce registered", "list", list.ListID(), "rcpt", rcpt, "context", string(bctx))
	return s.Bounces.AddBounceEvent(ctx, &mlist.BounceEvent{
		ListID:    list.ListID(),
		Email:     rcpt,
		Timestamp: s.now(),
		MessageID: m.MessageID(),
		Context:   bctx,
	})
}

// retry moves the temporarily failed recipients to the retry queue. Items
// that made no progress since the last attempt are discarded once the
// retry deadline passes.
func (s *Stage) retry(l log.Logger, m *msg.Message, md *msg.Metadata, rcpts []string) error {
	now := s.now()
	if md.DeliverUntil.IsZero() {
		period := s.RetryPeriod
		if period == 0 {
			period = DefaultRetryPeriod
		}
		md.DeliverUntil = md.ReceivedTime.Add(period)
	}
	if len(rcpts) == md.LastRecipCount && !now.Before(md.DeliverUntil) {
		l.Msg("discarding message with persistent temporary failures", "rcpts", rcpts, "deliver_until", md.DeliverUntil)
		retriesExpired.Inc()
		return nil
	}

	md.LastRecipCount = len(rcpts)
	md.Recipients = rcpts
	if _, err := s.Retry.Enqueue(m, md); err != nil {
		return err
	}
	l.DebugMsg("queued for retry", "rcpts", rcpts, "deliver_until", md.DeliverUntil)
	return nil
}
