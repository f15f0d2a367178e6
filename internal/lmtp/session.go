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

package lmtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/framework/exterrors"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/switchboard"
)

// Sub-address names as they appear in the recipient local part, mapped to
// the canonical ones.
var subaddressNames = map[string]string{
	"admin":       "bounces",
	"bounces":     "bounces",
	"confirm":     "confirm",
	"join":        "join",
	"leave":       "leave",
	"owner":       "owner",
	"request":     "request",
	"subscribe":   "join",
	"unsubscribe": "leave",
}

// recipient is a decoded RCPT TO address.
type recipient struct {
	addr string
	list *mlist.List
	// sub is the canonical sub-address, empty for list posts.
	sub string
	// detail is the part after '+', the VERP tail or the confirmation
	// token.
	detail string
}

// splitRecipient splits the address into the list posting address, the
// sub-address as written and the detail.
//
//	test@example.org                      -> test@example.org, "", ""
//	test-request@example.org              -> test@example.org, "request", ""
//	test-bounces+anne=example.net@example.org
//	                                      -> test@example.org, "bounces", "anne=example.net"
func splitRecipient(addr string) (listAddr, sub, detail string, err error) {
	local, domain, err := address.Split(addr)
	if err != nil {
		return "", "", "", err
	}
	if domain == "" {
		return "", "", "", errors.New("missing domain")
	}
	local, detail, _ = strings.Cut(local, "+")

	if i := strings.LastIndexByte(local, '-'); i > 0 {
		if _, ok := subaddressNames[strings.ToLower(local[i+1:])]; ok {
			sub = strings.ToLower(local[i+1:])
			local = local[:i]
		}
	}
	return local + "@" + domain, sub, detail, nil
}

var (
	errNoMessageID = &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
		Message:      "No Message-ID header provided",
	}
	errMailboxUnavailable = &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "Requested action not taken: mailbox unavailable",
	}
	errDefects = &exterrors.SMTPError{
		Code:         501,
		EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
		Message:      "Message has defects",
	}
)

type session struct {
	a   *Acceptor
	log log.Logger

	mailFrom string
	rcpts    []recipient
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) AuthPlain(_, _ string) error {
	return smtp.ErrAuthUnsupported
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.mailFrom = from
	return nil
}

func (s *session) Rcpt(to string) error {
	listAddr, sub, detail, err := splitRecipient(to)
	if err != nil {
		lmtpRejected.WithLabelValues("malformed_rcpt").Inc()
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Malformed recipient address",
		}
	}

	list, err := s.a.Lists.GetList(context.TODO(), listAddr)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchList) {
			s.log.Msg("recipient is not a list", "rcpt", to)
			lmtpRejected.WithLabelValues("no_such_list").Inc()
			return s.wrapErr(errMailboxUnavailable)
		}
		s.log.Error("list lookup failed", err, "rcpt", to)
		return s.wrapErr(exterrors.WithTemporary(err, true))
	}

	s.rcpts = append(s.rcpts, recipient{
		addr:   to,
		list:   list,
		sub:    subaddressNames[sub],
		detail: detail,
	})
	return nil
}

func (s *session) Data(r io.Reader) error {
	// LMTP mode always uses LMTPData, Data is here only to satisfy the
	// interface.
	return s.LMTPData(r, statusDiscard{})
}

type statusDiscard struct{}

func (statusDiscard) SetStatus(string, error) {}

func (s *session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	defer s.Reset()

	body, err := io.ReadAll(r)
	if err != nil {
		return s.wrapErr(err)
	}
	m, err := msg.Read(bytes.NewReader(body))
	if err != nil {
		s.log.Error("malformed message", err, "from", s.mailFrom)
		lmtpRejected.WithLabelValues("defects").Inc()
		return s.wrapErr(errDefects)
	}

	msgID := m.MessageID()
	if msgID == "" {
		s.log.Msg("message without Message-ID rejected", "from", s.mailFrom)
		lmtpRejected.WithLabelValues("no_message_id").Inc()
		return s.wrapErr(errNoMessageID)
	}
	if err := s.checkRoutingLoops(m); err != nil {
		lmtpRejected.WithLabelValues("loop").Inc()
		return s.wrapErr(err)
	}

	hash := m.AddMessageIDHash()
	m.Header.Del("X-MailFrom")
	m.Header.Add("X-MailFrom", s.mailFrom)

	l := s.log.With("msg_id", msgID, "msg_id_hash", hash)
	for _, rcpt := range s.rcpts {
		filebase, queue, err := s.enqueue(rcpt, m, len(body), hash)
		if err != nil {
			l.Error("enqueue failed", err, "rcpt", rcpt.addr)
			lmtpRejected.WithLabelValues("internal").Inc()
			sc.SetStatus(rcpt.addr, &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 0, 0},
				Message:      "Requested action not taken: mailbox unavailable",
			})
			continue
		}
		lmtpAccepted.WithLabelValues(queue).Inc()
		l.Msg("accepted", "rcpt", rcpt.addr, "list", rcpt.list.ListID(), "queue", queue, "filebase", filebase)
		sc.SetStatus(rcpt.addr, nil)
	}
	return nil
}

// enqueue stores a copy of the message for the recipient and returns the
// queue it went to.
func (s *session) enqueue(rcpt recipient, m *msg.Message, size int, hash string) (string, string, error) {
	md := msg.NewMetadata(rcpt.list.ListID())
	md.ReceivedTime = s.a.Now()
	md.OriginalSender = s.mailFrom
	md.OriginalSize = size
	md.MessageIDHash = hash

	copyMsg := m
	queue := switchboard.In
	switch rcpt.sub {
	case "":
		md.ToList = true
	case "owner":
		md.ToOwner = true
		md.Subaddress = rcpt.sub
		if s.a.SiteOwner != "" {
			md.EnvSender = s.a.SiteOwner
		}
	case "bounces":
		queue = switchboard.Bounces
		md.Subaddress = rcpt.sub
		if rcpt.detail != "" {
			// The VERP tail or probe token is lost if the MTA does not
			// record the envelope recipient in the header.
			copyMsg = m.Clone()
			copyMsg.Header.Add("Envelope-To", rcpt.addr)
		}
	default:
		queue = switchboard.Command
		md.Subaddress = rcpt.sub
		if rcpt.detail != "" {
			md.Subaddress += "+" + rcpt.detail
		}
		switch rcpt.sub {
		case "confirm":
			md.ToConfirm = true
		case "join":
			md.ToJoin = true
		case "leave":
			md.ToLeave = true
		case "request":
			md.ToRequest = true
		}
	}

	filebase, err := s.a.Queues.Get(queue).Enqueue(copyMsg, md)
	return filebase, queue, err
}

func (s *session) checkRoutingLoops(m *msg.Message) error {
	// RFC 5321 Section 6.3:
	// >Simple counting of the number of "Received:" header fields in a
	// >message has proven to be an effective, although rarely optimal,
	// >method of detecting loops in mail systems.
	receivedCount := 0
	for f := m.Header.FieldsByKey("Received"); f.Next(); {
		receivedCount++
	}
	if receivedCount > s.a.maxReceived {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 6},
			Message:      fmt.Sprintf("Too many Received header fields (%d), possible forwarding loop", receivedCount),
		}
	}
	return nil
}

// wrapErr converts err into the reply sent to the client. Errors without an
// SMTP reply attached are not passed through to avoid leaking internals.
func (s *session) wrapErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 4, 5},
			Message:      "High load, try again later",
		}
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCodeNotSet,
		Message:      "Internal server error",
	}
	if exterrors.IsTemporary(err) {
		res.Code = 451
		res.Message = "Requested action aborted: error in processing"
	}

	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		res.Code = smtpErr.Code
		res.EnhancedCode = smtp.EnhancedCode(smtpErr.EnhancedCode)
		res.Message = smtpErr.Message
	}

	failedCmds.WithLabelValues(fmt.Sprint(res.Code)).Inc()
	return res
}
