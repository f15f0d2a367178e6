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
	"bytes"
	"context"
	"net"
	"time"

	"github.com/emersion/go-milter"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/log"
)

// MilterRule passes posts to an external content scanner speaking the
// milter protocol. It hits if the scanner rejects, discards or
// quarantines the message.
type MilterRule struct {
	cl       *milter.Client
	endpoint string
	failOpen bool
	log      log.Logger
}

// NewMilterRule creates the rule for the scanner at endpoint
// ("tcp://127.0.0.1:11332" or "unix:///run/milter.sock"). With failOpen
// set, I/O errors are logged and the rule misses.
func NewMilterRule(endpoint string, failOpen bool, logger log.Logger) (*MilterRule, error) {
	endp, err := config.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	cl := milter.NewClientWithOptions(endp.Network(), endp.Address(), milter.ClientOptions{
		Dialer: &net.Dialer{
			Timeout: 10 * time.Second,
		},
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ActionMask:   milter.OptQuarantine,
	})
	return &MilterRule{
		cl:       cl,
		endpoint: endpoint,
		failOpen: failOpen,
		log:      logger,
	}, nil
}

func (*MilterRule) Name() string { return "milter" }

func (r *MilterRule) ioError(err error) (bool, error) {
	if r.failOpen {
		r.log.Error("I/O error", err, "milter", r.endpoint)
		return false, nil
	}
	return false, err
}

func (r *MilterRule) Check(_ context.Context, env *Env) (bool, error) {
	if r == nil || r.cl == nil {
		return false, nil
	}

	session, err := r.cl.Session()
	if err != nil {
		return r.ioError(err)
	}
	defer session.Close()

	// The message is not tied to an SMTP connection anymore, submit the
	// values used for locally generated mail.
	act, err := session.Conn("localhost", milter.FamilyInet, 25, "127.0.0.1")
	if err != nil {
		return r.ioError(err)
	}
	if act.Code != milter.ActContinue {
		return r.verdict(env, act, nil), nil
	}
	act, err = session.Helo("localhost")
	if err != nil {
		return r.ioError(err)
	}
	if act.Code != milter.ActContinue {
		return r.verdict(env, act, nil), nil
	}
	act, err = session.Mail(env.Meta.OriginalSender, nil)
	if err != nil {
		return r.ioError(err)
	}
	if act.Code != milter.ActContinue {
		return r.verdict(env, act, nil), nil
	}
	act, err = session.Rcpt(env.List.PostingAddress(), nil)
	if err != nil {
		return r.ioError(err)
	}
	if act.Code != milter.ActContinue {
		return r.verdict(env, act, nil), nil
	}
	act, err = session.Header(env.Msg.Header)
	if err != nil {
		return r.ioError(err)
	}
	if act.Code != milter.ActContinue {
		return r.verdict(env, act, nil), nil
	}

	modifyActs, act, err := session.BodyReadFrom(bytes.NewReader(env.Msg.Body))
	if err != nil {
		return r.ioError(err)
	}
	return r.verdict(env, act, modifyActs), nil
}

func (r *MilterRule) verdict(env *Env, act *milter.Action, modifyActs []milter.ModifyAction) bool {
	for _, mact := range modifyActs {
		if mact.Code == milter.ActQuarantine {
			env.Reason("Message quarantined by the content scanner: %s", mact.Reason)
			return true
		}
	}

	switch act.Code {
	case milter.ActAccept, milter.ActContinue:
		return false
	case milter.ActReplyCode:
		if act.SMTPCode/100 != 5 {
			return false
		}
		env.Reason("Message rejected by the content scanner")
		return true
	case milter.ActReject:
		env.Reason("Message rejected by the content scanner")
		return true
	case milter.ActDiscard:
		env.Reason("Message discarded by the content scanner")
		return true
	case milter.ActTempFail:
		env.Reason("Content scanner is temporarily unavailable")
		return true
	default:
		r.log.Msg("unknown action code ignored", "code", act.Code, "milter", r.endpoint)
		return false
	}
}
