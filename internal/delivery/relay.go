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

package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/exterrors"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/smtpconn"
	"golang.org/x/time/rate"
)

// Relay is the connection to the outbound mail server. It is owned by one
// goroutine, the connection is opened lazily and kept open between
// transactions.
type Relay struct {
	Endpoint  config.Endpoint
	StartTLS  bool
	TLSConfig *tls.Config
	// Auth returns the SASL client to authenticate with, nil if the relay
	// does not require authentication.
	Auth func() sasl.Client

	// Hostname is used in the EHLO command.
	Hostname string

	// SessionsPerConnection is the number of transactions after which the
	// connection is reopened. Zero means no limit.
	SessionsPerConnection int

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// Limiter throttles transactions, nil means no limit.
	Limiter *rate.Limiter

	Log log.Logger

	conn     *smtpconn.Conn
	sessions int
}

func (r *Relay) connect(ctx context.Context) error {
	cfg := smtpconn.Config{
		Endpoint:       r.Endpoint,
		StartTLS:       r.StartTLS,
		TLSConfig:      r.TLSConfig,
		Hostname:       r.Hostname,
		ConnectTimeout: r.ConnectTimeout,
		CommandTimeout: r.CommandTimeout,
		Log:            r.Log,
	}
	if r.Auth != nil {
		cfg.Auth = r.Auth()
	}
	conn, err := smtpconn.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	r.Log.DebugMsg("connected", "relay", r.Endpoint.String(), "tls", conn.TLS())

	r.conn = conn
	r.sessions = 0
	return nil
}

// Send delivers body to rcpts in one transaction.
//
// Recipients refused at RCPT time are returned in refused. err is set if
// the transaction failed as a whole and applies to all recipients not in
// refused.
func (r *Relay) Send(ctx context.Context, from string, rcpts []string, body []byte) (refused map[string]error, err error) {
	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return nil, exterrors.WithTemporary(err, true)
		}
	}

	if r.conn == nil {
		if err := r.connect(ctx); err != nil {
			return nil, err
		}
	}

	opts := smtp.MailOptions{}
	for _, rcpt := range rcpts {
		if !address.IsASCII(rcpt) {
			opts.UTF8 = true
		}
	}
	if err := r.conn.Mail(ctx, from, opts); err != nil {
		r.abort()
		return nil, err
	}

	refused = make(map[string]error)
	for _, rcpt := range rcpts {
		err := r.conn.Rcpt(ctx, rcpt)
		if err == nil {
			continue
		}
		if r.conn.Broken() {
			r.drop()
			return refused, err
		}
		refused[rcpt] = err
	}

	if len(r.conn.Accepted()) == 0 {
		if err := r.conn.Reset(); err != nil {
			r.drop()
		}
		return refused, nil
	}

	if err := r.conn.Data(ctx, bytes.NewReader(body)); err != nil {
		r.drop()
		return refused, err
	}

	r.sessions++
	if r.SessionsPerConnection > 0 && r.sessions >= r.SessionsPerConnection {
		r.Close()
	}
	return refused, nil
}

// abort resets the transaction after a MAIL FROM error, dropping the
// connection if the relay does not respond properly.
func (r *Relay) abort() {
	if r.conn.Broken() {
		r.drop()
		return
	}
	if err := r.conn.Reset(); err != nil {
		r.drop()
	}
}

func (r *Relay) drop() {
	if r.conn == nil {
		return
	}
	r.conn.Abort()
	r.conn = nil
}

// Close ends the session with the relay, if any.
func (r *Relay) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Quit()
	r.conn = nil
	return err
}
