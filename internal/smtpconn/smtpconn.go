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

// Package smtpconn implements the session with the outbound relay.
//
// Replies of the relay are returned as *exterrors.SMTPError carrying the
// relay name, addresses are converted to A-labels when the relay lacks
// SMTPUTF8 and 552 replies to RCPT are treated as temporary (RFC 5321
// Section 4.5.3.1.10).
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"runtime/trace"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/exterrors"
	"github.com/foxcpp/mlist/framework/log"
)

// Config describes how to reach the relay.
type Config struct {
	Endpoint  config.Endpoint
	StartTLS  bool
	TLSConfig *tls.Config
	// Auth is nil if the relay does not require authentication.
	Auth sasl.Client

	// Hostname is sent in EHLO, in A-label form.
	Hostname string

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration

	// Dialer defaults to net.Dialer.DialContext.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	Log log.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost.localdomain"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Minute
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.SubmissionTimeout == 0 {
		cfg.SubmissionTimeout = 12 * time.Minute
	}
	if cfg.Dialer == nil {
		cfg.Dialer = (&net.Dialer{}).DialContext
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{}
	}
}

// ConnectError is returned by Dial if the relay cannot be reached.
type ConnectError struct {
	Endpoint config.Endpoint
	Err      error
}

func (err ConnectError) Error() string {
	return "smtpconn: cannot connect to " + err.Endpoint.String() + ": " + err.Err.Error()
}

func (err ConnectError) Unwrap() error {
	return err.Err
}

func (err ConnectError) Temporary() bool {
	return true
}

// TLSError is returned by Dial if the STARTTLS handshake fails.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// Conn is an established session. It is not safe for concurrent use.
type Conn struct {
	cl       *smtp.Client
	relay    string
	tls      bool
	utf8     bool
	accepted []string
	log      log.Logger

	// broken is set once the session fails without a reply from the relay.
	broken bool
}

// Dial connects to the relay and runs EHLO, STARTTLS if requested and
// offered, and AUTH if cfg.Auth is set.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.setDefaults()
	endp := cfg.Endpoint

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	netConn, err := cfg.Dialer(dialCtx, endp.Network(), endp.Address())
	cancel()
	if err != nil {
		return nil, ConnectError{Endpoint: endp, Err: err}
	}
	if endp.IsTLS() {
		tlsCfg := cfg.TLSConfig.Clone()
		tlsCfg.ServerName = endp.Host
		netConn = tls.Client(netConn, tlsCfg)
	}

	cl, err := smtp.NewClient(netConn, endp.Host)
	if err != nil {
		netConn.Close()
		return nil, ConnectError{Endpoint: endp, Err: err}
	}
	cl.CommandTimeout = cfg.CommandTimeout
	cl.SubmissionTimeout = cfg.SubmissionTimeout

	c := &Conn{cl: cl, relay: endp.Host, tls: endp.IsTLS(), log: cfg.Log}
	if err := cl.Hello(cfg.Hostname); err != nil {
		cl.Close()
		return nil, c.replyErr(err)
	}

	if !c.tls && cfg.StartTLS {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			tlsCfg := cfg.TLSConfig.Clone()
			tlsCfg.ServerName = endp.Host
			if err := cl.StartTLS(tlsCfg); err != nil {
				if err := cl.Quit(); err != nil {
					cl.Close()
				}
				return nil, TLSError{err}
			}
			c.tls = true
		}
	}

	if cfg.Auth != nil {
		if ok, _ := cl.Extension("AUTH"); !ok {
			cl.Close()
			return nil, &exterrors.SMTPError{
				Code:         454,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
				Message:      "Relay does not support authentication",
				Misc:         map[string]interface{}{"remote_server": c.relay},
			}
		}
		if err := cl.Auth(cfg.Auth); err != nil {
			cl.Close()
			return nil, c.replyErr(err)
		}
	}

	c.utf8, _ = cl.Extension("SMTPUTF8")
	return c, nil
}

// TLS reports whether the session is encrypted.
func (c *Conn) TLS() bool {
	return c.tls
}

func (c *Conn) replyErr(err error) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	var opErr *net.OpError
	switch {
	case errors.As(err, &smtpErr):
		code, ench := smtpErr.Code, exterrors.EnhancedCode(smtpErr.EnhancedCode)
		if code == 552 {
			code = 452
			ench[0] = 4
			c.log.Msg("SMTP code 552 rewritten to 452", "remote_server", c.relay)
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: ench,
			Message:      smtpErr.Message,
			Misc:         map[string]interface{}{"remote_server": c.relay},
			Err:          err,
		}
	case errors.As(err, &opErr):
		c.broken = true
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": opErr.Addr,
				"io_op":       opErr.Op,
			},
		}
	}
	// Connection closed by the relay or a malformed reply. Either way the
	// session is unusable and the recipients are not rejected.
	c.broken = true
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
		Message:      "Network I/O error",
		Err:          err,
		Misc:         map[string]interface{}{"remote_server": c.relay},
	}
}

// Broken reports whether the session failed without a reply from the
// relay. A broken session should be aborted.
func (c *Conn) Broken() bool {
	return c.broken
}

// asciiAddr converts addr to A-labels if the relay can't take it as is.
func (c *Conn) asciiAddr(addr string, code int, what string) (string, error) {
	if c.utf8 || address.IsASCII(addr) {
		return addr, nil
	}
	converted, err := address.ToASCII(addr)
	if err != nil {
		return "", &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is unsupported, cannot convert " + what + " address",
			Misc:         map[string]interface{}{"remote_server": c.relay},
			Err:          err,
		}
	}
	return converted, nil
}

// Mail starts a transaction. SMTPUTF8 is requested if opts.UTF8 is set or
// the sender needs it and the relay supports it.
func (c *Conn) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	outOpts := smtp.MailOptions{Size: opts.Size, RequireTLS: opts.RequireTLS}
	if c.utf8 && (opts.UTF8 || !address.IsASCII(from)) {
		outOpts.UTF8 = true
	}
	from, err := c.asciiAddr(from, 550, "sender")
	if err != nil {
		return err
	}

	c.accepted = c.accepted[:0]
	return c.replyErr(c.cl.Mail(from, &outOpts))
}

// Rcpt adds a recipient to the transaction.
func (c *Conn) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	to, err := c.asciiAddr(to, 553, "recipient")
	if err != nil {
		return err
	}
	if err := c.cl.Rcpt(to); err != nil {
		return c.replyErr(err)
	}
	c.accepted = append(c.accepted, to)
	return nil
}

// Accepted returns the recipients accepted since the last Mail call.
func (c *Conn) Accepted() []string {
	return c.accepted
}

// Data sends the message. The session should not be used after a failure.
func (c *Conn) Data(ctx context.Context, body io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	wc, err := c.cl.Data()
	if err != nil {
		return c.replyErr(err)
	}
	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return c.replyErr(err)
	}
	return c.replyErr(wc.Close())
}

// Reset aborts the current transaction.
func (c *Conn) Reset() error {
	c.accepted = c.accepted[:0]
	return c.replyErr(c.cl.Reset())
}

// Quit ends the session, closing the connection if QUIT fails.
func (c *Conn) Quit() error {
	if err := c.cl.Quit(); err != nil {
		c.log.Error("QUIT error", c.replyErr(err))
		return c.cl.Close()
	}
	return nil
}

// Abort closes the connection without QUIT.
func (c *Conn) Abort() {
	c.cl.Close()
}
