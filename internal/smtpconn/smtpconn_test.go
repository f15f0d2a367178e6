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

package smtpconn

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/exterrors"
	"github.com/foxcpp/mlist/internal/testutils"
)

func endpoint(t *testing.T, addr string) config.Endpoint {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	return config.Endpoint{Scheme: "tcp", Host: host, Port: port}
}

func dial(t *testing.T, cfg Config) *Conn {
	t.Helper()
	cfg.Log = testutils.Logger(t, "smtpconn")
	c, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func doTestDelivery(t *testing.T, conn *Conn, from string, to []string, opts smtp.MailOptions) error {
	t.Helper()

	if err := conn.Mail(context.Background(), from, opts); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := conn.Rcpt(context.Background(), rcpt); err != nil {
			return err
		}
	}

	return conn.Data(context.Background(), strings.NewReader("A: 1\r\nB: 2\r\n\r\nfoobar\r\n"))
}

func checkSMTPErr(t *testing.T, err error, code int, enchCode exterrors.EnhancedCode, msg string) {
	t.Helper()

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("Not an SMTPError: %#v", err)
	}
	if smtpErr.Code != code {
		t.Errorf("Wrong SMTP code: %v", smtpErr.Code)
	}
	if smtpErr.EnhancedCode != enchCode {
		t.Errorf("Wrong enhanced code: %v", smtpErr.EnhancedCode)
	}
	if smtpErr.Message != msg {
		t.Errorf("Wrong SMTP message: %v", smtpErr.Message)
	}
}

func TestDelivery(t *testing.T) {
	be, addr := testutils.SMTPServer(t)

	c := dial(t, Config{Endpoint: endpoint(t, addr)})
	defer c.Quit()

	if err := doTestDelivery(t, c, "test-bounces@example.com", []string{"anne@example.org", "bob@example.net"}, smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := doTestDelivery(t, c, "test-bounces@example.com", []string{"carl@example.net"}, smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "test-bounces@example.com", []string{"anne@example.org", "bob@example.net"})
	msg := be.CheckMsg(t, 1, "test-bounces@example.com", []string{"carl@example.net"})
	if string(msg.Data) != "A: 1\r\nB: 2\r\n\r\nfoobar\r\n" {
		t.Errorf("Wrong message data: %q", msg.Data)
	}
	if got := c.Accepted(); len(got) != 1 || got[0] != "carl@example.net" {
		t.Errorf("Wrong accepted recipients: %v", got)
	}
	if be.Sessions() != 1 {
		t.Errorf("Expected one session, got %d", be.Sessions())
	}
}

func TestRcptError(t *testing.T) {
	be, addr := testutils.SMTPServer(t)
	be.SetRcptErr("bob@example.net", &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user",
	})
	be.SetRcptErr("carl@example.net", &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 2, 2},
		Message:      "Mailbox full",
	})

	c := dial(t, Config{Endpoint: endpoint(t, addr)})
	defer c.Quit()

	if err := c.Mail(context.Background(), "test-bounces@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	err := c.Rcpt(context.Background(), "bob@example.net")
	checkSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 1, 1}, "No such user")
	if exterrors.IsTemporary(err) {
		t.Error("550 reported as temporary")
	}

	err = c.Rcpt(context.Background(), "carl@example.net")
	checkSMTPErr(t, err, 452, exterrors.EnhancedCode{4, 2, 2}, "Mailbox full")
	if !exterrors.IsTemporary(err) {
		t.Error("552 is not rewritten to a temporary error")
	}

	if err := c.Rcpt(context.Background(), "anne@example.org"); err != nil {
		t.Fatal(err)
	}
	if err := c.Data(context.Background(), strings.NewReader("\r\nfoobar\r\n")); err != nil {
		t.Fatal(err)
	}
	be.CheckMsg(t, 0, "test-bounces@example.com", []string{"anne@example.org"})
}

func TestConnectError(t *testing.T) {
	c, err := Dial(context.Background(), Config{
		Endpoint: endpoint(t, testutils.ClosedPort(t)),
		Log:      testutils.Logger(t, "smtpconn"),
	})
	if err == nil {
		c.Quit()
		t.Fatal("Expected an error")
	}
	var connErr ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Not a ConnectError: %#v", err)
	}
	if !exterrors.IsTemporary(err) {
		t.Error("Connection failure is not temporary")
	}
}

func TestAuth(t *testing.T) {
	be, addr := testutils.SMTPServer(t)

	c := dial(t, Config{Endpoint: endpoint(t, addr), Auth: sasl.NewPlainClient("", "list", "secret")})
	defer c.Quit()

	if err := doTestDelivery(t, c, "test-bounces@example.com", []string{"anne@example.org"}, smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	msg := be.CheckMsg(t, 0, "test-bounces@example.com", []string{"anne@example.org"})
	if msg.AuthUser != "list" || msg.AuthPass != "secret" {
		t.Errorf("Wrong credentials: %s %s", msg.AuthUser, msg.AuthPass)
	}
}

func TestAuth_Rejected(t *testing.T) {
	be, addr := testutils.SMTPServer(t)
	be.AuthErr = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Invalid credentials",
	}

	c, err := Dial(context.Background(), Config{
		Endpoint: endpoint(t, addr),
		Auth:     sasl.NewPlainClient("", "list", "wrong"),
		Log:      testutils.Logger(t, "smtpconn"),
	})
	if err == nil {
		c.Quit()
		t.Fatal("Expected an error")
	}
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("Not an SMTPError: %#v", err)
	}
	if len(be.Snapshot()) != 0 {
		t.Error("Message delivered")
	}
}

func TestSTARTTLS(t *testing.T) {
	clientCfg, be, addr := testutils.SMTPServerSTARTTLS(t)

	c := dial(t, Config{Endpoint: endpoint(t, addr), StartTLS: true, TLSConfig: clientCfg})
	defer c.Quit()
	if !c.TLS() {
		t.Error("STARTTLS is not used")
	}

	if err := doTestDelivery(t, c, "test-bounces@example.com", []string{"anne@example.org"}, smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	be.CheckMsg(t, 0, "test-bounces@example.com", []string{"anne@example.org"})
}

func TestSMTPUTF8(t *testing.T) {
	type test struct {
		clientSender string
		clientRcpt   string

		serverUTF8   bool
		serverSender string
		serverRcpt   string

		expectUTF8 bool
		expectErr  *exterrors.SMTPError
	}
	check := func(case_ test) {
		t.Helper()

		be, addr := testutils.SMTPServer(t, func(s *smtp.Server) {
			s.EnableSMTPUTF8 = case_.serverUTF8
		})

		c := dial(t, Config{Endpoint: endpoint(t, addr)})
		defer c.Quit()

		err := doTestDelivery(t, c, case_.clientSender, []string{case_.clientRcpt},
			smtp.MailOptions{UTF8: true})
		if err != nil {
			if case_.expectErr == nil {
				t.Error("Unexpected failure:", err)
			} else {
				checkSMTPErr(t, err, case_.expectErr.Code, case_.expectErr.EnhancedCode, case_.expectErr.Message)
			}
			return
		} else if case_.expectErr != nil {
			t.Error("Unexpected success")
		}

		msg := be.CheckMsg(t, 0, case_.serverSender, []string{case_.serverRcpt})
		if msg.Opts.UTF8 != case_.expectUTF8 {
			t.Errorf("expectUTF8 = %v, SMTPUTF8 = %v", case_.expectUTF8, msg.Opts.UTF8)
		}
	}

	check(test{
		clientSender: "test@тест.example.org",
		clientRcpt:   "test@example.invalid",
		serverSender: "test@xn--e1aybc.example.org",
		serverRcpt:   "test@example.invalid",
	})
	check(test{
		clientSender: "test@example.org",
		clientRcpt:   "test@тест.example.invalid",
		serverSender: "test@example.org",
		serverRcpt:   "test@xn--e1aybc.example.invalid",
	})
	check(test{
		clientSender: "тест@example.org",
		clientRcpt:   "test@example.invalid",
		expectErr: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
		},
	})
	check(test{
		clientSender: "test@example.org",
		clientRcpt:   "тест@example.invalid",
		expectErr: &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
		},
	})
	check(test{
		clientSender: "test@тест.org",
		clientRcpt:   "test@example.invalid",
		serverSender: "test@тест.org",
		serverRcpt:   "test@example.invalid",
		serverUTF8:   true,
		expectUTF8:   true,
	})
	check(test{
		clientSender: "тест@example.org",
		clientRcpt:   "test@example.invalid",
		serverSender: "тест@example.org",
		serverRcpt:   "test@example.invalid",
		serverUTF8:   true,
		expectUTF8:   true,
	})
}

func TestReplyErr_Unclassified(t *testing.T) {
	c := &Conn{relay: "relay.example.com", log: testutils.Logger(t, "smtpconn")}

	err := c.replyErr(io.EOF)
	if !exterrors.IsTemporary(err) {
		t.Error("session failure without a reply is not temporary")
	}
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 {
		t.Errorf("unexpected error: %#v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Error("underlying error is lost")
	}
	if !c.Broken() {
		t.Error("session is not marked broken")
	}
}
