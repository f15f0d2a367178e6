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

package testutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/go-cmp/cmp"
)

// SMTPMessage is a message accepted by the test server.
type SMTPMessage struct {
	From     string
	Opts     smtp.MailOptions
	To       []string
	Data     []byte
	AuthUser string
	AuthPass string
}

// SMTPBackend records messages received by the test server.
type SMTPBackend struct {
	// AuthErr is returned for AUTH if set.
	AuthErr error

	mu       sync.Mutex
	msgs     []*SMTPMessage
	sessions int
	rcptErr  map[string]error
}

func (be *SMTPBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	be.sessions++
	return &recorder{be: be}, nil
}

// Snapshot returns the messages received so far.
func (be *SMTPBackend) Snapshot() []*SMTPMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*SMTPMessage(nil), be.msgs...)
}

// Sessions returns the number of connections served.
func (be *SMTPBackend) Sessions() int {
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.sessions
}

// SetRcptErr makes RCPT TO fail for the address. A nil err removes the
// failure.
func (be *SMTPBackend) SetRcptErr(rcpt string, err error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	if err == nil {
		delete(be.rcptErr, rcpt)
		return
	}
	if be.rcptErr == nil {
		be.rcptErr = map[string]error{}
	}
	be.rcptErr[rcpt] = err
}

// CheckMsg checks the envelope of the message number i and returns it.
// Recipient order is ignored.
func (be *SMTPBackend) CheckMsg(t *testing.T, i int, from string, rcptTo []string) *SMTPMessage {
	t.Helper()

	msgs := be.Snapshot()
	if i >= len(msgs) {
		t.Fatalf("expected at least %d messages, got %d", i+1, len(msgs))
	}
	m := msgs[i]
	if m.From != from {
		t.Errorf("wrong MAIL FROM: %v", m.From)
	}

	sorted := func(s []string) []string {
		s = append([]string(nil), s...)
		sort.Strings(s)
		return s
	}
	if diff := cmp.Diff(sorted(rcptTo), sorted(m.To)); diff != "" {
		t.Errorf("wrong RCPT TO (-want +got):\n%s", diff)
	}
	return m
}

func (be *SMTPBackend) store(m *SMTPMessage) {
	be.mu.Lock()
	defer be.mu.Unlock()
	be.msgs = append(be.msgs, m)
}

type recorder struct {
	be   *SMTPBackend
	user string
	pass string
	cur  *SMTPMessage
}

func (r *recorder) Reset() {
	r.cur = nil
}

func (r *recorder) Logout() error {
	return nil
}

func (r *recorder) AuthPlain(username, password string) error {
	if r.be.AuthErr != nil {
		return r.be.AuthErr
	}
	r.user, r.pass = username, password
	return nil
}

func (r *recorder) Mail(from string, opts *smtp.MailOptions) error {
	r.cur = &SMTPMessage{From: from, AuthUser: r.user, AuthPass: r.pass}
	if opts != nil {
		r.cur.Opts = *opts
	}
	return nil
}

func (r *recorder) Rcpt(to string) error {
	if r.cur == nil {
		return errors.New("RCPT before MAIL")
	}

	r.be.mu.Lock()
	err := r.be.rcptErr[to]
	r.be.mu.Unlock()
	if err != nil {
		return err
	}

	r.cur.To = append(r.cur.To, to)
	return nil
}

func (r *recorder) Data(body io.Reader) error {
	if r.cur == nil {
		return errors.New("DATA before MAIL")
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	r.cur.Data = b
	r.be.store(r.cur)
	r.cur = nil
	return nil
}

// SMTPServer starts a server on a random local port and returns its
// address. The server is closed when the test ends.
func SMTPServer(t *testing.T, opts ...func(*smtp.Server)) (*SMTPBackend, string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	be := &SMTPBackend{}
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	for _, o := range opts {
		o(s)
	}

	go s.Serve(l) //nolint:errcheck
	t.Cleanup(func() { s.Close() })

	return be, l.Addr().String()
}

// selfSigned returns a certificate for 127.0.0.1 and the pool trusting it.
func selfSigned(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"mlist tests"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

// SMTPServerSTARTTLS is SMTPServer with STARTTLS enabled. The returned
// client config trusts the server certificate.
func SMTPServerSTARTTLS(t *testing.T, opts ...func(*smtp.Server)) (*tls.Config, *SMTPBackend, string) {
	t.Helper()

	cert, pool := selfSigned(t)
	be, addr := SMTPServer(t, append([]func(*smtp.Server){func(s *smtp.Server) {
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}}, opts...)...)

	return &tls.Config{ServerName: "127.0.0.1", RootCAs: pool}, be, addr
}

// ClosedPort returns an address nothing is listening on.
func ClosedPort(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}
