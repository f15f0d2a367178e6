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

// Package msg contains the in-flight message representation shared by all
// processing stages: the RFC 5322 message, its MIME part tree and the
// metadata record carried between queues.
package msg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mlist/framework/address"
)

// Message is a parsed RFC 5322 message. Header is mutable, Body contains the
// raw body exactly as it was received.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// Read parses the message header and reads the rest of r as the body.
func Read(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("msg: malformed header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	return &Message{Header: hdr, Body: body}, nil
}

// ReadBytes is a shortcut for Read(bytes.NewReader(b)).
func ReadBytes(b []byte) (*Message, error) {
	return Read(bytes.NewReader(b))
}

// WriteTo writes the message in the wire format.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := countingWriter{w: w}
	if err := textproto.WriteHeader(&cw, m.Header); err != nil {
		return cw.n, err
	}
	_, err := cw.Write(m.Body)
	return cw.n, err
}

func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	// bytes.Buffer never fails.
	_, _ = m.WriteTo(&buf)
	return buf.Bytes()
}

// Size is the length of the message in the wire format.
func (m *Message) Size() int {
	var cw countingWriter
	_, _ = m.WriteTo(&cw)
	return int(cw.n)
}

func (m *Message) Clone() *Message {
	return &Message{
		Header: m.Header.Copy(),
		Body:   append([]byte(nil), m.Body...),
	}
}

// MessageID returns the Message-ID field value with surrounding whitespace
// removed. Angle brackets are kept.
func (m *Message) MessageID() string {
	return strings.TrimSpace(m.Header.Get("Message-Id"))
}

// Subject returns the decoded Subject field. Undecodable encoded words are
// returned as is.
func (m *Message) Subject() string {
	h := m.mailHeader()
	subj, err := h.Subject()
	if err != nil {
		return m.Header.Get("Subject")
	}
	return subj
}

// SetSubject sets the Subject field, encoding it if it contains non-ASCII
// characters.
func (m *Message) SetSubject(s string) {
	h := m.mailHeader()
	h.SetSubject(s)
	m.Header = h.Header.Header
}

// AddressList parses an address list field. Malformed fields yield nil.
func (m *Message) AddressList(field string) []*mail.Address {
	h := m.mailHeader()
	addrs, err := h.AddressList(field)
	if err != nil {
		return nil
	}
	return addrs
}

// Sender returns the first From address, lowercased, or an empty string.
func (m *Message) Sender() string {
	from := m.AddressList("From")
	if len(from) == 0 {
		return ""
	}
	return strings.ToLower(from[0].Address)
}

// Senders returns the addresses the message claims to be sent by, in the
// order From, envelope sender, Reply-To, Sender. Duplicates are removed.
func (m *Message) Senders(envelopeSender string) []string {
	var res []string
	seen := make(map[string]bool)
	add := func(addr string) {
		if addr == "" {
			return
		}
		norm, err := address.ForLookup(addr)
		if err != nil {
			norm = strings.ToLower(addr)
		}
		if seen[norm] {
			return
		}
		seen[norm] = true
		res = append(res, norm)
	}

	for _, a := range m.AddressList("From") {
		add(a.Address)
	}
	add(envelopeSender)
	for _, field := range []string{"Reply-To", "Sender"} {
		for _, a := range m.AddressList(field) {
			add(a.Address)
		}
	}
	return res
}

func (m *Message) mailHeader() mail.Header {
	return mail.Header{Header: message.Header{Header: m.Header}}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	if cw.w == nil {
		cw.n += int64(len(b))
		return len(b), nil
	}
	n, err := cw.w.Write(b)
	cw.n += int64(n)
	return n, err
}
