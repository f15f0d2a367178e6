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

package msg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// maxPartDepth limits nesting of multipart entities.
const maxPartDepth = 32

// contentFields are the header fields describing the body of an entity.
// They are moved between the message header and the root Part.
var contentFields = []string{
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Content-Description",
	"Content-Id",
}

// Part is a node of the MIME tree. Leaf parts keep Body in the transfer
// encoding it arrived in, multipart nodes have Children and no Body.
type Part struct {
	Header   textproto.Header
	Body     []byte
	Children []*Part

	// Preamble and Epilogue of multipart entities, kept for round trips.
	Preamble []byte
	Epilogue []byte
}

func parseMediaType(h textproto.Header) (string, map[string]string) {
	ct := h.Get("Content-Type")
	if ct == "" {
		return "text/plain", map[string]string{}
	}
	typ, params, err := mime.ParseMediaType(ct)
	if err != nil {
		// Broken Content-Type is treated as text/plain (RFC 2045, 5.2).
		return "text/plain", map[string]string{}
	}
	return typ, params
}

// ContentType returns the lowercased media type and its parameters.
func (p *Part) ContentType() (string, map[string]string) {
	return parseMediaType(p.Header)
}

// MainType returns "text" for "text/plain".
func (p *Part) MainType() string {
	typ, _ := p.ContentType()
	return strings.SplitN(typ, "/", 2)[0]
}

func (p *Part) IsMultipart() bool {
	return p.MainType() == "multipart"
}

// Filename returns the file name from Content-Disposition or the name
// parameter of Content-Type.
func (p *Part) Filename() string {
	if cd := p.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	_, params := p.ContentType()
	return params["name"]
}

// Walk calls fn for the part and all its descendants in depth-first order.
// parent is nil for the root.
func (p *Part) Walk(fn func(part, parent *Part) error) error {
	return p.walk(nil, fn)
}

func (p *Part) walk(parent *Part, fn func(part, parent *Part) error) error {
	if err := fn(p, parent); err != nil {
		return err
	}
	for _, child := range p.Children {
		if err := child.walk(p, fn); err != nil {
			return err
		}
	}
	return nil
}

// Decoded returns the body with the transfer encoding removed and text
// converted to UTF-8. Unknown charsets are returned undecoded along with
// the error.
func (p *Part) Decoded() ([]byte, error) {
	ent, err := message.New(message.Header{Header: p.Header}, bytes.NewReader(p.Body))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	decoded, readErr := io.ReadAll(ent.Body)
	if readErr != nil {
		return nil, readErr
	}
	return decoded, err
}

// Text is Decoded as a string.
func (p *Part) Text() (string, error) {
	b, err := p.Decoded()
	return string(b), err
}

// SetText replaces the body with UTF-8 text of the specified subtype
// ("plain" if empty). Format and DelSp parameters of the old Content-Type
// are preserved.
func (p *Part) SetText(subtype, text string) {
	if subtype == "" {
		subtype = "plain"
	}
	_, oldParams := p.ContentType()
	params := map[string]string{"charset": "utf-8"}
	for _, k := range []string{"format", "delsp"} {
		if v, ok := oldParams[k]; ok {
			params[k] = v
		}
	}
	p.Header.Set("Content-Type", mime.FormatMediaType("text/"+subtype, params))
	p.Children = nil
	p.Body, p.Header = encodeBody(p.Header, []byte(text))
}

// NewTextPart creates a text/plain part.
func NewTextPart(text string) *Part {
	p := &Part{}
	p.SetText("plain", text)
	return p
}

// NewMessagePart creates a message/rfc822 part containing m.
func NewMessagePart(m *Message) *Part {
	p := &Part{Body: m.Bytes()}
	p.Header.Set("Content-Type", "message/rfc822")
	p.Header.Set("Content-Transfer-Encoding", "8bit")
	return p
}

// NewMultipart creates a multipart/<subtype> node.
func NewMultipart(subtype string, children ...*Part) *Part {
	p := &Part{Children: children}
	p.Header.Set("Content-Type", "multipart/"+subtype)
	return p
}

func needsQP(b []byte) bool {
	lineLen := 0
	for _, c := range b {
		if c >= 0x80 || c == 0 {
			return true
		}
		if c == '\n' {
			lineLen = 0
			continue
		}
		lineLen++
		if lineLen > 76 {
			return true
		}
	}
	return false
}

func encodeBody(h textproto.Header, data []byte) ([]byte, textproto.Header) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !needsQP(data) {
		h.Set("Content-Transfer-Encoding", "7bit")
		return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n")), h
	}

	var buf bytes.Buffer
	qp := quotedprintable.NewWriter(&buf)
	qp.Write(data)
	qp.Close()
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return buf.Bytes(), h
}

// Parts parses the message body into a MIME tree. The root part header
// contains the Content-* fields of the message header.
func (m *Message) Parts() (*Part, error) {
	var h textproto.Header
	for _, k := range contentFields {
		for _, v := range m.Header.Values(k) {
			h.Add(k, v)
		}
	}
	return parsePart(h, m.Body, 0)
}

func parsePart(h textproto.Header, body []byte, depth int) (*Part, error) {
	p := &Part{Header: h}
	typ, params := parseMediaType(h)
	if !strings.HasPrefix(typ, "multipart/") || params["boundary"] == "" {
		p.Body = body
		return p, nil
	}
	if depth >= maxPartDepth {
		return nil, errors.New("msg: multipart nesting is too deep")
	}

	boundary := params["boundary"]
	delim := []byte("--" + boundary)
	if idx := bytes.Index(body, delim); idx > 0 {
		p.Preamble = body[:idx]
	}
	endDelim := []byte("\n--" + boundary + "--")
	if idx := bytes.LastIndex(body, endDelim); idx != -1 {
		rest := body[idx+len(endDelim):]
		if i := bytes.IndexByte(rest, '\n'); i != -1 {
			p.Epilogue = rest[i+1:]
		}
	}

	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("msg: malformed multipart: %w", err)
		}
		partBody, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("msg: malformed multipart: %w", err)
		}
		child, err := parsePart(part.Header, partBody, depth+1)
		if err != nil {
			return nil, err
		}
		p.Children = append(p.Children, child)
	}
	return p, nil
}

// SetParts replaces the message body with the serialized tree and the
// Content-* fields of the message header with the root part fields.
func (m *Message) SetParts(root *Part) error {
	var buf bytes.Buffer
	h, err := root.writeBody(&buf)
	if err != nil {
		return err
	}
	for _, k := range contentFields {
		m.Header.Del(k)
	}
	for _, k := range contentFields {
		for _, v := range h.Values(k) {
			m.Header.Add(k, v)
		}
	}
	if !m.Header.Has("Mime-Version") {
		m.Header.Set("Mime-Version", "1.0")
	}
	m.Body = buf.Bytes()
	return nil
}

// writeBody writes the entity body and returns the header to use for it,
// boundary parameters are regenerated for multipart nodes.
func (p *Part) writeBody(w io.Writer) (textproto.Header, error) {
	h := p.Header.Copy()
	if len(p.Children) == 0 && (!p.IsMultipart() || len(p.Body) != 0) {
		_, err := w.Write(p.Body)
		return h, err
	}

	typ, params := p.ContentType()
	if !strings.HasPrefix(typ, "multipart/") {
		typ = "multipart/mixed"
	}

	bw := bufio.NewWriter(w)
	if len(p.Preamble) != 0 {
		bw.Write(p.Preamble)
	}
	mw := textproto.NewMultipartWriter(bw)
	params["boundary"] = mw.Boundary()
	h.Set("Content-Type", mime.FormatMediaType(typ, params))
	h.Del("Content-Transfer-Encoding")

	for _, child := range p.Children {
		var childBody bytes.Buffer
		childHdr, err := child.writeBody(&childBody)
		if err != nil {
			return h, err
		}
		pw, err := mw.CreatePart(childHdr)
		if err != nil {
			return h, err
		}
		if _, err := pw.Write(childBody.Bytes()); err != nil {
			return h, err
		}
	}
	if err := mw.Close(); err != nil {
		return h, err
	}
	if len(p.Epilogue) != 0 {
		bw.Write(p.Epilogue)
	}
	return h, bw.Flush()
}
