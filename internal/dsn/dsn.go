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

// Package dsn reads delivery status notifications (RFC 3464).
//
// Only the fields needed to attribute a bounce to a recipient are
// extracted.
package dsn

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mlist/internal/msg"
)

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

// RecipientInfo is a per-recipient block of the report.
type RecipientInfo struct {
	OriginalRecipient string
	FinalRecipient    string
	RemoteMTA         string

	// Action is kept as received, some MTAs add comments after the
	// keyword.
	Action         string
	Status         string
	DiagnosticCode string
}

// Failed reports whether the delivery failed permanently.
func (info RecipientInfo) Failed() bool {
	return strings.HasPrefix(strings.ToLower(info.Action), "fail")
}

// Delayed reports whether the block is a delay warning.
func (info RecipientInfo) Delayed() bool {
	return strings.HasPrefix(strings.ToLower(info.Action), string(ActionDelayed))
}

// Recipient returns the address the report is about, Original-Recipient if
// present and Final-Recipient otherwise.
func (info RecipientInfo) Recipient() string {
	if addr := recipientAddr(info.OriginalRecipient); addr != "" {
		return addr
	}
	return recipientAddr(info.FinalRecipient)
}

// recipientAddr extracts the address of an "rfc822; addr" field. Values
// without the address type are accepted only in angle brackets.
func recipientAddr(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	typ, addr, ok := strings.Cut(value, ";")
	if !ok {
		if strings.HasPrefix(value, "<") && strings.HasSuffix(value, ">") {
			return value[1 : len(value)-1]
		}
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "rfc822", "utf-8", "utf8":
	default:
		return ""
	}

	addr = strings.TrimSpace(addr)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		return parsed.Address
	}
	return strings.Trim(addr, "<>")
}

type Report struct {
	ReportingMTA string
	Recipients   []RecipientInfo
}

// Parse reads the body of a message/delivery-status part: the per-message
// block followed by per-recipient blocks, separated by empty lines.
func Parse(body []byte) (*Report, error) {
	br := bufio.NewReader(bytes.NewReader(body))

	var blocks []textproto.Header
	for {
		if err := skipEmptyLines(br); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		h, err := textproto.ReadHeader(br)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		blocks = append(blocks, h)
		if err != nil {
			break
		}
	}
	if len(blocks) == 0 {
		return nil, errors.New("dsn: empty delivery status")
	}

	report := &Report{
		ReportingMTA: blocks[0].Get("Reporting-MTA"),
	}
	for _, h := range blocks[1:] {
		report.Recipients = append(report.Recipients, RecipientInfo{
			OriginalRecipient: h.Get("Original-Recipient"),
			FinalRecipient:    h.Get("Final-Recipient"),
			RemoteMTA:         h.Get("Remote-MTA"),
			Action:            strings.TrimSpace(h.Get("Action")),
			Status:            strings.TrimSpace(h.Get("Status")),
			DiagnosticCode:    h.Get("Diagnostic-Code"),
		})
	}
	return report, nil
}

func skipEmptyLines(br *bufio.Reader) error {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return err
		}
		if b[0] != '\r' && b[0] != '\n' {
			return nil
		}
		if _, err := br.ReadByte(); err != nil {
			return err
		}
	}
}

// isStatusPart matches message/delivery-status and its internationalized
// variant.
func isStatusPart(p *msg.Part) bool {
	typ, _ := p.ContentType()
	return typ == "message/delivery-status" || typ == "message/global-delivery-status"
}

// Find returns the reports of all delivery status parts in the tree.
// Malformed parts are skipped.
func Find(root *msg.Part) []*Report {
	var reports []*Report
	_ = root.Walk(func(part, _ *msg.Part) error {
		if !isStatusPart(part) {
			return nil
		}
		body, err := part.Decoded()
		if err != nil {
			return nil
		}
		report, err := Parse(body)
		if err != nil {
			return nil
		}
		reports = append(reports, report)
		return nil
	})
	return reports
}

// Failures returns the permanently failed recipients of the reports.
// delayed is set if there are delay warnings.
func Failures(reports []*Report) (failed []string, delayed bool) {
	seen := make(map[string]struct{})
	for _, report := range reports {
		for _, info := range report.Recipients {
			switch {
			case info.Failed():
				addr := info.Recipient()
				if addr == "" {
					continue
				}
				if _, ok := seen[addr]; ok {
					continue
				}
				seen[addr] = struct{}{}
				failed = append(failed, addr)
			case info.Delayed():
				delayed = true
			}
		}
	}
	return failed, delayed
}
