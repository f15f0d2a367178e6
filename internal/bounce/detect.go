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

package bounce

import (
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/internal/dsn"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

// verpFields are searched for the VERP-encoded bounces address. Not every
// MTA keeps the envelope recipient in To.
var verpFields = []string{"To", "Delivered-To", "Envelope-To", "Apparently-To"}

func headerAddrs(m *msg.Message) []string {
	var addrs []string
	for _, field := range verpFields {
		for _, value := range m.Header.Values(field) {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if parsed, err := mail.ParseAddress(value); err == nil {
				addrs = append(addrs, parsed.Address)
				continue
			}
			addrs = append(addrs, strings.Trim(value, "<>"))
		}
	}
	return addrs
}

func bouncesLocal(list *mlist.List) string {
	return address.Local(list.BouncesAddress())
}

// VERPRecipients returns the addresses encoded into the bounces address the
// message was sent to.
func VERPRecipients(list *mlist.List, m *msg.Message) []string {
	local := bouncesLocal(list)
	var rcpts []string
	for _, addr := range headerAddrs(m) {
		if !strings.EqualFold(address.Domain(addr), list.MailHost) {
			continue
		}
		rcpt, ok := address.DecodeVERP(addr, local)
		if !ok {
			continue
		}
		rcpts = append(rcpts, rcpt)
		break
	}
	return rcpts
}

// ProbeTokens returns the probe tokens encoded into the bounces address the
// message was sent to.
func ProbeTokens(list *mlist.List, m *msg.Message) []string {
	local := bouncesLocal(list)
	var tokens []string
	for _, addr := range headerAddrs(m) {
		if !strings.EqualFold(address.Domain(addr), list.MailHost) {
			continue
		}
		if token, ok := address.DecodeProbe(addr, local); ok {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// Detector extracts the permanently failed addresses from a bounce. stop is
// set for recognized bounces that must be ignored, such as delay
// notifications.
type Detector interface {
	Detect(m *msg.Message, root *msg.Part) (addrs []string, stop bool)
}

type DetectorFunc func(m *msg.Message, root *msg.Part) ([]string, bool)

func (f DetectorFunc) Detect(m *msg.Message, root *msg.Part) ([]string, bool) {
	return f(m, root)
}

// DSN recognizes delivery status notifications. A report with only delay
// warnings stops the scan.
var DSN = DetectorFunc(func(_ *msg.Message, root *msg.Part) ([]string, bool) {
	failed, delayed := dsn.Failures(dsn.Find(root))
	if len(failed) == 0 && delayed {
		return nil, true
	}
	return failed, false
})

// DefaultDetectors are tried in order, the first one with a result wins.
var DefaultDetectors = []Detector{DSN, SimpleMatch}

// Scan runs the detectors over m.
func Scan(detectors []Detector, m *msg.Message) (addrs []string, stop bool) {
	root, err := m.Parts()
	if err != nil {
		root = &msg.Part{Body: m.Body}
	}
	for _, d := range detectors {
		addrs, stop := d.Detect(m, root)
		if stop {
			return nil, true
		}
		if len(addrs) != 0 {
			return addrs, false
		}
	}
	return nil, false
}
