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
	"regexp"
	"strconv"
	"strings"

	"github.com/foxcpp/mlist/internal/msg"
)

// matchPattern describes one bounce format: addresses are collected by addr
// from the line matching start until the line matching end.
type matchPattern struct {
	start, end, addr *regexp.Regexp
}

func pat(start, end, addr string) matchPattern {
	return matchPattern{
		start: regexp.MustCompile("(?i)" + start),
		end:   regexp.MustCompile("(?i)" + end),
		addr:  regexp.MustCompile("(?i)" + addr),
	}
}

var simplePatterns = []matchPattern{
	// sdm.de
	pat(`here is your list of failed recipients`, `here is your returned mail`, `<(?P<addr>[^>]*)>`),
	// sz-sb.de, corridor.com, nfg.nl
	pat(`the following addresses had`, `transcript of session follows`,
		`<(?P<fulladdr>[^>]*)>|\(expanded from: <?(?P<addr>[^>)]*)>?\)`),
	// robanal.demon.co.uk
	pat(`this message was created automatically by mail delivery software`, `original message follows`,
		`rcpt to:\s*<(?P<addr>[^>]*)>`),
	// InterScan E-Mail VirusWall NT
	pat(`message from interscan e-mail viruswall nt`, `end of message`, `rcpt to:\s*<(?P<addr>[^>]*)>`),
	// Smail
	pat(`failed addresses follow:`, `message text follows:`, `\s*(?P<addr>\S+@\S+)`),
	// newmail.ru
	pat(`This is the machine generated message from mail service\.`,
		`--- Below the next line is a copy of the message\.`, `<(?P<addr>[^>]*)>`),
	// MDaemon
	pat(`The following addresses did NOT receive a copy of your message:`, `--- Session Transcript ---`,
		`[>]\s*(?P<addr>.*)$`),
	// usa.net
	pat(`Intended recipient:\s*(?P<addr>.*)$`, `--------RETURNED MAIL FOLLOWS--------`,
		`Intended recipient:\s*(?P<addr>.*)$`),
	// hotpop.com
	pat(`Undeliverable Address:\s*(?P<addr>.*)$`, `Original message attached`,
		`Undeliverable Address:\s*(?P<addr>.*)$`),
	// demon.co.uk
	pat(`This message was created automatically by mail delivery`, `^---- START OF RETURNED MESSAGE ----`,
		`addressed to '(?P<addr>[^']*)'`),
	// Prodigy.net full mailbox
	pat(`User's mailbox is full:`, `Unable to deliver mail\.`, `User's mailbox is full:\s*<(?P<addr>[^>]*)>`),
	// Microsoft SMTPSVC
	pat(`The email below could not be delivered to the following user:`, `Old message:`, `<(?P<addr>[^>]*)>`),
	// Yahoo on behalf of other domains
	pat(`Unable to deliver message to the following address\(es\)\.`, `--- Original message follows\.`,
		`<(?P<addr>[^>]*)>:`),
	// googlemail.com
	pat(`Delivery to the following recipient failed`, `----- Original message -----`,
		`^\s*(?P<addr>[^\s@]+@[^\s@]+)\s*$`),
	// kundenserver.de
	pat(`A message that you sent could not be delivered`, `^---`, `<(?P<addr>[^>]*)>`),
	pat(`A message that you sent could not be delivered`, `^---`, `^(?P<addr>[^\s@]+@[^\s@:]+):`),
	// thehartford.com, stops on the first line without '@' that does not
	// start with 'D'.
	pat(`Del(i|e)very to the following recipients (failed|was aborted)`, `^[^D][^@]{2,}$`,
		`^[\s*]*(?P<addr>[^\s@]+@[^\s@]+)\s*$`),
	pat(`^Your message\s*$`, `^because:`, `^\s*(?P<addr>[^\s@]+@[^\s@]+)\s*$`),
	// InterScan NT
	pat(`^Unable to deliver message to`, `\*+\s+End of message\s+\*+`, `<(?P<addr>[^>]*)>`),
	// earthlink.net
	pat(`^Sorry, unable to deliver your message to`, `^A copy of the original message`,
		`\s*(?P<addr>[^\s@]+@[^\s@]+)\s+`),
	// ademe.fr
	pat(`^A message could not be delivered to:`, `^Subject:`, `^\s*(?P<addr>[^\s@]+@[^\s@]+)\s*$`),
	// andrew.ac.jp
	pat(`^Invalid final delivery userid:`, `^Original message follows\.`, `\s*(?P<addr>[^\s@]+@[^\s@]+)\s*$`),
	// E500_SMTP_Mail_Service
	pat(`------ Failed Recipients ------`, `-------- Returned Mail --------`, `<(?P<addr>[^>]*)>`),
	// cynergycom.net
	pat(`A message that you sent could not be delivered`, `^---`, `(?P<addr>[^\s@]+@[^\s@)]+)`),
	// LSMTP for Windows
	pat(`^--> Error description:\s*$`, `^Error-End:`, `^Error-for:\s+(?P<addr>[^\s@]+@[^\s@]+)`),
	// qmail with a Spanish introduction
	pat(`Your message could not be delivered`, `^-`, `<(?P<addr>[^>]*)>:`),
	// socgen.com
	pat(`Your message could not be delivered to`, `^\s*$`, `(?P<addr>[^\s@]+@[^\s@]+)`),
	// dadoservice.it
	pat(`Your message has encountered delivery problems`, `Your message reads`,
		`addressed to\s*(?P<addr>[^\s@]+@[^\s@)]+)`),
	// gomaps.com
	pat(`Did not reach the following recipient`, `^\s*$`, `\s(?P<addr>[^\s@]+@[^\s@]+)`),
	// EYOU MTA
	pat(`This is the deliver program at`, `^-`, `^(?P<addr>[^\s@]+@[^\s@<>]+)`),
	// ieo.it qmail
	pat(`this is the email server at`, `^-`, `\s(?P<addr>[^\s@]+@[^\s@]+)[\s,]`),
	// MDaemon.PRO
	pat(`- no such user here`, `There is no user`, `^(?P<addr>[^\s@]+@[^\s@]+)\s`),
	// mxlogic.net
	pat(`The following address failed:`, `Included is a copy of the message header`, `<(?P<addr>[^>]+)>`),
	// fastdnsservers.com
	pat(`The following recipient\(s\) could not be reached`, `\s*Error Type`, `^(?P<addr>[^\s@]+@[^\s@<>]+)`),
	pat(`Could not deliver message to the following recipient`, `\s*-- The header`,
		`Failed Recipient: (?P<addr>[^\s@]+@[^\s@<>]+)`),
	// mta1.service.uci.edu
	pat(`Message not delivered to the following addresses`, `Error detail`, `\s*(?P<addr>[^\s@]+@[^\s@)]+)`),
}

var qpEscape = regexp.MustCompile(`=[a-fA-F0-9]{2}`)

// unquoteAddr decodes quoted-printable escapes some MTAs leave in the
// addresses.
func unquoteAddr(addr string) string {
	return strings.TrimSpace(qpEscape.ReplaceAllStringFunc(addr, func(esc string) string {
		b, err := strconv.ParseUint(esc[1:], 16, 8)
		if err != nil {
			return esc
		}
		return string(rune(b))
	}))
}

// bodyLines returns the lines of all text parts of the tree.
func bodyLines(root *msg.Part) []string {
	var lines []string
	_ = root.Walk(func(part, _ *msg.Part) error {
		if part.IsMultipart() || part.MainType() != "text" {
			return nil
		}
		text, _ := part.Text()
		for _, line := range strings.Split(text, "\n") {
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
		return nil
	})
	return lines
}

func (p matchPattern) scan(lines []string) []string {
	var (
		addrs    []string
		seen     = make(map[string]struct{})
		tagSeen  bool
		addrIndx = p.addr.SubexpIndex("addr")
	)
	for _, line := range lines {
		if !tagSeen && p.start.MatchString(line) {
			tagSeen = true
		}
		if !tagSeen {
			continue
		}
		if m := p.addr.FindStringSubmatch(line); m != nil {
			addr := unquoteAddr(m[addrIndx])
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; !ok {
				seen[addr] = struct{}{}
				addrs = append(addrs, addr)
			}
		} else if p.end.MatchString(line) {
			break
		}
	}
	return addrs
}

// SimpleMatch recognizes bounces of the common non-standard formats by
// their text.
var SimpleMatch = DetectorFunc(func(_ *msg.Message, root *msg.Part) ([]string, bool) {
	lines := bodyLines(root)
	for _, p := range simplePatterns {
		if addrs := p.scan(lines); len(addrs) != 0 {
			return addrs, false
		}
	}
	return nil, false
})
