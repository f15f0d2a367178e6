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

// Package address contains helpers for email addresses as used in rosters
// and envelopes: splitting, normalization and VERP encoding.
package address

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

var ErrUnicodeMailbox = errors.New("address: cannot convert the Unicode local-part to the ACE form")

// Split splits the address into the local part and the domain at the last
// at-sign. The special "postmaster" address has an empty domain.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	idx := strings.LastIndexByte(addr, '@')
	if idx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox, domain = addr[:idx], addr[idx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return mailbox, domain, nil
}

// ForLookup returns the canonical form of the address used as a key in
// rosters: the domain is converted to U-labels, both parts are NFC
// normalized and lower-cased.
//
// On error, lower-cased addr is returned together with the error.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}
	mbox = strings.ToLower(norm.NFC.String(mbox))
	if domain == "" {
		return mbox, nil
	}

	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	return mbox + "@" + strings.ToLower(norm.NFC.String(uDomain)), nil
}

// Equal reports whether addresses are equal after ForLookup normalization.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}
	a1, _ := ForLookup(addr1)
	a2, _ := ForLookup(addr2)
	return a1 == a2
}

// ToASCII converts the domain to A-labels. It fails with ErrUnicodeMailbox
// if the local part is not ASCII.
func ToASCII(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if !IsASCII(mbox) {
		return addr, ErrUnicodeMailbox
	}
	if domain == "" {
		return mbox, nil
	}
	aDomain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, err
	}
	return mbox + "@" + aDomain, nil
}

func IsASCII(s string) bool {
	for _, ch := range s {
		if ch >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Domain returns the domain of addr or an empty string.
func Domain(addr string) string {
	_, domain, err := Split(addr)
	if err != nil {
		return ""
	}
	return domain
}

// Local returns the local part of addr or an empty string.
func Local(addr string) string {
	mbox, _, err := Split(addr)
	if err != nil {
		return ""
	}
	return mbox
}
