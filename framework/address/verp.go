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

package address

import (
	"regexp"
	"strings"
)

var (
	verpRe  = regexp.MustCompile(`^([^+]+?)\+([^=]+)=([^@]+)@(.*)$`)
	probeRe = regexp.MustCompile(`^([^+]+?)\+([^@=]+)@(.*)$`)
)

// EncodeVERP builds the envelope sender that encodes rcpt into the bounces
// address:
//
//	test-bounces@example.com + anne@example.org
//	  -> test-bounces+anne=example.org@example.com
func EncodeVERP(bounces, rcpt string) (string, error) {
	bLocal, bDomain, err := Split(bounces)
	if err != nil {
		return "", err
	}
	rLocal, rDomain, err := Split(rcpt)
	if err != nil {
		return "", err
	}
	return bLocal + "+" + rLocal + "=" + rDomain + "@" + bDomain, nil
}

// DecodeVERP reverses EncodeVERP. ok is false if addr does not have the VERP
// form or its bounces local part is not bouncesLocal (compared
// case-insensitively).
func DecodeVERP(addr, bouncesLocal string) (rcpt string, ok bool) {
	m := verpRe.FindStringSubmatch(strings.TrimSpace(addr))
	if m == nil {
		return "", false
	}
	if !strings.EqualFold(m[1], bouncesLocal) {
		return "", false
	}
	return m[2] + "@" + m[3], true
}

// EncodeProbe builds the envelope sender carrying a probe token.
func EncodeProbe(bounces, token string) (string, error) {
	bLocal, bDomain, err := Split(bounces)
	if err != nil {
		return "", err
	}
	return bLocal + "+" + token + "@" + bDomain, nil
}

// DecodeProbe extracts the probe token. Addresses in the VERP form are not
// probe addresses.
func DecodeProbe(addr, bouncesLocal string) (token string, ok bool) {
	m := probeRe.FindStringSubmatch(strings.TrimSpace(addr))
	if m == nil {
		return "", false
	}
	if !strings.EqualFold(m[1], bouncesLocal) {
		return "", false
	}
	return m[2], true
}
