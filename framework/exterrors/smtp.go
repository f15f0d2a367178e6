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

package exterrors

import (
	"fmt"
	"net"
)

type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is an error that carries an SMTP reply. It is returned by the
// relay client and converted into replies by the LMTP acceptor.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string

	// Human-readable explanation for the log, not sent to the client.
	Reason string

	// Underlying error, if any.
	Err error

	// Additional fields for the log.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(se.Misc)+4)
	for k, v := range se.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = se.Code
	fields["smtp_enchcode"] = se.EnhancedCode.String()
	fields["smtp_msg"] = se.Message
	if se.Reason != "" {
		fields["reason"] = se.Reason
	}
	return fields
}

// Temporary reports whether the reply code is a 4xx code.
func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return fmt.Sprintf("%d %s %s", se.Code, se.EnhancedCode, se.Message)
}

// SMTPCode returns temporaryCode if err is temporary, permanentCode
// otherwise.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is similar to SMTPCode but fills the first element of the
// enhanced code (class) depending on the error classification.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}

// UnwrapDNSErr extracts the resolver error text from a *net.DNSError.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		return "", map[string]interface{}{}
	}
	return dnsErr.Err, map[string]interface{}{
		"dns_name": dnsErr.Name,
	}
}
