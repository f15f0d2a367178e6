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
	"crypto/sha1"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// MessageIDHash computes the value of the X-Message-ID-Hash field: the first
// 32 characters of base32(SHA1(id)), where id is the Message-ID without
// surrounding whitespace and angle brackets.
func MessageIDHash(msgID string) string {
	id := strings.TrimSpace(msgID)
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		id = id[1 : len(id)-1]
	}
	sum := sha1.Sum([]byte(id))
	return base32.StdEncoding.EncodeToString(sum[:])[:32]
}

// AddMessageIDHash sets X-Message-ID-Hash from the Message-ID field,
// replacing any existing value, and returns the hash. Messages without
// Message-ID are left unchanged.
func (m *Message) AddMessageIDHash() string {
	msgID := m.MessageID()
	if msgID == "" {
		return ""
	}
	hash := MessageIDHash(msgID)
	m.Header.Del("X-Message-ID-Hash")
	m.Header.Add("X-Message-ID-Hash", hash)
	return hash
}

// GenerateMessageID returns a new unique Message-ID for the domain.
func GenerateMessageID(domain string) string {
	return "<" + uuid.New().String() + "@" + domain + ">"
}

// EnsureMessageID adds a Message-ID if the message has none and returns the
// resulting value.
func (m *Message) EnsureMessageID(domain string) string {
	if id := m.MessageID(); id != "" {
		return id
	}
	id := GenerateMessageID(domain)
	m.Header.Set("Message-Id", id)
	return id
}
