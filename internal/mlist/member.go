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

package mlist

import (
	"time"

	"github.com/emersion/go-message/mail"
)

type Role string

const (
	RoleMember    Role = "member"
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleNonmember Role = "nonmember"
)

type DeliveryMode string

const (
	DeliveryRegular     DeliveryMode = "regular"
	DeliveryMIMEDigest  DeliveryMode = "mime_digests"
	DeliveryPlainDigest DeliveryMode = "plaintext_digests"
)

func (m DeliveryMode) IsDigest() bool {
	return m == DeliveryMIMEDigest || m == DeliveryPlainDigest
}

type DeliveryStatus string

const (
	StatusEnabled     DeliveryStatus = "enabled"
	StatusByUser      DeliveryStatus = "by_user"
	StatusByBounce    DeliveryStatus = "by_bounce"
	StatusByModerator DeliveryStatus = "by_moderator"
	StatusUnknown     DeliveryStatus = "unknown"
)

// Member is a subscription of an address to a list in a role. A person
// subscribed as a member and as an owner has two Members.
type Member struct {
	ID          string
	ListID      string
	Address     string
	DisplayName string
	Role        Role

	DeliveryMode      DeliveryMode
	DeliveryStatus    DeliveryStatus
	PreferredLanguage string

	AcknowledgePosts   bool
	ReceiveOwnPostings bool
	// ModerationAction overrides the list default member action.
	ModerationAction Action

	BounceScore        float64
	LastBounceReceived time.Time
	LastWarningSent    time.Time
	TotalWarningsSent  int

	SubscribedAt time.Time
}

// NewMember returns a member with the default preferences.
func NewMember(listID, addr string, role Role) *Member {
	return &Member{
		ListID:             listID,
		Address:            addr,
		Role:               role,
		DeliveryMode:       DeliveryRegular,
		DeliveryStatus:     StatusEnabled,
		ReceiveOwnPostings: true,
		SubscribedAt:       time.Now(),
	}
}

// Enabled reports whether the member receives list mail at all.
func (m *Member) Enabled() bool {
	return m.DeliveryStatus == StatusEnabled
}

// FormattedAddress returns the address with the display name, as used in
// the To field of personalized deliveries.
func (m *Member) FormattedAddress() string {
	if m.DisplayName == "" {
		return m.Address
	}
	return (&mail.Address{Name: m.DisplayName, Address: m.Address}).String()
}
