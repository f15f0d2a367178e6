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
	"context"
	"errors"
	"time"

	"github.com/foxcpp/mlist/internal/msg"
)

var (
	ErrNoSuchList    = errors.New("mlist: no such list")
	ErrListExists    = errors.New("mlist: list already exists")
	ErrNoSuchMember  = errors.New("mlist: no such member")
	ErrAlreadyMember = errors.New("mlist: already a member")
	ErrNoSuchRequest = errors.New("mlist: no such request")
	ErrNoSuchMessage = errors.New("mlist: no such message")
)

// ListManager stores list settings.
type ListManager interface {
	// GetList looks up a list by the posting address.
	GetList(ctx context.Context, fqdn string) (*List, error)
	GetListByID(ctx context.Context, listID string) (*List, error)
	Lists(ctx context.Context) ([]*List, error)
	CreateList(ctx context.Context, l *List) error
	UpdateList(ctx context.Context, l *List) error
	DeleteList(ctx context.Context, fqdn string) error
}

// Roster stores list memberships.
type Roster interface {
	// GetMember looks up a member by address. ErrNoSuchMember is returned if
	// the address is not subscribed in the role.
	GetMember(ctx context.Context, listID string, role Role, addr string) (*Member, error)
	MemberByID(ctx context.Context, id string) (*Member, error)
	Members(ctx context.Context, listID string, role Role) ([]*Member, error)
	Subscribe(ctx context.Context, m *Member) error
	UpdateMember(ctx context.Context, m *Member) error
	Unsubscribe(ctx context.Context, id string) error

	// One-last-digest records are created when a digest member switches to
	// regular delivery, so the pending digest is still sent to them.
	AddOneLastDigest(ctx context.Context, listID, memberID string, mode DeliveryMode) error
	OneLastDigests(ctx context.Context, listID string) (map[string]DeliveryMode, error)
	ClearOneLastDigests(ctx context.Context, listID string) error
}

type RequestType string

const (
	RequestHeldMessage    RequestType = "held_message"
	RequestSubscription   RequestType = "subscription"
	RequestUnsubscription RequestType = "unsubscription"
)

// Request is a held action waiting for a moderator.
type Request struct {
	ID     int
	ListID string
	Type   RequestType
	// Key is the Message-ID for held messages and the address for
	// subscription requests.
	Key  string
	Data map[string]string
}

// RequestStore stores held requests per list.
type RequestStore interface {
	AddRequest(ctx context.Context, r *Request) (int, error)
	GetRequest(ctx context.Context, listID string, id int) (*Request, error)
	Requests(ctx context.Context, listID string) ([]*Request, error)
	DeleteRequest(ctx context.Context, listID string, id int) error
}

type BounceContext string

const (
	BounceNormal BounceContext = "normal"
	BounceProbe  BounceContext = "probe"
)

// BounceEvent is recorded when a bounce is attributed to an address.
type BounceEvent struct {
	ID        int
	ListID    string
	Email     string
	Timestamp time.Time
	MessageID string
	Context   BounceContext
	Processed bool
}

type BounceStore interface {
	AddBounceEvent(ctx context.Context, ev *BounceEvent) error
	UnprocessedBounceEvents(ctx context.Context) ([]*BounceEvent, error)
	BounceEvents(ctx context.Context, listID string) ([]*BounceEvent, error)
	MarkBounceProcessed(ctx context.Context, id int) error
}

// Pendable is data associated with a pending confirmation token.
type Pendable map[string]string

// PendingStore keeps confirmation tokens: probes, subscription
// confirmations and held request references.
type PendingStore interface {
	// Add stores data and returns a new unique token valid for lifetime.
	Add(ctx context.Context, data Pendable, lifetime time.Duration) (string, error)
	// Confirm returns the data for the token. With expunge set the token is
	// removed, so a second call returns ErrNoSuchPending.
	Confirm(ctx context.Context, token string, expunge bool) (Pendable, error)
	// Evict removes expired tokens.
	Evict(ctx context.Context) error
}

var ErrNoSuchPending = errors.New("mlist: no such pending token")

// MessageStore keeps complete messages under a caller-chosen key, used for
// held messages. The same message may be stored under several keys, one per
// hold request.
type MessageStore interface {
	AddMessage(ctx context.Context, key string, m *msg.Message) error
	GetMessage(ctx context.Context, key string) (*msg.Message, error)
	DeleteMessage(ctx context.Context, key string) error
}

// AutoResponseStore counts automatic responses sent per day.
type AutoResponseStore interface {
	// AutoResponses returns how many responses of the kind were sent to addr
	// on the day of now.
	AutoResponses(ctx context.Context, listID, addr, kind string, now time.Time) (int, error)
	IncrementAutoResponses(ctx context.Context, listID, addr, kind string, now time.Time) error
}

// Store combines the persistent state of lists.
type Store interface {
	ListManager
	Roster
	RequestStore
	BounceStore
	AutoResponseStore
}
