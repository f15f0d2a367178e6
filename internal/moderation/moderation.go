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

// Package moderation implements the held request operations: holding
// messages and (un)subscriptions for moderator review and acting on them.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Action is a moderator decision on a request.
type Action string

const (
	Defer   Action = "defer"
	Accept  Action = "accept"
	Reject  Action = "reject"
	Discard Action = "discard"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case Defer, Accept, Reject, Discard:
		return a, nil
	case "hold":
		return Defer, nil
	}
	return "", fmt.Errorf("moderation: unknown action: %s", s)
}

// Keys of the held message request data. The "_mod_" prefix marks values
// that exist only while the message is held.
const (
	keyMessageID = "_mod_message_id"
	keyStoreKey  = "_mod_store_key"
	keySender    = "_mod_sender"
	keySubject   = "_mod_subject"
	keyReason    = "_mod_reason"
	keyHoldDate  = "_mod_hold_date"
	keyLanguage  = "_mod_language"
	keyMetadata  = "_mod_metadata"

	keyToken       = "token"
	keyAddress     = "address"
	keyDisplayName = "display_name"
	keyPassword    = "password"
	keyMode        = "delivery_mode"
	keyLang        = "language"
)

// ModPrefix is the prefix of metadata annotations removed when a held
// message is accepted.
const ModPrefix = "_mod_"

// DefaultTokenLifetime is how long the confirmation tokens of held requests
// stay valid.
const DefaultTokenLifetime = 3 * 24 * time.Hour

var ErrWrongType = errors.New("moderation: request has a different type")

type Moderator struct {
	Requests mlist.RequestStore
	Messages mlist.MessageStore
	Pending  mlist.PendingStore
	Roster   mlist.Roster

	// In receives accepted messages for another pass through the
	// posting chain, Bad receives the preserved copies.
	In  *switchboard.Switchboard
	Bad *switchboard.Switchboard

	Notify *notify.Notifier

	TokenLifetime time.Duration
	Now           func() time.Time
	Log           log.Logger
}

func (mod *Moderator) now() time.Time {
	if mod.Now != nil {
		return mod.Now()
	}
	return time.Now()
}

func (mod *Moderator) tokenLifetime() time.Duration {
	if mod.TokenLifetime == 0 {
		return DefaultTokenLifetime
	}
	return mod.TokenLifetime
}

// PendingType is the type of the pending tokens referencing held requests.
const PendingType = "held_request"

func (mod *Moderator) addRequest(ctx context.Context, list *mlist.List, typ mlist.RequestType, key string, data map[string]string) (*mlist.Request, error) {
	token, err := mod.Pending.Add(ctx, mlist.Pendable{
		"type":         PendingType,
		"request_type": string(typ),
		"list_id":      list.ListID(),
		"key":          key,
	}, mod.tokenLifetime())
	if err != nil {
		return nil, fmt.Errorf("moderation: %w", err)
	}
	data[keyToken] = token

	req := &mlist.Request{
		ListID: list.ListID(),
		Type:   typ,
		Key:    key,
		Data:   data,
	}
	id, err := mod.Requests.AddRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("moderation: %w", err)
	}
	req.ID = id

	heldRequests.WithLabelValues(string(typ)).Inc()
	return req, nil
}

// FindByToken returns the request referenced by a confirmation token
// without consuming the token.
func (mod *Moderator) FindByToken(ctx context.Context, list *mlist.List, token string) (*mlist.Request, error) {
	data, err := mod.Pending.Confirm(ctx, token, false)
	if err != nil {
		return nil, err
	}
	if data["type"] != PendingType || data["list_id"] != list.ListID() {
		return nil, mlist.ErrNoSuchPending
	}
	reqs, err := mod.Requests.Requests(ctx, list.ListID())
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		if req.Data[keyToken] == token {
			return req, nil
		}
	}
	return nil, mlist.ErrNoSuchRequest
}

// HoldMessage stores the message and creates a held message request.
// The Data of the returned request contains the confirmation token under
// "token".
func (mod *Moderator) HoldMessage(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata, reason string) (*mlist.Request, error) {
	msgID := m.EnsureMessageID(list.MailHost)
	storeKey := list.ListID() + "/" + uuid.NewString()
	if err := mod.Messages.AddMessage(ctx, storeKey, m); err != nil {
		return nil, fmt.Errorf("moderation: %w", err)
	}

	metaBytes, err := md.Marshal()
	if err != nil {
		return nil, fmt.Errorf("moderation: %w", err)
	}

	sender := md.OriginalSender
	if senders := m.Senders(md.OriginalSender); len(senders) != 0 {
		sender = senders[0]
	}
	lang := md.Lang
	if lang == "" {
		lang = list.PreferredLanguage
	}

	data := md.VolatileStrings(ModPrefix)
	data[keyMessageID] = msgID
	data[keyStoreKey] = storeKey
	data[keySender] = sender
	data[keySubject] = m.Subject()
	data[keyReason] = reason
	data[keyHoldDate] = mod.now().UTC().Format(time.RFC3339)
	data[keyLanguage] = lang
	data[keyMetadata] = string(metaBytes)

	req, err := mod.addRequest(ctx, list, mlist.RequestHeldMessage, msgID, data)
	if err != nil {
		return nil, err
	}
	mod.Log.Msg("message held", "list", list.ListID(), "msg_id_hash", md.MessageIDHash,
		"request_id", req.ID, "sender", sender, "reason", reason)
	return req, nil
}

// HoldSubscription creates a held subscription request. password is
// stored as a bcrypt hash, it can be empty.
func (mod *Moderator) HoldSubscription(ctx context.Context, list *mlist.List, addr, displayName, password string, mode mlist.DeliveryMode, lang string) (*mlist.Request, error) {
	data := map[string]string{
		keyAddress:     addr,
		keyDisplayName: displayName,
		keyMode:        string(mode),
		keyLang:        lang,
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("moderation: %w", err)
		}
		data[keyPassword] = string(hash)
	}

	req, err := mod.addRequest(ctx, list, mlist.RequestSubscription, addr, data)
	if err != nil {
		return nil, err
	}
	mod.Log.Msg("subscription held", "list", list.ListID(), "request_id", req.ID, "address", addr)

	if list.AdminImmedNotify {
		err := mod.Notify.NoticeAdmins(ctx, list,
			"New subscription request to "+list.DisplayName+" from "+addr, "subauth",
			map[string]string{"address": addr, "request_id": strconv.Itoa(req.ID)}, nil)
		if err != nil {
			mod.Log.Error("failed to notify administrators", err, "list", list.ListID())
		}
	}
	return req, nil
}

// HoldUnsubscription creates a held unsubscription request.
func (mod *Moderator) HoldUnsubscription(ctx context.Context, list *mlist.List, addr string) (*mlist.Request, error) {
	req, err := mod.addRequest(ctx, list, mlist.RequestUnsubscription, addr, map[string]string{
		keyAddress: addr,
	})
	if err != nil {
		return nil, err
	}
	mod.Log.Msg("unsubscription held", "list", list.ListID(), "request_id", req.ID, "address", addr)

	if list.AdminImmedNotify {
		err := mod.Notify.NoticeAdmins(ctx, list,
			"New unsubscription request from "+list.DisplayName+" by "+addr, "unsubauth",
			map[string]string{"address": addr, "request_id": strconv.Itoa(req.ID)}, nil)
		if err != nil {
			mod.Log.Error("failed to notify administrators", err, "list", list.ListID())
		}
	}
	return req, nil
}

func (mod *Moderator) getRequest(ctx context.Context, list *mlist.List, id int, typ mlist.RequestType) (*mlist.Request, error) {
	req, err := mod.Requests.GetRequest(ctx, list.ListID(), id)
	if err != nil {
		return nil, err
	}
	if req.Type != typ {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, req.Type)
	}
	return req, nil
}

func (mod *Moderator) deleteRequest(ctx context.Context, req *mlist.Request) error {
	if err := mod.Requests.DeleteRequest(ctx, req.ListID, req.ID); err != nil {
		return err
	}
	if token := req.Data[keyToken]; token != "" {
		if _, err := mod.Pending.Confirm(ctx, token, true); err != nil && !errors.Is(err, mlist.ErrNoSuchPending) {
			mod.Log.Error("failed to drop request token", err, "list", req.ListID, "request_id", req.ID)
		}
	}
	return nil
}

// MessageOptions are the optional parameters of HandleMessage.
type MessageOptions struct {
	// Comment is included in the refusal notice.
	Comment string
	// Preserve puts a copy of the message into the bad queue.
	Preserve bool
	// Forward lists addresses receiving a copy of the held message.
	Forward []string
}

// HandleMessage applies the moderator decision to a held message.
func (mod *Moderator) HandleMessage(ctx context.Context, list *mlist.List, id int, action Action, opts MessageOptions) error {
	req, err := mod.getRequest(ctx, list, id, mlist.RequestHeldMessage)
	if err != nil {
		return err
	}
	if action == Defer {
		return nil
	}

	msgID := req.Data[keyMessageID]
	m, err := mod.Messages.GetMessage(ctx, heldKey(req))
	if err != nil && !errors.Is(err, mlist.ErrNoSuchMessage) {
		return fmt.Errorf("moderation: %w", err)
	}
	l := mod.Log.With("list", list.ListID(), "request_id", id, "msg_id", msgID)

	if m != nil && opts.Preserve && mod.Bad != nil {
		md := msg.NewMetadata(list.ListID())
		md.MessageIDHash = msg.MessageIDHash(msgID)
		if _, err := mod.Bad.Enqueue(m, md); err != nil {
			return fmt.Errorf("moderation: %w", err)
		}
	}
	if m != nil {
		for _, addr := range opts.Forward {
			if err := mod.forward(ctx, list, addr, m); err != nil {
				l.Error("forward failed", err, "rcpt", addr)
			}
		}
	}

	switch action {
	case Accept:
		if m == nil {
			return fmt.Errorf("moderation: held message %s is missing from the message store", msgID)
		}
		if err := mod.reinject(list, m, req); err != nil {
			return err
		}
		l.Msg("held message accepted")
	case Reject:
		sender := req.Data[keySender]
		subject := req.Data[keySubject]
		if err := mod.refuse(ctx, list, sender, `Posting of your message titled "`+subject+`"`, opts.Comment, m); err != nil {
			l.Error("failed to send refusal", err, "rcpt", sender)
		}
		l.Msg("held message rejected", "sender", sender)
	case Discard:
		l.Msg("held message discarded")
	default:
		return fmt.Errorf("moderation: unknown action: %s", action)
	}

	if err := mod.deleteRequest(ctx, req); err != nil {
		return fmt.Errorf("moderation: %w", err)
	}
	if err := mod.Messages.DeleteMessage(ctx, heldKey(req)); err != nil {
		l.Error("failed to delete held message", err)
	}
	return nil
}

// reinject puts the accepted message into the in queue with the metadata
// it had when held, minus the moderation annotations.
func (mod *Moderator) reinject(list *mlist.List, m *msg.Message, req *mlist.Request) error {
	md, err := msg.UnmarshalMetadata([]byte(req.Data[keyMetadata]))
	if err != nil {
		mod.Log.Error("held metadata is unreadable, using defaults", err, "list", list.ListID(), "request_id", req.ID)
		md = msg.NewMetadata(list.ListID())
	}
	md.StripPrefix(ModPrefix)
	md.ListID = list.ListID()
	md.Approved = true
	md.ModeratorApproved = true
	md.MessageIDHash = m.AddMessageIDHash()

	m.Header.Del("X-Mailman-Approved-At")
	m.Header.Set("X-Mailman-Approved-At", mod.now().Local().Format(time.RFC1123Z))

	if _, err := mod.In.Enqueue(m, md); err != nil {
		return fmt.Errorf("moderation: %w", err)
	}
	return nil
}

func (mod *Moderator) forward(ctx context.Context, list *mlist.List, addr string, held *msg.Message) error {
	lang := mod.Notify.UserLanguage(ctx, list, addr)
	text, err := mod.Notify.Render(list, lang, "forward", nil)
	if err != nil {
		return err
	}
	m, err := mod.Notify.WithOriginal(list.OwnerAddress(), []string{addr}, "Forward of moderated message", text, held)
	if err != nil {
		return err
	}
	return mod.Notify.Send(list, m, []string{addr})
}

// refuse notifies addr that its request was rejected. original is attached
// if not nil.
func (mod *Moderator) refuse(ctx context.Context, list *mlist.List, addr, request, comment string, original *msg.Message) error {
	if addr == "" {
		return errors.New("moderation: no address to send the refusal to")
	}
	if comment == "" {
		comment = "[No reason given]"
	}
	lang := mod.Notify.UserLanguage(ctx, list, addr)
	text, err := mod.Notify.Render(list, lang, "refuse", map[string]string{
		"request": request,
		"reason":  comment,
	})
	if err != nil {
		return err
	}

	subject := `Request to mailing list "` + list.DisplayName + `" rejected`
	var m *msg.Message
	if original != nil {
		m, err = mod.Notify.WithOriginal(list.OwnerAddress(), []string{addr}, subject, text, original)
	} else {
		m, err = mod.Notify.Text(list.OwnerAddress(), []string{addr}, subject, text)
	}
	if err != nil {
		return err
	}
	return mod.Notify.Send(list, m, []string{addr})
}

// HandleSubscription applies the moderator decision to a held subscription.
func (mod *Moderator) HandleSubscription(ctx context.Context, list *mlist.List, id int, action Action, comment string) error {
	req, err := mod.getRequest(ctx, list, id, mlist.RequestSubscription)
	if err != nil {
		return err
	}
	addr := req.Data[keyAddress]
	l := mod.Log.With("list", list.ListID(), "request_id", id, "address", addr)

	switch action {
	case Defer:
		return nil
	case Accept:
		mem := mlist.NewMember(list.ListID(), addr, mlist.RoleMember)
		mem.DisplayName = req.Data[keyDisplayName]
		if mode := mlist.DeliveryMode(req.Data[keyMode]); mode != "" {
			mem.DeliveryMode = mode
		}
		mem.PreferredLanguage = req.Data[keyLang]
		mem.SubscribedAt = mod.now()
		if err := mod.Roster.Subscribe(ctx, mem); err != nil && !errors.Is(err, mlist.ErrAlreadyMember) {
			return fmt.Errorf("moderation: %w", err)
		}
		l.Msg("subscription accepted")
		mod.membershipNotices(ctx, list, addr, "subscribeack", "Welcome to the \""+list.DisplayName+"\" mailing list", list.SendWelcomeMessage)
	case Reject:
		if err := mod.refuse(ctx, list, addr, "Subscription request", comment, nil); err != nil {
			l.Error("failed to send refusal", err)
		}
		l.Msg("subscription rejected")
	case Discard:
		l.Msg("subscription discarded")
	default:
		return fmt.Errorf("moderation: unknown action: %s", action)
	}

	return mod.deleteRequest(ctx, req)
}

// HandleUnsubscription applies the moderator decision to a held
// unsubscription.
func (mod *Moderator) HandleUnsubscription(ctx context.Context, list *mlist.List, id int, action Action, comment string) error {
	req, err := mod.getRequest(ctx, list, id, mlist.RequestUnsubscription)
	if err != nil {
		return err
	}
	addr := req.Data[keyAddress]
	l := mod.Log.With("list", list.ListID(), "request_id", id, "address", addr)

	switch action {
	case Defer:
		return nil
	case Accept:
		mem, err := mod.Roster.GetMember(ctx, list.ListID(), mlist.RoleMember, addr)
		if err != nil && !errors.Is(err, mlist.ErrNoSuchMember) {
			return fmt.Errorf("moderation: %w", err)
		}
		if mem != nil {
			// The goodbye notice is rendered in the member language, so it is
			// sent before the member is removed.
			mod.membershipNotices(ctx, list, addr, "unsubscribeack", "You have been unsubscribed from the "+list.DisplayName+" mailing list", list.SendGoodbyeMessage)
			if err := mod.Roster.Unsubscribe(ctx, mem.ID); err != nil {
				return fmt.Errorf("moderation: %w", err)
			}
		}
		l.Msg("unsubscription accepted")
	case Reject:
		if err := mod.refuse(ctx, list, addr, "Unsubscription request", comment, nil); err != nil {
			l.Error("failed to send refusal", err)
		}
		l.Msg("unsubscription rejected")
	case Discard:
		l.Msg("unsubscription discarded")
	default:
		return fmt.Errorf("moderation: unknown action: %s", action)
	}

	return mod.deleteRequest(ctx, req)
}

func (mod *Moderator) membershipNotices(ctx context.Context, list *mlist.List, addr, tmpl, subject string, toUser bool) {
	if toUser {
		if err := mod.Notify.NoticeUser(ctx, list, addr, subject, tmpl, map[string]string{"address": addr}); err != nil {
			mod.Log.Error("failed to notify user", err, "list", list.ListID(), "rcpt", addr)
		}
	}
	if list.AdminNotifyMchanges {
		err := mod.Notify.NoticeAdmins(ctx, list, list.DisplayName+" membership change: "+addr, tmpl,
			map[string]string{"address": addr}, nil)
		if err != nil {
			mod.Log.Error("failed to notify administrators", err, "list", list.ListID())
		}
	}
}

// Handle dispatches the decision to the operation for the request type.
func (mod *Moderator) Handle(ctx context.Context, list *mlist.List, id int, action Action, comment string) error {
	req, err := mod.Requests.GetRequest(ctx, list.ListID(), id)
	if err != nil {
		return err
	}
	switch req.Type {
	case mlist.RequestHeldMessage:
		return mod.HandleMessage(ctx, list, id, action, MessageOptions{Comment: comment})
	case mlist.RequestSubscription:
		return mod.HandleSubscription(ctx, list, id, action, comment)
	case mlist.RequestUnsubscription:
		return mod.HandleUnsubscription(ctx, list, id, action, comment)
	}
	return fmt.Errorf("moderation: unknown request type: %s", req.Type)
}

// HeldMessage returns the stored message of a held message request.
func (mod *Moderator) HeldMessage(ctx context.Context, list *mlist.List, id int) (*msg.Message, *mlist.Request, error) {
	req, err := mod.getRequest(ctx, list, id, mlist.RequestHeldMessage)
	if err != nil {
		return nil, nil, err
	}
	m, err := mod.Messages.GetMessage(ctx, heldKey(req))
	if err != nil {
		return nil, nil, err
	}
	return m, req, nil
}

// heldKey returns the message store key of a held message request. Each hold
// has its own key, so the same message held on two lists is stored twice.
func heldKey(req *mlist.Request) string {
	if k := req.Data[keyStoreKey]; k != "" {
		return k
	}
	return req.Data[keyMessageID]
}

// Summary describes the request in one line for listings.
func Summary(req *mlist.Request) string {
	switch req.Type {
	case mlist.RequestHeldMessage:
		return fmt.Sprintf("message %s from %s, subject %q, held at %s: %s",
			req.Key, req.Data[keySender], req.Data[keySubject], req.Data[keyHoldDate], req.Data[keyReason])
	case mlist.RequestSubscription:
		if name := req.Data[keyDisplayName]; name != "" {
			return fmt.Sprintf("subscription of %s (%s), %s delivery", req.Key, name, req.Data[keyMode])
		}
		return fmt.Sprintf("subscription of %s, %s delivery", req.Key, req.Data[keyMode])
	case mlist.RequestUnsubscription:
		return "unsubscription of " + req.Key
	}
	return fmt.Sprintf("%s %s", req.Type, req.Key)
}
