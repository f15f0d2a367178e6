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

// Package mlist contains the mailing list data model: lists, members,
// held requests, bounce events and pending tokens, together with the store
// interfaces the processing stages depend on.
package mlist

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Action is a moderation decision.
type Action string

const (
	// ActionUnset means the list or site default applies.
	ActionUnset   Action = ""
	ActionDefer   Action = "defer"
	ActionAccept  Action = "accept"
	ActionHold    Action = "hold"
	ActionReject  Action = "reject"
	ActionDiscard Action = "discard"
)

func (a Action) Valid() bool {
	switch a {
	case ActionDefer, ActionAccept, ActionHold, ActionReject, ActionDiscard:
		return true
	}
	return false
}

type Personalization string

const (
	PersonalizeNone       Personalization = "none"
	PersonalizeIndividual Personalization = "individual"
	PersonalizeFull       Personalization = "full"
)

type ReplyToMunging string

const (
	NoMunging      ReplyToMunging = "no_munging"
	PointToList    ReplyToMunging = "point_to_list"
	ExplicitHeader ReplyToMunging = "explicit_header"
)

type ArchivePolicy string

const (
	ArchiveNever   ArchivePolicy = "never"
	ArchivePrivate ArchivePolicy = "private"
	ArchivePublic  ArchivePolicy = "public"
)

type SubscriptionPolicy string

const (
	SubscribeOpen                SubscriptionPolicy = "open"
	SubscribeConfirm             SubscriptionPolicy = "confirm"
	SubscribeModerate            SubscriptionPolicy = "moderate"
	SubscribeConfirmThenModerate SubscriptionPolicy = "confirm_then_moderate"
)

// BounceForward selects the destination of bounces nobody could be
// identified in.
type BounceForward string

const (
	ForwardToDiscard        BounceForward = "discard"
	ForwardToAdministrators BounceForward = "administrators"
	ForwardToSiteOwner      BounceForward = "site_owner"
)

type DMARCMitigation string

const (
	DMARCNone    DMARCMitigation = "no_mitigation"
	DMARCMunge   DMARCMitigation = "munge_from"
	DMARCWrap    DMARCMitigation = "wrap_message"
	DMARCReject  DMARCMitigation = "reject"
	DMARCDiscard DMARCMitigation = "discard"
)

// FilterAction is applied to messages rejected by content filtering.
// Accept, hold and defer are accepted for compatibility and treated as
// discard.
type FilterAction string

const (
	FilterDiscard  FilterAction = "discard"
	FilterReject   FilterAction = "reject"
	FilterForward  FilterAction = "forward"
	FilterPreserve FilterAction = "preserve"
	FilterAccept   FilterAction = "accept"
	FilterHold     FilterAction = "hold"
	FilterDefer    FilterAction = "defer"
)

type NewsModeration string

const (
	NewsNone      NewsModeration = "none"
	NewsOpen      NewsModeration = "open_moderated"
	NewsModerated NewsModeration = "moderated"
)

// DigestFrequency is how often the digest volume number is increased.
type DigestFrequency string

const (
	DigestYearly    DigestFrequency = "yearly"
	DigestMonthly   DigestFrequency = "monthly"
	DigestQuarterly DigestFrequency = "quarterly"
	DigestWeekly    DigestFrequency = "weekly"
	DigestDaily     DigestFrequency = "daily"
)

// HeaderMatch is a list-specific header check. An unset Action means the
// header-match chain default (hold) is used.
type HeaderMatch struct {
	Header  string `json:"header"`
	Pattern string `json:"pattern"`
	Action  Action `json:"action,omitempty"`
}

// List is a mailing list. It is identified by the posting address
// ListName@MailHost.
type List struct {
	ListName    string
	MailHost    string
	DisplayName string
	Description string
	Info        string
	CreatedAt   time.Time

	PreferredLanguage string

	PostingChain    string
	OwnerChain      string
	PostingPipeline string
	OwnerPipeline   string

	// Moderation.
	EmergencyMode              bool
	DefaultMemberAction        Action
	DefaultNonmemberAction     Action
	AcceptTheseNonmembers      []string
	HoldTheseNonmembers        []string
	RejectTheseNonmembers      []string
	DiscardTheseNonmembers     []string
	MaxNumRecipients           int
	MaxMessageSize             int // KiB, 0 disables the check
	HeaderMatches              []HeaderMatch
	SuspiciousHeaders          []string
	BannedAddresses            []string
	AdministriviaCheck         bool
	RequireExplicitDestination bool
	AcceptableAliases          []string
	NewsModeration             NewsModeration
	ModeratorPassword          string // bcrypt hash
	AdminPassword              string // bcrypt hash, owner password
	ForwardAutoDiscards        bool
	AdminImmedNotify           bool
	AdminNotifyMchanges        bool
	RespondToPostRequests      bool
	MemberRejectionNotice      string
	NonmemberRejectionNotice   string
	DMARCMitigateAction        DMARCMitigation
	DMARCMitigateUncond        bool
	DMARCModerationNotice      string
	DMARCWrappedMessageText    string

	// Content filtering.
	FilterContent          bool
	FilterTypes            []string
	PassTypes              []string
	FilterExtensions       []string
	PassExtensions         []string
	FilterAction           FilterAction
	ConvertHTMLToPlaintext bool
	CollapseAlternatives   bool
	ScrubNondigest         bool

	// Headers.
	SubjectPrefix         string
	IncludeRFC2369Headers bool
	IncludeListPostHeader bool
	AllowListPosts        bool
	ReplyGoesToList       ReplyToMunging
	ReplyToAddress        string
	FirstStripReplyTo     bool
	AnonymousList         bool

	Personalize Personalization

	// Archiving.
	ArchivePolicy ArchivePolicy
	Archivers     []string

	// Digests.
	DigestsEnabled        bool
	DigestSizeThreshold   int // KiB
	DigestSendPeriodic    bool
	DigestVolumeFrequency DigestFrequency
	DigestLastSentAt      time.Time
	Volume                int
	NextDigestNumber      int

	// Bounce processing.
	ProcessBounces                       bool
	BounceScoreThreshold                 float64
	BounceInfoStaleAfter                 time.Duration
	BounceYouAreDisabledWarnings         int
	BounceYouAreDisabledWarningsInterval time.Duration
	BounceNotifyOwnerOnDisable           bool
	BounceNotifyOwnerOnRemoval           bool
	ForwardUnrecognizedBouncesTo         BounceForward

	SubscriptionPolicy   SubscriptionPolicy
	UnsubscriptionPolicy SubscriptionPolicy
	SendWelcomeMessage   bool
	SendGoodbyeMessage   bool

	// Counters.
	PostID     int
	LastPostAt time.Time
}

// New returns a list with the default settings.
func New(listName, mailHost string) *List {
	return &List{
		ListName:                             strings.ToLower(listName),
		MailHost:                             strings.ToLower(mailHost),
		DisplayName:                          strings.ToUpper(listName[:1]) + listName[1:],
		CreatedAt:                            time.Now(),
		PreferredLanguage:                    "en",
		PostingChain:                         "default-posting-chain",
		OwnerChain:                           "default-owner-chain",
		PostingPipeline:                      "default-posting-pipeline",
		OwnerPipeline:                        "default-owner-pipeline",
		DefaultMemberAction:                  ActionDefer,
		DefaultNonmemberAction:               ActionHold,
		MaxNumRecipients:                     10,
		MaxMessageSize:                       40,
		AdministriviaCheck:                   true,
		RequireExplicitDestination:           true,
		NewsModeration:                       NewsNone,
		AdminImmedNotify:                     true,
		RespondToPostRequests:                true,
		DMARCMitigateAction:                  DMARCNone,
		FilterAction:                         FilterDiscard,
		CollapseAlternatives:                 true,
		SubjectPrefix:                        "[" + listName + "] ",
		IncludeRFC2369Headers:                true,
		IncludeListPostHeader:                true,
		AllowListPosts:                       true,
		ReplyGoesToList:                      NoMunging,
		Personalize:                          PersonalizeNone,
		ArchivePolicy:                        ArchivePublic,
		DigestsEnabled:                       true,
		DigestSizeThreshold:                  30,
		DigestSendPeriodic:                   true,
		DigestVolumeFrequency:                DigestMonthly,
		Volume:                               1,
		NextDigestNumber:                     1,
		ProcessBounces:                       true,
		BounceScoreThreshold:                 5,
		BounceInfoStaleAfter:                 7 * 24 * time.Hour,
		BounceYouAreDisabledWarnings:         3,
		BounceYouAreDisabledWarningsInterval: 7 * 24 * time.Hour,
		BounceNotifyOwnerOnDisable:           true,
		BounceNotifyOwnerOnRemoval:           true,
		ForwardUnrecognizedBouncesTo:         ForwardToAdministrators,
		SubscriptionPolicy:                   SubscribeConfirm,
		UnsubscriptionPolicy:                 SubscribeOpen,
		SendWelcomeMessage:                   true,
		SendGoodbyeMessage:                   true,
	}
}

// FQDN is the posting address.
func (l *List) FQDN() string {
	return l.ListName + "@" + l.MailHost
}

// ListID is the RFC 2919 identifier: listname.mailhost.
func (l *List) ListID() string {
	return l.ListName + "." + l.MailHost
}

func (l *List) PostingAddress() string { return l.FQDN() }

func (l *List) subaddress(sub string) string {
	return l.ListName + "-" + sub + "@" + l.MailHost
}

func (l *List) BouncesAddress() string { return l.subaddress("bounces") }
func (l *List) OwnerAddress() string   { return l.subaddress("owner") }
func (l *List) RequestAddress() string { return l.subaddress("request") }
func (l *List) JoinAddress() string    { return l.subaddress("join") }
func (l *List) LeaveAddress() string   { return l.subaddress("leave") }

// ConfirmAddress returns the address replies confirming token are sent to.
func (l *List) ConfirmAddress(token string) string {
	return l.ListName + "-confirm+" + token + "@" + l.MailHost
}

// CheckPassword reports whether password matches the owner or the moderator
// password of the list.
func (l *List) CheckPassword(password string) bool {
	if password == "" {
		return false
	}
	for _, hash := range []string{l.AdminPassword, l.ModeratorPassword} {
		if hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil {
			return true
		}
	}
	return false
}

// Copy returns a deep copy of the list settings.
func (l *List) Copy() *List {
	c := *l
	cp := func(s []string) []string {
		if s == nil {
			return nil
		}
		return append([]string(nil), s...)
	}
	c.AcceptTheseNonmembers = cp(l.AcceptTheseNonmembers)
	c.HoldTheseNonmembers = cp(l.HoldTheseNonmembers)
	c.RejectTheseNonmembers = cp(l.RejectTheseNonmembers)
	c.DiscardTheseNonmembers = cp(l.DiscardTheseNonmembers)
	c.SuspiciousHeaders = cp(l.SuspiciousHeaders)
	c.BannedAddresses = cp(l.BannedAddresses)
	c.AcceptableAliases = cp(l.AcceptableAliases)
	c.FilterTypes = cp(l.FilterTypes)
	c.PassTypes = cp(l.PassTypes)
	c.FilterExtensions = cp(l.FilterExtensions)
	c.PassExtensions = cp(l.PassExtensions)
	c.Archivers = cp(l.Archivers)
	if l.HeaderMatches != nil {
		c.HeaderMatches = append([]HeaderMatch(nil), l.HeaderMatches...)
	}
	return &c
}
