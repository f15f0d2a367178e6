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

package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/dmarc"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

// ModerationActionKey is the volatile metadata key holding the action the
// moderation chain applies.
const ModerationActionKey = "_moderation_action"

func setModeration(env *Env, action mlist.Action, sender string) {
	env.Meta.Set(ModerationActionKey, string(action))
	env.Meta.ModerationSender = sender
}

type ruleFunc struct {
	name string
	fn   func(ctx context.Context, env *Env) (bool, error)
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Check(ctx context.Context, env *Env) (bool, error) {
	return r.fn(ctx, env)
}

// RuleFunc wraps a function into a Rule.
func RuleFunc(name string, fn func(ctx context.Context, env *Env) (bool, error)) Rule {
	return ruleFunc{name: name, fn: fn}
}

type truthRule struct{}

func (truthRule) Name() string                                 { return "truth" }
func (truthRule) Check(_ context.Context, _ *Env) (bool, error) { return true, nil }
func (truthRule) Unrecorded() bool                             { return true }

// anyRule hits if any earlier rule hit.
type anyRule struct{}

func (anyRule) Name() string { return "any" }
func (anyRule) Check(_ context.Context, env *Env) (bool, error) {
	return len(env.Meta.RuleHits) != 0, nil
}
func (anyRule) Unrecorded() bool { return true }

var approvedFields = []string{"Approved", "Approve", "X-Approved", "X-Approve"}

var approvedLine = regexp.MustCompile(`(?i)^\s*(?:x-)?approved?:\s*(.*?)\s*$`)

// approvedRule checks the moderator password supplied by the poster. The
// password is removed from the message whether it is valid or not.
type approvedRule struct{}

func (approvedRule) Name() string { return "approved" }

func (approvedRule) Check(_ context.Context, env *Env) (bool, error) {
	if env.Meta.ModeratorApproved {
		env.Meta.Approved = true
		return true, nil
	}

	var password string
	for _, field := range approvedFields {
		if v := strings.TrimSpace(env.Msg.Header.Get(field)); v != "" && password == "" {
			password = v
		}
		env.Msg.Header.Del(field)
	}
	if password == "" {
		password = stripBodyPassword(env.Msg)
	}

	if !env.List.CheckPassword(password) {
		return false, nil
	}
	env.Meta.Approved = true
	return true, nil
}

func firstTextPart(root *msg.Part) *msg.Part {
	var found *msg.Part
	root.Walk(func(p, _ *msg.Part) error {
		if found != nil || len(p.Children) != 0 {
			return nil
		}
		if typ, _ := p.ContentType(); typ == "text/plain" {
			found = p
		}
		return nil
	})
	return found
}

// stripBodyPassword looks for the password in the first nonblank line of
// the first text/plain part. If found, the line and the blank line after
// it are removed.
func stripBodyPassword(m *msg.Message) string {
	root, err := m.Parts()
	if err != nil {
		return ""
	}
	part := firstTextPart(root)
	if part == nil {
		return ""
	}
	text, err := part.Text()
	if err != nil {
		return ""
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		match := approvedLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if match == nil {
			return ""
		}
		rest := lines[i+1:]
		if len(rest) != 0 && strings.TrimSpace(rest[0]) == "" {
			rest = rest[1:]
		}
		part.SetText("plain", strings.Join(append(lines[:i:i], rest...), "\n"))
		if err := m.SetParts(root); err != nil {
			return ""
		}
		return match[1]
	}
	return ""
}

type emergencyRule struct{}

func (emergencyRule) Name() string { return "emergency" }

func (emergencyRule) Check(_ context.Context, env *Env) (bool, error) {
	if !env.List.EmergencyMode || env.Meta.ModeratorApproved {
		return false, nil
	}
	env.Reason("Emergency moderation is in effect for this list")
	return true, nil
}

// loopRule detects messages this list already distributed.
type loopRule struct{}

func (loopRule) Name() string { return "loop" }

func (loopRule) Check(_ context.Context, env *Env) (bool, error) {
	posting := strings.ToLower(env.List.PostingAddress())
	for _, v := range env.Msg.Header.Values("X-BeenThere") {
		if strings.ToLower(strings.TrimSpace(v)) == posting {
			return true, nil
		}
	}
	return false, nil
}

// matchAddress reports whether addr is in the list of addresses. Entries
// starting with ^ are case-insensitive regexps anchored at the start.
func matchAddress(l log.Logger, patterns []string, addr string) bool {
	for _, p := range patterns {
		if !strings.HasPrefix(p, "^") {
			if address.Equal(p, addr) {
				return true
			}
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			l.Error("malformed address pattern", err, "pattern", p)
			continue
		}
		if re.MatchString(addr) {
			return true
		}
	}
	return false
}

type bannedRule struct {
	siteBans []string
	log      log.Logger
}

func (bannedRule) Name() string { return "banned-address" }

func (r bannedRule) Check(_ context.Context, env *Env) (bool, error) {
	for _, sender := range env.Senders() {
		if matchAddress(r.log, r.siteBans, sender) || matchAddress(r.log, env.List.BannedAddresses, sender) {
			env.Reason("Message sender %s is banned from this list", sender)
			return true, nil
		}
	}
	return false, nil
}

type dmarcRule struct {
	resolver dmarc.Resolver
	log      log.Logger
}

func (dmarcRule) Name() string { return "dmarc-moderation" }

func (r dmarcRule) Check(ctx context.Context, env *Env) (bool, error) {
	list := env.List
	if r.resolver == nil || list.DMARCMitigateAction == mlist.DMARCNone || list.DMARCMitigateAction == "" {
		return false, nil
	}
	from := env.Msg.Sender()
	if from == "" {
		return false, nil
	}
	prohibited, err := dmarc.Prohibited(ctx, r.resolver, from)
	if err != nil {
		r.log.Error("DMARC policy lookup failed", err, "list", list.ListID(), "from", from)
		return false, nil
	}
	if !prohibited {
		return false, nil
	}
	env.Meta.DMARC = true

	switch list.DMARCMitigateAction {
	case mlist.DMARCDiscard:
		env.Reason("DMARC moderation")
		setModeration(env, mlist.ActionDiscard, from)
		return true, nil
	case mlist.DMARCReject:
		notice := list.DMARCModerationNotice
		if notice == "" {
			notice = "You are not allowed to post to this mailing list From: a domain which " +
				"publishes a DMARC policy of reject or quarantine, and your message has been " +
				"automatically rejected.  If you think that your messages are being rejected in " +
				"error, contact the mailing list owner at " + list.OwnerAddress() + "."
		}
		env.Meta.ModerationReasons = []string{notice}
		setModeration(env, mlist.ActionReject, from)
		return true, nil
	}
	// Munging and wrapping happen in the pipeline.
	return false, nil
}

type memberModerationRule struct {
	roster mlist.Roster
}

func (memberModerationRule) Name() string { return "member-moderation" }

func (r memberModerationRule) Check(ctx context.Context, env *Env) (bool, error) {
	for _, sender := range env.Senders() {
		member, err := r.roster.GetMember(ctx, env.List.ListID(), mlist.RoleMember, sender)
		if err != nil {
			if errors.Is(err, mlist.ErrNoSuchMember) {
				continue
			}
			return false, err
		}
		action := member.ModerationAction
		if action == mlist.ActionUnset {
			action = env.List.DefaultMemberAction
		}
		if action == mlist.ActionDefer || action == mlist.ActionUnset {
			return false, nil
		}
		setModeration(env, action, sender)
		env.Reason("The message comes from a moderated member")
		return true, nil
	}
	return false, nil
}

type nonmemberModerationRule struct {
	roster mlist.Roster
	log    log.Logger
}

func (nonmemberModerationRule) Name() string { return "nonmember-moderation" }

func (r nonmemberModerationRule) Check(ctx context.Context, env *Env) (bool, error) {
	list := env.List
	senders := env.Senders()
	if len(senders) == 0 {
		setModeration(env, mlist.ActionHold, "")
		env.Reason("No sender was found in the message.")
		return true, nil
	}

	member, err := mlist.FindMember(ctx, r.roster, list.ListID(), mlist.RoleMember, senders)
	if err != nil {
		return false, err
	}
	if member != nil {
		return false, nil
	}

	lists := []struct {
		action mlist.Action
		addrs  []string
	}{
		{mlist.ActionAccept, list.AcceptTheseNonmembers},
		{mlist.ActionHold, list.HoldTheseNonmembers},
		{mlist.ActionReject, list.RejectTheseNonmembers},
		{mlist.ActionDiscard, list.DiscardTheseNonmembers},
	}

	for _, sender := range senders {
		for _, l := range lists {
			if matchAddress(r.log, l.addrs, sender) {
				setModeration(env, l.action, sender)
				env.Reason("The sender is in the nonmember %s list", l.action)
				return true, nil
			}
		}

		nonmember, err := r.nonmember(ctx, list, sender)
		if err != nil {
			return false, err
		}
		action := nonmember.ModerationAction
		if action == mlist.ActionUnset {
			action = list.DefaultNonmemberAction
		}
		if action == mlist.ActionDefer || action == mlist.ActionUnset {
			return false, nil
		}
		setModeration(env, action, sender)
		env.Reason("The message is not from a list member")
		return true, nil
	}
	return false, nil
}

// nonmember returns the nonmember record of the sender, creating it on the
// first post so moderators can set a per-sender action.
func (r nonmemberModerationRule) nonmember(ctx context.Context, list *mlist.List, sender string) (*mlist.Member, error) {
	m, err := r.roster.GetMember(ctx, list.ListID(), mlist.RoleNonmember, sender)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, mlist.ErrNoSuchMember) {
		return nil, err
	}
	m = mlist.NewMember(list.ListID(), sender, mlist.RoleNonmember)
	if err := r.roster.Subscribe(ctx, m); err != nil && !errors.Is(err, mlist.ErrAlreadyMember) {
		return nil, err
	}
	return m, nil
}

// commandArgs lists the email commands with the allowed argument counts.
var commandArgs = map[string][2]int{
	"confirm":     {1, 1},
	"help":        {0, 0},
	"info":        {0, 0},
	"join":        {0, 3},
	"leave":       {0, 1},
	"lists":       {0, 0},
	"options":     {0, 0},
	"password":    {2, 2},
	"remove":      {0, 0},
	"set":         {3, 3},
	"subscribe":   {0, 3},
	"unsubscribe": {0, 1},
	"who":         {0, 2},
}

// administriviaMaxLines is the number of nonblank body lines searched for
// commands.
const administriviaMaxLines = 10

type administriviaRule struct{}

func (administriviaRule) Name() string { return "administrivia" }

func (administriviaRule) Check(_ context.Context, env *Env) (bool, error) {
	if !env.List.AdministriviaCheck {
		return false, nil
	}
	if words := strings.Fields(env.Msg.Subject()); len(words) != 0 {
		if _, ok := commandArgs[strings.ToLower(words[0])]; ok {
			env.Reason("Message contains administrivia")
			return true, nil
		}
	}

	root, err := env.Msg.Parts()
	if err != nil {
		return false, nil
	}
	part := firstTextPart(root)
	if part == nil {
		return false, nil
	}
	text, err := part.Text()
	if err != nil {
		return false, nil
	}

	lineno := 0
	for _, line := range strings.Split(text, "\n") {
		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}
		lineno++
		if lineno > administriviaMaxLines {
			break
		}
		args, ok := commandArgs[strings.ToLower(words[0])]
		if !ok {
			continue
		}
		if n := len(words) - 1; n >= args[0] && n <= args[1] {
			env.Reason("Message contains administrivia")
			return true, nil
		}
	}
	return false, nil
}

type implicitDestRule struct {
	log log.Logger
}

func (implicitDestRule) Name() string { return "implicit-dest" }

func (r implicitDestRule) Check(_ context.Context, env *Env) (bool, error) {
	list := env.List
	if !list.RequireExplicitDestination {
		return false, nil
	}
	aliases := append([]string{list.PostingAddress()}, list.AcceptableAliases...)
	for _, field := range []string{"To", "Cc", "Resent-To", "Resent-Cc"} {
		for _, a := range env.Msg.AddressList(field) {
			if matchAddress(r.log, aliases, strings.ToLower(a.Address)) {
				return false, nil
			}
		}
	}
	env.Reason("Message has implicit destination")
	return true, nil
}

type maxRecipientsRule struct{}

func (maxRecipientsRule) Name() string { return "max-recipients" }

func (maxRecipientsRule) Check(_ context.Context, env *Env) (bool, error) {
	limit := env.List.MaxNumRecipients
	if limit <= 0 {
		return false, nil
	}
	count := len(env.Msg.AddressList("To")) + len(env.Msg.AddressList("Cc"))
	if count <= limit {
		return false, nil
	}
	env.Reason("Message has more than %d recipients", limit)
	return true, nil
}

type maxSizeRule struct{}

func (maxSizeRule) Name() string { return "max-size" }

func (maxSizeRule) Check(_ context.Context, env *Env) (bool, error) {
	limit := env.List.MaxMessageSize
	if limit <= 0 {
		return false, nil
	}
	size := env.Meta.OriginalSize
	if size == 0 {
		size = env.Msg.Size()
	}
	if size <= limit*1024 {
		return false, nil
	}
	env.Reason("The message is larger than the %d KB maximum size", limit)
	return true, nil
}

type newsModerationRule struct{}

func (newsModerationRule) Name() string { return "news-moderation" }

func (newsModerationRule) Check(_ context.Context, env *Env) (bool, error) {
	if env.List.NewsModeration != mlist.NewsModerated {
		return false, nil
	}
	env.Reason("Post to a moderated newsgroup gateway")
	return true, nil
}

type noSubjectRule struct{}

func (noSubjectRule) Name() string { return "no-subject" }

func (noSubjectRule) Check(_ context.Context, env *Env) (bool, error) {
	subject := strings.TrimSpace(env.Msg.Subject())
	if prefix := strings.TrimSpace(env.List.SubjectPrefix); prefix != "" {
		subject = strings.TrimSpace(strings.TrimPrefix(subject, prefix))
	}
	if subject != "" {
		return false, nil
	}
	env.Reason("Message has no subject")
	return true, nil
}

type suspiciousHeaderRule struct {
	log log.Logger
}

func (suspiciousHeaderRule) Name() string { return "suspicious-header" }

func (r suspiciousHeaderRule) Check(_ context.Context, env *Env) (bool, error) {
	for _, line := range env.List.SuspiciousHeaders {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, pattern, ok := strings.Cut(line, ":")
		if !ok {
			r.log.Msg("malformed suspicious header line", "list", env.List.ListID(), "line", line)
			continue
		}
		re, err := regexp.Compile("(?i)" + strings.TrimSpace(pattern))
		if err != nil {
			r.log.Error("malformed suspicious header pattern", err, "list", env.List.ListID(), "line", line)
			continue
		}
		for _, v := range env.Msg.Header.Values(strings.TrimSpace(field)) {
			if re.MatchString(v) {
				env.Reason("Header %q matched a suspicious header line", strings.TrimSpace(field))
				return true, nil
			}
		}
	}
	return false, nil
}

// headerMatchRule is a single header check of the header-match chain.
type headerMatchRule struct {
	field   string
	pattern *regexp.Regexp
}

func (headerMatchRule) Name() string { return "header-match" }

func (r headerMatchRule) Check(_ context.Context, env *Env) (bool, error) {
	values := env.Msg.Header.Values(r.field)
	if root, err := env.Msg.Parts(); err == nil && len(root.Children) != 0 {
		root.Walk(func(p, parent *msg.Part) error {
			if parent != nil {
				values = append(values, p.Header.Values(r.field)...)
			}
			return nil
		})
	}
	for _, v := range values {
		if r.pattern.MatchString(v) {
			env.Reason("Header %q matched a header rule", r.field)
			return true, nil
		}
	}
	return false, nil
}

func (r headerMatchRule) String() string {
	return fmt.Sprintf("header-match %s: %s", r.field, r.pattern)
}
