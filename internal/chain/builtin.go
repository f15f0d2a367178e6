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
	"regexp"
	"strings"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/dmarc"
	"github.com/foxcpp/mlist/internal/mlist"
)

const (
	DefaultPostingChain = "default-posting-chain"
	DefaultOwnerChain   = "default-owner-chain"
	ModerationChain     = "moderation"
	HeaderMatchChain    = "header-match"
)

// Config contains the site-wide settings of the built-in rules.
type Config struct {
	Roster   mlist.Roster
	Resolver dmarc.Resolver

	// SiteBans are banned from posting to all lists. Entries starting
	// with ^ are regexps.
	SiteBans []string
	// HeaderChecks are evaluated before the list header matches.
	HeaderChecks []mlist.HeaderMatch

	// Milter is the content scanner rule, nil if not configured.
	Milter *MilterRule

	Log log.Logger
}

// New returns an engine with the built-in rules and chains.
func New(cfg Config) *Engine {
	e := NewEngine(cfg.Log)

	for _, r := range []Rule{
		truthRule{},
		anyRule{},
		approvedRule{},
		emergencyRule{},
		loopRule{},
		bannedRule{siteBans: cfg.SiteBans, log: cfg.Log},
		dmarcRule{resolver: cfg.Resolver, log: cfg.Log},
		memberModerationRule{roster: cfg.Roster},
		administriviaRule{},
		implicitDestRule{log: cfg.Log},
		maxRecipientsRule{},
		maxSizeRule{},
		newsModerationRule{},
		noSubjectRule{},
		suspiciousHeaderRule{log: cfg.Log},
		nonmemberModerationRule{roster: cfg.Roster, log: cfg.Log},
	} {
		e.AddRule(r)
	}
	if cfg.Milter != nil {
		e.AddRule(cfg.Milter)
	}

	for name, action := range map[string]Action{
		"accept":  Accept,
		"hold":    Hold,
		"reject":  Reject,
		"discard": Discard,
		"owner":   Owner,
	} {
		e.AddChain(&Static{ChainName: name, Chain: []Link{{Rule: truthRule{}, Action: action}}})
	}
	e.AddChain(moderationChain{})
	e.AddChain(&headerMatchChain{site: cfg.HeaderChecks, log: cfg.Log})

	links := []Link{
		{Rule: e.Rule("approved"), Action: Jump, Chain: "accept"},
		{Rule: e.Rule("emergency"), Action: Jump, Chain: "hold"},
		{Rule: e.Rule("loop"), Action: Jump, Chain: "discard"},
		{Rule: e.Rule("banned-address"), Action: Jump, Chain: "discard"},
		{Rule: e.Rule("dmarc-moderation"), Action: Jump, Chain: ModerationChain},
		{Rule: e.Rule("member-moderation"), Action: Jump, Chain: ModerationChain},
		{Rule: e.Rule("administrivia"), Action: Defer},
		{Rule: e.Rule("implicit-dest"), Action: Defer},
		{Rule: e.Rule("max-recipients"), Action: Defer},
		{Rule: e.Rule("max-size"), Action: Defer},
		{Rule: e.Rule("news-moderation"), Action: Defer},
		{Rule: e.Rule("no-subject"), Action: Defer},
		{Rule: e.Rule("suspicious-header"), Action: Defer},
	}
	if cfg.Milter != nil {
		links = append(links, Link{Rule: cfg.Milter, Action: Defer})
	}
	links = append(links,
		Link{Rule: e.Rule("any"), Action: Jump, Chain: "hold"},
		Link{Rule: e.Rule("truth"), Action: Detour, Chain: HeaderMatchChain},
		Link{Rule: e.Rule("nonmember-moderation"), Action: Jump, Chain: ModerationChain},
		Link{Rule: e.Rule("truth"), Action: Jump, Chain: "accept"},
	)
	e.AddChain(&Static{ChainName: DefaultPostingChain, Chain: links})

	e.AddChain(&Static{ChainName: DefaultOwnerChain, Chain: []Link{
		{Rule: e.Rule("truth"), Action: Jump, Chain: "owner"},
	}})

	return e
}

// moderationChain applies the action chosen by a moderation rule.
type moderationChain struct{}

func (moderationChain) Name() string { return ModerationChain }

func (moderationChain) Links(env *Env) []Link {
	target := "hold"
	switch mlist.Action(env.Meta.GetString(ModerationActionKey)) {
	case mlist.ActionAccept:
		target = "accept"
	case mlist.ActionReject:
		target = "reject"
	case mlist.ActionDiscard:
		target = "discard"
	}
	return []Link{{Rule: truthRule{}, Action: Jump, Chain: target}}
}

// headerMatchChain is built from the site header checks and the list
// header matches.
type headerMatchChain struct {
	site []mlist.HeaderMatch
	log  log.Logger
}

func (*headerMatchChain) Name() string { return HeaderMatchChain }

func (c *headerMatchChain) Links(env *Env) []Link {
	var links []Link
	add := func(hm mlist.HeaderMatch) {
		if strings.TrimSpace(hm.Pattern) == "" {
			c.log.Msg("header check without a pattern skipped", "list", env.List.ListID(), "header", hm.Header)
			return
		}
		re, err := regexp.Compile("(?i)" + hm.Pattern)
		if err != nil {
			c.log.Error("malformed header check pattern", err, "list", env.List.ListID(), "header", hm.Header)
			return
		}

		link := Link{Rule: headerMatchRule{field: hm.Header, pattern: re}, Action: Jump}
		switch hm.Action {
		case mlist.ActionDefer:
			link.Action = Defer
		case mlist.ActionAccept, mlist.ActionReject, mlist.ActionDiscard:
			link.Chain = string(hm.Action)
		default:
			link.Chain = "hold"
		}
		links = append(links, link)
	}

	for _, hm := range c.site {
		add(hm)
	}
	for _, hm := range env.List.HeaderMatches {
		add(hm)
	}
	return links
}
