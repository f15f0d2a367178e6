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

// Package chain implements the moderation chains messages posted to a list
// pass through.
//
// A chain is a sequence of links. Each link names a rule and an action
// taken if the rule hits. Evaluation starts at the chain selected by the
// list and ends when a terminal action (accept, hold, reject, discard,
// owner) is reached. Jumps transfer control to another chain, detours
// return to the link after the detour once the target chain is exhausted.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

type Action int

const (
	// Defer continues with the next link.
	Defer Action = iota
	Jump
	Detour
	Stop
	Accept
	Hold
	Reject
	Discard
	Owner
	// Run calls Link.Fn and continues.
	Run
)

func (a Action) String() string {
	switch a {
	case Defer:
		return "defer"
	case Jump:
		return "jump"
	case Detour:
		return "detour"
	case Stop:
		return "stop"
	case Accept:
		return "accept"
	case Hold:
		return "hold"
	case Reject:
		return "reject"
	case Discard:
		return "discard"
	case Owner:
		return "owner"
	case Run:
		return "run"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Env is the message being moderated.
type Env struct {
	List *mlist.List
	Msg  *msg.Message
	Meta *msg.Metadata

	senders []string
}

// Senders returns the normalized sender addresses of the message.
func (env *Env) Senders() []string {
	if env.senders == nil {
		env.senders = env.Msg.Senders(env.Meta.OriginalSender)
	}
	return env.senders
}

// Reason records a moderation reason used in hold and reject notices.
func (env *Env) Reason(format string, args ...interface{}) {
	env.Meta.ModerationReasons = append(env.Meta.ModerationReasons, fmt.Sprintf(format, args...))
}

// Rule is a predicate over a message.
type Rule interface {
	Name() string
	Check(ctx context.Context, env *Env) (bool, error)
}

// Unrecorded is implemented by rules that are not listed in the rule hit
// and miss headers.
type Unrecorded interface {
	Unrecorded() bool
}

type Link struct {
	Rule   Rule
	Action Action
	// Chain is the target of Jump and Detour.
	Chain string
	// Fn is called by Run.
	Fn func(ctx context.Context, env *Env) error
}

// Chain produces the links to evaluate. Links can depend on the message,
// e.g. the header-match chain is built from the list settings.
type Chain interface {
	Name() string
	Links(env *Env) []Link
}

type Static struct {
	ChainName string
	Chain     []Link
}

func (s *Static) Name() string        { return s.ChainName }
func (s *Static) Links(_ *Env) []Link { return s.Chain }

// MaxSteps limits the number of links evaluated for a message. Jumps
// between chains can form cycles, the limit makes evaluation terminate.
const MaxSteps = 1000

// NoDisposition is the moderation reason used if evaluation ends without
// a terminal action.
const NoDisposition = "no chain disposition"

var ErrNoSuchChain = errors.New("chain: no such chain")

// Result is the outcome of the evaluation.
type Result struct {
	Disposition Action
	// Chain is the name of the chain that produced the disposition.
	Chain string
}

type Engine struct {
	chains map[string]Chain
	rules  map[string]Rule

	Log log.Logger
}

func NewEngine(logger log.Logger) *Engine {
	return &Engine{
		chains: make(map[string]Chain),
		rules:  make(map[string]Rule),
		Log:    logger,
	}
}

func (e *Engine) AddChain(c Chain) {
	e.chains[c.Name()] = c
}

func (e *Engine) AddRule(r Rule) {
	e.rules[r.Name()] = r
}

func (e *Engine) Chain(name string) (Chain, bool) {
	c, ok := e.chains[name]
	return c, ok
}

func (e *Engine) Rule(name string) Rule {
	r, ok := e.rules[name]
	if !ok {
		panic("chain: unknown rule: " + name)
	}
	return r
}

type frame struct {
	chain Chain
	links []Link
	next  int
}

// Process evaluates the message starting with the named chain.
//
// Evaluation is total: if the chains run out of links, a Stop link is
// reached or more than MaxSteps links are evaluated, the message is held
// with the NoDisposition reason.
func (e *Engine) Process(ctx context.Context, env *Env, start string) (Result, error) {
	c, ok := e.chains[start]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSuchChain, start)
	}

	cur := frame{chain: c, links: c.Links(env)}
	var stack []frame

	for steps := 0; ; {
		if cur.next >= len(cur.links) {
			if len(stack) == 0 {
				break
			}
			cur, stack = stack[len(stack)-1], stack[:len(stack)-1]
			continue
		}
		link := cur.links[cur.next]
		cur.next++

		steps++
		if steps > MaxSteps {
			e.Log.Msg("chain step limit exceeded", "list", env.List.ListID(), "msg_id_hash", env.Meta.MessageIDHash, "chain", cur.chain.Name())
			break
		}

		if link.Rule == nil {
			return Result{}, fmt.Errorf("chain %s: link %d has no rule", cur.chain.Name(), cur.next-1)
		}
		hit, err := link.Rule.Check(ctx, env)
		if err != nil {
			return Result{}, fmt.Errorf("chain %s: rule %s: %w", cur.chain.Name(), link.Rule.Name(), err)
		}
		if _, ok := link.Rule.(Unrecorded); !ok {
			if hit {
				env.Meta.AddRuleHit(link.Rule.Name())
			} else {
				env.Meta.AddRuleMiss(link.Rule.Name())
			}
		}
		if !hit {
			continue
		}
		ruleHits.WithLabelValues(link.Rule.Name()).Inc()

		switch link.Action {
		case Defer:
		case Run:
			if link.Fn != nil {
				if err := link.Fn(ctx, env); err != nil {
					return Result{}, fmt.Errorf("chain %s: %w", cur.chain.Name(), err)
				}
			}
		case Jump, Detour:
			target, ok := e.chains[link.Chain]
			if !ok {
				return Result{}, fmt.Errorf("%w: %s", ErrNoSuchChain, link.Chain)
			}
			if link.Action == Detour {
				stack = append(stack, cur)
			}
			cur = frame{chain: target, links: target.Links(env)}
		case Stop:
			return e.noDisposition(env, cur.chain.Name()), nil
		case Accept, Hold, Reject, Discard, Owner:
			return Result{Disposition: link.Action, Chain: cur.chain.Name()}, nil
		default:
			return Result{}, fmt.Errorf("chain %s: unknown action %v", cur.chain.Name(), link.Action)
		}
	}

	return e.noDisposition(env, start), nil
}

func (e *Engine) noDisposition(env *Env, chainName string) Result {
	env.Reason(NoDisposition)
	return Result{Disposition: Hold, Chain: chainName}
}

// reasons returns the recorded moderation reasons joined for notices.
func reasons(md *msg.Metadata) string {
	if len(md.ModerationReasons) == 0 {
		return "N/A"
	}
	return strings.Join(md.ModerationReasons, "; ")
}
