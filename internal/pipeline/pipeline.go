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

// Package pipeline implements the handler pipelines accepted messages pass
// through before delivery.
//
// A pipeline is an ordered list of handlers. Each handler may modify the
// message and its metadata. A handler can end the processing early by
// returning a Discard or Reject result, in which case the remaining
// handlers are not run.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
)

type Kind int

const (
	Continue Kind = iota
	Discard
	Reject
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Discard:
		return "discard"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result is the outcome of a handler. Reason is sent to the sender for
// rejected messages.
type Result struct {
	Kind   Kind
	Reason string
}

func discard(reason string) (Result, error) {
	return Result{Kind: Discard, Reason: reason}, nil
}

func reject(reason string) (Result, error) {
	return Result{Kind: Reject, Reason: reason}, nil
}

type Handler interface {
	Name() string
	Process(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error)
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error)
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Process(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	return h.fn(ctx, list, m, md)
}

// HandlerFunc wraps fn into a Handler named name.
func HandlerFunc(name string, fn func(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error)) Handler {
	return funcHandler{name: name, fn: fn}
}

type Pipeline struct {
	Name     string
	Handlers []Handler
}

var ErrNoSuchPipeline = errors.New("pipeline: no such pipeline")

type Engine struct {
	pipelines map[string]*Pipeline
	Log       log.Logger
}

func NewEngine(logger log.Logger) *Engine {
	return &Engine{
		pipelines: make(map[string]*Pipeline),
		Log:       logger,
	}
}

func (e *Engine) Add(p *Pipeline) {
	e.pipelines[p.Name] = p
}

func (e *Engine) Pipeline(name string) (*Pipeline, bool) {
	p, ok := e.pipelines[name]
	return p, ok
}

// Run passes the message through the named pipeline. The first non-Continue
// result is returned.
func (e *Engine) Run(ctx context.Context, name string, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	p, ok := e.pipelines[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSuchPipeline, name)
	}
	for _, h := range p.Handlers {
		res, err := h.Process(ctx, list, m, md)
		if err != nil {
			return Result{}, fmt.Errorf("pipeline: %s: %s: %w", p.Name, h.Name(), err)
		}
		if res.Kind != Continue {
			handlerResults.WithLabelValues(h.Name(), res.Kind.String()).Inc()
			e.Log.DebugMsg("processing stopped", "pipeline", p.Name, "handler", h.Name(), "result", res.Kind, "reason", res.Reason)
			return res, nil
		}
	}
	return Result{}, nil
}

// Stage is the stage of the pipeline queue.
type Stage struct {
	Engine *Engine
	Notify *notify.Notifier
	Log    log.Logger
}

func (s *Stage) pipelineName(list *mlist.List, md *msg.Metadata) string {
	switch {
	case md.Pipeline != "":
		return md.Pipeline
	case md.ToOwner && list.OwnerPipeline != "":
		return list.OwnerPipeline
	case md.ToOwner:
		return DefaultOwnerPipeline
	case list.PostingPipeline != "":
		return list.PostingPipeline
	}
	return DefaultPostingPipeline
}

func (s *Stage) Dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error) {
	name := s.pipelineName(list, md)
	res, err := s.Engine.Run(ctx, name, list, m, md)
	if err != nil {
		return false, err
	}

	l := s.Log.With("list", list.ListID(), "msg_id_hash", md.MessageIDHash, "pipeline", name)
	switch res.Kind {
	case Discard:
		l.Msg("message discarded", "reason", res.Reason)
	case Reject:
		return false, s.bounce(list, m, md, res.Reason, l)
	}
	return false, nil
}

// bounce returns the message to its sender with the rejection reason.
func (s *Stage) bounce(list *mlist.List, m *msg.Message, md *msg.Metadata, reason string, l log.Logger) error {
	sender := md.OriginalSender
	if sender == "" {
		sender = m.Sender()
	}
	if sender == "" {
		l.Msg("message rejected, no sender to notify", "reason", reason)
		return nil
	}
	subject := m.Subject()
	if subject == "" {
		subject = "(no subject)"
	}
	notice, err := s.Notify.WithOriginal(list.OwnerAddress(), []string{sender}, subject, reason, m)
	if err != nil {
		return err
	}
	if err := s.Notify.Send(list, notice, []string{sender}); err != nil {
		return err
	}
	l.Msg("message rejected", "sender", sender, "reason", reason)
	return nil
}
