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

// Package runner implements the workers draining switchboard queues.
//
// A Runner handles one slice of one queue. Each item is loaded, passed to
// the Stage and then removed. Items the Stage fails on are preserved in the
// shunt queue, so a broken message never blocks the queue.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/fsnotify/fsnotify"
)

// Stage is the queue-specific processing step.
//
// list is nil if the item does not reference a list and the Stage
// implements ListOptional. Returning keep=true puts the item (with md
// changes) back into the same queue.
type Stage interface {
	Dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (keep bool, err error)
}

// ListOptional is implemented by stages that accept items without a list,
// such as site-wide notices in the virgin queue.
type ListOptional interface {
	ListOptional() bool
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error)

func (f StageFunc) Dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error) {
	return f(ctx, list, m, md)
}

// PassEnder is implemented by stages holding resources for the duration of
// a pass over the queue, such as the relay connection. EndPass is called
// after each pass.
type PassEnder interface {
	EndPass(ctx context.Context)
}

const DefaultPollInterval = time.Second

type Runner struct {
	sb    *switchboard.Switchboard
	lists mlist.ListManager
	stage Stage

	// PollInterval is the interval between queue scans. New items are
	// usually noticed earlier using filesystem notifications.
	PollInterval time.Duration

	// Periodic is called after each pass over the queue. If it returns
	// true, Run returns.
	Periodic func(ctx context.Context, empty bool) (stop bool)

	Log log.Logger
}

func New(sb *switchboard.Switchboard, lists mlist.ListManager, stage Stage, logger log.Logger) *Runner {
	return &Runner{
		sb:           sb,
		lists:        lists,
		stage:        stage,
		PollInterval: DefaultPollInterval,
		Log:          logger,
	}
}

// StopWhenEmpty is a Periodic hook that stops the runner once a pass finds
// the queue empty.
func StopWhenEmpty(_ context.Context, empty bool) bool {
	return empty
}

func (r *Runner) Name() string {
	return r.sb.Name()
}

// Run recovers the items left by an interrupted run and processes the
// queue until ctx is cancelled. The item being processed when ctx is
// cancelled is completed first.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.sb.RecoverBackupFiles(); err != nil {
		return fmt.Errorf("runner %s: %w", r.sb.Name(), err)
	}

	wake, closeWatcher := r.watch()
	defer closeWatcher()

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		found, requeued, err := r.pass(ctx)
		if err != nil {
			r.Log.Error("queue scan failed", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if r.Periodic != nil && r.Periodic(ctx, found == 0 && err == nil) {
			return nil
		}
		// Items put back into the queue are not retried immediately.
		if found != requeued {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// watch returns a channel receiving a value when a new item appears in the
// queue directory. If notifications are not available, the returned
// channel is never ready and the runner relies on polling.
func (r *Runner) watch() (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.Log.Error("filesystem notifications are not available, polling", err)
		return wake, func() {}
	}
	if err := w.Add(r.sb.Dir()); err != nil {
		r.Log.Error("filesystem notifications are not available, polling", err)
		w.Close()
		return wake, func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 || !strings.HasSuffix(ev.Name, ".pck") {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.Log.Error("filesystem watcher error", err)
			case <-done:
				return
			}
		}
	}()

	return wake, func() {
		close(done)
		w.Close()
	}
}

// RunOnce processes all items currently in the queue slice and returns the
// number of processed items.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	found, _, err := r.pass(ctx)
	return found, err
}

func (r *Runner) pass(ctx context.Context) (found, requeued int, err error) {
	files, err := r.sb.Files()
	if err != nil {
		return 0, 0, err
	}

	if ender, ok := r.stage.(PassEnder); ok && len(files) != 0 {
		defer ender.EndPass(ctx)
	}

	for i, filebase := range files {
		if ctx.Err() != nil {
			return i, requeued, nil
		}
		if r.processItem(ctx, filebase) {
			requeued++
		}
	}
	return len(files), requeued, nil
}

// processItem handles one item and reports whether it was put back into
// the queue.
func (r *Runner) processItem(ctx context.Context, filebase string) bool {
	m, md, err := r.sb.Dequeue(filebase)
	if err != nil {
		if errors.Is(err, switchboard.ErrMalformed) || errors.Is(err, switchboard.ErrSchema) {
			r.Log.Error("cannot load queue item, preserving", err, "filebase", filebase)
			r.finish(filebase, true, "unreadable")
			return false
		}
		// The .bak file, if any, is picked up after the next restart.
		r.Log.Error("dequeue failed", err, "filebase", filebase)
		return false
	}

	l := r.Log.With("msg_id_hash", md.MessageIDHash, "filebase", filebase)
	if md.ListID != "" {
		l = l.With("list", md.ListID)
	}

	var list *mlist.List
	if md.ListID != "" {
		list, err = r.lists.GetListByID(ctx, md.ListID)
		if err != nil {
			if errors.Is(err, mlist.ErrNoSuchList) {
				l.Msg("dropping message for a missing list")
				r.finish(filebase, false, "no_list")
				return false
			}
			l.Error("list lookup failed", err)
			r.finish(filebase, true, "error")
			return false
		}
	} else if opt, ok := r.stage.(ListOptional); !ok || !opt.ListOptional() {
		l.Msg("dropping message without a list")
		r.finish(filebase, false, "no_list")
		return false
	}

	keep, err := r.dispose(ctx, list, m, md)
	if err != nil {
		l.Error("processing failed, preserving", err)
		r.finish(filebase, true, "error")
		return false
	}

	if keep {
		if _, err := r.sb.Enqueue(m, md); err != nil {
			// The original is kept in the .bak state and is recovered
			// after a restart.
			l.Error("requeue failed", err)
			return false
		}
		r.finish(filebase, false, "requeued")
		return true
	}

	r.finish(filebase, false, "done")
	return false
}

func (r *Runner) dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (keep bool, err error) {
	defer func() {
		if rcvr := recover(); rcvr != nil {
			stack := debug.Stack()
			r.Log.Printf("panic during processing: %v\n%s", rcvr, stack)
			err = fmt.Errorf("panic: %v", rcvr)
		}
	}()
	return r.stage.Dispose(ctx, list, m, md)
}

func (r *Runner) finish(filebase string, preserve bool, result string) {
	if err := r.sb.Finish(filebase, preserve); err != nil {
		r.Log.Error("finish failed", err, "filebase", filebase, "preserve", preserve)
	}
	itemsProcessed.WithLabelValues(r.sb.Name(), result).Inc()
}
