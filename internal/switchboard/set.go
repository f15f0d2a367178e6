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

package switchboard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/mlist/framework/log"
)

// Queue names.
const (
	In       = "in"
	Pipeline = "pipeline"
	Out      = "out"
	Retry    = "retry"
	Bounces  = "bounces"
	Command  = "command"
	Archive  = "archive"
	Digest   = "digest"
	Virgin   = "virgin"
	Shunt    = "shunt"
	Bad      = "bad"
)

var AllQueues = []string{In, Pipeline, Out, Retry, Bounces, Command, Archive, Digest, Virgin, Shunt, Bad}

// Set is the collection of all queues under a common root directory.
//
// Switchboards returned by Get handle all slices and are meant for
// enqueueing, runners use Slice.
type Set struct {
	root   string
	log    log.Logger
	queues map[string]*Switchboard
}

func NewSet(root string, logger log.Logger) (*Set, error) {
	s := &Set{
		root:   root,
		log:    logger,
		queues: make(map[string]*Switchboard, len(AllQueues)),
	}
	for _, name := range AllQueues {
		sb, err := s.Slice(name, 0, 1)
		if err != nil {
			return nil, err
		}
		s.queues[name] = sb
	}
	return s, nil
}

func (s *Set) Root() string {
	return s.root
}

// Get returns the switchboard for the named queue. It panics for unknown
// names.
func (s *Set) Get(name string) *Switchboard {
	sb, ok := s.queues[name]
	if !ok {
		panic("switchboard: unknown queue " + name)
	}
	return sb
}

// Slice creates a switchboard handling only one slice of the named queue.
func (s *Set) Slice(name string, slice, numSlices int) (*Switchboard, error) {
	if !knownQueue(name) {
		return nil, fmt.Errorf("switchboard: unknown queue %s", name)
	}
	logger := s.log.Sublogger(name)
	if numSlices > 1 {
		logger = logger.With("slice", slice)
	}
	return New(name, filepath.Join(s.root, name), filepath.Join(s.root, Shunt), slice, numSlices, logger)
}

func knownQueue(name string) bool {
	for _, q := range AllQueues {
		if q == name {
			return true
		}
	}
	return false
}

// Unshunt moves preserved items back to the queues they were preserved
// from. Items that can't be parsed are left in place.
func (s *Set) Unshunt() (int, error) {
	shunt := s.Get(Shunt)
	filebases, err := shunt.files(extPreserved)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, filebase := range filebases {
		path := shunt.path(filebase, extPreserved)
		m, md, err := ReadFile(path)
		if err != nil {
			s.log.Error("cannot read preserved item, leaving in place", err, "filebase", filebase)
			continue
		}

		target := md.WhichQ
		if !knownQueue(target) || target == Shunt {
			target = In
		}
		md.BakCount = 0

		if _, err := s.Get(target).Enqueue(m, md); err != nil {
			return moved, err
		}
		if err := os.Remove(path); err != nil {
			return moved, fmt.Errorf("switchboard: %w", err)
		}
		s.log.Msg("unshunted", "filebase", filebase, "queue", target)
		moved++
	}
	return moved, nil
}

// Preserved returns the paths of items in the shunt queue.
func (s *Set) Preserved() ([]string, error) {
	shunt := s.Get(Shunt)
	filebases, err := shunt.files(extPreserved)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(filebases))
	for _, fb := range filebases {
		res = append(res, shunt.path(fb, extPreserved))
	}
	return res, nil
}

// ResolvePath maps a "queue/filebase" reference or a plain path to a queue
// file path.
func (s *Set) ResolvePath(ref string) string {
	if _, err := os.Stat(ref); err == nil {
		return ref
	}
	queue, filebase, ok := strings.Cut(ref, "/")
	if !ok || !knownQueue(queue) {
		return ref
	}
	for _, ext := range []string{extPickled, extBackup, extPreserved} {
		p := filepath.Join(s.root, queue, filebase+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ref
}
