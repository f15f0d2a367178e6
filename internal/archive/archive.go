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

// Package archive implements the archivers posts are copied to after they
// are accepted for the list.
//
// The posting pipeline queues a copy of each archivable post into the
// archive queue, listing the names of the archivers enabled for the list in
// the metadata. Stage hands the copy to each of them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/pipeline"
)

type Archiver interface {
	pipeline.Archiver
	Archive(ctx context.Context, list *mlist.List, m *msg.Message) error
}

// hashOf returns the X-Message-ID-Hash of m, computing it from Message-ID
// if the field is missing.
func hashOf(m *msg.Message) string {
	if h := strings.TrimSpace(m.Header.Get("X-Message-ID-Hash")); h != "" {
		return h
	}
	if id := m.MessageID(); id != "" {
		return msg.MessageIDHash(id)
	}
	return ""
}

// joinURL appends path elements to base, which may end with a slash.
func joinURL(base string, elems ...string) string {
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Join(elems, "/")
}

// Pipeline returns archivers as used by the pipeline for the List-Archive
// and Archived-At fields.
func Pipeline(archivers []Archiver) []pipeline.Archiver {
	res := make([]pipeline.Archiver, 0, len(archivers))
	for _, a := range archivers {
		res = append(res, a)
	}
	return res
}

type Stage struct {
	Archivers []Archiver
	Log       log.Logger
}

func (s *Stage) selected(md *msg.Metadata) []Archiver {
	if len(md.Archivers) == 0 {
		return s.Archivers
	}
	var res []Archiver
	for _, name := range md.Archivers {
		found := false
		for _, a := range s.Archivers {
			if a.Name() == name {
				res = append(res, a)
				found = true
				break
			}
		}
		if !found {
			s.Log.Msg("unknown archiver, skipping", "archiver", name, "list", md.ListID)
		}
	}
	return res
}

// Dispose passes the message to each selected archiver. The message is
// preserved if any of them fails.
func (s *Stage) Dispose(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error) {
	l := s.Log.With("list", list.ListID(), "msg_id_hash", md.MessageIDHash)

	var errs []error
	for _, a := range s.selected(md) {
		if err := a.Archive(ctx, list, m); err != nil {
			archiveErrors.WithLabelValues(a.Name()).Inc()
			l.Error("archiving failed", err, "archiver", a.Name())
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
			continue
		}
		archived.WithLabelValues(a.Name()).Inc()
		l.DebugMsg("message archived", "archiver", a.Name())
	}
	return false, errors.Join(errs...)
}
