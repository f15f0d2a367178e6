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

package digest

import (
	"context"
	"errors"
	"os"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/pipeline"
	"github.com/foxcpp/mlist/internal/switchboard"
)

// Stage builds and sends the digests queued by the Spool.
type Stage struct {
	Builder *Builder
	Roster  mlist.Roster
	Virgin  *switchboard.Switchboard
	Log     log.Logger
}

func (s *Stage) send(list *mlist.List, m *msg.Message, rcpts []*mlist.Member, format string) error {
	if len(rcpts) == 0 {
		return nil
	}
	md := msg.NewMetadata(list.ListID())
	md.Pipeline = pipeline.VirginPipeline
	md.IsDigest = true
	md.NoArchive = true
	md.Recipients = mlist.Addresses(rcpts)
	md.MessageIDHash = m.AddMessageIDHash()
	if _, err := s.Virgin.Enqueue(m, md); err != nil {
		return err
	}
	digestsSent.WithLabelValues(format).Inc()
	s.Log.Msg("digest sent", "list", list.ListID(), "format", format, "rcpts", len(rcpts), "msg_id_hash", md.MessageIDHash)
	return nil
}

func (s *Stage) Dispose(ctx context.Context, list *mlist.List, _ *msg.Message, md *msg.Metadata) (bool, error) {
	posts, err := readMailbox(md.Digest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.Log.Msg("digest mailbox is gone", "list", list.ListID(), "path", md.Digest)
			return false, nil
		}
		return false, err
	}
	if len(posts) == 0 {
		return false, os.Remove(md.Digest)
	}

	mimeDigest, plainDigest, err := s.Builder.Build(list, md.DigestVolume, md.DigestNumber, posts)
	if err != nil {
		return false, err
	}
	mimeRcpts, err := mlist.DigestMembers(ctx, s.Roster, list.ListID(), mlist.DeliveryMIMEDigest)
	if err != nil {
		return false, err
	}
	plainRcpts, err := mlist.DigestMembers(ctx, s.Roster, list.ListID(), mlist.DeliveryPlainDigest)
	if err != nil {
		return false, err
	}

	if err := s.send(list, mimeDigest, mimeRcpts, "mime"); err != nil {
		return false, err
	}
	if err := s.send(list, plainDigest, plainRcpts, "plain"); err != nil {
		return false, err
	}
	if err := s.Roster.ClearOneLastDigests(ctx, list.ListID()); err != nil {
		return false, err
	}
	return false, os.Remove(md.Digest)
}
