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

package delivery

import (
	"context"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/switchboard"
)

// RetryStage moves the items of the retry queue back to the out queue. The
// retry runner is run periodically rather than continuously, so the retry
// interval is the period of its schedule.
//
// The retry bookkeeping in the metadata (deliver_until, last_recip_count and
// the recipients) is passed on unchanged.
type RetryStage struct {
	Out *switchboard.Switchboard
	Log log.Logger
}

func (s *RetryStage) Dispose(_ context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (bool, error) {
	if _, err := s.Out.Enqueue(m, md); err != nil {
		return false, err
	}
	retried.Inc()
	s.Log.DebugMsg("retrying delivery", "list", list.ListID(), "msg_id_hash", md.MessageIDHash, "rcpts", len(md.Recipients))
	return false, nil
}
