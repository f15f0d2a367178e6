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

// Package digest collects list posts and periodically sends them to the
// digest members as a single message.
//
// Posts are appended to an MMDF mailbox in the list data directory. Once
// the mailbox grows over the size threshold of the list (or on the
// periodic schedule) it is moved aside and a trigger item is put into the
// digest queue. The digest queue Stage builds the MIME and plain text
// (RFC 1153) digests from the mailbox and hands them over to the virgin
// queue.
package digest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/pipeline"
	"github.com/foxcpp/mlist/internal/switchboard"
)

const mmdfDelim = "\x01\x01\x01\x01\n"

// MailboxPath returns the path of the mailbox collecting the posts of the
// current digest.
func MailboxPath(dataDir string, list *mlist.List) string {
	return filepath.Join(dataDir, "lists", list.ListID(), "digest.mmdf")
}

func appendMailbox(path string, m *msg.Message) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString(mmdfDelim)
	if _, err := m.WriteTo(&buf); err != nil {
		return 0, err
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteString("\n")
	}
	buf.WriteString(mmdfDelim)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o660)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	return info.Size(), f.Close()
}

func readMailbox(path string) ([]*msg.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res []*msg.Message
	for _, chunk := range bytes.Split(data, []byte(mmdfDelim)) {
		if len(bytes.TrimSpace(chunk)) == 0 {
			continue
		}
		m, err := msg.ReadBytes(chunk)
		if err != nil {
			return nil, fmt.Errorf("digest: %s: %w", path, err)
		}
		res = append(res, m)
	}
	return res, nil
}

// Spool appends posts to the digest mailboxes.
type Spool struct {
	DataDir string
	Lists   mlist.ListManager
	// Queue is the digest queue.
	Queue *switchboard.Switchboard

	Now func() time.Time
	Log log.Logger
}

func (s *Spool) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Add appends m to the digest of the list and starts sending the digest if
// it is over the size threshold.
func (s *Spool) Add(ctx context.Context, list *mlist.List, m *msg.Message) error {
	path := MailboxPath(s.DataDir, list)
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return err
	}
	return pipeline.ListLock(s.DataDir, list).With(ctx, func() error {
		size, err := appendMailbox(path, m)
		if err != nil {
			return fmt.Errorf("digest: %w", err)
		}
		digestPosts.Inc()
		if list.DigestSizeThreshold <= 0 || size < int64(list.DigestSizeThreshold)*1024 {
			return nil
		}
		s.Log.DebugMsg("size threshold reached", "list", list.ListID(), "size", size)
		_, err = s.rotate(ctx, list)
		return err
	})
}

// Send starts sending the current digest of the list. It returns false if
// there is nothing to send.
func (s *Spool) Send(ctx context.Context, list *mlist.List) (bool, error) {
	var sent bool
	err := pipeline.ListLock(s.DataDir, list).With(ctx, func() error {
		var err error
		sent, err = s.rotate(ctx, list)
		return err
	})
	return sent, err
}

// SendPeriodic sends the pending digests of the lists with periodic
// digests enabled.
func (s *Spool) SendPeriodic(ctx context.Context) error {
	lists, err := s.Lists.Lists(ctx)
	if err != nil {
		return err
	}
	for _, list := range lists {
		if !list.DigestsEnabled || !list.DigestSendPeriodic {
			continue
		}
		if _, err := s.Send(ctx, list); err != nil {
			s.Log.Error("periodic digest failed", err, "list", list.ListID())
		}
	}
	return nil
}

// rotate moves the mailbox aside and queues it for sending. The list lock
// must be held.
func (s *Spool) rotate(ctx context.Context, list *mlist.List) (bool, error) {
	path := MailboxPath(s.DataDir, list)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	fresh, err := s.Lists.GetListByID(ctx, list.ListID())
	if err != nil {
		return false, err
	}
	volume, number := fresh.Volume, fresh.NextDigestNumber
	dest := filepath.Join(filepath.Dir(path), fmt.Sprintf("digest.%d.%d.mmdf", volume, number))
	if err := os.Rename(path, dest); err != nil {
		return false, fmt.Errorf("digest: %w", err)
	}

	md := msg.NewMetadata(list.ListID())
	md.Digest = dest
	md.DigestVolume = volume
	md.DigestNumber = number
	if _, err := s.Queue.Enqueue(&msg.Message{}, md); err != nil {
		return false, err
	}

	bumpDigestNumber(fresh, s.now())
	if err := s.Lists.UpdateList(ctx, fresh); err != nil {
		return true, err
	}
	list.Volume = fresh.Volume
	list.NextDigestNumber = fresh.NextDigestNumber
	list.DigestLastSentAt = fresh.DigestLastSentAt

	s.Log.Msg("digest queued", "list", list.ListID(), "volume", volume, "number", number)
	return true, nil
}

// bumpDigestNumber increments the issue number, or starts a new volume
// when the volume period of the list has passed since the last digest.
func bumpDigestNumber(list *mlist.List, now time.Time) {
	last := list.DigestLastSentAt
	bump := false
	if !last.IsZero() {
		switch list.DigestVolumeFrequency {
		case mlist.DigestYearly:
			bump = now.Year() > last.Year()
		case mlist.DigestQuarterly:
			bump = now.Year()*4+(int(now.Month())-1)/3 > last.Year()*4+(int(last.Month())-1)/3
		case mlist.DigestWeekly:
			nowYear, nowWeek := now.ISOWeek()
			lastYear, lastWeek := last.ISOWeek()
			bump = nowYear*100+nowWeek > lastYear*100+lastWeek
		case mlist.DigestDaily:
			ny, nm, nd := now.Date()
			ly, lm, ld := last.Date()
			bump = time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC).After(time.Date(ly, lm, ld, 0, 0, 0, 0, time.UTC))
		default:
			bump = now.Year()*12+int(now.Month()) > last.Year()*12+int(last.Month())
		}
	}
	if bump {
		list.Volume++
		list.NextDigestNumber = 1
	} else {
		list.NextDigestNumber++
	}
	list.DigestLastSentAt = now
}
