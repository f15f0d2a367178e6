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

package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/foxcpp/mlist/internal/lock"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

func (h *handlers) toArchive(_ context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if md.IsDigest || md.NoArchive || list.ArchivePolicy == mlist.ArchiveNever || h.Archive == nil {
		return Result{}, nil
	}
	if strings.EqualFold(strings.TrimSpace(m.Header.Get("X-No-Archive")), "yes") ||
		strings.EqualFold(strings.TrimSpace(m.Header.Get("X-Archive")), "no") {
		return Result{}, nil
	}

	amd := md.Clone()
	amd.Archivers = nil
	for _, a := range h.listArchivers(list) {
		amd.Archivers = append(amd.Archivers, a.Name())
	}
	if _, err := h.Archive.Enqueue(m.Clone(), amd); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

func (h *handlers) toDigest(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if md.IsDigest || !list.DigestsEnabled || h.Digests == nil {
		return Result{}, nil
	}
	return Result{}, h.Digests.Add(ctx, list, m)
}

// ListLock returns the lock serializing updates of the list settings.
func ListLock(dataDir string, list *mlist.List) *lock.Lock {
	return lock.New(filepath.Join(dataDir, "lists", list.ListID(), "list"), 0)
}

// afterDelivery updates the post counters of the list.
func (h *handlers) afterDelivery(ctx context.Context, list *mlist.List, _ *msg.Message, _ *msg.Metadata) (Result, error) {
	update := func() error {
		fresh, err := h.Lists.GetListByID(ctx, list.ListID())
		if err != nil {
			return err
		}
		fresh.PostID++
		fresh.LastPostAt = h.now()
		if err := h.Lists.UpdateList(ctx, fresh); err != nil {
			return err
		}
		list.PostID = fresh.PostID
		list.LastPostAt = fresh.LastPostAt
		return nil
	}
	if h.DataDir == "" {
		return Result{}, update()
	}
	return Result{}, ListLock(h.DataDir, list).With(ctx, update)
}

func (h *handlers) acknowledge(ctx context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	sender, member, err := h.senderMember(ctx, list, m, md)
	if err != nil {
		return Result{}, err
	}
	if member == nil || !member.AcknowledgePosts {
		return Result{}, nil
	}

	subject := md.GetString(originalSubjectKey)
	if subject == "" {
		subject = m.Subject()
	}
	if subject == "" {
		subject = "(no subject)"
	}
	err = h.Notify.NoticeUser(ctx, list, sender, list.DisplayName+" post acknowledgment", "postack", map[string]string{
		"subject": subject,
	})
	return Result{}, err
}

// Personalized reports whether delivery makes a separate copy of the
// message for each recipient.
func Personalized(list *mlist.List, md *msg.Metadata) bool {
	return list.Personalize != mlist.PersonalizeNone && md.ToList && !md.IsDigest
}

// dkimSign signs the message unless delivery personalizes it. Personalized
// copies are signed by the delivery stage.
func (h *handlers) dkimSign(_ context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if h.DKIM == nil || Personalized(list, md) {
		return Result{}, nil
	}
	return Result{}, h.DKIM.Sign(m, list.MailHost)
}

// UseVERP decides whether a post is delivered with VERP envelope senders.
// interval 0 disables VERP for non-personalized deliveries, N > 1 enables
// it for every N-th post.
func UseVERP(list *mlist.List, personalized bool, interval int) bool {
	switch {
	case list.Personalize != mlist.PersonalizeNone && personalized:
		return true
	case interval <= 0:
		return false
	case interval == 1:
		return true
	}
	return list.PostID%interval == 0
}

func (h *handlers) toOutgoing(_ context.Context, list *mlist.List, m *msg.Message, md *msg.Metadata) (Result, error) {
	if md.VERP == nil {
		verp := UseVERP(list, h.VERPPersonalized, h.VERPInterval)
		md.VERP = &verp
	}
	if _, err := h.Out.Enqueue(m, md); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}
