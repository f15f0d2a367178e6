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

package archive

import (
	"context"
	"net/url"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
)

const (
	DefaultMailArchiveURL       = "https://www.mail-archive.com/"
	DefaultMailArchiveRecipient = "archive@mail-archive.com"
)

// MailArchive forwards public posts to an archiving service accepting them
// by mail, www.mail-archive.com by default. Lists with a private archive
// are never sent there.
type MailArchive struct {
	BaseURL   string
	Recipient string
	Notify    *notify.Notifier
}

func (a *MailArchive) Name() string {
	return "mail-archive"
}

func (a *MailArchive) baseURL() string {
	if a.BaseURL == "" {
		return DefaultMailArchiveURL
	}
	return a.BaseURL
}

func (a *MailArchive) recipient() string {
	if a.Recipient == "" {
		return DefaultMailArchiveRecipient
	}
	return a.Recipient
}

func (a *MailArchive) ListURL(list *mlist.List) string {
	if list.ArchivePolicy != mlist.ArchivePublic {
		return ""
	}
	return joinURL(a.baseURL(), url.PathEscape(list.PostingAddress()))
}

func (a *MailArchive) Permalink(list *mlist.List, m *msg.Message) string {
	if list.ArchivePolicy != mlist.ArchivePublic {
		return ""
	}
	hash := hashOf(m)
	if hash == "" {
		return ""
	}
	return joinURL(a.baseURL(), hash)
}

func (a *MailArchive) Archive(_ context.Context, list *mlist.List, m *msg.Message) error {
	if list.ArchivePolicy != mlist.ArchivePublic {
		return nil
	}
	return a.Notify.Send(list, m.Clone(), []string{a.recipient()})
}
