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
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/framework/module"
	"github.com/foxcpp/mlist/internal/dkim"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
	"github.com/foxcpp/mlist/internal/switchboard"
)

const (
	DefaultPostingPipeline = "default-posting-pipeline"
	DefaultOwnerPipeline   = "default-owner-pipeline"
	VirginPipeline         = notify.VirginPipeline
)

// Archiver describes an archive messages are sent to, used for the
// List-Archive and Archived-At fields. Empty strings mean the archiver has
// no web interface.
type Archiver interface {
	Name() string
	ListURL(list *mlist.List) string
	Permalink(list *mlist.List, m *msg.Message) string
}

// DigestSpool collects posts for the digests.
type DigestSpool interface {
	Add(ctx context.Context, list *mlist.List, m *msg.Message) error
}

// HTML handling of the scrubber.
const (
	HTMLDiscard = "discard"
	HTMLRemove  = "remove"
	HTMLEscape  = "escape"
	HTMLAttach  = "attach"
	HTMLInline  = "inline"
)

type Config struct {
	Lists  mlist.ListManager
	Roster mlist.Roster

	Archive *switchboard.Switchboard
	Out     *switchboard.Switchboard
	Bad     *switchboard.Switchboard

	Notify *notify.Notifier

	// Digests is nil if digests are not configured for the site.
	Digests   DigestSpool
	Archivers []Archiver

	// Attachments stores parts removed by the scrubber, served under
	// AttachmentURL.
	Attachments   module.BlobStore
	AttachmentURL string
	HTMLPolicy    string

	// DataDir contains per-list directories with optional members.txt
	// include files.
	DataDir string

	// DKIM is nil if messages are not signed.
	DKIM *dkim.Signer

	VERPPersonalized bool
	VERPInterval     int
	// PreserveFiltered enables the preserve filter action.
	PreserveFiltered bool

	Version string
	Now     func() time.Time
	Log     log.Logger
}

type handlers struct {
	Config
}

func (h *handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// New returns an engine with the built-in pipelines.
func New(cfg Config) *Engine {
	if cfg.HTMLPolicy == "" {
		cfg.HTMLPolicy = HTMLAttach
	}
	if cfg.Version == "" {
		cfg.Version = "mlist"
	}
	h := &handlers{Config: cfg}
	e := NewEngine(cfg.Log)

	e.Add(&Pipeline{Name: DefaultPostingPipeline, Handlers: []Handler{
		HandlerFunc("mime-delete", h.mimeDelete),
		HandlerFunc("scrubber", h.scrubber),
		HandlerFunc("dmarc-mitigation", h.dmarcMitigation),
		HandlerFunc("cook-headers", h.cookHeaders),
		HandlerFunc("rfc-2369", h.rfc2369),
		HandlerFunc("to-archive", h.toArchive),
		HandlerFunc("to-digest", h.toDigest),
		HandlerFunc("calculate-recipients", h.memberRecipients),
		HandlerFunc("file-recipients", h.fileRecipients),
		HandlerFunc("decorate", h.decorate),
		HandlerFunc("after-delivery", h.afterDelivery),
		HandlerFunc("acknowledge", h.acknowledge),
		HandlerFunc("dkim-sign", h.dkimSign),
		HandlerFunc("to-outgoing", h.toOutgoing),
	}})
	e.Add(&Pipeline{Name: DefaultOwnerPipeline, Handlers: []Handler{
		HandlerFunc("owner-recipients", h.ownerRecipients),
		HandlerFunc("cook-headers", h.cookHeaders),
		HandlerFunc("decorate", h.decorate),
		HandlerFunc("dkim-sign", h.dkimSign),
		HandlerFunc("to-outgoing", h.toOutgoing),
	}})
	e.Add(&Pipeline{Name: VirginPipeline, Handlers: []Handler{
		HandlerFunc("cook-headers", h.cookHeaders),
		HandlerFunc("rfc-2369", h.rfc2369),
		HandlerFunc("dkim-sign", h.dkimSign),
		HandlerFunc("to-outgoing", h.toOutgoing),
	}})
	return e
}
