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
	"errors"
	"fmt"

	"github.com/foxcpp/mlist/framework/module"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

// Blob stores posts in a BlobStore under archives/<list-id>/<hash>, where
// hash is the X-Message-ID-Hash of the post.
type Blob struct {
	Store   module.BlobStore
	BaseURL string
}

func (b *Blob) Name() string {
	return "blob"
}

func blobKey(list *mlist.List, hash string) string {
	return "archives/" + list.ListID() + "/" + hash
}

func (b *Blob) ListURL(list *mlist.List) string {
	return joinURL(b.BaseURL, list.ListID())
}

func (b *Blob) Permalink(list *mlist.List, m *msg.Message) string {
	hash := hashOf(m)
	if hash == "" {
		return ""
	}
	return joinURL(b.BaseURL, list.ListID(), hash)
}

func (b *Blob) Archive(ctx context.Context, list *mlist.List, m *msg.Message) error {
	hash := hashOf(m)
	if hash == "" {
		return errors.New("archive: message has no Message-ID")
	}

	data := m.Bytes()
	blob, err := b.Store.Create(ctx, blobKey(list, hash), int64(len(data)))
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if _, err := blob.Write(data); err != nil {
		blob.Close()
		return fmt.Errorf("archive: %w", err)
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		return fmt.Errorf("archive: %w", err)
	}
	if err := blob.Close(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}
