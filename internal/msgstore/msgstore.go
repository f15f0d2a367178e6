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

// Package msgstore keeps complete messages in a BlobStore.
//
// Held messages are stored here until a moderator acts on them. Callers pick
// the key; objects are named after its hash, so the blob name never contains
// characters that are special to the backend.
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/framework/module"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

const keyPrefix = "messages/"

type Store struct {
	blobs module.BlobStore
	log   log.Logger
}

func New(blobs module.BlobStore, logger log.Logger) *Store {
	return &Store{blobs: blobs, log: logger}
}

func blobKey(key string) string {
	return keyPrefix + msg.MessageIDHash(key)
}

// AddMessage stores m under key. An existing message with the same key is
// replaced.
func (s *Store) AddMessage(ctx context.Context, key string, m *msg.Message) error {
	if key == "" {
		return errors.New("msgstore: empty key")
	}

	b := m.Bytes()
	blob, err := s.blobs.Create(ctx, blobKey(key), int64(len(b)))
	if err != nil {
		return fmt.Errorf("msgstore: %w", err)
	}
	if _, err := blob.Write(b); err != nil {
		blob.Close()
		return fmt.Errorf("msgstore: %w", err)
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		return fmt.Errorf("msgstore: %w", err)
	}
	if err := blob.Close(); err != nil {
		return fmt.Errorf("msgstore: %w", err)
	}

	s.log.DebugMsg("message stored", "msg_id", m.MessageID(), "key", key)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, key string) (*msg.Message, error) {
	r, err := s.blobs.Open(ctx, blobKey(key))
	if err != nil {
		if errors.Is(err, module.ErrNoSuchBlob) {
			return nil, mlist.ErrNoSuchMessage
		}
		return nil, fmt.Errorf("msgstore: %w", err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("msgstore: %w", err)
	}
	return msg.ReadBytes(b)
}

func (s *Store) DeleteMessage(ctx context.Context, key string) error {
	if err := s.blobs.Delete(ctx, []string{blobKey(key)}); err != nil {
		return fmt.Errorf("msgstore: %w", err)
	}
	return nil
}

var _ mlist.MessageStore = &Store{}
