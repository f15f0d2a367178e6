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

// Package module contains interfaces shared between interchangeable
// backends.
package module

import (
	"context"
	"errors"
	"io"
)

// Blob is a large object being written into a BlobStore.
//
// Sync is called after all data is written, Close without a preceding Sync
// means the write was aborted and the object can be discarded.
type Blob interface {
	io.Writer
	Sync() error
	io.Closer
}

var ErrNoSuchBlob = errors.New("blob_store: no such object")

const UnknownBlobSize int64 = -1

// BlobStore is implemented by backends storing held messages, scrubbed
// attachments and archived messages.
type BlobStore interface {
	// Create creates a new blob for writing. blobSize is the exact number of
	// bytes that will be written or UnknownBlobSize.
	Create(ctx context.Context, key string, blobSize int64) (Blob, error)

	// Open returns the object contents or ErrNoSuchBlob.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes objects, missing keys are ignored.
	Delete(ctx context.Context, keys []string) error
}
