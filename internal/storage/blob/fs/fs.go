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

package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/module"
)

// FSStore struct represents directory on FS used to store blobs.
//
// Keys may contain slashes, intermediate directories are created on demand.
type FSStore struct {
	root string
}

func New(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage.blob.fs: directory not set")
	}
	if err := os.MkdirAll(root, 0o2775); err != nil {
		return nil, err
	}
	return &FSStore{root: root}, nil
}

// Configure creates the store from a configuration block:
//
//	storage fs /var/lib/mlist/messages
//	storage fs { root /var/lib/mlist/messages }
func Configure(inlineArgs []string, cfg *config.Map) (*FSStore, error) {
	var root string
	switch len(inlineArgs) {
	case 0:
	case 1:
		root = inlineArgs[0]
	default:
		return nil, fmt.Errorf("storage.blob.fs: 1 or 0 arguments expected")
	}

	cfg.String("root", false, root, &root)
	if err := cfg.Process(); err != nil {
		return nil, err
	}
	if root == "" {
		return nil, config.NodeErr(cfg.Block, "storage.blob.fs: directory not set")
	}
	return New(root)
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "\x00") {
		return "", fmt.Errorf("storage.blob.fs: invalid key: %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return f, nil
}

type fsBlob struct {
	*os.File
	final  string
	synced bool
}

func (b *fsBlob) Sync() error {
	if err := b.File.Sync(); err != nil {
		return err
	}
	b.synced = true
	return nil
}

// Close renames the temporary file into place if Sync was called and removes
// it otherwise.
func (b *fsBlob) Close() error {
	if err := b.File.Close(); err != nil || !b.synced {
		os.Remove(b.File.Name())
		return err
	}
	return os.Rename(b.File.Name(), b.final)
}

func (s *FSStore) Create(_ context.Context, key string, blobSize int64) (module.Blob, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o2775); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".tmp-"+filepath.Base(p)+"-*")
	if err != nil {
		return nil, err
	}
	if blobSize >= 0 {
		if err := f.Truncate(blobSize); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, err
		}
	}
	return &fsBlob{File: f, final: p}, nil
}

func (s *FSStore) Delete(_ context.Context, keys []string) error {
	for _, key := range keys {
		p, err := s.path(key)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
	}
	return nil
}

var _ module.BlobStore = &FSStore{}
