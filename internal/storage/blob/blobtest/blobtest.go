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

// Package blobtest contains the test suite shared by BlobStore
// implementations.
package blobtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/foxcpp/mlist/framework/module"
)

func put(t *testing.T, store module.BlobStore, key string, data []byte, size int64) {
	t.Helper()
	blob, err := store.Create(context.Background(), key, size)
	if err != nil {
		t.Fatal("Create:", err)
	}
	if _, err := blob.Write(data); err != nil {
		t.Fatal("Write:", err)
	}
	if err := blob.Sync(); err != nil {
		t.Fatal("Sync:", err)
	}
	if err := blob.Close(); err != nil {
		t.Fatal("Close:", err)
	}
}

func get(t *testing.T, store module.BlobStore, key string) ([]byte, error) {
	t.Helper()
	r, err := store.Open(context.Background(), key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// TestStore runs the suite against stores created by newStore. cleanStore is
// called after each subtest.
func TestStore(t *testing.T, newStore func() module.BlobStore, cleanStore func(module.BlobStore)) {
	run := func(name string, f func(t *testing.T, store module.BlobStore)) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			defer cleanStore(store)
			f(t, store)
		})
	}

	run("Create_Open", func(t *testing.T, store module.BlobStore) {
		msg := []byte("From: bob@example.net\r\nMessage-ID: <m1>\r\n\r\nHello\r\n")
		put(t, store, "held/m1", msg, int64(len(msg)))

		got, err := get(t, store, "held/m1")
		if err != nil {
			t.Fatal("Open:", err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("wrong contents: %q", got)
		}
	})
	run("UnknownSize", func(t *testing.T, store module.BlobStore) {
		msg := bytes.Repeat([]byte("0123456789abcdef"), 4096)
		put(t, store, "archive", msg, module.UnknownBlobSize)

		got, err := get(t, store, "archive")
		if err != nil {
			t.Fatal("Open:", err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("wrong contents, got %d bytes", len(got))
		}
	})
	run("Overwrite", func(t *testing.T, store module.BlobStore) {
		put(t, store, "key", []byte("first"), 5)
		put(t, store, "key", []byte("second"), 6)

		got, err := get(t, store, "key")
		if err != nil {
			t.Fatal("Open:", err)
		}
		if string(got) != "second" {
			t.Errorf("wrong contents: %q", got)
		}
	})
	run("Missing", func(t *testing.T, store module.BlobStore) {
		_, err := get(t, store, "missing")
		if !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("expected ErrNoSuchBlob, got %v", err)
		}
	})
	run("Delete", func(t *testing.T, store module.BlobStore) {
		put(t, store, "a", []byte("a"), 1)
		put(t, store, "b", []byte("b"), 1)

		if err := store.Delete(context.Background(), []string{"a", "missing"}); err != nil {
			t.Fatal("Delete:", err)
		}
		if _, err := get(t, store, "a"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("deleted blob is still readable: %v", err)
		}
		if _, err := get(t, store, "b"); err != nil {
			t.Errorf("unrelated blob removed: %v", err)
		}
	})
}
