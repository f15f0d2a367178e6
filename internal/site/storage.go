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

package site

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/module"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msgstore"
	"github.com/foxcpp/mlist/internal/pending"
	"github.com/foxcpp/mlist/internal/storage/blob/fs"
	"github.com/foxcpp/mlist/internal/storage/blob/s3"
	"github.com/foxcpp/mlist/internal/storage/memstore"
	"github.com/foxcpp/mlist/internal/storage/sqlstore"
)

// sqlDriver maps the configured driver names to the registered ones.
func sqlDriver(name string) (string, error) {
	switch name {
	case "sqlite3", "sqlite":
		return sqlstore.SQLiteDriver, nil
	case "postgres", "postgresql":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	}
	return "", fmt.Errorf("unknown SQL driver: %s", name)
}

// openStorage handles
//
//	storage memory
//	storage sql {
//	    driver sqlite3
//	    dsn mlist.db
//	}
func (s *Site) openStorage(node *config.Node) error {
	if node == nil || len(node.Args) == 0 || node.Args[0] == "memory" {
		if node != nil && len(node.Args) > 1 {
			return config.NodeErr(*node, "unexpected arguments")
		}
		s.Store = memstore.New()
		return nil
	}
	if node.Args[0] != "sql" {
		return config.NodeErr(*node, "unknown storage type: %s", node.Args[0])
	}

	var driver, dsn string
	cfg := config.NewMap(nil, *node)
	cfg.String("driver", false, "sqlite3", &driver)
	cfg.String("dsn", false, "mlist.db", &dsn)
	if err := cfg.Process(); err != nil {
		return err
	}
	driverName, err := sqlDriver(driver)
	if err != nil {
		return config.NodeErr(*node, "%v", err)
	}
	if driverName == sqlstore.SQLiteDriver {
		dsn = s.path(dsn)
	}

	store, err := sqlstore.Open(context.Background(), driverName, dsn, s.Log.Sublogger("sqlstore"))
	if err != nil {
		return err
	}
	s.closers = append(s.closers, store)
	s.Store = store
	return nil
}

// openPending handles
//
//	pending storage
//	pending bolt pending.db
func (s *Site) openPending(node *config.Node) error {
	kind := "storage"
	if node != nil && len(node.Args) != 0 {
		kind = node.Args[0]
	}

	switch kind {
	case "storage":
		p, ok := s.Store.(mlist.PendingStore)
		if !ok {
			return errors.New("site: storage can't keep pending tokens")
		}
		s.Pending = p
	case "bolt":
		path := "pending.db"
		if len(node.Args) > 1 {
			path = node.Args[1]
		}
		cfg := config.NewMap(nil, *node)
		cfg.String("path", false, path, &path)
		if err := cfg.Process(); err != nil {
			return err
		}
		p, err := pending.Open(s.path(path), s.Log.Sublogger("pending"))
		if err != nil {
			return err
		}
		s.closers = append(s.closers, p)
		s.Pending = p
	default:
		return config.NodeErr(*node, "unknown pending store: %s", kind)
	}
	return nil
}

// blobDirective handles
//
//	... fs /var/lib/mlist/messages
//	... s3 {
//	    endpoint s3.example.org
//	    bucket mlist
//	}
func (s *Site) blobDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "storage type is required")
	}
	args := node.Args[1:]
	switch node.Args[0] {
	case "fs":
		resolved := make([]string, len(args))
		for i, arg := range args {
			resolved[i] = s.path(arg)
		}
		store, err := fs.Configure(resolved, config.NewMap(nil, node))
		if err != nil {
			return nil, err
		}
		return module.BlobStore(store), nil
	case "s3":
		if len(args) != 0 {
			return nil, config.NodeErr(node, "s3 is configured using a block")
		}
		store := s3.New(s.Log)
		if err := store.Init(config.NewMap(nil, node)); err != nil {
			return nil, err
		}
		return module.BlobStore(store), nil
	}
	return nil, config.NodeErr(node, "unknown blob storage: %s", node.Args[0])
}

// openMessages handles the message_store directive. By default held
// messages are kept in the messages directory, the in-memory storage keeps
// them itself.
func (s *Site) openMessages(node *config.Node) error {
	if node == nil {
		if ms, ok := s.Store.(mlist.MessageStore); ok {
			s.Messages = ms
			return nil
		}
		store, err := fs.New(s.path("messages"))
		if err != nil {
			return err
		}
		s.Messages = msgstore.New(store, s.Log.Sublogger("msgstore"))
		return nil
	}

	if len(node.Args) == 1 && node.Args[0] == "storage" {
		ms, ok := s.Store.(mlist.MessageStore)
		if !ok {
			return config.NodeErr(*node, "storage can't keep messages")
		}
		s.Messages = ms
		return nil
	}

	blobs, err := s.blobDirective(nil, *node)
	if err != nil {
		return err
	}
	s.Messages = msgstore.New(blobs.(module.BlobStore), s.Log.Sublogger("msgstore"))
	return nil
}
