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

// Package pending implements the confirmation token store on top of a
// bolt database.
//
// Tokens are used for probes, subscription confirmations and references to
// held requests. All writes happen in bolt transactions, so a token is
// confirmed with expunge at most once even if several runners race for it.
package pending

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
)

var bucketPending = []byte("pending")

// TokenBytes is the amount of random bytes in a token. Tokens are hex
// encoded, so they are twice as long.
const TokenBytes = 20

type record struct {
	Data    mlist.Pendable `json:"data"`
	Expires time.Time      `json:"expires"`
}

type Store struct {
	db  *bolt.DB
	log log.Logger

	// Now is used for expiration checks.
	Now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string, logger log.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pending: %w", err)
	}
	return &Store{db: db, log: logger, Now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func newToken() (string, error) {
	var raw [TokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

func (s *Store) Add(_ context.Context, data mlist.Pendable, lifetime time.Duration) (string, error) {
	val, err := json.Marshal(record{Data: data, Expires: s.Now().Add(lifetime)})
	if err != nil {
		return "", fmt.Errorf("pending: %w", err)
	}

	var token string
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		for {
			token, err = newToken()
			if err != nil {
				return err
			}
			if b.Get([]byte(token)) == nil {
				break
			}
		}
		return b.Put([]byte(token), val)
	})
	if err != nil {
		return "", fmt.Errorf("pending: %w", err)
	}
	s.log.DebugMsg("token added", "token", token, "type", data["type"])
	return token, nil
}

func (s *Store) Confirm(_ context.Context, token string, expunge bool) (mlist.Pendable, error) {
	var rec record
	fn := func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		val := b.Get([]byte(token))
		if val == nil {
			return mlist.ErrNoSuchPending
		}
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if s.Now().After(rec.Expires) {
			return mlist.ErrNoSuchPending
		}
		if expunge {
			return b.Delete([]byte(token))
		}
		return nil
	}

	var err error
	if expunge {
		err = s.db.Update(fn)
	} else {
		err = s.db.View(fn)
	}
	if err != nil {
		if err == mlist.ErrNoSuchPending {
			return nil, err
		}
		return nil, fmt.Errorf("pending: %w", err)
	}
	return rec.Data, nil
}

func (s *Store) Evict(_ context.Context) error {
	now := s.Now()
	evicted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				s.log.Error("malformed pending record, removing", err, "token", string(k))
			} else if !now.After(rec.Expires) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}
	if evicted != 0 {
		s.log.Msg("evicted expired tokens", "count", evicted)
	}
	return nil
}

var _ mlist.PendingStore = &Store{}
