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

package sqlstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foxcpp/mlist/internal/mlist"
)

func (s *Store) Add(ctx context.Context, data mlist.Pendable, lifetime time.Duration) (string, error) {
	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw[:])

	blob, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO pendings(token, data, expires) VALUES (?, ?, ?)`,
		token, string(blob), s.Now().Add(lifetime).UnixNano())
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *Store) Confirm(ctx context.Context, token string, expunge bool) (mlist.Pendable, error) {
	var data mlist.Pendable
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var (
			blob    string
			expires int64
		)
		err := s.queryRow(ctx, tx, `SELECT data, expires FROM pendings WHERE token = ?`, token).Scan(&blob, &expires)
		if errors.Is(err, sql.ErrNoRows) {
			return mlist.ErrNoSuchPending
		}
		if err != nil {
			return fmt.Errorf("sqlstore: %w", err)
		}
		if s.Now().After(time.Unix(0, expires)) {
			return mlist.ErrNoSuchPending
		}
		if err := json.Unmarshal([]byte(blob), &data); err != nil {
			return fmt.Errorf("sqlstore: malformed pending data: %w", err)
		}

		if !expunge {
			return nil
		}
		res, err := s.exec(ctx, tx, `DELETE FROM pendings WHERE token = ?`, token)
		if err != nil {
			return err
		}
		return affected(res, mlist.ErrNoSuchPending)
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Evict(ctx context.Context) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM pendings WHERE expires < ?`, s.Now().UnixNano())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n != 0 {
		s.log.DebugMsg("expired pending tokens removed", "count", n)
	}
	return nil
}
