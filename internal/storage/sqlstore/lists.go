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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/foxcpp/mlist/internal/mlist"
)

func decodeList(settings string) (*mlist.List, error) {
	l := &mlist.List{}
	if err := json.Unmarshal([]byte(settings), l); err != nil {
		return nil, fmt.Errorf("sqlstore: malformed list settings: %w", err)
	}
	return l, nil
}

func (s *Store) getList(ctx context.Context, column, value string) (*mlist.List, error) {
	var settings string
	err := s.queryRow(ctx, s.db, `SELECT settings FROM lists WHERE `+column+` = ?`, value).Scan(&settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mlist.ErrNoSuchList
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return decodeList(settings)
}

func (s *Store) GetList(ctx context.Context, fqdn string) (*mlist.List, error) {
	return s.getList(ctx, "fqdn", normAddr(fqdn))
}

func (s *Store) GetListByID(ctx context.Context, listID string) (*mlist.List, error) {
	return s.getList(ctx, "list_id", listID)
}

func (s *Store) Lists(ctx context.Context) ([]*mlist.List, error) {
	rows, err := s.query(ctx, s.db, `SELECT settings FROM lists ORDER BY fqdn`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*mlist.List
	for rows.Next() {
		var settings string
		if err := rows.Scan(&settings); err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		l, err := decodeList(settings)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *Store) CreateList(ctx context.Context, l *mlist.List) error {
	settings, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		var n int
		err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM lists WHERE fqdn = ? OR list_id = ?`,
			normAddr(l.FQDN()), l.ListID()).Scan(&n)
		if err != nil {
			return fmt.Errorf("sqlstore: %w", err)
		}
		if n != 0 {
			return mlist.ErrListExists
		}
		_, err = s.exec(ctx, tx, `INSERT INTO lists(fqdn, list_id, settings) VALUES (?, ?, ?)`,
			normAddr(l.FQDN()), l.ListID(), string(settings))
		return err
	})
}

func (s *Store) UpdateList(ctx context.Context, l *mlist.List) error {
	settings, err := json.Marshal(l)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db, `UPDATE lists SET settings = ? WHERE fqdn = ?`, string(settings), normAddr(l.FQDN()))
	if err != nil {
		return err
	}
	return affected(res, mlist.ErrNoSuchList)
}

// DeleteList removes the list together with its members, held requests and
// one-last-digest records. Bounce events are kept for the records.
func (s *Store) DeleteList(ctx context.Context, fqdn string) error {
	l, err := s.GetList(ctx, fqdn)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM members WHERE list_id = ?`,
			`DELETE FROM requests WHERE list_id = ?`,
			`DELETE FROM one_last_digests WHERE list_id = ?`,
			`DELETE FROM lists WHERE list_id = ?`,
		} {
			if _, err := s.exec(ctx, tx, q, l.ListID()); err != nil {
				return err
			}
		}
		return nil
	})
}
