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
	"sort"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/google/uuid"
)

func decodeMember(data string) (*mlist.Member, error) {
	m := &mlist.Member{}
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return nil, fmt.Errorf("sqlstore: malformed member record: %w", err)
	}
	return m, nil
}

func (s *Store) scanMembers(rows *sql.Rows) ([]*mlist.Member, error) {
	defer rows.Close()
	var res []*mlist.Member
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		m, err := decodeMember(data)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *Store) GetMember(ctx context.Context, listID string, role mlist.Role, addr string) (*mlist.Member, error) {
	var data string
	err := s.queryRow(ctx, s.db, `SELECT data FROM members WHERE list_id = ? AND role = ? AND address = ?`,
		listID, string(role), normAddr(addr)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mlist.ErrNoSuchMember
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return decodeMember(data)
}

func (s *Store) MemberByID(ctx context.Context, id string) (*mlist.Member, error) {
	var data string
	err := s.queryRow(ctx, s.db, `SELECT data FROM members WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mlist.ErrNoSuchMember
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return decodeMember(data)
}

func (s *Store) Members(ctx context.Context, listID string, role mlist.Role) ([]*mlist.Member, error) {
	rows, err := s.query(ctx, s.db, `SELECT data FROM members WHERE list_id = ? AND role = ?`, listID, string(role))
	if err != nil {
		return nil, err
	}
	members, err := s.scanMembers(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(members, func(i, j int) bool {
		return normAddr(members[i].Address) < normAddr(members[j].Address)
	})
	return members, nil
}

func (s *Store) Subscribe(ctx context.Context, m *mlist.Member) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var n int
		err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM members WHERE list_id = ? AND role = ? AND address = ?`,
			m.ListID, string(m.Role), normAddr(m.Address)).Scan(&n)
		if err != nil {
			return fmt.Errorf("sqlstore: %w", err)
		}
		if n != 0 {
			return mlist.ErrAlreadyMember
		}

		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `INSERT INTO members(id, list_id, role, address, data) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.ListID, string(m.Role), normAddr(m.Address), string(data))
		return err
	})
}

func (s *Store) UpdateMember(ctx context.Context, m *mlist.Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db, `UPDATE members SET address = ?, data = ? WHERE id = ?`,
		normAddr(m.Address), string(data), m.ID)
	if err != nil {
		return err
	}
	return affected(res, mlist.ErrNoSuchMember)
}

func (s *Store) Unsubscribe(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM members WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, mlist.ErrNoSuchMember)
}

func (s *Store) AddOneLastDigest(ctx context.Context, listID, memberID string, mode mlist.DeliveryMode) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM one_last_digests WHERE list_id = ? AND member_id = ?`, listID, memberID); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `INSERT INTO one_last_digests(list_id, member_id, mode) VALUES (?, ?, ?)`,
			listID, memberID, string(mode))
		return err
	})
}

func (s *Store) OneLastDigests(ctx context.Context, listID string) (map[string]mlist.DeliveryMode, error) {
	rows, err := s.query(ctx, s.db, `SELECT member_id, mode FROM one_last_digests WHERE list_id = ?`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make(map[string]mlist.DeliveryMode)
	for rows.Next() {
		var id, mode string
		if err := rows.Scan(&id, &mode); err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		res[id] = mlist.DeliveryMode(mode)
	}
	return res, rows.Err()
}

func (s *Store) ClearOneLastDigests(ctx context.Context, listID string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM one_last_digests WHERE list_id = ?`, listID)
	return err
}
