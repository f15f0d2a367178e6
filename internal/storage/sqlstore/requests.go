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
	"time"

	"github.com/foxcpp/mlist/internal/mlist"
)

func (s *Store) AddRequest(ctx context.Context, r *mlist.Request) (int, error) {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return 0, err
	}
	var id int
	err = s.tx(ctx, func(tx *sql.Tx) error {
		id, err = s.nextID(ctx, tx, "requests")
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `INSERT INTO requests(id, list_id, type, req_key, data) VALUES (?, ?, ?, ?, ?)`,
			id, r.ListID, string(r.Type), r.Key, string(data))
		return err
	})
	return id, err
}

func scanRequest(scan func(...interface{}) error) (*mlist.Request, error) {
	var (
		r    mlist.Request
		typ  string
		data string
	)
	if err := scan(&r.ID, &r.ListID, &typ, &r.Key, &data); err != nil {
		return nil, err
	}
	r.Type = mlist.RequestType(typ)
	if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
		return nil, fmt.Errorf("sqlstore: malformed request data: %w", err)
	}
	if r.Data == nil {
		r.Data = map[string]string{}
	}
	return &r, nil
}

func (s *Store) GetRequest(ctx context.Context, listID string, id int) (*mlist.Request, error) {
	row := s.queryRow(ctx, s.db, `SELECT id, list_id, type, req_key, data FROM requests WHERE list_id = ? AND id = ?`, listID, id)
	r, err := scanRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mlist.ErrNoSuchRequest
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return r, nil
}

func (s *Store) Requests(ctx context.Context, listID string) ([]*mlist.Request, error) {
	rows, err := s.query(ctx, s.db, `SELECT id, list_id, type, req_key, data FROM requests WHERE list_id = ? ORDER BY id`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []*mlist.Request{}
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *Store) DeleteRequest(ctx context.Context, listID string, id int) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM requests WHERE list_id = ? AND id = ?`, listID, id)
	if err != nil {
		return err
	}
	return affected(res, mlist.ErrNoSuchRequest)
}

func (s *Store) AddBounceEvent(ctx context.Context, ev *mlist.BounceEvent) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		id, err := s.nextID(ctx, tx, "bounce_events")
		if err != nil {
			return err
		}
		processed := 0
		if ev.Processed {
			processed = 1
		}
		_, err = s.exec(ctx, tx, `INSERT INTO bounce_events(id, list_id, email, ts, message_id, context, processed)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, ev.ListID, ev.Email, ev.Timestamp.UnixNano(), ev.MessageID, string(ev.Context), processed)
		if err != nil {
			return err
		}
		ev.ID = id
		return nil
	})
}

func (s *Store) bounceEvents(ctx context.Context, where string, args ...interface{}) ([]*mlist.BounceEvent, error) {
	rows, err := s.query(ctx, s.db, `SELECT id, list_id, email, ts, message_id, context, processed
		FROM bounce_events WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*mlist.BounceEvent
	for rows.Next() {
		var (
			ev        mlist.BounceEvent
			ts        int64
			bctx      string
			processed int
		)
		if err := rows.Scan(&ev.ID, &ev.ListID, &ev.Email, &ts, &ev.MessageID, &bctx, &processed); err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.Context = mlist.BounceContext(bctx)
		ev.Processed = processed != 0
		res = append(res, &ev)
	}
	return res, rows.Err()
}

func (s *Store) UnprocessedBounceEvents(ctx context.Context) ([]*mlist.BounceEvent, error) {
	return s.bounceEvents(ctx, `processed = 0`)
}

func (s *Store) BounceEvents(ctx context.Context, listID string) ([]*mlist.BounceEvent, error) {
	return s.bounceEvents(ctx, `list_id = ?`, listID)
}

func (s *Store) MarkBounceProcessed(ctx context.Context, id int) error {
	res, err := s.exec(ctx, s.db, `UPDATE bounce_events SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, mlist.ErrNoSuchRequest)
}

func day(t time.Time) string {
	return t.Format("2006-01-02")
}

func (s *Store) AutoResponses(ctx context.Context, listID, addr, kind string, now time.Time) (int, error) {
	var count int
	err := s.queryRow(ctx, s.db, `SELECT n FROM autoresponses WHERE list_id = ? AND address = ? AND kind = ? AND sent_day = ?`,
		listID, normAddr(addr), kind, day(now)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: %w", err)
	}
	return count, nil
}

// IncrementAutoResponses bumps the counter of the day and drops the
// counters of the previous days for the address.
func (s *Store) IncrementAutoResponses(ctx context.Context, listID, addr, kind string, now time.Time) error {
	addr = normAddr(addr)
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM autoresponses WHERE list_id = ? AND address = ? AND kind = ? AND sent_day <> ?`,
			listID, addr, kind, day(now)); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `UPDATE autoresponses SET n = n + 1 WHERE list_id = ? AND address = ? AND kind = ? AND sent_day = ?`,
			listID, addr, kind, day(now))
		if err != nil {
			return err
		}
		if err := affected(res, sql.ErrNoRows); err == nil {
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = s.exec(ctx, tx, `INSERT INTO autoresponses(list_id, address, kind, sent_day, n) VALUES (?, ?, ?, ?, 1)`,
			listID, addr, kind, day(now))
		return err
	})
}
