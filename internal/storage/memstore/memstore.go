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

// Package memstore implements the list stores in memory. It is used by
// tests and by the "storage memory" configuration for throwaway
// installations.
package memstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/google/uuid"
)

type pending struct {
	data    mlist.Pendable
	expires time.Time
}

// Store implements mlist.Store, mlist.PendingStore and mlist.MessageStore.
type Store struct {
	mu sync.Mutex

	lists         map[string]*mlist.List
	members       map[string]*mlist.Member
	oneLastDigest map[string]map[string]mlist.DeliveryMode
	requests      map[string][]*mlist.Request
	nextRequestID int
	bounces       []*mlist.BounceEvent
	pendings      map[string]pending
	messages      map[string][]byte
	autoResponses map[string]int

	// Now is used for pending token expiration.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		lists:         make(map[string]*mlist.List),
		members:       make(map[string]*mlist.Member),
		oneLastDigest: make(map[string]map[string]mlist.DeliveryMode),
		requests:      make(map[string][]*mlist.Request),
		pendings:      make(map[string]pending),
		messages:      make(map[string][]byte),
		autoResponses: make(map[string]int),
		Now:           time.Now,
	}
}

func normAddr(addr string) string {
	norm, err := address.ForLookup(addr)
	if err != nil {
		return strings.ToLower(addr)
	}
	return norm
}

func (s *Store) GetList(_ context.Context, fqdn string) (*mlist.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[normAddr(fqdn)]
	if !ok {
		return nil, mlist.ErrNoSuchList
	}
	return l.Copy(), nil
}

func (s *Store) GetListByID(_ context.Context, listID string) (*mlist.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lists {
		if l.ListID() == listID {
			return l.Copy(), nil
		}
	}
	return nil, mlist.ErrNoSuchList
}

func (s *Store) Lists(_ context.Context) ([]*mlist.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*mlist.List, 0, len(s.lists))
	for _, l := range s.lists {
		res = append(res, l.Copy())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].FQDN() < res[j].FQDN() })
	return res, nil
}

func (s *Store) CreateList(_ context.Context, l *mlist.List) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normAddr(l.FQDN())
	if _, ok := s.lists[key]; ok {
		return mlist.ErrListExists
	}
	s.lists[key] = l.Copy()
	return nil
}

func (s *Store) UpdateList(_ context.Context, l *mlist.List) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normAddr(l.FQDN())
	if _, ok := s.lists[key]; !ok {
		return mlist.ErrNoSuchList
	}
	s.lists[key] = l.Copy()
	return nil
}

func (s *Store) DeleteList(_ context.Context, fqdn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normAddr(fqdn)
	l, ok := s.lists[key]
	if !ok {
		return mlist.ErrNoSuchList
	}
	for id, m := range s.members {
		if m.ListID == l.ListID() {
			delete(s.members, id)
		}
	}
	delete(s.requests, l.ListID())
	delete(s.oneLastDigest, l.ListID())
	delete(s.lists, key)
	return nil
}

func copyMember(m *mlist.Member) *mlist.Member {
	c := *m
	return &c
}

func (s *Store) GetMember(_ context.Context, listID string, role mlist.Role, addr string) (*mlist.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	norm := normAddr(addr)
	for _, m := range s.members {
		if m.ListID == listID && m.Role == role && normAddr(m.Address) == norm {
			return copyMember(m), nil
		}
	}
	return nil, mlist.ErrNoSuchMember
}

func (s *Store) MemberByID(_ context.Context, id string) (*mlist.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, mlist.ErrNoSuchMember
	}
	return copyMember(m), nil
}

func (s *Store) Members(_ context.Context, listID string, role mlist.Role) ([]*mlist.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*mlist.Member
	for _, m := range s.members {
		if m.ListID == listID && m.Role == role {
			res = append(res, copyMember(m))
		}
	}
	sort.Slice(res, func(i, j int) bool { return normAddr(res[i].Address) < normAddr(res[j].Address) })
	return res, nil
}

func (s *Store) Subscribe(_ context.Context, m *mlist.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	norm := normAddr(m.Address)
	for _, existing := range s.members {
		if existing.ListID == m.ListID && existing.Role == m.Role && normAddr(existing.Address) == norm {
			return mlist.ErrAlreadyMember
		}
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	s.members[m.ID] = copyMember(m)
	return nil
}

func (s *Store) UpdateMember(_ context.Context, m *mlist.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; !ok {
		return mlist.ErrNoSuchMember
	}
	s.members[m.ID] = copyMember(m)
	return nil
}

func (s *Store) Unsubscribe(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[id]; !ok {
		return mlist.ErrNoSuchMember
	}
	delete(s.members, id)
	return nil
}

func (s *Store) AddOneLastDigest(_ context.Context, listID, memberID string, mode mlist.DeliveryMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oneLastDigest[listID] == nil {
		s.oneLastDigest[listID] = make(map[string]mlist.DeliveryMode)
	}
	s.oneLastDigest[listID][memberID] = mode
	return nil
}

func (s *Store) OneLastDigests(_ context.Context, listID string) (map[string]mlist.DeliveryMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[string]mlist.DeliveryMode, len(s.oneLastDigest[listID]))
	for k, v := range s.oneLastDigest[listID] {
		res[k] = v
	}
	return res, nil
}

func (s *Store) ClearOneLastDigests(_ context.Context, listID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.oneLastDigest, listID)
	return nil
}

func copyRequest(r *mlist.Request) *mlist.Request {
	c := *r
	c.Data = make(map[string]string, len(r.Data))
	for k, v := range r.Data {
		c.Data[k] = v
	}
	return &c
}

func (s *Store) AddRequest(_ context.Context, r *mlist.Request) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRequestID++
	c := copyRequest(r)
	c.ID = s.nextRequestID
	s.requests[r.ListID] = append(s.requests[r.ListID], c)
	return c.ID, nil
}

func (s *Store) GetRequest(_ context.Context, listID string, id int) (*mlist.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests[listID] {
		if r.ID == id {
			return copyRequest(r), nil
		}
	}
	return nil, mlist.ErrNoSuchRequest
}

func (s *Store) Requests(_ context.Context, listID string) ([]*mlist.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*mlist.Request, 0, len(s.requests[listID]))
	for _, r := range s.requests[listID] {
		res = append(res, copyRequest(r))
	}
	return res, nil
}

func (s *Store) DeleteRequest(_ context.Context, listID string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := s.requests[listID]
	for i, r := range reqs {
		if r.ID == id {
			s.requests[listID] = append(reqs[:i:i], reqs[i+1:]...)
			return nil
		}
	}
	return mlist.ErrNoSuchRequest
}

func (s *Store) AddBounceEvent(_ context.Context, ev *mlist.BounceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *ev
	c.ID = len(s.bounces) + 1
	ev.ID = c.ID
	s.bounces = append(s.bounces, &c)
	return nil
}

func (s *Store) UnprocessedBounceEvents(_ context.Context) ([]*mlist.BounceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*mlist.BounceEvent
	for _, ev := range s.bounces {
		if !ev.Processed {
			c := *ev
			res = append(res, &c)
		}
	}
	return res, nil
}

func (s *Store) BounceEvents(_ context.Context, listID string) ([]*mlist.BounceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*mlist.BounceEvent
	for _, ev := range s.bounces {
		if ev.ListID == listID {
			c := *ev
			res = append(res, &c)
		}
	}
	return res, nil
}

func (s *Store) MarkBounceProcessed(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > len(s.bounces) {
		return mlist.ErrNoSuchRequest
	}
	s.bounces[id-1].Processed = true
	return nil
}

func autoResponseKey(listID, addr, kind string, now time.Time) string {
	return listID + "\x00" + normAddr(addr) + "\x00" + kind + "\x00" + now.Format("2006-01-02")
}

func (s *Store) AutoResponses(_ context.Context, listID, addr, kind string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoResponses[autoResponseKey(listID, addr, kind, now)], nil
}

func (s *Store) IncrementAutoResponses(_ context.Context, listID, addr, kind string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoResponses[autoResponseKey(listID, addr, kind, now)]++
	return nil
}

func (s *Store) Add(_ context.Context, data mlist.Pendable, lifetime time.Duration) (string, error) {
	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	c := make(mlist.Pendable, len(data))
	for k, v := range data {
		c[k] = v
	}
	s.pendings[token] = pending{data: c, expires: s.Now().Add(lifetime)}
	return token, nil
}

func (s *Store) Confirm(_ context.Context, token string, expunge bool) (mlist.Pendable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendings[token]
	if !ok || s.Now().After(p.expires) {
		return nil, mlist.ErrNoSuchPending
	}
	if expunge {
		delete(s.pendings, token)
	}
	return p.data, nil
}

func (s *Store) Evict(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for token, p := range s.pendings {
		if now.After(p.expires) {
			delete(s.pendings, token)
		}
	}
	return nil
}

func (s *Store) AddMessage(_ context.Context, key string, m *msg.Message) error {
	if key == "" {
		return errors.New("memstore: empty message key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[key] = m.Bytes()
	return nil
}

func (s *Store) GetMessage(_ context.Context, key string) (*msg.Message, error) {
	s.mu.Lock()
	b, ok := s.messages[key]
	s.mu.Unlock()
	if !ok {
		return nil, mlist.ErrNoSuchMessage
	}
	return msg.Read(bytes.NewReader(b))
}

func (s *Store) DeleteMessage(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, key)
	return nil
}

var (
	_ mlist.Store        = &Store{}
	_ mlist.PendingStore = &Store{}
	_ mlist.MessageStore = &Store{}
)
