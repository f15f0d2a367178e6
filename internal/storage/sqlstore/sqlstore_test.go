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

package sqlstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/testutils"
	"github.com/google/go-cmp/cmp"
)

func TestLists(t *testing.T) {
	ctx := context.Background()
	s := testutils.SQLStore(t)

	l := mlist.New("test", "example.org")
	l.CreatedAt = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	l.HeaderMatches = []mlist.HeaderMatch{{Header: "X-Spam", Pattern: "yes", Action: mlist.ActionDiscard}}
	if err := s.CreateList(ctx, l); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateList(ctx, l); !errors.Is(err, mlist.ErrListExists) {
		t.Fatalf("expected ErrListExists, got %v", err)
	}

	got, err := s.GetList(ctx, "Test@Example.org")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(l, got); diff != "" {
		t.Errorf("list settings changed after storing:\n%s", diff)
	}

	got.PostID = 5
	if err := s.UpdateList(ctx, got); err != nil {
		t.Fatal(err)
	}
	byID, err := s.GetListByID(ctx, "test.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if byID.PostID != 5 {
		t.Errorf("update is lost, post id = %d", byID.PostID)
	}

	if err := s.UpdateList(ctx, mlist.New("other", "example.org")); !errors.Is(err, mlist.ErrNoSuchList) {
		t.Errorf("expected ErrNoSuchList for an update of a missing list, got %v", err)
	}

	lists, err := s.Lists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lists) != 1 {
		t.Fatalf("expected one list, got %d", len(lists))
	}

	if err := s.DeleteList(ctx, l.FQDN()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetList(ctx, l.FQDN()); !errors.Is(err, mlist.ErrNoSuchList) {
		t.Errorf("expected ErrNoSuchList after deletion, got %v", err)
	}
}

func TestMembers(t *testing.T) {
	ctx := context.Background()
	s := testutils.SQLStore(t)

	m := mlist.NewMember("test.example.org", "Anne@Example.org", mlist.RoleMember)
	m.SubscribedAt = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	if err := s.Subscribe(ctx, m); err != nil {
		t.Fatal(err)
	}
	if m.ID == "" {
		t.Fatal("member id is not assigned")
	}
	dup := mlist.NewMember("test.example.org", "anne@example.org", mlist.RoleMember)
	if err := s.Subscribe(ctx, dup); !errors.Is(err, mlist.ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
	owner := mlist.NewMember("test.example.org", "anne@example.org", mlist.RoleOwner)
	if err := s.Subscribe(ctx, owner); err != nil {
		t.Fatal("the same address in another role:", err)
	}

	got, err := s.GetMember(ctx, "test.example.org", mlist.RoleMember, "anne@EXAMPLE.org")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("member changed after storing:\n%s", diff)
	}

	got.BounceScore = 2.5
	got.DeliveryStatus = mlist.StatusByBounce
	if err := s.UpdateMember(ctx, got); err != nil {
		t.Fatal(err)
	}
	byID, err := s.MemberByID(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byID.BounceScore != 2.5 || byID.DeliveryStatus != mlist.StatusByBounce {
		t.Errorf("update is lost: %+v", byID)
	}

	members, err := s.Members(ctx, "test.example.org", mlist.RoleMember)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("expected one member, got %d", len(members))
	}

	if err := s.Unsubscribe(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Unsubscribe(ctx, m.ID); !errors.Is(err, mlist.ErrNoSuchMember) {
		t.Errorf("expected ErrNoSuchMember, got %v", err)
	}
}

func TestOneLastDigests(t *testing.T) {
	ctx := context.Background()
	s := testutils.SQLStore(t)

	if err := s.AddOneLastDigest(ctx, "test.example.org", "m1", mlist.DeliveryMIMEDigest); err != nil {
		t.Fatal(err)
	}
	if err := s.AddOneLastDigest(ctx, "test.example.org", "m1", mlist.DeliveryPlainDigest); err != nil {
		t.Fatal(err)
	}
	got, err := s.OneLastDigests(ctx, "test.example.org")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]mlist.DeliveryMode{"m1": mlist.DeliveryPlainDigest}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}

	if err := s.ClearOneLastDigests(ctx, "test.example.org"); err != nil {
		t.Fatal(err)
	}
	got, err = s.OneLastDigests(ctx, "test.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("records are not cleared: %v", got)
	}
}

func TestRequests(t *testing.T) {
	ctx := context.Background()
	s := testutils.SQLStore(t)

	id1, err := s.AddRequest(ctx, &mlist.Request{
		ListID: "test.example.org",
		Type:   mlist.RequestHeldMessage,
		Key:    "<1@example.org>",
		Data:   map[string]string{"reason": "Post by non-member"},
	})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.AddRequest(ctx, &mlist.Request{
		ListID: "test.example.org",
		Type:   mlist.RequestSubscription,
		Key:    "anne@example.org",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatal("request ids are not unique")
	}

	r, err := s.GetRequest(ctx, "test.example.org", id1)
	if err != nil {
		t.Fatal(err)
	}
	if r.Type != mlist.RequestHeldMessage || r.Data["reason"] != "Post by non-member" {
		t.Errorf("wrong request: %+v", r)
	}
	if _, err := s.GetRequest(ctx, "other.example.org", id1); !errors.Is(err, mlist.ErrNoSuchRequest) {
		t.Errorf("request is visible from another list: %v", err)
	}

	if err := s.DeleteRequest(ctx, "test.example.org", id1); err != nil {
		t.Fatal(err)
	}
	reqs, err := s.Requests(ctx, "test.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].ID != id2 {
		t.Errorf("wrong requests left: %+v", reqs)
	}
}

func TestBounceEvents(t *testing.T) {
	ctx := context.Background()
	s := testutils.SQLStore(t)

	ts := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	ev := &mlist.BounceEvent{
		ListID:    "test.example.org",
		Email:     "anne@example.org",
		Timestamp: ts,
		MessageID: "<bounce@example.net>",
		Context:   mlist.BounceNormal,
	}
	if err := s.AddBounceEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == 0 {
		t.Fatal("event id is not assigned")
	}

	events, err := s.UnprocessedBounceEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]*mlist.BounceEvent{ev}, events); diff != "" {
		t.Error(diff)
	}

	if err := s.MarkBounceProcessed(ctx, ev.ID); err != nil {
		t.Fatal(err)
	}
	events, err = s.UnprocessedBounceEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("processed event is returned: %+v", events)
	}
	all, err := s.BounceEvents(ctx, "test.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all[0].Processed {
		t.Errorf("wrong events: %+v", all)
	}
}

func TestAutoResponses(t *testing.T) {
	ctx := context.Background()
	s := testutils.SQLStore(t)

	day1 := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	for i := 0; i < 2; i++ {
		if err := s.IncrementAutoResponses(ctx, "test.example.org", "anne@example.org", "hold", day1); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.AutoResponses(ctx, "test.example.org", "Anne@example.org", "hold", day1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 responses, got %d", n)
	}

	n, err = s.AutoResponses(ctx, "test.example.org", "anne@example.org", "hold", day2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("counter is not reset on the next day: %d", n)
	}
}

func TestPending(t *testing.T) {
	ctx := context.Background()
	s := testutils.SQLStore(t)
	clock := testutils.NewClock(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
	s.Now = clock.Now

	token, err := s.Add(ctx, mlist.Pendable{"type": "probe", "member_id": "m1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.Confirm(ctx, token, false)
	if err != nil {
		t.Fatal(err)
	}
	if data["member_id"] != "m1" {
		t.Errorf("wrong data: %v", data)
	}
	if _, err := s.Confirm(ctx, token, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Confirm(ctx, token, true); !errors.Is(err, mlist.ErrNoSuchPending) {
		t.Errorf("token confirmed twice: %v", err)
	}

	token, err = s.Add(ctx, mlist.Pendable{"type": "probe"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := s.Confirm(ctx, token, false); !errors.Is(err, mlist.ErrNoSuchPending) {
		t.Errorf("expired token is confirmed: %v", err)
	}
	if err := s.Evict(ctx); err != nil {
		t.Fatal(err)
	}
}
