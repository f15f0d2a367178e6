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

package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/moderation"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
	"github.com/foxcpp/mlist/internal/storage/memstore"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/foxcpp/mlist/internal/templates"
	"github.com/foxcpp/mlist/internal/testutils"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	store *memstore.Store
	set   *switchboard.Set
	list  *mlist.List
	p     *Processor
}

func newTestEnv(t *testing.T, configure func(list *mlist.List)) *testEnv {
	t.Helper()
	store := memstore.New()
	list := mlist.New("test", "example.com")
	list.AdminNotifyMchanges = false
	if configure != nil {
		configure(list)
	}
	if err := store.CreateList(context.Background(), list); err != nil {
		t.Fatal(err)
	}
	set, err := switchboard.NewSet(t.TempDir(), testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	clock := testutils.NewClock(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
	n := &notify.Notifier{
		Virgin:    set.Get(switchboard.Virgin),
		Templates: templates.New("", "en"),
		Store:     store,
		SiteOwner: "postmaster@example.com",
		Hostname:  "example.com",
		Now:       clock.Now,
		Log:       testutils.Logger(t, "notify"),
	}
	return &testEnv{
		store: store,
		set:   set,
		list:  list,
		p: &Processor{
			Roster:  store,
			Pending: store,
			Moderator: &moderation.Moderator{
				Requests: store,
				Messages: store,
				Pending:  store,
				Roster:   store,
				In:       set.Get(switchboard.In),
				Bad:      set.Get(switchboard.Bad),
				Notify:   n,
				Now:      clock.Now,
				Log:      testutils.Logger(t, "moderation"),
			},
			Notify: n,
			Now:    clock.Now,
			Log:    testutils.Logger(t, "command"),
		},
	}
}

func command(t *testing.T, from, subject, body string) *msg.Message {
	t.Helper()
	m, err := msg.ReadBytes([]byte("From: " + from + "\r\n" +
		"To: test-request@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <cmd@example.net>\r\n" +
		"\r\n" +
		body))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (env *testEnv) dispose(t *testing.T, m *msg.Message, setup func(md *msg.Metadata)) {
	t.Helper()
	md := msg.NewMetadata(env.list.ListID())
	if setup != nil {
		setup(md)
	}
	if _, err := env.p.Dispose(context.Background(), env.list, m, md); err != nil {
		t.Fatal(err)
	}
}

// sent returns the messages in the virgin queue and removes them.
func (env *testEnv) sent(t *testing.T) []*msg.Message {
	t.Helper()
	sb := env.set.Get(switchboard.Virgin)
	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	var res []*msg.Message
	for _, f := range files {
		m, _, err := sb.Dequeue(f)
		if err != nil {
			t.Fatal(err)
		}
		if err := sb.Finish(f, false); err != nil {
			t.Fatal(err)
		}
		res = append(res, m)
	}
	return res
}

func (env *testEnv) member(t *testing.T, addr string) *mlist.Member {
	t.Helper()
	mem, err := env.store.GetMember(context.Background(), env.list.ListID(), mlist.RoleMember, addr)
	if err != nil && !errors.Is(err, mlist.ErrNoSuchMember) {
		t.Fatal(err)
	}
	return mem
}

func toJoin(md *msg.Metadata)    { md.ToJoin = true }
func toLeave(md *msg.Metadata)   { md.ToLeave = true }
func toRequest(md *msg.Metadata) { md.ToRequest = true }

func TestJoin_Open(t *testing.T) {
	env := newTestEnv(t, func(list *mlist.List) {
		list.SubscriptionPolicy = mlist.SubscribeOpen
	})
	env.dispose(t, command(t, "Bart Person <bart@example.net>", "", ""), toJoin)

	mem := env.member(t, "bart@example.net")
	if mem == nil {
		t.Fatal("sender is not subscribed")
	}
	if mem.DisplayName != "Bart Person" {
		t.Errorf("wrong display name: %q", mem.DisplayName)
	}
	sent := env.sent(t)
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Subject(), "Welcome to") {
		t.Fatalf("welcome message is not sent: %v", sent)
	}

	// Joining again changes nothing.
	env.dispose(t, command(t, "bart@example.net", "", ""), toJoin)
	if len(env.sent(t)) != 0 {
		t.Error("existing member is welcomed again")
	}
}

func confirmToken(t *testing.T, m *msg.Message) string {
	t.Helper()
	token := strings.TrimPrefix(m.Subject(), "confirm ")
	if token == m.Subject() || token == "" {
		t.Fatalf("not a confirmation request: %q", m.Subject())
	}
	return token
}

func TestJoin_Confirm(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispose(t, command(t, "bart@example.net", "subscribe", ""), toRequest)

	if env.member(t, "bart@example.net") != nil {
		t.Fatal("subscribed without confirmation")
	}
	sent := env.sent(t)
	if len(sent) != 1 {
		t.Fatalf("expected a confirmation request, got %d messages", len(sent))
	}
	token := confirmToken(t, sent[0])
	if from := sent[0].Header.Get("From"); !strings.Contains(from, env.list.ConfirmAddress(token)) {
		t.Errorf("replies do not go to the confirm address: %q", from)
	}

	env.dispose(t, command(t, "bart@example.net", "", ""), func(md *msg.Metadata) {
		md.ToConfirm = true
		md.Subaddress = "confirm+" + token
	})
	if env.member(t, "bart@example.net") == nil {
		t.Fatal("confirmed subscription is not applied")
	}

	// The token is consumed.
	if _, err := env.store.Confirm(context.Background(), token, false); !errors.Is(err, mlist.ErrNoSuchPending) {
		t.Errorf("token is not consumed: %v", err)
	}
}

func TestJoin_ConfirmBySubject(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispose(t, command(t, "bart@example.net", "", ""), toJoin)
	token := confirmToken(t, env.sent(t)[0])

	env.dispose(t, command(t, "bart@example.net", "Re: confirm "+token, ""), toRequest)
	if env.member(t, "bart@example.net") == nil {
		t.Fatal("confirmed subscription is not applied")
	}
}

func TestJoin_ConfirmThenModerate(t *testing.T) {
	env := newTestEnv(t, func(list *mlist.List) {
		list.SubscriptionPolicy = mlist.SubscribeConfirmThenModerate
		list.AdminImmedNotify = false
	})
	env.dispose(t, command(t, "bart@example.net", "", ""), toJoin)
	token := confirmToken(t, env.sent(t)[0])
	env.dispose(t, command(t, "bart@example.net", "confirm "+token, ""), toRequest)

	if env.member(t, "bart@example.net") != nil {
		t.Fatal("subscribed without moderator approval")
	}
	reqs, err := env.store.Requests(context.Background(), env.list.ListID())
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Type != mlist.RequestSubscription || reqs[0].Key != "bart@example.net" {
		t.Errorf("subscription is not held: %+v", reqs)
	}
}

func TestJoin_Moderate(t *testing.T) {
	env := newTestEnv(t, func(list *mlist.List) {
		list.SubscriptionPolicy = mlist.SubscribeModerate
		list.AdminImmedNotify = false
	})
	env.dispose(t, command(t, "bart@example.net", "", ""), toJoin)
	reqs, err := env.store.Requests(context.Background(), env.list.ListID())
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Type != mlist.RequestSubscription {
		t.Errorf("subscription is not held: %+v", reqs)
	}
}

func TestLeave(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.Subscribe(context.Background(), mlist.NewMember(env.list.ListID(), "anne@example.org", mlist.RoleMember)); err != nil {
		t.Fatal(err)
	}

	env.dispose(t, command(t, "anne@example.org", "", ""), toLeave)
	if env.member(t, "anne@example.org") != nil {
		t.Fatal("member is not removed")
	}
	sent := env.sent(t)
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Subject(), "You have been unsubscribed") {
		t.Errorf("goodbye message is not sent: %v", sent)
	}

	env.dispose(t, command(t, "anne@example.org", "", ""), toLeave)
	if len(env.sent(t)) != 0 {
		t.Error("leave from a non-member is answered")
	}
}

func TestLeave_Confirm(t *testing.T) {
	env := newTestEnv(t, func(list *mlist.List) {
		list.UnsubscriptionPolicy = mlist.SubscribeConfirm
		list.SendGoodbyeMessage = false
	})
	if err := env.store.Subscribe(context.Background(), mlist.NewMember(env.list.ListID(), "anne@example.org", mlist.RoleMember)); err != nil {
		t.Fatal(err)
	}

	env.dispose(t, command(t, "anne@example.org", "unsubscribe", ""), toRequest)
	if env.member(t, "anne@example.org") == nil {
		t.Fatal("unsubscribed without confirmation")
	}
	token := confirmToken(t, env.sent(t)[0])
	env.dispose(t, command(t, "anne@example.org", "", ""), func(md *msg.Metadata) {
		md.ToConfirm = true
		md.Subaddress = "confirm+" + token
	})
	if env.member(t, "anne@example.org") != nil {
		t.Fatal("confirmed unsubscription is not applied")
	}
}

func TestConfirmHeld(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ownerHash, err := bcrypt.GenerateFromPassword([]byte("owner-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(list *mlist.List) {
		list.ModeratorPassword = string(hash)
		list.AdminPassword = string(ownerHash)
		list.AdminImmedNotify = false
	})

	hold := func(id string) *mlist.Request {
		t.Helper()
		m, err := msg.ReadBytes([]byte("From: carl@example.net\r\n" +
			"Subject: held\r\n" +
			"Message-ID: <" + id + "@example.net>\r\n" +
			"\r\n" +
			"Body\r\n"))
		if err != nil {
			t.Fatal(err)
		}
		req, err := env.p.Moderator.HoldMessage(context.Background(), env.list, m, msg.NewMetadata(env.list.ListID()), "test")
		if err != nil {
			t.Fatal(err)
		}
		return req
	}
	inQueue := func() int {
		t.Helper()
		files, err := env.set.Get(switchboard.In).Files()
		if err != nil {
			t.Fatal(err)
		}
		return len(files)
	}

	t.Run("discard", func(t *testing.T) {
		req := hold("1")
		env.dispose(t, command(t, "test-owner@example.com", "Re: confirm "+req.Data["token"], ""), toRequest)
		if n := inQueue(); n != 0 {
			t.Errorf("message is posted without the password, %d items", n)
		}
		if _, _, err := env.p.Moderator.HeldMessage(context.Background(), env.list, req.ID); !errors.Is(err, mlist.ErrNoSuchRequest) {
			t.Errorf("held message is not discarded: %v", err)
		}
	})
	t.Run("approve", func(t *testing.T) {
		req := hold("2")
		env.dispose(t, command(t, "test-owner@example.com", "confirm "+req.Data["token"], "Approved: secret\r\n"), toRequest)
		if n := inQueue(); n != 1 {
			t.Errorf("approved message is not posted, %d items", n)
		}
	})
	t.Run("approve with owner password", func(t *testing.T) {
		req := hold("3")
		env.dispose(t, command(t, "test-owner@example.com", "confirm "+req.Data["token"], "Approved: owner-secret\r\n"), toRequest)
		if n := inQueue(); n != 2 {
			t.Errorf("approved message is not posted, %d items", n)
		}
	})
}

func TestHelp(t *testing.T) {
	env := newTestEnv(t, nil)
	env.p.Notify.MaxAutoresponsesPerDay = 1

	env.dispose(t, command(t, "bart@example.net", "", "what can I do?\r\n"), toRequest)
	sent := env.sent(t)
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Subject(), "Help for") {
		t.Fatalf("help is not sent: %v", sent)
	}

	// The second reply is the last one for today.
	env.dispose(t, command(t, "bart@example.net", "help", ""), toRequest)
	sent = env.sent(t)
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Subject(), "Last autoresponse") {
		t.Fatalf("expected the limit notice: %v", sent)
	}
	env.dispose(t, command(t, "bart@example.net", "help", ""), toRequest)
	if len(env.sent(t)) != 0 {
		t.Error("reply is sent over the limit")
	}
}

func TestAutoSubmitted(t *testing.T) {
	env := newTestEnv(t, func(list *mlist.List) {
		list.SubscriptionPolicy = mlist.SubscribeOpen
	})
	m := command(t, "mailer-daemon@example.net", "", "")
	m.Header.Set("Auto-Submitted", "auto-replied")
	env.dispose(t, m, toJoin)
	if env.member(t, "mailer-daemon@example.net") != nil {
		t.Error("automatic message is processed")
	}
}

func TestWords(t *testing.T) {
	test := func(subject, body string, want ...string) {
		t.Helper()
		got := words(command(t, "a@example.org", subject, body))
		if strings.Join(got, " ") != strings.Join(want, " ") {
			t.Errorf("words(%q, %q) = %v, want %v", subject, body, got, want)
		}
	}
	test("Re: Fwd: confirm abc", "", "confirm", "abc")
	test("", "\r\n  \r\njoin now\r\nleave\r\n", "join", "now")
	test("", "")
}
