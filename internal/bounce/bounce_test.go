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

package bounce

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
	"github.com/foxcpp/mlist/internal/storage/memstore"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/foxcpp/mlist/internal/templates"
	"github.com/foxcpp/mlist/internal/testutils"
)

type testEnv struct {
	store  *memstore.Store
	queues *switchboard.Set
	list   *mlist.List
	clock  *testutils.Clock
	stage  *Stage
	proc   *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memstore.New()
	list := mlist.New("test", "example.com")
	if err := store.CreateList(context.Background(), list); err != nil {
		t.Fatal(err)
	}
	queues, err := switchboard.NewSet(t.TempDir(), testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	clock := testutils.NewClock(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
	store.Now = clock.Now

	n := &notify.Notifier{
		Virgin:    queues.Get(switchboard.Virgin),
		Templates: templates.New("", "en"),
		Store:     store,
		SiteOwner: "postmaster@example.com",
		Hostname:  "example.com",
		Now:       clock.Now,
		Log:       testutils.Logger(t, "notify"),
	}
	return &testEnv{
		store:  store,
		queues: queues,
		list:   list,
		clock:  clock,
		stage: &Stage{
			Bounces:  store,
			Pending:  store,
			Roster:   store,
			Messages: store,
			Notify:   n,
			Now:      clock.Now,
			Log:      testutils.Logger(t, "bounce"),
		},
		proc: &Processor{
			Lists:      store,
			Roster:     store,
			Bounces:    store,
			Pending:    store,
			Messages:   store,
			Notify:     n,
			Out:        queues.Get(switchboard.Out),
			SendProbes: true,
			Now:        clock.Now,
			Log:        testutils.Logger(t, "bounce"),
		},
	}
}

func (env *testEnv) subscribe(t *testing.T, addr string) *mlist.Member {
	t.Helper()
	member := mlist.NewMember(env.list.ListID(), addr, mlist.RoleMember)
	if err := env.store.Subscribe(context.Background(), member); err != nil {
		t.Fatal(err)
	}
	return member
}

func (env *testEnv) member(t *testing.T, addr string) *mlist.Member {
	t.Helper()
	member, err := env.store.GetMember(context.Background(), env.list.ListID(), mlist.RoleMember, addr)
	if err != nil {
		t.Fatal(err)
	}
	return member
}

func (env *testEnv) dispose(t *testing.T, raw string) {
	t.Helper()
	m, err := msg.ReadBytes([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	md := msg.NewMetadata(env.list.ListID())
	md.MessageIDHash = m.AddMessageIDHash()
	keep, err := env.stage.Dispose(context.Background(), env.list, m, md)
	if err != nil {
		t.Fatal(err)
	}
	if keep {
		t.Error("bounce kept in the queue")
	}
}

func (env *testEnv) events(t *testing.T) []*mlist.BounceEvent {
	t.Helper()
	events, err := env.store.BounceEvents(context.Background(), env.list.ListID())
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func dequeueAll(t *testing.T, sb *switchboard.Switchboard) ([]*msg.Message, []*msg.Metadata) {
	t.Helper()
	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	var (
		msgs []*msg.Message
		mds  []*msg.Metadata
	)
	for _, fb := range files {
		m, md, err := sb.Dequeue(fb)
		if err != nil {
			t.Fatal(err)
		}
		if err := sb.Finish(fb, false); err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
		mds = append(mds, md)
	}
	return msgs, mds
}

func bounce(to, contentType, body string) string {
	return "From: MAILER-DAEMON@mx.example.net\r\n" +
		"To: " + to + "\r\n" +
		"Subject: Undelivered Mail Returned to Sender\r\n" +
		"Message-ID: <bounce-1@mx.example.net>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: " + contentType + "\r\n" +
		"\r\n" +
		body
}

func dsnBounce(to, action, rcpt string) string {
	return bounce(to, `multipart/report; report-type=delivery-status; boundary="b1"`,
		"--b1\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"Delivery report.\r\n"+
			"--b1\r\n"+
			"Content-Type: message/delivery-status\r\n"+
			"\r\n"+
			"Reporting-MTA: dns; mx.example.net\r\n"+
			"\r\n"+
			"Final-Recipient: rfc822; "+rcpt+"\r\n"+
			"Action: "+action+"\r\n"+
			"Status: 5.1.1\r\n"+
			"\r\n"+
			"--b1--\r\n")
}

const gmailBounce = "Delivery to the following recipient failed permanently:\r\n" +
	"\r\n" +
	"     anne@example.org\r\n" +
	"\r\n" +
	"Technical details of permanent failure:\r\n" +
	"The email account that you tried to reach does not exist.\r\n" +
	"\r\n" +
	"----- Original message -----\r\n" +
	"\r\n" +
	"From: bob@example.net\r\n"

func TestVERPRecipients(t *testing.T) {
	list := mlist.New("test", "example.com")
	test := func(header string, expected []string) {
		t.Helper()
		m, err := msg.ReadBytes([]byte(header + "\r\n\r\nbody\r\n"))
		if err != nil {
			t.Fatal(err)
		}
		got := VERPRecipients(list, m)
		if !reflect.DeepEqual(got, expected) {
			t.Errorf("VERPRecipients(%q) = %v, want %v", header, got, expected)
		}
	}
	test("To: test-bounces+anne=example.org@example.com", []string{"anne@example.org"})
	test("To: <test-bounces+anne=example.org@EXAMPLE.COM>", []string{"anne@example.org"})
	test("To: Bounces <test-bounces+anne=example.org@example.com>", []string{"anne@example.org"})
	test("To: someone@example.net\r\nDelivered-To: test-bounces+bob=example.net@example.com", []string{"bob@example.net"})
	test("To:\r\nEnvelope-To: test-bounces+bob=example.net@example.com", []string{"bob@example.net"})
	test("Apparently-To: test-bounces+bob=example.net@example.com", []string{"bob@example.net"})
	test("To: other-bounces+anne=example.org@example.com", nil)
	test("To: test-bounces+anne=example.org@example.net", nil)
	test("To: test-bounces@example.com", nil)
	test("To: test-bounces+0123abcd@example.com", nil)
}

func TestProbeTokens(t *testing.T) {
	list := mlist.New("test", "example.com")
	m, err := msg.ReadBytes([]byte("To: test-bounces+0123abcd@example.com\r\n" +
		"Delivered-To: test-bounces+anne=example.org@example.com\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := ProbeTokens(list, m); !reflect.DeepEqual(got, []string{"0123abcd"}) {
		t.Errorf("wrong probe tokens: %v", got)
	}
}

func TestSimpleMatch(t *testing.T) {
	test := func(body string, expected []string) {
		t.Helper()
		m, err := msg.ReadBytes([]byte(bounce("test-bounces@example.com", "text/plain", body)))
		if err != nil {
			t.Fatal(err)
		}
		root, err := m.Parts()
		if err != nil {
			t.Fatal(err)
		}
		addrs, stop := SimpleMatch.Detect(m, root)
		if stop {
			t.Error("SimpleMatch stopped the scan")
		}
		if !reflect.DeepEqual(addrs, expected) {
			t.Errorf("SimpleMatch = %v, want %v", addrs, expected)
		}
	}
	test(gmailBounce, []string{"anne@example.org"})
	test("Hi, I am on vacation until Monday.\r\n", nil)
	test("failed addresses follow:\r\n"+
		"  anne=2Eperson@example.org\r\n"+
		"  bob@example.net\r\n"+
		"message text follows:\r\n"+
		"carl@example.net\r\n", []string{"anne.person@example.org", "bob@example.net"})
}

func TestStage_VERP(t *testing.T) {
	env := newTestEnv(t)
	env.dispose(t, bounce("test-bounces+anne=example.org@example.com", "text/plain", "Mailbox unavailable\r\n"))

	events := env.events(t)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Email != "anne@example.org" || ev.Context != mlist.BounceNormal || ev.MessageID != "<bounce-1@mx.example.net>" {
		t.Errorf("wrong event: %+v", ev)
	}
	if !ev.Timestamp.Equal(env.clock.Now()) {
		t.Errorf("wrong event timestamp: %v", ev.Timestamp)
	}
	if _, err := env.store.GetMessage(context.Background(), "<bounce-1@mx.example.net>"); err != nil {
		t.Error("bounce is not stored:", err)
	}
}

func TestStage_VERPDelayed(t *testing.T) {
	env := newTestEnv(t)
	env.dispose(t, dsnBounce("test-bounces+anne=example.org@example.com", "delayed", "anne@example.org"))
	if events := env.events(t); len(events) != 0 {
		t.Errorf("delay notification recorded: %+v", events)
	}
}

func TestStage_DSN(t *testing.T) {
	env := newTestEnv(t)
	env.dispose(t, dsnBounce("test-bounces@example.com", "failed", "anne@example.org"))

	events := env.events(t)
	if len(events) != 1 || events[0].Email != "anne@example.org" {
		t.Fatalf("wrong events: %+v", events)
	}

	env.dispose(t, dsnBounce("test-bounces@example.com", "delayed", "bob@example.net"))
	if len(env.events(t)) != 1 {
		t.Error("delay notification recorded")
	}
	if _, mds := dequeueAll(t, env.queues.Get(switchboard.Virgin)); len(mds) != 0 {
		t.Error("delay notification forwarded")
	}
}

func TestStage_SimpleMatch(t *testing.T) {
	env := newTestEnv(t)
	env.dispose(t, bounce("test-bounces@example.com", "text/plain", gmailBounce))

	events := env.events(t)
	if len(events) != 1 || events[0].Email != "anne@example.org" {
		t.Fatalf("wrong events: %+v", events)
	}
}

func TestStage_Probe(t *testing.T) {
	env := newTestEnv(t)
	anne := env.subscribe(t, "anne@example.org")
	token, err := env.store.Add(context.Background(), mlist.Pendable{
		"type":      PendingProbe,
		"member_id": anne.ID,
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	env.dispose(t, bounce("test-bounces+"+token+"@example.com", "text/plain", "No such user\r\n"))

	events := env.events(t)
	if len(events) != 1 || events[0].Email != "anne@example.org" || events[0].Context != mlist.BounceProbe {
		t.Fatalf("wrong events: %+v", events)
	}
	if _, err := env.store.Confirm(context.Background(), token, false); err != mlist.ErrNoSuchPending {
		t.Error("probe token is not consumed")
	}

	// A consumed token does not fall through to the other detectors.
	env.dispose(t, bounce("test-bounces+"+token+"@example.com", "text/plain", gmailBounce))
	if events := env.events(t); len(events) != 1 {
		t.Fatalf("bounce with a consumed token recorded: %+v", events)
	}
	if _, mds := dequeueAll(t, env.queues.Get(switchboard.Virgin)); len(mds) != 0 {
		t.Error("bounce with a consumed token forwarded")
	}
}

func TestStage_PendingTokenOfOtherType(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "anne@example.org")
	token, err := env.store.Add(context.Background(), mlist.Pendable{
		"type":    "subscription",
		"address": "anne@example.org",
	}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	env.dispose(t, bounce("test-bounces+"+token+"@example.com", "text/plain", gmailBounce))
	if events := env.events(t); len(events) != 0 {
		t.Fatalf("bounce recorded: %+v", events)
	}
	if _, err := env.store.Confirm(context.Background(), token, false); err != mlist.ErrNoSuchPending {
		t.Error("token is not consumed")
	}
}

func TestStage_Unrecognized(t *testing.T) {
	test := func(forward mlist.BounceForward, expectRcpts []string) {
		t.Helper()
		env := newTestEnv(t)
		env.list.ForwardUnrecognizedBouncesTo = forward
		env.dispose(t, bounce("test-bounces@example.com", "text/plain", "Something went wrong\r\n"))

		if events := env.events(t); len(events) != 0 {
			t.Errorf("unrecognized bounce recorded: %+v", events)
		}
		msgs, mds := dequeueAll(t, env.queues.Get(switchboard.Virgin))
		if expectRcpts == nil {
			if len(msgs) != 0 {
				t.Errorf("%s: unrecognized bounce forwarded", forward)
			}
			return
		}
		if len(msgs) != 1 {
			t.Fatalf("%s: expected one notice, got %d", forward, len(msgs))
		}
		if !reflect.DeepEqual(mds[0].Recipients, expectRcpts) {
			t.Errorf("%s: wrong recipients: %v", forward, mds[0].Recipients)
		}
		if msgs[0].Subject() != "Uncaught bounce notification" {
			t.Errorf("%s: wrong subject: %q", forward, msgs[0].Subject())
		}
		root, err := msgs[0].Parts()
		if err != nil {
			t.Fatal(err)
		}
		if len(root.Children) != 2 {
			t.Fatalf("%s: original is not attached", forward)
		}
		if typ, _ := root.Children[1].ContentType(); typ != "message/rfc822" {
			t.Errorf("%s: wrong attachment type: %s", forward, typ)
		}
	}

	test(mlist.ForwardToDiscard, nil)
	test(mlist.ForwardToAdministrators, []string{"postmaster@example.com"})
	test(mlist.ForwardToSiteOwner, []string{"postmaster@example.com"})
}

func TestStage_ProcessingDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.list.ProcessBounces = false
	env.dispose(t, bounce("test-bounces+anne=example.org@example.com", "text/plain", "No such user\r\n"))
	if events := env.events(t); len(events) != 0 {
		t.Errorf("bounce recorded: %+v", events)
	}
}

func (env *testEnv) addEvent(t *testing.T, addr string, ts time.Time, bctx mlist.BounceContext) {
	t.Helper()
	err := env.store.AddBounceEvent(context.Background(), &mlist.BounceEvent{
		ListID:    env.list.ListID(),
		Email:     addr,
		Timestamp: ts,
		MessageID: "<bounce-1@mx.example.net>",
		Context:   bctx,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestProcessEvents(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "anne@example.org")
	original, err := msg.ReadBytes([]byte(bounce("test-bounces+anne=example.org@example.com", "text/plain", "No such user\r\n")))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.AddMessage(context.Background(), original.MessageID(), original); err != nil {
		t.Fatal(err)
	}

	start := env.clock.Now()
	env.addEvent(t, "anne@example.org", start, mlist.BounceNormal)
	env.addEvent(t, "anne@example.org", start.Add(time.Hour), mlist.BounceNormal)
	env.addEvent(t, "anne@example.org", start.Add(24*time.Hour), mlist.BounceNormal)
	env.addEvent(t, "nobody@example.org", start, mlist.BounceNormal)

	if err := env.proc.ProcessEvents(context.Background()); err != nil {
		t.Fatal(err)
	}
	anne := env.member(t, "anne@example.org")
	if anne.BounceScore != 2 {
		t.Errorf("expected score 2, got %v", anne.BounceScore)
	}
	if !anne.LastBounceReceived.Equal(start.Add(24 * time.Hour)) {
		t.Errorf("wrong last bounce: %v", anne.LastBounceReceived)
	}
	if anne.DeliveryStatus != mlist.StatusEnabled {
		t.Error("member disabled below the threshold")
	}
	if events, _ := env.store.UnprocessedBounceEvents(context.Background()); len(events) != 0 {
		t.Errorf("events left unprocessed: %+v", events)
	}

	for day := 2; day <= 4; day++ {
		env.addEvent(t, "anne@example.org", start.Add(time.Duration(day)*24*time.Hour), mlist.BounceNormal)
	}
	if err := env.proc.ProcessEvents(context.Background()); err != nil {
		t.Fatal(err)
	}
	anne = env.member(t, "anne@example.org")
	if anne.BounceScore != 5 {
		t.Errorf("expected score 5, got %v", anne.BounceScore)
	}
	if anne.DeliveryStatus != mlist.StatusByBounce {
		t.Fatalf("member is not disabled: %s", anne.DeliveryStatus)
	}

	msgs, mds := dequeueAll(t, env.queues.Get(switchboard.Out))
	if len(msgs) != 1 {
		t.Fatalf("expected one probe, got %d", len(msgs))
	}
	probe, md := msgs[0], mds[0]
	if probe.Header.Has("Precedence") {
		t.Error("probe has the Precedence field")
	}
	if !reflect.DeepEqual(md.Recipients, []string{"anne@example.org"}) {
		t.Errorf("wrong probe recipients: %v", md.Recipients)
	}
	if md.ProbeToken == "" || md.EnvSender != "test-bounces+"+md.ProbeToken+"@example.com" {
		t.Errorf("wrong probe envelope: %q %q", md.EnvSender, md.ProbeToken)
	}
	data, err := env.store.Confirm(context.Background(), md.ProbeToken, false)
	if err != nil {
		t.Fatal(err)
	}
	if data["type"] != PendingProbe || data["member_id"] != anne.ID {
		t.Errorf("wrong probe token data: %v", data)
	}
	root, err := probe.Parts()
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Children) != 2 {
		t.Fatal("bounce is not attached to the probe")
	}
	text, err := root.Children[0].Text()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "anne@example.org") {
		t.Errorf("probe text does not mention the address:\n%s", text)
	}

	msgs, mds = dequeueAll(t, env.queues.Get(switchboard.Virgin))
	if len(msgs) != 1 || !reflect.DeepEqual(mds[0].Recipients, []string{"postmaster@example.com"}) {
		t.Fatalf("owner is not notified: %d notices", len(msgs))
	}
	if !strings.Contains(msgs[0].Subject(), "disabled") {
		t.Errorf("wrong owner notice subject: %q", msgs[0].Subject())
	}
}

func TestProcessEvents_Stale(t *testing.T) {
	env := newTestEnv(t)
	anne := env.subscribe(t, "anne@example.org")
	anne.BounceScore = 3
	anne.LastBounceReceived = env.clock.Now().Add(-8 * 24 * time.Hour)
	if err := env.store.UpdateMember(context.Background(), anne); err != nil {
		t.Fatal(err)
	}

	env.addEvent(t, "anne@example.org", env.clock.Now(), mlist.BounceNormal)
	if err := env.proc.ProcessEvents(context.Background()); err != nil {
		t.Fatal(err)
	}
	if score := env.member(t, "anne@example.org").BounceScore; score != 1 {
		t.Errorf("stale score is not reset: %v", score)
	}
}

func TestProcessEvents_Probe(t *testing.T) {
	env := newTestEnv(t)
	env.list.BounceNotifyOwnerOnDisable = false
	if err := env.store.UpdateList(context.Background(), env.list); err != nil {
		t.Fatal(err)
	}
	env.subscribe(t, "anne@example.org")

	env.addEvent(t, "anne@example.org", env.clock.Now(), mlist.BounceProbe)
	if err := env.proc.ProcessEvents(context.Background()); err != nil {
		t.Fatal(err)
	}
	if status := env.member(t, "anne@example.org").DeliveryStatus; status != mlist.StatusByBounce {
		t.Errorf("member is not disabled by a probe bounce: %s", status)
	}
	if msgs, _ := dequeueAll(t, env.queues.Get(switchboard.Out)); len(msgs) != 0 {
		t.Error("another probe sent after a probe bounce")
	}
	if msgs, _ := dequeueAll(t, env.queues.Get(switchboard.Virgin)); len(msgs) != 0 {
		t.Error("owner notified")
	}
}

func TestSendWarnings(t *testing.T) {
	env := newTestEnv(t)
	anne := env.subscribe(t, "anne@example.org")
	anne.DeliveryStatus = mlist.StatusByBounce
	if err := env.store.UpdateMember(context.Background(), anne); err != nil {
		t.Fatal(err)
	}
	env.subscribe(t, "bob@example.net")

	sweep := func(expectNotices int) []*msg.Metadata {
		t.Helper()
		if err := env.proc.SendWarnings(context.Background()); err != nil {
			t.Fatal(err)
		}
		_, mds := dequeueAll(t, env.queues.Get(switchboard.Virgin))
		if len(mds) != expectNotices {
			t.Fatalf("expected %d notices, got %d", expectNotices, len(mds))
		}
		return mds
	}

	for i := 1; i <= 3; i++ {
		mds := sweep(1)
		if !reflect.DeepEqual(mds[0].Recipients, []string{"anne@example.org"}) {
			t.Errorf("warning sent to %v", mds[0].Recipients)
		}
		anne = env.member(t, "anne@example.org")
		if anne.TotalWarningsSent != i {
			t.Errorf("expected %d warnings, got %d", i, anne.TotalWarningsSent)
		}

		// Interval has not elapsed yet.
		env.clock.Advance(24 * time.Hour)
		sweep(0)
		env.clock.Advance(6 * 24 * time.Hour)
	}

	mds := sweep(1)
	if !reflect.DeepEqual(mds[0].Recipients, []string{"postmaster@example.com"}) {
		t.Errorf("removal notice sent to %v", mds[0].Recipients)
	}
	if _, err := env.store.GetMember(context.Background(), env.list.ListID(), mlist.RoleMember, "anne@example.org"); err != mlist.ErrNoSuchMember {
		t.Error("member is not removed:", err)
	}
	if _, err := env.store.GetMember(context.Background(), env.list.ListID(), mlist.RoleMember, "bob@example.net"); err != nil {
		t.Error("enabled member is affected:", err)
	}
}
