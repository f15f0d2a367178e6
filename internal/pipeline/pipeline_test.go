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

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/notify"
	"github.com/foxcpp/mlist/internal/storage/memstore"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/foxcpp/mlist/internal/templates"
	"github.com/foxcpp/mlist/internal/testutils"
	"golang.org/x/crypto/bcrypt"
)

const memberPost = "From: Anne Person <anne@example.org>\r\n" +
	"To: test@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <1@example.org>\r\n" +
	"Date: Mon, 06 May 2024 10:00:00 +0000\r\n" +
	"\r\n" +
	"Hello everyone\r\n"

type testEnv struct {
	store  *memstore.Store
	queues *switchboard.Set
	list   *mlist.List
	anne   *mlist.Member
	cfg    Config
	engine *Engine
	stage  *Stage
}

type testArchiver struct{}

func (testArchiver) Name() string { return "test" }

func (testArchiver) ListURL(list *mlist.List) string {
	return "https://archive.example.com/" + list.ListName
}

func (testArchiver) Permalink(_ *mlist.List, m *msg.Message) string {
	return "https://archive.example.com/msg/" + m.Header.Get("X-Message-ID-Hash")
}

func newTestEnv(t *testing.T, configure func(cfg *Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memstore.New()
	list := mlist.New("test", "example.com")
	if err := store.CreateList(ctx, list); err != nil {
		t.Fatal(err)
	}
	anne := mlist.NewMember(list.ListID(), "anne@example.org", mlist.RoleMember)
	anne.DisplayName = "Anne Person"
	if err := store.Subscribe(ctx, anne); err != nil {
		t.Fatal(err)
	}

	queues, err := switchboard.NewSet(t.TempDir(), testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	n := &notify.Notifier{
		Virgin:    queues.Get("virgin"),
		Templates: templates.New("", "en"),
		Store:     store,
		SiteOwner: "postmaster@example.com",
		Hostname:  "example.com",
		Log:       testutils.Logger(t, "notify"),
	}

	cfg := Config{
		Lists:   store,
		Roster:  store,
		Archive: queues.Get("archive"),
		Out:     queues.Get("out"),
		Bad:     queues.Get("bad"),
		Notify:  n,
		DataDir: t.TempDir(),
		Version: "mlist test",
		Log:     testutils.Logger(t, "pipeline"),
	}
	if configure != nil {
		configure(&cfg)
	}
	engine := New(cfg)
	return &testEnv{
		store:  store,
		queues: queues,
		list:   list,
		anne:   anne,
		cfg:    cfg,
		engine: engine,
		stage: &Stage{
			Engine: engine,
			Notify: n,
			Log:    testutils.Logger(t, "pipeline"),
		},
	}
}

func (env *testEnv) subscribe(t *testing.T, addr string, role mlist.Role, setup func(m *mlist.Member)) *mlist.Member {
	t.Helper()
	mem := mlist.NewMember(env.list.ListID(), addr, role)
	if setup != nil {
		setup(mem)
	}
	if err := env.store.Subscribe(context.Background(), mem); err != nil {
		t.Fatal(err)
	}
	return mem
}

func (env *testEnv) handlers() *handlers {
	cfg := env.cfg
	if cfg.HTMLPolicy == "" {
		cfg.HTMLPolicy = HTMLAttach
	}
	return &handlers{Config: cfg}
}

type queueItem struct {
	m  *msg.Message
	md *msg.Metadata
}

func dequeueAll(t *testing.T, sb *switchboard.Switchboard) []queueItem {
	t.Helper()
	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	var res []queueItem
	for _, fb := range files {
		m, md, err := sb.Dequeue(fb)
		if err != nil {
			t.Fatal(err)
		}
		if err := sb.Finish(fb, false); err != nil {
			t.Fatal(err)
		}
		res = append(res, queueItem{m: m, md: md})
	}
	return res
}

func readMessage(t *testing.T, raw string) (*msg.Message, *msg.Metadata) {
	t.Helper()
	m, err := msg.ReadBytes([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	md := msg.NewMetadata("test.example.com")
	md.MessageIDHash = m.AddMessageIDHash()
	return m, md
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(hash)
}

func TestEngineRun(t *testing.T) {
	var ran []string
	step := func(name string, res Result) Handler {
		return HandlerFunc(name, func(context.Context, *mlist.List, *msg.Message, *msg.Metadata) (Result, error) {
			ran = append(ran, name)
			return res, nil
		})
	}

	e := NewEngine(testutils.Logger(t, "pipeline"))
	e.Add(&Pipeline{Name: "p", Handlers: []Handler{
		step("one", Result{}),
		step("two", Result{Kind: Discard, Reason: "enough"}),
		step("three", Result{}),
	}})

	list := mlist.New("test", "example.com")
	m, md := readMessage(t, memberPost)
	res, err := e.Run(context.Background(), "p", list, m, md)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != Discard || res.Reason != "enough" {
		t.Errorf("wrong result: %+v", res)
	}
	if strings.Join(ran, ",") != "one,two" {
		t.Errorf("wrong handlers ran: %v", ran)
	}

	if _, err := e.Run(context.Background(), "missing", list, m, md); !errors.Is(err, ErrNoSuchPipeline) {
		t.Errorf("expected ErrNoSuchPipeline, got %v", err)
	}

	e.Add(&Pipeline{Name: "broken", Handlers: []Handler{
		HandlerFunc("fail", func(context.Context, *mlist.List, *msg.Message, *msg.Metadata) (Result, error) {
			return Result{}, errors.New("boom")
		}),
	}})
	_, err = e.Run(context.Background(), "broken", list, m, md)
	if err == nil || !strings.Contains(err.Error(), "broken: fail: boom") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPostingPipeline(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Archivers = []Archiver{testArchiver{}}
	})
	env.subscribe(t, "bob@example.net", mlist.RoleMember, nil)
	env.subscribe(t, "carl@example.net", mlist.RoleMember, func(m *mlist.Member) {
		m.DeliveryMode = mlist.DeliveryMIMEDigest
	})
	env.subscribe(t, "dave@example.net", mlist.RoleMember, func(m *mlist.Member) {
		m.DeliveryStatus = mlist.StatusByUser
	})

	m, md := readMessage(t, memberPost)
	if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
		t.Fatal(err)
	}

	out := dequeueAll(t, env.queues.Get("out"))
	if len(out) != 1 {
		t.Fatalf("expected one outgoing message, got %d", len(out))
	}
	post, pmd := out[0].m, out[0].md

	if got := strings.Join(pmd.Recipients, ","); got != "anne@example.org,bob@example.net" {
		t.Errorf("wrong recipients: %s", got)
	}
	if subj := post.Subject(); subj != "[test] Hello" {
		t.Errorf("wrong subject: %q", subj)
	}
	for field, want := range map[string]string{
		"List-Id":           "<test.example.com>",
		"List-Post":         "<mailto:test@example.com>",
		"List-Help":         "<mailto:test-request@example.com?subject=help>",
		"List-Unsubscribe":  "<mailto:test-leave@example.com>",
		"List-Subscribe":    "<mailto:test-join@example.com>",
		"List-Archive":      "<https://archive.example.com/test>",
		"X-BeenThere":       "test@example.com",
		"X-Mailman-Version": "mlist test",
		"Precedence":        "list",
	} {
		if got := post.Header.Get(field); got != want {
			t.Errorf("%s = %q, want %q", field, got, want)
		}
	}
	if !strings.HasPrefix(post.Header.Get("Archived-At"), "<https://archive.example.com/msg/") {
		t.Errorf("wrong Archived-At: %q", post.Header.Get("Archived-At"))
	}
	if !strings.Contains(string(post.Body), "To unsubscribe send an email to test-leave@example.com") {
		t.Errorf("footer is missing:\n%s", post.Body)
	}
	if pmd.VERP == nil || *pmd.VERP {
		t.Error("VERP should be decided and disabled")
	}

	archived := dequeueAll(t, env.queues.Get("archive"))
	if len(archived) != 1 {
		t.Fatalf("expected one archived message, got %d", len(archived))
	}
	if strings.Join(archived[0].md.Archivers, ",") != "test" {
		t.Errorf("wrong archivers: %v", archived[0].md.Archivers)
	}

	fresh, err := env.store.GetListByID(context.Background(), env.list.ListID())
	if err != nil {
		t.Fatal(err)
	}
	if fresh.PostID != 1 || env.list.PostID != 1 {
		t.Errorf("post id not updated: store %d, list %d", fresh.PostID, env.list.PostID)
	}
	if fresh.LastPostAt.IsZero() {
		t.Error("LastPostAt not updated")
	}
}

func TestPostingPipeline_OwnPostings(t *testing.T) {
	env := newTestEnv(t, nil)
	env.anne.ReceiveOwnPostings = false
	if err := env.store.UpdateMember(context.Background(), env.anne); err != nil {
		t.Fatal(err)
	}
	env.subscribe(t, "bob@example.net", mlist.RoleMember, nil)

	m, md := readMessage(t, memberPost)
	if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
		t.Fatal(err)
	}
	out := dequeueAll(t, env.queues.Get("out"))
	if len(out) != 1 {
		t.Fatalf("expected one outgoing message, got %d", len(out))
	}
	if got := strings.Join(out[0].md.Recipients, ","); got != "bob@example.net" {
		t.Errorf("wrong recipients: %s", got)
	}
}

func TestPostingPipeline_PosterFromHeader(t *testing.T) {
	t.Run("envelope sender differs", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.anne.ReceiveOwnPostings = false
		env.anne.AcknowledgePosts = true
		if err := env.store.UpdateMember(context.Background(), env.anne); err != nil {
			t.Fatal(err)
		}
		env.subscribe(t, "bob@example.net", mlist.RoleMember, nil)

		m, md := readMessage(t, memberPost)
		md.OriginalSender = "anne+srs@forwarder.example.com"
		if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
			t.Fatal(err)
		}
		out := dequeueAll(t, env.queues.Get("out"))
		if len(out) != 1 {
			t.Fatalf("expected one outgoing message, got %d", len(out))
		}
		if got := strings.Join(out[0].md.Recipients, ","); got != "bob@example.net" {
			t.Errorf("wrong recipients: %s", got)
		}
		notices := dequeueAll(t, env.queues.Get("virgin"))
		if len(notices) != 1 {
			t.Fatalf("expected one acknowledgment, got %d", len(notices))
		}
		if got := strings.Join(notices[0].md.Recipients, ","); got != "anne@example.org" {
			t.Errorf("acknowledgment sent to %s", got)
		}
	})
	t.Run("member in Sender", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.anne.ReceiveOwnPostings = false
		if err := env.store.UpdateMember(context.Background(), env.anne); err != nil {
			t.Fatal(err)
		}
		env.subscribe(t, "bob@example.net", mlist.RoleMember, nil)

		m, md := readMessage(t, "From: Team <team@example.org>\r\n"+
			"Sender: anne@example.org\r\n"+
			"To: test@example.com\r\n"+
			"Subject: Hello\r\n"+
			"Message-ID: <5@example.org>\r\n"+
			"\r\n"+
			"Hello everyone\r\n")
		md.OriginalSender = "anne@example.org"
		if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
			t.Fatal(err)
		}
		out := dequeueAll(t, env.queues.Get("out"))
		if len(out) != 1 {
			t.Fatalf("expected one outgoing message, got %d", len(out))
		}
		if got := strings.Join(out[0].md.Recipients, ","); got != "bob@example.net" {
			t.Errorf("wrong recipients: %s", got)
		}
	})
}

func TestPostingPipeline_Acknowledge(t *testing.T) {
	env := newTestEnv(t, nil)
	env.anne.AcknowledgePosts = true
	if err := env.store.UpdateMember(context.Background(), env.anne); err != nil {
		t.Fatal(err)
	}

	m, md := readMessage(t, memberPost)
	if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
		t.Fatal(err)
	}
	notices := dequeueAll(t, env.queues.Get("virgin"))
	if len(notices) != 1 {
		t.Fatalf("expected one acknowledgment, got %d", len(notices))
	}
	if subj := notices[0].m.Subject(); subj != "Test post acknowledgment" {
		t.Errorf("wrong subject: %q", subj)
	}
	if got := strings.Join(notices[0].md.Recipients, ","); got != "anne@example.org" {
		t.Errorf("wrong recipients: %s", got)
	}
}

func TestPostingPipeline_IncludeFile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.anne.ReceiveOwnPostings = false
	if err := env.store.UpdateMember(context.Background(), env.anne); err != nil {
		t.Fatal(err)
	}

	path := IncludeFile(env.cfg.DataDir, env.list)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "# extra recipients\n\nExtra@Example.net\nanne@example.org\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, md := readMessage(t, memberPost)
	if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
		t.Fatal(err)
	}
	out := dequeueAll(t, env.queues.Get("out"))
	if len(out) != 1 {
		t.Fatalf("expected one outgoing message, got %d", len(out))
	}
	if got := strings.Join(out[0].md.Recipients, ","); got != "extra@example.net" {
		t.Errorf("wrong recipients: %s", got)
	}
}

func TestPostingPipeline_IncludeFileNonmemberSender(t *testing.T) {
	env := newTestEnv(t, nil)

	path := IncludeFile(env.cfg.DataDir, env.list)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("bob@example.net\nextra@example.net\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, md := readMessage(t, strings.Replace(memberPost, "Anne Person <anne@example.org>", "bob@example.net", 1))
	md.OriginalSender = "bob@example.net"
	if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
		t.Fatal(err)
	}
	out := dequeueAll(t, env.queues.Get("out"))
	if len(out) != 1 {
		t.Fatalf("expected one outgoing message, got %d", len(out))
	}
	if got := strings.Join(out[0].md.Recipients, ","); got != "anne@example.org,extra@example.net" {
		t.Errorf("wrong recipients: %s", got)
	}
}

func TestUrgent(t *testing.T) {
	const urgentPost = "From: anne@example.org\r\n" +
		"To: test@example.com\r\n" +
		"Subject: Important\r\n" +
		"Message-ID: <3@example.org>\r\n" +
		"Urgent: %s\r\n" +
		"\r\n" +
		"Read this\r\n"

	t.Run("authorized", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.list.ModeratorPassword = hashPassword(t, "secret")
		env.subscribe(t, "carl@example.net", mlist.RoleMember, func(m *mlist.Member) {
			m.DeliveryMode = mlist.DeliveryPlainDigest
		})
		env.subscribe(t, "dave@example.net", mlist.RoleMember, func(m *mlist.Member) {
			m.DeliveryStatus = mlist.StatusByBounce
		})

		m, md := readMessage(t, strings.Replace(urgentPost, "%s", "secret", 1))
		if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
			t.Fatal(err)
		}
		out := dequeueAll(t, env.queues.Get("out"))
		if len(out) != 1 {
			t.Fatalf("expected one outgoing message, got %d", len(out))
		}
		if got := strings.Join(out[0].md.Recipients, ","); got != "anne@example.org,carl@example.net,dave@example.net" {
			t.Errorf("wrong recipients: %s", got)
		}
		if out[0].m.Header.Has("Urgent") {
			t.Error("Urgent field is not removed")
		}
	})
	t.Run("owner password", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.list.ModeratorPassword = hashPassword(t, "secret")
		env.list.AdminPassword = hashPassword(t, "owner-secret")
		env.subscribe(t, "carl@example.net", mlist.RoleMember, func(m *mlist.Member) {
			m.DeliveryMode = mlist.DeliveryPlainDigest
		})

		m, md := readMessage(t, strings.Replace(urgentPost, "%s", "owner-secret", 1))
		if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
			t.Fatal(err)
		}
		out := dequeueAll(t, env.queues.Get("out"))
		if len(out) != 1 {
			t.Fatalf("expected one outgoing message, got %d", len(out))
		}
		if got := strings.Join(out[0].md.Recipients, ","); got != "anne@example.org,carl@example.net" {
			t.Errorf("wrong recipients: %s", got)
		}
	})
	t.Run("wrong password", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.list.ModeratorPassword = hashPassword(t, "secret")

		m, md := readMessage(t, strings.Replace(urgentPost, "%s", "guess", 1))
		if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
			t.Fatal(err)
		}
		if out := dequeueAll(t, env.queues.Get("out")); len(out) != 0 {
			t.Fatalf("rejected message delivered: %d", len(out))
		}
		notices := dequeueAll(t, env.queues.Get("virgin"))
		if len(notices) != 1 {
			t.Fatalf("expected one rejection notice, got %d", len(notices))
		}
		if got := strings.Join(notices[0].md.Recipients, ","); got != "anne@example.org" {
			t.Errorf("wrong recipients: %s", got)
		}
		root, err := notices[0].m.Parts()
		if err != nil {
			t.Fatal(err)
		}
		if len(root.Children) != 2 {
			t.Fatalf("expected the reason and the original, got %d parts", len(root.Children))
		}
		reason, err := root.Children[0].Text()
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(reason, "was not authorized for") {
			t.Errorf("rejection reason is missing: %q", reason)
		}
	})
}

func TestOwnerPipeline(t *testing.T) {
	const ownerMail = "From: anne@example.org\r\n" +
		"To: test-owner@example.com\r\n" +
		"Subject: Question\r\n" +
		"Message-ID: <4@example.org>\r\n" +
		"\r\n" +
		"Hi\r\n"

	t.Run("administrators", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.subscribe(t, "owner@example.com", mlist.RoleOwner, nil)
		env.subscribe(t, "mod@example.com", mlist.RoleModerator, nil)

		m, md := readMessage(t, ownerMail)
		md.ToOwner = true
		if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
			t.Fatal(err)
		}
		out := dequeueAll(t, env.queues.Get("out"))
		if len(out) != 1 {
			t.Fatalf("expected one outgoing message, got %d", len(out))
		}
		if got := strings.Join(out[0].md.Recipients, ","); got != "mod@example.com,owner@example.com" {
			t.Errorf("wrong recipients: %s", got)
		}
		if strings.Contains(string(out[0].m.Body), "To unsubscribe") {
			t.Error("owner mail is decorated")
		}
		if out[0].m.Header.Has("List-Id") {
			t.Error("owner mail has List-* fields")
		}
	})
	t.Run("owner and moderator", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.subscribe(t, "owner@example.com", mlist.RoleOwner, nil)
		env.subscribe(t, "Owner@Example.com", mlist.RoleModerator, nil)

		m, md := readMessage(t, ownerMail)
		md.ToOwner = true
		if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
			t.Fatal(err)
		}
		out := dequeueAll(t, env.queues.Get("out"))
		if len(out) != 1 {
			t.Fatalf("expected one outgoing message, got %d", len(out))
		}
		if got := strings.Join(out[0].md.Recipients, ","); got != "owner@example.com" {
			t.Errorf("wrong recipients: %s", got)
		}
	})
	t.Run("site owner", func(t *testing.T) {
		env := newTestEnv(t, nil)
		m, md := readMessage(t, ownerMail)
		md.ToOwner = true
		if _, err := env.stage.Dispose(context.Background(), env.list, m, md); err != nil {
			t.Fatal(err)
		}
		out := dequeueAll(t, env.queues.Get("out"))
		if len(out) != 1 {
			t.Fatalf("expected one outgoing message, got %d", len(out))
		}
		if got := strings.Join(out[0].md.Recipients, ","); got != "postmaster@example.com" {
			t.Errorf("wrong recipients: %s", got)
		}
	})
}

func TestVirginPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	notice, err := env.cfg.Notify.Text(env.list.OwnerAddress(), []string{"anne@example.org"}, "Welcome", "Hi\n")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.cfg.Notify.Send(env.list, notice, []string{"anne@example.org"}); err != nil {
		t.Fatal(err)
	}

	virgin := dequeueAll(t, env.queues.Get("virgin"))
	if len(virgin) != 1 {
		t.Fatalf("expected one queued notice, got %d", len(virgin))
	}
	if _, err := env.stage.Dispose(context.Background(), env.list, virgin[0].m, virgin[0].md); err != nil {
		t.Fatal(err)
	}
	out := dequeueAll(t, env.queues.Get("out"))
	if len(out) != 1 {
		t.Fatalf("expected one outgoing message, got %d", len(out))
	}
	m := out[0].m
	if m.Subject() != "Welcome" {
		t.Errorf("notice subject is prefixed: %q", m.Subject())
	}
	if m.Header.Get("List-Id") != "<test.example.com>" {
		t.Error("List-Id is missing")
	}
	if m.Header.Has("List-Help") {
		t.Error("List-Help added to a notice")
	}
	if m.Header.Get("X-List-Administrivia") != "yes" {
		t.Error("X-List-Administrivia is missing")
	}
}

func TestUseVERP(t *testing.T) {
	list := mlist.New("test", "example.com")
	test := func(personalize mlist.Personalization, personalized bool, interval, postID int, want bool) {
		t.Helper()
		list.Personalize = personalize
		list.PostID = postID
		if got := UseVERP(list, personalized, interval); got != want {
			t.Errorf("UseVERP(%s, %v, %d) at post %d = %v, want %v", personalize, personalized, interval, postID, got, want)
		}
	}
	test(mlist.PersonalizeNone, true, 0, 1, false)
	test(mlist.PersonalizeFull, true, 0, 1, true)
	test(mlist.PersonalizeFull, false, 0, 1, false)
	test(mlist.PersonalizeNone, false, 1, 7, true)
	test(mlist.PersonalizeNone, false, 3, 7, false)
	test(mlist.PersonalizeNone, false, 3, 9, true)
}
