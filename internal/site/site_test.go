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

package site

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/storage/memstore"
	"github.com/foxcpp/mlist/internal/storage/sqlstore"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/foxcpp/mlist/internal/testutils"
)

func loadSite(t *testing.T, text string) (*Site, error) {
	t.Helper()
	root, err := config.Read(strings.NewReader(text), "mlist.conf")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Load(root, testutils.Logger(t, "site"))
	if err == nil {
		t.Cleanup(func() { s.Close() })
	}
	return s, err
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := loadSite(t, fmt.Sprintf(`
hostname lists.example.com
site_owner postmaster@example.com
state_dir %s
storage sql {
	driver sqlite3
	dsn mlist.db
}
pending bolt pending.db
message_store fs messages
archive prototype {
	base_url https://lists.example.com/archives
}
header_check X-Spam-Flag yes discard
relay tcp://127.0.0.1:25 {
	rate 10 1s
}
lmtp tcp://127.0.0.1:0
runners {
	slices out 2
	slices in 2
}
delivery {
	retry_period 2d
}
`, dir))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Store.(*sqlstore.Store); !ok {
		t.Errorf("wrong storage: %T", s.Store)
	}
	if s.QueueDir != dir+"/queue" || s.DataDir != dir+"/data" {
		t.Errorf("wrong directories: %s, %s", s.QueueDir, s.DataDir)
	}
	if s.LMTP == nil {
		t.Error("LMTP acceptor is not configured")
	}
	if s.Metrics != nil {
		t.Error("metrics endpoint is configured without the block")
	}

	perQueue := map[string]int{}
	for _, r := range s.Runners {
		perQueue[r.Name()]++
	}
	for q, want := range map[string]int{
		switchboard.In:       2,
		switchboard.Out:      2,
		switchboard.Pipeline: 1,
		switchboard.Virgin:   1,
		switchboard.Bounces:  1,
		switchboard.Command:  1,
		switchboard.Archive:  1,
		switchboard.Digest:   1,
		switchboard.Retry:    0,
		switchboard.Shunt:    0,
	} {
		if perQueue[q] != want {
			t.Errorf("%s: expected %d runners, got %d", q, want, perQueue[q])
		}
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	for name, text := range map[string]string{
		"no site owner":   "relay tcp://127.0.0.1:25\n",
		"no relay":        "site_owner postmaster@example.com\n",
		"unknown storage": "site_owner postmaster@example.com\nrelay tcp://127.0.0.1:25\nstorage redis\n",
		"unknown archive": "site_owner postmaster@example.com\nrelay tcp://127.0.0.1:25\narchive pipermail\n",
		"bad slices":      "site_owner postmaster@example.com\nrelay tcp://127.0.0.1:25\nrunners {\nslices out 3\n}\n",
		"bad schedule":    "site_owner postmaster@example.com\nrelay tcp://127.0.0.1:25\ndigest_schedule sometimes\n",
	} {
		if _, err := loadSite(t, "state_dir "+dir+"\n"+text); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestSite_Delivery(t *testing.T) {
	be, relayAddr := testutils.SMTPServer(t)

	s, err := loadSite(t, fmt.Sprintf(`
hostname lists.example.com
site_owner postmaster@example.com
state_dir %s
relay tcp://%s
lmtp tcp://127.0.0.1:0
runners {
	poll_interval 50ms
}
`, t.TempDir(), relayAddr))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Store.(*memstore.Store); !ok {
		t.Fatalf("wrong default storage: %T", s.Store)
	}

	ctx := context.Background()
	list := mlist.New("test", "example.com")
	list.DefaultNonmemberAction = mlist.ActionAccept
	if err := s.Store.CreateList(ctx, list); err != nil {
		t.Fatal(err)
	}
	if err := s.Store.Subscribe(ctx, mlist.NewMember(list.ListID(), "anne@example.org", mlist.RoleMember)); err != nil {
		t.Fatal(err)
	}

	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Error(err)
		}
	}()

	conn, err := net.Dial("tcp", s.LMTP.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	cl, err := smtp.NewClientLMTP(conn, "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()
	if err := cl.Hello("mx.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("bob@example.net", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("test@example.com"); err != nil {
		t.Fatal(err)
	}
	w, err := cl.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		if status != nil {
			t.Errorf("%s: %v", rcpt, status)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("From: bob@example.net\r\n" +
		"To: test@example.com\r\n" +
		"Subject: Hi\r\n" +
		"Message-ID: <m1>\r\n" +
		"\r\n" +
		"Hello!\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for len(be.Snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("the post is not delivered")
		}
		time.Sleep(50 * time.Millisecond)
	}

	delivered := be.Snapshot()[0]
	if delivered.From != "test-bounces@example.com" {
		t.Errorf("wrong envelope sender: %s", delivered.From)
	}
	if len(delivered.To) != 1 || delivered.To[0] != "anne@example.org" {
		t.Errorf("wrong recipients: %v", delivered.To)
	}
	m, err := msg.ReadBytes(delivered.Data)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Header.Get("List-Id"); !strings.Contains(got, "<test.example.com>") {
		t.Errorf("wrong List-Id: %q", got)
	}
	if got := m.Header.Get("X-Message-ID-Hash"); got != msg.MessageIDHash("<m1>") {
		t.Errorf("wrong X-Message-ID-Hash: %q", got)
	}
}
