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

package ctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mlistcli "github.com/foxcpp/mlist/internal/cli"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/storage/sqlstore"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/foxcpp/mlist/internal/testutils"
	"github.com/urfave/cli/v2"
)

const testMsg = "From: Anne Person <anne@example.org>\r\n" +
	"To: test@example.com\r\n" +
	"Subject: Hello\r\n" +
	"\r\n" +
	"Hi!\r\n"

func testConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mlist.conf")
	cfg := fmt.Sprintf(`
hostname lists.example.com
site_owner postmaster@example.com
state_dir %s
storage sql {
	driver sqlite3
	dsn mlist.db
}
pending bolt pending.db
relay tcp://127.0.0.1:25
`, dir)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir, cfgPath
}

func runCmd(t *testing.T, cfgPath string, args ...string) error {
	t.Helper()
	return mlistcli.App().Run(append([]string{"mlist", "--config", cfgPath}, args...))
}

func TestCommands(t *testing.T) {
	exiter := cli.OsExiter
	cli.OsExiter = func(int) {}
	t.Cleanup(func() { cli.OsExiter = exiter })

	dir, cfgPath := testConfig(t)

	if err := runCmd(t, cfgPath, "create-list", "--owner", "owner@example.org", "--description", "Testing", "test@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd(t, cfgPath, "create-list", "test@example.com"); err == nil {
		t.Error("duplicate list is created")
	}
	if err := runCmd(t, cfgPath, "add-member", "--name", "Anne", "--delivery", "mime_digests", "test@example.com", "anne@example.org"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd(t, cfgPath, "add-member", "--role", "admin", "test@example.com", "bob@example.org"); err == nil {
		t.Error("unknown role is accepted")
	}
	if err := runCmd(t, cfgPath, "set-password", "--password", "secret", "--bcrypt-cost", "4", "test@example.com"); err != nil {
		t.Fatal(err)
	}

	msgPath := filepath.Join(dir, "post.eml")
	if err := os.WriteFile(msgPath, []byte(testMsg), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := runCmd(t, cfgPath, "inject", "test@example.com", msgPath); err != nil {
		t.Fatal(err)
	}
	if err := runCmd(t, cfgPath, "inject", "--queue", "outbox", "test@example.com", msgPath); err == nil {
		t.Error("unknown queue is accepted")
	}
	if err := runCmd(t, cfgPath, "inject", "nolist@example.com", msgPath); err == nil {
		t.Error("unknown list is accepted")
	}

	store, err := sqlstore.Open(context.Background(), sqlstore.SQLiteDriver, filepath.Join(dir, "mlist.db"), testutils.Logger(t, "sqlstore"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	list, err := store.GetList(context.Background(), "test@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if list.Description != "Testing" {
		t.Error("wrong description:", list.Description)
	}
	if !strings.HasPrefix(list.ModeratorPassword, "$2") {
		t.Error("moderator password is not hashed:", list.ModeratorPassword)
	}
	if _, err := store.GetMember(context.Background(), list.ListID(), mlist.RoleOwner, "owner@example.org"); err != nil {
		t.Error("owner is not subscribed:", err)
	}
	anne, err := store.GetMember(context.Background(), list.ListID(), mlist.RoleMember, "anne@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if anne.DisplayName != "Anne" || anne.DeliveryMode != mlist.DeliveryMIMEDigest {
		t.Errorf("wrong member preferences: %+v", anne)
	}

	queues, err := switchboard.NewSet(filepath.Join(dir, "queue"), testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	sb := queues.Get(switchboard.In)
	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one injected message, got %d", len(files))
	}
	m, md, err := sb.Dequeue(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !md.ToList || md.ListID != "test.example.com" || md.OriginalSender != "anne@example.org" {
		t.Errorf("wrong metadata: %+v", md)
	}
	if m.MessageID() == "" || md.MessageIDHash == "" {
		t.Error("Message-ID is not generated")
	}
}

func TestSplitAddress(t *testing.T) {
	local, domain, err := splitAddress("test@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if local != "test" || domain != "example.com" {
		t.Errorf("wrong split: %q, %q", local, domain)
	}
	for _, addr := range []string{"", "test", "@example.com", "test@"} {
		if _, _, err := splitAddress(addr); err == nil {
			t.Errorf("%q: expected an error", addr)
		}
	}
}
