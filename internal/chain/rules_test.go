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

package chain

import (
	"context"
	"strings"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/storage/memstore"
	"github.com/foxcpp/mlist/internal/testutils"
	"golang.org/x/crypto/bcrypt"
)

const memberPost = "From: anne@example.org\r\n" +
	"To: test@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <1@example.org>\r\n" +
	"\r\n" +
	"Hello everyone\r\n"

const nonmemberPost = "From: bob@example.net\r\n" +
	"To: test@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <2@example.net>\r\n" +
	"\r\n" +
	"Hello everyone\r\n"

type postEnv struct {
	store *memstore.Store
	list  *mlist.List
	md    *msg.Metadata
}

func newPostEnv(t *testing.T) *postEnv {
	t.Helper()
	store := memstore.New()
	list := mlist.New("test", "example.com")
	if err := store.CreateList(context.Background(), list); err != nil {
		t.Fatal(err)
	}
	anne := mlist.NewMember(list.ListID(), "anne@example.org", mlist.RoleMember)
	if err := store.Subscribe(context.Background(), anne); err != nil {
		t.Fatal(err)
	}
	return &postEnv{store: store, list: list, md: msg.NewMetadata(list.ListID())}
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(hash)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestDefaultPostingChain(t *testing.T) {
	resolver := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=reject"}},
	}}

	type testCase struct {
		name  string
		raw   string
		setup func(t *testing.T, pe *postEnv)
		want  Action
		hit   string
		check func(t *testing.T, env *Env)
	}
	cases := []testCase{
		{
			name: "member post",
			raw:  memberPost,
			want: Accept,
			check: func(t *testing.T, env *Env) {
				if len(env.Meta.RuleHits) != 0 {
					t.Error("unexpected rule hits:", env.Meta.RuleHits)
				}
				if !contains(env.Meta.RuleMisses, "nonmember-moderation") {
					t.Error("nonmember-moderation is not evaluated:", env.Meta.RuleMisses)
				}
			},
		},
		{
			name: "nonmember post",
			raw:  nonmemberPost,
			want: Hold,
			hit:  "nonmember-moderation",
			check: func(t *testing.T, env *Env) {
				if !contains(env.Meta.ModerationReasons, "The message is not from a list member") {
					t.Error("wrong reasons:", env.Meta.ModerationReasons)
				}
				if env.Meta.ModerationSender != "bob@example.net" {
					t.Error("wrong moderation sender:", env.Meta.ModerationSender)
				}
			},
		},
		{
			name: "accepted nonmember",
			raw:  nonmemberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.AcceptTheseNonmembers = []string{`^bob@.*\.net$`}
			},
			want: Accept,
			hit:  "nonmember-moderation",
		},
		{
			name: "discarded nonmember",
			raw:  nonmemberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.DiscardTheseNonmembers = []string{"BOB@example.net"}
			},
			want: Discard,
		},
		{
			name: "approved header",
			raw:  "Approved: secret\r\n" + nonmemberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.ModeratorPassword = hashPassword(t, "secret")
			},
			want: Accept,
			hit:  "approved",
			check: func(t *testing.T, env *Env) {
				if env.Msg.Header.Has("Approved") {
					t.Error("password field is not removed")
				}
				if !env.Meta.Approved {
					t.Error("approved flag is not set")
				}
			},
		},
		{
			name: "owner password",
			raw:  "Approved: owner-secret\r\n" + nonmemberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.ModeratorPassword = hashPassword(t, "secret")
				pe.list.AdminPassword = hashPassword(t, "owner-secret")
			},
			want: Accept,
			hit:  "approved",
		},
		{
			name: "wrong password",
			raw:  "X-Approve: guess\r\n" + nonmemberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.ModeratorPassword = hashPassword(t, "secret")
			},
			want: Hold,
			check: func(t *testing.T, env *Env) {
				if env.Msg.Header.Has("X-Approve") {
					t.Error("password field is not removed")
				}
			},
		},
		{
			name: "password in body",
			raw: "From: bob@example.net\r\n" +
				"To: test@example.com\r\n" +
				"Subject: Hello\r\n" +
				"Content-Type: text/plain\r\n" +
				"\r\n" +
				"\r\n" +
				"Approved: secret\r\n" +
				"\r\n" +
				"The actual text\r\n",
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.ModeratorPassword = hashPassword(t, "secret")
			},
			want: Accept,
			hit:  "approved",
			check: func(t *testing.T, env *Env) {
				body := string(env.Msg.Body)
				if strings.Contains(body, "secret") {
					t.Errorf("password is left in the body: %q", body)
				}
				if !strings.Contains(body, "The actual text") {
					t.Errorf("text is lost: %q", body)
				}
			},
		},
		{
			name: "moderator approved",
			raw:  nonmemberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.md.ModeratorApproved = true
				pe.list.EmergencyMode = true
			},
			want: Accept,
			hit:  "approved",
		},
		{
			name: "emergency",
			raw:  memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.EmergencyMode = true
			},
			want: Hold,
			hit:  "emergency",
		},
		{
			name: "loop",
			raw:  "X-BeenThere: Test@Example.com\r\n" + memberPost,
			want: Discard,
			hit:  "loop",
		},
		{
			name: "site ban",
			raw:  strings.Replace(memberPost, "anne@example.org", "spammer@spam.example", 1),
			want: Discard,
			hit:  "banned-address",
		},
		{
			name: "list ban",
			raw:  memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.BannedAddresses = []string{`^anne@`}
			},
			want: Discard,
			hit:  "banned-address",
		},
		{
			name: "moderated member",
			raw:  memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				m, err := pe.store.GetMember(context.Background(), pe.list.ListID(), mlist.RoleMember, "anne@example.org")
				if err != nil {
					t.Fatal(err)
				}
				m.ModerationAction = mlist.ActionReject
				if err := pe.store.UpdateMember(context.Background(), m); err != nil {
					t.Fatal(err)
				}
			},
			want: Reject,
			hit:  "member-moderation",
		},
		{
			name: "implicit destination",
			raw:  strings.Replace(memberPost, "To: test@example.com", "To: other@example.com", 1),
			want: Hold,
			hit:  "implicit-dest",
		},
		{
			name: "acceptable alias",
			raw:  strings.Replace(memberPost, "To: test@example.com", "To: test-alias@example.com", 1),
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.AcceptableAliases = []string{`^test-.*@example\.com`}
			},
			want: Accept,
		},
		{
			name: "administrivia",
			raw:  strings.Replace(memberPost, "Subject: Hello", "Subject: unsubscribe", 1),
			want: Hold,
			hit:  "administrivia",
		},
		{
			name: "command in body",
			raw:  strings.Replace(memberPost, "Hello everyone", "subscribe\r\nthanks", 1),
			want: Hold,
			hit:  "administrivia",
		},
		{
			name: "too many recipients",
			raw:  strings.Replace(memberPost, "To: test@example.com", "To: test@example.com, a@example.com, b@example.com", 1),
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.MaxNumRecipients = 2
			},
			want: Hold,
			hit:  "max-recipients",
		},
		{
			name: "too large",
			raw:  memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.MaxMessageSize = 1
				pe.md.OriginalSize = 2048
			},
			want: Hold,
			hit:  "max-size",
		},
		{
			name: "no subject",
			raw:  strings.Replace(memberPost, "Subject: Hello", "Subject: [test] ", 1),
			want: Hold,
			hit:  "no-subject",
		},
		{
			name: "suspicious header",
			raw:  "X-Mailer: MassMailer 2.0\r\n" + memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.SuspiciousHeaders = []string{"# comment", "X-Mailer: massmailer"}
			},
			want: Hold,
			hit:  "suspicious-header",
		},
		{
			name: "header match",
			raw:  "X-Spam-Flag: YES\r\n" + memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.HeaderMatches = []mlist.HeaderMatch{
					{Header: "Subject", Pattern: ""},
					{Header: "X-Spam-Flag", Pattern: "^yes$", Action: mlist.ActionDiscard},
				}
			},
			want: Discard,
			hit:  "header-match",
		},
		{
			name: "header match default action",
			raw:  "X-Spam-Flag: YES\r\n" + memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.HeaderMatches = []mlist.HeaderMatch{{Header: "X-Spam-Flag", Pattern: "yes"}}
			},
			want: Hold,
			hit:  "header-match",
		},
		{
			name: "site header check",
			raw:  "X-Virus: found\r\n" + memberPost,
			want: Reject,
			hit:  "header-match",
		},
		{
			name: "DMARC reject",
			raw:  memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.DMARCMitigateAction = mlist.DMARCReject
			},
			want: Reject,
			hit:  "dmarc-moderation",
			check: func(t *testing.T, env *Env) {
				if !env.Meta.DMARC {
					t.Error("DMARC flag is not set")
				}
				if len(env.Meta.ModerationReasons) != 1 || !strings.Contains(env.Meta.ModerationReasons[0], "DMARC") {
					t.Error("wrong reasons:", env.Meta.ModerationReasons)
				}
			},
		},
		{
			name: "DMARC munge",
			raw:  memberPost,
			setup: func(t *testing.T, pe *postEnv) {
				pe.list.DMARCMitigateAction = mlist.DMARCMunge
			},
			want: Accept,
			check: func(t *testing.T, env *Env) {
				if !env.Meta.DMARC {
					t.Error("DMARC flag is not set")
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			pe := newPostEnv(t)
			if tc.setup != nil {
				tc.setup(t, pe)
			}
			e := New(Config{
				Roster:   pe.store,
				Resolver: resolver,
				SiteBans: []string{"spammer@spam.example"},
				HeaderChecks: []mlist.HeaderMatch{
					{Header: "X-Virus", Pattern: "found", Action: mlist.ActionReject},
				},
				Log: testutils.Logger(t, "chain"),
			})

			m, err := msg.ReadBytes([]byte(tc.raw))
			if err != nil {
				t.Fatal(err)
			}
			env := &Env{List: pe.list, Msg: m, Meta: pe.md}
			res, err := e.Process(context.Background(), env, DefaultPostingChain)
			if err != nil {
				t.Fatal(err)
			}
			if res.Disposition != tc.want {
				t.Errorf("got %v, want %v (hits: %v, reasons: %v)", res.Disposition, tc.want,
					env.Meta.RuleHits, env.Meta.ModerationReasons)
			}
			if tc.hit != "" && !contains(env.Meta.RuleHits, tc.hit) {
				t.Errorf("%s is not in rule hits: %v", tc.hit, env.Meta.RuleHits)
			}
			if tc.check != nil {
				tc.check(t, env)
			}
		})
	}
}

func TestNonmemberRecorded(t *testing.T) {
	pe := newPostEnv(t)
	e := New(Config{Roster: pe.store, Log: testutils.Logger(t, "chain")})

	m, err := msg.ReadBytes([]byte(nonmemberPost))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Process(context.Background(), &Env{List: pe.list, Msg: m, Meta: pe.md}, DefaultPostingChain); err != nil {
		t.Fatal(err)
	}

	nm, err := pe.store.GetMember(context.Background(), pe.list.ListID(), mlist.RoleNonmember, "bob@example.net")
	if err != nil {
		t.Fatal("nonmember is not recorded:", err)
	}

	// Moderators can then whitelist the sender.
	nm.ModerationAction = mlist.ActionAccept
	if err := pe.store.UpdateMember(context.Background(), nm); err != nil {
		t.Fatal(err)
	}
	m, _ = msg.ReadBytes([]byte(nonmemberPost))
	res, err := e.Process(context.Background(), &Env{List: pe.list, Msg: m, Meta: msg.NewMetadata(pe.list.ListID())}, DefaultPostingChain)
	if err != nil {
		t.Fatal(err)
	}
	if res.Disposition != Accept {
		t.Error("whitelisted nonmember is not accepted:", res.Disposition)
	}
}

func TestOwnerChain(t *testing.T) {
	pe := newPostEnv(t)
	e := New(Config{Roster: pe.store, Log: testutils.Logger(t, "chain")})

	m, err := msg.ReadBytes([]byte(nonmemberPost))
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Process(context.Background(), &Env{List: pe.list, Msg: m, Meta: pe.md}, DefaultOwnerChain)
	if err != nil {
		t.Fatal(err)
	}
	if res.Disposition != Owner {
		t.Error("got", res.Disposition)
	}
}
