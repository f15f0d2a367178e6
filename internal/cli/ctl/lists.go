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
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/foxcpp/mlist/framework/address"
	mlistcli "github.com/foxcpp/mlist/internal/cli"
	"github.com/foxcpp/mlist/internal/cli/clitools"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/moderation"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

var roleFlag = &cli.StringFlag{
	Name:    "role",
	Aliases: []string{"r"},
	Usage:   "Membership role: member, owner, moderator or nonmember",
	Value:   string(mlist.RoleMember),
}

func init() {
	mlistcli.AddSubcommand(&cli.Command{
		Name:   "lists",
		Usage:  "List the mailing lists",
		Action: listsCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "create-list",
		Usage:     "Create a mailing list",
		ArgsUsage: "LIST",
		Description: `LIST is the posting address. The list is created with the default
settings, owners given with --owner are subscribed in the owner role.
`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "owner",
				Usage: "Subscribe `ADDRESS` as a list owner",
			},
			&cli.StringFlag{
				Name:  "description",
				Usage: "One line description of the list",
			},
			&cli.StringFlag{
				Name:  "language",
				Usage: "Preferred language of the list",
				Value: "en",
			},
		},
		Action: createListCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "members",
		Usage:     "List the members of a list",
		ArgsUsage: "LIST",
		Flags:     []cli.Flag{roleFlag},
		Action:    membersCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "add-member",
		Usage:     "Subscribe an address without confirmation",
		ArgsUsage: "LIST ADDRESS",
		Flags: []cli.Flag{
			roleFlag,
			&cli.StringFlag{
				Name:  "name",
				Usage: "Display name of the member",
			},
			&cli.StringFlag{
				Name:  "delivery",
				Usage: "Delivery mode: regular, mime_digests or plaintext_digests",
				Value: string(mlist.DeliveryRegular),
			},
		},
		Action: addMemberCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "remove-member",
		Usage:     "Unsubscribe an address without confirmation",
		ArgsUsage: "LIST ADDRESS",
		Flags: []cli.Flag{
			roleFlag,
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Don't ask for confirmation",
			},
		},
		Action: removeMemberCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "held",
		Usage:     "List the requests held for moderation",
		ArgsUsage: "LIST [ID]",
		Description: `Without ID, prints a summary of every held request. With ID, prints the
held message of the request.
`,
		Action: heldCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "moderate",
		Usage:     "Handle a held request",
		ArgsUsage: "LIST ID ACTION",
		Description: `ACTION is one of accept, reject, discard or defer.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "comment",
				Usage: "Reason sent to the author of a rejected request",
			},
			&cli.BoolFlag{
				Name:  "preserve",
				Usage: "Keep a copy of a held message in the bad queue",
			},
			&cli.StringSliceFlag{
				Name:  "forward",
				Usage: "Forward a held message to `ADDRESS`",
			},
		},
		Action: moderateCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "set-password",
		Usage:     "Set the moderator or owner password of a list",
		ArgsUsage: "LIST",
		Description: `Either password approves posts carrying it in the Approved header.
Reads the password from stdin.
`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "owner",
				Usage: "Set the owner password instead of the moderator one",
			},
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "Use `PASSWORD instead of reading password from stdin.\n\t\tWARNING: Provided only for debugging convenience. Don't leave your passwords in shell history!",
			},
			&cli.IntFlag{
				Name:  "bcrypt-cost",
				Usage: "Specify bcrypt cost value",
				Value: bcrypt.DefaultCost,
			},
		},
		Action: setPasswordCmd,
	})
}

func parseRole(s string) (mlist.Role, error) {
	switch r := mlist.Role(s); r {
	case mlist.RoleMember, mlist.RoleOwner, mlist.RoleModerator, mlist.RoleNonmember:
		return r, nil
	}
	return "", cli.Exit(fmt.Sprintf("Error: unknown role: %s", s), 2)
}

func listsCmd(ctx *cli.Context) error {
	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	lists, err := s.Store.Lists(ctx.Context)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, l := range lists {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", l.FQDN(), l.DisplayName, l.Description)
	}
	return tw.Flush()
}

func createListCmd(ctx *cli.Context) error {
	name, host, err := splitAddress(ctx.Args().First())
	if err != nil {
		return err
	}

	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	list := mlist.New(name, host)
	list.Description = ctx.String("description")
	list.PreferredLanguage = ctx.String("language")
	if err := s.Store.CreateList(ctx.Context, list); err != nil {
		if errors.Is(err, mlist.ErrListExists) {
			return cli.Exit(fmt.Sprintf("Error: list already exists: %s", list.FQDN()), 2)
		}
		return err
	}
	for _, owner := range ctx.StringSlice("owner") {
		if err := s.Store.Subscribe(ctx.Context, mlist.NewMember(list.ListID(), owner, mlist.RoleOwner)); err != nil {
			return fmt.Errorf("failed to add owner %s: %w", owner, err)
		}
	}
	fmt.Println("Created", list.FQDN())
	return nil
}

func splitAddress(addr string) (local, domain string, err error) {
	if addr == "" {
		return "", "", cli.Exit("Error: LIST is required", 2)
	}
	local, domain, err = address.Split(addr)
	if err != nil || local == "" || domain == "" {
		return "", "", cli.Exit(fmt.Sprintf("Error: malformed list address: %s", addr), 2)
	}
	return local, domain, nil
}

func membersCmd(ctx *cli.Context) error {
	role, err := parseRole(ctx.String("role"))
	if err != nil {
		return err
	}
	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	list, err := getList(s, ctx.Args().First())
	if err != nil {
		return err
	}

	members, err := s.Store.Members(ctx.Context, list.ListID(), role)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, m := range members {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Address, m.DisplayName, m.DeliveryMode, m.DeliveryStatus)
	}
	return tw.Flush()
}

func addMemberCmd(ctx *cli.Context) error {
	role, err := parseRole(ctx.String("role"))
	if err != nil {
		return err
	}
	mode := mlist.DeliveryMode(ctx.String("delivery"))
	switch mode {
	case mlist.DeliveryRegular, mlist.DeliveryMIMEDigest, mlist.DeliveryPlainDigest:
	default:
		return cli.Exit(fmt.Sprintf("Error: unknown delivery mode: %s", mode), 2)
	}
	addr := ctx.Args().Get(1)
	if addr == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}

	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	list, err := getList(s, ctx.Args().First())
	if err != nil {
		return err
	}

	m := mlist.NewMember(list.ListID(), addr, role)
	m.DisplayName = ctx.String("name")
	m.DeliveryMode = mode
	m.PreferredLanguage = list.PreferredLanguage
	if err := s.Store.Subscribe(ctx.Context, m); err != nil {
		if errors.Is(err, mlist.ErrAlreadyMember) {
			return cli.Exit(fmt.Sprintf("Error: %s is already subscribed as %s", addr, role), 2)
		}
		return err
	}
	return nil
}

func removeMemberCmd(ctx *cli.Context) error {
	role, err := parseRole(ctx.String("role"))
	if err != nil {
		return err
	}
	addr := ctx.Args().Get(1)
	if addr == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}

	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	list, err := getList(s, ctx.Args().First())
	if err != nil {
		return err
	}

	m, err := s.Store.GetMember(ctx.Context, list.ListID(), role, addr)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchMember) {
			return cli.Exit(fmt.Sprintf("Error: %s is not subscribed as %s", addr, role), 2)
		}
		return err
	}
	if !ctx.Bool("yes") {
		if !clitools.Confirmation(fmt.Sprintf("Unsubscribe %s from %s?", addr, list.FQDN()), false) {
			return cli.Exit("Cancelled", 2)
		}
	}
	return s.Store.Unsubscribe(ctx.Context, m.ID)
}

func heldCmd(ctx *cli.Context) error {
	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	list, err := getList(s, ctx.Args().First())
	if err != nil {
		return err
	}

	if idArg := ctx.Args().Get(1); idArg != "" {
		id, err := strconv.Atoi(idArg)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error: malformed request ID: %s", idArg), 2)
		}
		var m *msg.Message
		m, _, err = s.Moderator.HeldMessage(ctx.Context, list, id)
		if err != nil {
			return err
		}
		_, err = m.WriteTo(os.Stdout)
		return err
	}

	reqs, err := s.Store.Requests(ctx.Context, list.ListID())
	if err != nil {
		return err
	}
	for _, req := range reqs {
		fmt.Printf("%d\t%s\n", req.ID, moderation.Summary(req))
	}
	return nil
}

func moderateCmd(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return cli.Exit("Error: LIST, ID and ACTION are required", 2)
	}
	id, err := strconv.Atoi(ctx.Args().Get(1))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: malformed request ID: %s", ctx.Args().Get(1)), 2)
	}
	action, err := moderation.ParseAction(ctx.Args().Get(2))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}

	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	list, err := getList(s, ctx.Args().First())
	if err != nil {
		return err
	}

	req, err := s.Store.GetRequest(ctx.Context, list.ListID(), id)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchRequest) {
			return cli.Exit(fmt.Sprintf("Error: no such request: %d", id), 2)
		}
		return err
	}
	if req.Type == mlist.RequestHeldMessage {
		return s.Moderator.HandleMessage(ctx.Context, list, id, action, moderation.MessageOptions{
			Comment:  ctx.String("comment"),
			Preserve: ctx.Bool("preserve"),
			Forward:  ctx.StringSlice("forward"),
		})
	}
	return s.Moderator.Handle(ctx.Context, list, id, action, ctx.String("comment"))
}

func setPasswordCmd(ctx *cli.Context) error {
	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	list, err := getList(s, ctx.Args().First())
	if err != nil {
		return err
	}

	pass := ctx.String("password")
	if pass == "" {
		pass, err = clitools.ReadPassword("Enter password for " + list.FQDN())
		if err != nil {
			return err
		}
	}
	if pass == "" {
		return cli.Exit("Error: empty password", 2)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pass), ctx.Int("bcrypt-cost"))
	if err != nil {
		return err
	}
	if ctx.Bool("owner") {
		list.AdminPassword = string(hash)
	} else {
		list.ModeratorPassword = string(hash)
	}
	return s.Store.UpdateList(ctx.Context, list)
}
