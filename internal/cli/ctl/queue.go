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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	mlistcli "github.com/foxcpp/mlist/internal/cli"
	"github.com/foxcpp/mlist/internal/cli/clitools"
	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/switchboard"
	"github.com/urfave/cli/v2"
)

func init() {
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "inject",
		Usage:     "Enqueue a message for a list",
		ArgsUsage: "LIST [FILE]",
		Description: `Reads the message from FILE or stdin and enqueues it into the queue
as if it was posted to the list. A Message-ID is generated if the
message has none.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "queue",
				Aliases: []string{"q"},
				Usage:   "Queue to use: " + strings.Join(switchboard.AllQueues, ", "),
				Value:   switchboard.In,
			},
			&cli.StringFlag{
				Name:  "sender",
				Usage: "Envelope sender to record, the From address by default",
			},
		},
		Action: injectCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:      "qfile",
		Usage:     "Dump a queue file",
		ArgsUsage: "PATH|QUEUE/FILEBASE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "metadata-only",
				Usage: "Do not print the message",
			},
		},
		Action: qfileCmd,
	})
	mlistcli.AddSubcommand(&cli.Command{
		Name:  "unshunt",
		Usage: "Move shunted items back to their queues",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "list",
				Usage: "Only list the shunted items",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Don't ask for confirmation",
			},
		},
		Action: unshuntCmd,
	})
}

func knownQueue(name string) bool {
	for _, q := range switchboard.AllQueues {
		if q == name {
			return true
		}
	}
	return false
}

func injectCmd(ctx *cli.Context) error {
	queue := ctx.String("queue")
	if !knownQueue(queue) {
		return cli.Exit(fmt.Sprintf("Error: unknown queue: %s", queue), 2)
	}

	var r io.Reader = os.Stdin
	if path := ctx.Args().Get(1); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	m, err := msg.Read(r)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: malformed message: %v", err), 2)
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

	m.EnsureMessageID(s.Hostname)
	md := msg.NewMetadata(list.ListID())
	md.ToList = true
	md.MessageIDHash = m.AddMessageIDHash()
	md.OriginalSize = m.Size()
	md.OriginalSender = ctx.String("sender")
	if md.OriginalSender == "" {
		md.OriginalSender = m.Sender()
	}

	filebase, err := s.Queues.Get(queue).Enqueue(m, md)
	if err != nil {
		return err
	}
	fmt.Println(queue + "/" + filebase)
	return nil
}

func qfileCmd(ctx *cli.Context) error {
	ref := ctx.Args().First()
	if ref == "" {
		return cli.Exit("Error: PATH is required", 2)
	}

	path := ref
	if _, err := os.Stat(ref); err != nil {
		s, err := openSite(ctx)
		if err != nil {
			return err
		}
		path = s.Queues.ResolvePath(ref)
		s.Close()
	}

	m, md, err := switchboard.ReadFile(path)
	if err != nil {
		return err
	}
	mdJSON, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(mdJSON))
	if ctx.Bool("metadata-only") {
		return nil
	}
	fmt.Println()
	_, err = m.WriteTo(os.Stdout)
	return err
}

func unshuntCmd(ctx *cli.Context) error {
	s, err := openSite(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	paths, err := s.Queues.Preserved()
	if err != nil {
		return err
	}
	if ctx.Bool("list") {
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	}
	if len(paths) == 0 {
		fmt.Println("No shunted items")
		return nil
	}

	if !ctx.Bool("yes") {
		if !clitools.Confirmation(fmt.Sprintf("Move %d items back to their queues?", len(paths)), false) {
			return cli.Exit("Cancelled", 2)
		}
	}
	n, err := s.Queues.Unshunt()
	fmt.Printf("Moved %d items\n", n)
	return err
}
