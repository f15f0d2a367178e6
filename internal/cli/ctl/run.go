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
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/mlist/framework/hooks"
	"github.com/foxcpp/mlist/framework/log"
	mlistcli "github.com/foxcpp/mlist/internal/cli"
	"github.com/foxcpp/mlist/internal/site"
	"github.com/urfave/cli/v2"
)

func init() {
	mlistcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the queue runners and the LMTP acceptor",
		Description: `Reads the configuration file, opens the LMTP and metrics listeners and
processes the queues until SIGTERM or SIGINT is received.

SIGUSR1 reopens the log files, SIGUSR2 reloads secondary files.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log",
				Usage: "default logging target(s), overridden by the log directive",
				Value: "stderr",
			},
			&cli.BoolFlag{
				Name:  "v",
				Usage: "print version and exit",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.Bool("v") {
				fmt.Println("mlist", BuildInfo())
				return nil
			}
			if err := runSite(ctx); err != nil {
				systemdStatusErr(err)
				return cli.Exit(err.Error(), 2)
			}
			return nil
		},
	})
}

func runSite(ctx *cli.Context) error {
	var (
		hks hooks.Set
		err error
	)
	defer hks.Run(hooks.EventShutdown)

	log.DefaultLogger.Out, err = site.LogOutput(strings.Fields(ctx.String("log")), &hks)
	if err != nil {
		return err
	}
	hks.Add(hooks.EventShutdown, func() {
		log.DefaultLogger.Out.Close()
	})

	root, err := readConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	s, err := site.Load(root, log.DefaultLogger)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Listen(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		handleSignals(&hks, &s.Hooks)
		systemdStatus(SDStopping, "Waiting for running deliveries to complete...")
		cancel()
	}()

	systemdStatus(SDReady, "Listening for incoming connections...")
	log.Printf("mlist %s started on %s", BuildInfo(), s.Hostname)
	if err := s.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("server stopped")
	return nil
}
