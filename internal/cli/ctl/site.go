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
	"os"
	"runtime/debug"

	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/log"
	mlistcli "github.com/foxcpp/mlist/internal/cli"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/site"
	"github.com/urfave/cli/v2"
)

func init() {
	mlistcli.AddGlobalFlag(&cli.StringFlag{
		Name:    "config",
		Usage:   "Configuration file to use",
		EnvVars: []string{"MLIST_CONFIG"},
		Value:   site.ConfigPath(),
	})
	mlistcli.AddGlobalFlag(&cli.BoolFlag{
		Name:        "debug",
		Usage:       "enable debug logging early",
		Destination: &log.DefaultLogger.Debug,
	})
}

func BuildInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version == "(devel)" {
			return site.Version
		}
		return info.Main.Version + " " + info.Main.Sum
	}
	return site.Version + " (GOPATH build)"
}

func readConfig(path string) (config.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return config.Node{}, err
	}
	defer f.Close()
	return config.Read(f, path)
}

// openSite loads the site without opening the listeners. The caller should
// Close it.
func openSite(ctx *cli.Context) (*site.Site, error) {
	cfgPath := ctx.String("config")
	if cfgPath == "" {
		return nil, cli.Exit("Error: config is required", 2)
	}
	root, err := readConfig(cfgPath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to read config: %v", err), 2)
	}
	s, err := site.Load(root, log.DefaultLogger)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	return s, nil
}

func getList(s *site.Site, fqdn string) (*mlist.List, error) {
	if fqdn == "" {
		return nil, cli.Exit("Error: LIST is required", 2)
	}
	list, err := s.Store.GetList(context.TODO(), fqdn)
	if err != nil {
		if errors.Is(err, mlist.ErrNoSuchList) {
			return nil, cli.Exit(fmt.Sprintf("Error: no such list: %s", fqdn), 2)
		}
		return nil, err
	}
	return list, nil
}
