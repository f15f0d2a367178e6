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
	"errors"
	"os"

	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/hooks"
	"github.com/foxcpp/mlist/framework/log"
)

// LogOutput creates the output for the log targets: stderr, stderr_ts
// (with timestamps), off or file paths.
func LogOutput(targets []string, hks *hooks.Set) (log.Output, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one log target is required")
	}

	outs := make([]log.Output, 0, len(targets))
	for _, target := range targets {
		switch target {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "off":
			if len(targets) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			fo, err := log.NewFileOutput(target)
			if err != nil {
				return nil, err
			}
			if hks != nil {
				hks.Add(hooks.EventLogRotate, func() {
					if err := fo.Reopen(); err != nil {
						log.Println("failed to reopen the log file:", err)
					}
				})
			}
			outs = append(outs, fo)
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

func (s *Site) logDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare a block here")
	}
	out, err := LogOutput(node.Args, &s.Hooks)
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	return out, nil
}
