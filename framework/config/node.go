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

// Package config maps parsed configuration directives onto Go values.
package config

import (
	"fmt"
	"io"

	parser "github.com/foxcpp/mlist/framework/cfgparser"
)

type Node = parser.Node

func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}

// Read parses the configuration file into a root block node.
func Read(r io.Reader, location string) (Node, error) {
	nodes, err := parser.Read(r, location)
	if err != nil {
		return Node{}, err
	}
	return Node{Name: "", Children: nodes, File: location}, nil
}
