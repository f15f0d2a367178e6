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

// Package parser reads configuration files into a tree of directives.
//
// Syntax:
//
//	name arg0 arg1 {
//	    child0 arg
//	    child1
//	}
//
// Arguments can be quoted with double quotes. {env:NAME} is replaced with the
// value of the environment variable. "import path" includes another file
// relative to the current one. "$(name) = value..." declares a macro at
// top-level that can then be used as an argument.
package parser

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Node describes a directive or a block.
type Node struct {
	Name string
	Args []string

	// Children is nil if the directive has no block and non-nil (possibly
	// empty) if it has one.
	Children []Node

	File string
	Line int
}

const maxNesting = 64

func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}

type parseContext struct {
	location string
	toks     []token
	pos      int
	macros   map[string][]string
	depth    int
}

func (ctx *parseContext) errAt(line int, f string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", ctx.location, line, fmt.Sprintf(f, args...))
}

func validateNodeName(s string) error {
	if len(s) == 0 {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}
	for _, ch := range s {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		switch ch {
		case '.', '-', '_', '$', '(', ')':
			continue
		}
		return errors.New("character not allowed in directive name: " + string(ch))
	}
	return nil
}

func isBrace(t token, b string) bool {
	return !t.quoted && t.text == b
}

func (ctx *parseContext) readNodes(nesting int, topLevel bool) ([]Node, error) {
	if nesting > maxNesting {
		return nil, errors.New("nesting limit reached")
	}

	res := []Node{}
	for ctx.pos < len(ctx.toks) {
		t := ctx.toks[ctx.pos]
		if isBrace(t, "}") {
			if nesting == 0 {
				return nil, ctx.errAt(t.line, "unexpected }")
			}
			ctx.pos++
			return res, nil
		}
		if isBrace(t, "{") {
			return nil, ctx.errAt(t.line, "block without a directive name")
		}

		node := Node{Name: t.text, Args: []string{}, File: ctx.location, Line: t.line}
		if err := validateNodeName(node.Name); err != nil {
			return nil, ctx.errAt(t.line, "%v", err)
		}
		ctx.pos++

		for ctx.pos < len(ctx.toks) {
			arg := ctx.toks[ctx.pos]
			if arg.newline || isBrace(arg, "}") {
				break
			}
			if isBrace(arg, "{") {
				ctx.pos++
				children, err := ctx.readNodes(nesting+1, false)
				if err != nil {
					return nil, err
				}
				node.Children = children
				break
			}
			node.Args = append(node.Args, arg.text)
			ctx.pos++
		}

		if strings.HasPrefix(node.Name, "$(") {
			if !topLevel {
				return nil, NodeErr(node, "macro declarations are only allowed at top-level")
			}
			if err := ctx.declareMacro(node); err != nil {
				return nil, err
			}
			continue
		}

		if err := ctx.expandMacros(&node); err != nil {
			return nil, err
		}
		res = append(res, node)
	}

	if nesting != 0 {
		return nil, fmt.Errorf("%s: unexpected EOF when looking for }", ctx.location)
	}
	return res, nil
}

func (ctx *parseContext) declareMacro(node Node) error {
	if !strings.HasSuffix(node.Name, ")") {
		return NodeErr(node, "macro name must end with )")
	}
	if len(node.Args) < 2 || node.Args[0] != "=" {
		return NodeErr(node, "macro declaration should be in form $(name) = value")
	}
	if node.Children != nil {
		return NodeErr(node, "macro can't have a block")
	}
	name := node.Name[2 : len(node.Name)-1]
	ctx.macros[name] = node.Args[1:]
	return nil
}

func (ctx *parseContext) expandMacros(node *Node) error {
	args := make([]string, 0, len(node.Args))
	for _, arg := range node.Args {
		if !strings.HasPrefix(arg, "$(") || !strings.HasSuffix(arg, ")") {
			args = append(args, arg)
			continue
		}
		val, ok := ctx.macros[arg[2:len(arg)-1]]
		if !ok {
			return NodeErr(*node, "unknown macro: %s", arg)
		}
		args = append(args, val...)
	}
	node.Args = args

	for i := range node.Children {
		if err := ctx.expandMacros(&node.Children[i]); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *parseContext) expandImports(nodes []Node) ([]Node, error) {
	if nodes == nil {
		return nil, nil
	}

	res := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Name != "import" {
			children, err := ctx.expandImports(node.Children)
			if err != nil {
				return nil, err
			}
			node.Children = children
			res = append(res, node)
			continue
		}

		if len(node.Args) != 1 {
			return nil, NodeErr(node, "import directive requires exactly 1 argument")
		}
		if ctx.depth > 16 {
			return nil, NodeErr(node, "hit import expansion limit")
		}

		file := node.Args[0]
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(ctx.location), file)
		}
		f, err := os.Open(file)
		if err != nil && os.IsNotExist(err) {
			f, err = os.Open(file + ".conf")
		}
		if err != nil {
			return nil, NodeErr(node, "import: %v", err)
		}
		sub, err := read(f, file, ctx.depth+1, ctx.macros)
		f.Close()
		if err != nil {
			return nil, err
		}
		res = append(res, sub...)
	}
	return res, nil
}

func read(r io.Reader, location string, depth int, macros map[string][]string) ([]Node, error) {
	toks, err := tokenize(r, location)
	if err != nil {
		return nil, err
	}

	ctx := parseContext{
		location: location,
		toks:     toks,
		macros:   macros,
		depth:    depth,
	}
	nodes, err := ctx.readNodes(0, true)
	if err != nil {
		return nil, err
	}
	nodes, err = ctx.expandImports(nodes)
	if err != nil {
		return nil, err
	}
	return expandEnvironment(nodes), nil
}

// Read parses the configuration from r, location is used in error messages
// and to resolve relative imports.
func Read(r io.Reader, location string) ([]Node, error) {
	return read(r, location, 0, map[string][]string{})
}
