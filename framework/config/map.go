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

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Map binds configuration directives of a block to Go variables.
//
//	m := config.NewMap(globals, node)
//	m.String("hostname", true, "", &hostname)
//	m.Duration("retry_period", false, 5*24*time.Hour, &period)
//	if err := m.Process(); err != nil { ... }
//
// Unknown directives are an error.
type Map struct {
	// Globals are used for directives missing from Block.
	Globals map[string]interface{}
	Block   Node

	entries map[string]matcher
}

type matcher struct {
	required   bool
	defaultVal func() (interface{}, error)
	mapper     func(*Map, Node) (interface{}, error)
	store      *reflect.Value

	callback func(*Map, Node) error
}

func (m matcher) set(val interface{}) {
	if m.store == nil {
		return
	}
	v := reflect.ValueOf(val)
	if !v.IsValid() {
		v = reflect.Zero(m.store.Type())
	}
	m.store.Set(v)
}

func NewMap(globals map[string]interface{}, block Node) *Map {
	return &Map{Globals: globals, Block: block}
}

func (m *Map) add(name string, mt matcher) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config: duplicate matcher " + name)
	}
	m.entries[name] = mt
}

// args checks that node is not a block and has lo to hi arguments. hi < 0
// means no limit.
func args(node Node, lo, hi int) error {
	if node.Children != nil {
		return NodeErr(node, "can't declare a block here")
	}
	switch {
	case len(node.Args) < lo && lo == hi:
		return NodeErr(node, "expected %d argument(s)", lo)
	case len(node.Args) < lo:
		return NodeErr(node, "expected at least %d argument(s)", lo)
	case hi >= 0 && len(node.Args) > hi:
		return NodeErr(node, "expected at most %d argument(s)", hi)
	}
	return nil
}

// scalar registers a directive with a fixed default.
func (m *Map) scalar(name string, required bool, defaultVal interface{}, lo, hi int, parse func([]string) (interface{}, error), store interface{}) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if err := args(node, lo, hi); err != nil {
			return nil, err
		}
		val, err := parse(node.Args)
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return val, nil
	}, store)
}

func (m *Map) String(name string, required bool, defaultVal string, store *string) {
	m.scalar(name, required, defaultVal, 1, 1, func(a []string) (interface{}, error) {
		return a[0], nil
	}, store)
}

func (m *Map) StringList(name string, required bool, defaultVal []string, store *[]string) {
	m.scalar(name, required, defaultVal, 1, -1, func(a []string) (interface{}, error) {
		return a, nil
	}, store)
}

// Enum accepts one argument out of allowed.
func (m *Map) Enum(name string, required bool, allowed []string, defaultVal string, store *string) {
	m.scalar(name, required, defaultVal, 1, 1, func(a []string) (interface{}, error) {
		for _, v := range allowed {
			if v == a[0] {
				return v, nil
			}
		}
		return nil, fmt.Errorf("invalid argument, valid values are: %v", allowed)
	}, store)
}

func (m *Map) Int(name string, required bool, defaultVal int, store *int) {
	m.scalar(name, required, defaultVal, 1, 1, func(a []string) (interface{}, error) {
		i, err := strconv.Atoi(a[0])
		if err != nil {
			return nil, fmt.Errorf("invalid integer: %s", a[0])
		}
		return i, nil
	}, store)
}

// Bool is true for the bare directive, "yes" and "no" are accepted too.
func (m *Map) Bool(name string, defaultVal bool, store *bool) {
	m.scalar(name, false, defaultVal, 0, 1, func(a []string) (interface{}, error) {
		if len(a) == 0 {
			return true, nil
		}
		return parseBool(a[0])
	}, store)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, errors.New("bool argument should be 'yes' or 'no'")
}

// Duration joins the arguments, so "5d 12h" is accepted.
func (m *Map) Duration(name string, required bool, defaultVal time.Duration, store *time.Duration) {
	m.scalar(name, required, defaultVal, 1, -1, func(a []string) (interface{}, error) {
		return ParseDuration(strings.Join(a, ""))
	}, store)
}

// ParseDuration is time.ParseDuration with a leading "d" (day) unit.
func ParseDuration(s string) (time.Duration, error) {
	var total time.Duration
	if idx := strings.Index(s, "d"); idx != -1 {
		days, err := strconv.Atoi(s[:idx])
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		total = time.Duration(days) * 24 * time.Hour
		s = s[idx+1:]
	}
	if s != "" {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		total += dur
	}
	if total < 0 {
		return 0, errors.New("duration must not be negative")
	}
	return total, nil
}

// DataSize accepts sizes like "40M" or "1G 512M".
func (m *Map) DataSize(name string, required bool, defaultVal int64, store *int64) {
	m.scalar(name, required, defaultVal, 1, -1, func(a []string) (interface{}, error) {
		return parseDataSize(strings.Join(a, " "))
	}, store)
}

var sizeUnits = map[string]int64{"B": 1, "b": 1, "K": 1 << 10, "M": 1 << 20, "G": 1 << 30}

func parseDataSize(s string) (int64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("missing a number")
	}
	var total int64
	for _, part := range fields {
		i := strings.IndexFunc(part, func(r rune) bool { return !unicode.IsDigit(r) })
		if i == 0 {
			return 0, errors.New("missing a number")
		}
		digits, unit := part, ""
		if i != -1 {
			digits, unit = part[:i], part[i:]
		}
		num, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0, err
		}
		if unit == "" {
			if num != 0 {
				return 0, errors.New("unit suffix is required")
			}
			continue
		}
		mult, ok := sizeUnits[unit]
		if !ok {
			return 0, errors.New("unknown unit suffix: " + unit)
		}
		total += num * mult
	}
	return total, nil
}

// Custom registers a directive parsed by mapper.
//
// A missing directive takes its value from Globals, fails Process if
// required, or else uses defaultVal. With nil defaultVal store is left
// untouched. store points to a variable of the type mapper returns.
func (m *Map) Custom(name string, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), store interface{}) {
	var target *reflect.Value
	if ptr := reflect.ValueOf(store); ptr.IsValid() && !ptr.IsNil() {
		val := ptr.Elem()
		if !val.CanSet() {
			panic("config: store argument must be a pointer")
		}
		target = &val
	}
	m.add(name, matcher{required: required, defaultVal: defaultVal, mapper: mapper, store: target})
}

// Callback calls mapper for every occurrence of a repeatable directive.
func (m *Map) Callback(name string, mapper func(*Map, Node) error) {
	m.add(name, matcher{callback: mapper})
}

// Process parses Block and stores the values.
func (m *Map) Process() error {
	seen := make(map[string]bool)
	for _, node := range m.Block.Children {
		mt, ok := m.entries[node.Name]
		if !ok {
			return NodeErr(node, "unexpected directive: %s", node.Name)
		}
		if mt.callback != nil {
			if err := mt.callback(m, node); err != nil {
				return err
			}
			continue
		}
		if seen[node.Name] {
			return NodeErr(node, "duplicate directive: %s", node.Name)
		}
		seen[node.Name] = true

		val, err := mt.mapper(m, node)
		if err != nil {
			return err
		}
		mt.set(val)
	}

	for name, mt := range m.entries {
		if seen[name] || mt.mapper == nil {
			continue
		}
		if val, ok := m.Globals[name]; ok {
			mt.set(val)
			continue
		}
		if mt.required {
			return NodeErr(m.Block, "missing required directive: %s", name)
		}
		if mt.defaultVal == nil {
			continue
		}
		val, err := mt.defaultVal()
		if err != nil {
			return err
		}
		mt.set(val)
	}
	return nil
}
