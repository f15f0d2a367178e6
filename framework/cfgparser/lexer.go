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

package parser

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"
)

type token struct {
	text string
	line int
	// newline is set if the token is the first token on its line.
	newline bool
	// quoted tokens are never treated as braces.
	quoted bool
}

// tokenize splits the input into whitespace-separated words. Words in double
// quotes may contain whitespace, \" escapes a quote inside them. Braces are
// recognized by the parser only as standalone words. Everything after # up
// to the end of the line is skipped.
func tokenize(r io.Reader, location string) ([]token, error) {
	br := bufio.NewReader(r)

	var (
		toks    []token
		cur     strings.Builder
		line    = 1
		lineTok = true
		started bool
		quoted  bool
		comment bool
		escaped bool
		tokLine int
	)

	flush := func(isQuoted bool) {
		if !started {
			return
		}
		toks = append(toks, token{text: cur.String(), line: tokLine, newline: lineTok, quoted: isQuoted})
		cur.Reset()
		started = false
		lineTok = false
	}

	first := true
	for {
		ch, _, err := br.ReadRune()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if ch == 0xFEFF {
				continue
			}
		}

		if quoted {
			switch {
			case escaped:
				if ch != '"' {
					cur.WriteRune('\\')
				}
				cur.WriteRune(ch)
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				quoted = false
				flush(true)
			default:
				if ch == '\n' {
					line++
				}
				cur.WriteRune(ch)
			}
			continue
		}

		if ch == '\n' {
			flush(false)
			line++
			lineTok = true
			comment = false
			continue
		}
		if comment {
			continue
		}
		if unicode.IsSpace(ch) {
			flush(false)
			continue
		}

		switch ch {
		case '#':
			flush(false)
			comment = true
			continue
		case '"':
			flush(false)
			quoted = true
			started = true
			tokLine = line
			continue
		}

		if !started {
			started = true
			tokLine = line
		}
		cur.WriteRune(ch)
	}

	if quoted {
		return nil, fmt.Errorf("%s:%d: unterminated quoted string", location, tokLine)
	}
	flush(false)

	return toks, nil
}
