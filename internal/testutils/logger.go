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

package testutils

import (
	"flag"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mlist/framework/log"
)

var (
	debugLog  = flag.Bool("test.debuglog", false, "(mlist) enable debug messages in tests")
	directLog = flag.Bool("test.directlog", false, "(mlist) write test logs to stderr")
)

// testOutput passes log lines to t.Log, so they are printed only for
// failed tests or with -v.
type testOutput struct {
	t testing.TB
}

func (o testOutput) Write(_ time.Time, debug bool, msg string) {
	o.t.Helper()
	if debug {
		msg = "[debug] " + msg
	}
	o.t.Log(strings.TrimRight(msg, "\n"))
}

func (testOutput) Close() error {
	return nil
}

// Logger returns a logger named name writing to the test log.
func Logger(t testing.TB, name string) log.Logger {
	l := log.Logger{Name: name, Debug: *debugLog, Out: testOutput{t}}
	if *directLog {
		l.Out = log.WriterOutput(os.Stderr, true)
	}
	return l
}
