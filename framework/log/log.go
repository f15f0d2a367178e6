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

// Package log implements the structured logger used by all mlist components.
//
// Every line is written as "name: message\t{json}" where the JSON object
// holds the key-value pairs attached to the message, sorted by key.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/foxcpp/mlist/framework/exterrors"
	"go.uber.org/zap"
)

// Logger is copied by value. Copies share Out, which must be safe for
// concurrent use.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are attached to every message.
	Fields map[string]interface{}
}

// Sublogger returns a copy named "parent/name".
func (l Logger) Sublogger(name string) Logger {
	if l.Name != "" {
		name = l.Name + "/" + name
	}
	l.Name = name
	return l
}

// With returns a copy that attaches the key-value pairs to every message.
func (l Logger) With(kv ...interface{}) Logger {
	fields := make(map[string]interface{}, len(l.Fields)+len(kv)/2)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fieldsToMap(kv, fields)
	l.Fields = fields
	return l
}

// Zap adapts the Logger for libraries that log through zap.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{L: l})
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes msg followed by alternating keys and values:
//
//	l.Msg("enqueued", "queue", "in", "filebase", fb)
//
// LogFormatter, fmt.Stringer and error values are written as strings.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error is Msg with the fields of err attached. The error text goes to
// "reason" unless err sets that field itself.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	all := make(map[string]interface{}, len(fields)/2+len(errFields)+1)
	for k, v := range errFields {
		all[k] = v
	}
	if all["reason"] == nil {
		all["reason"] = err.Error()
	}
	fieldsToMap(fields, all)

	l.log(false, l.formatMsg(msg, all))
}

// DebugMsg is Msg written only with Debug set.
func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var key string
	for i, val := range fields {
		if i%2 == 1 {
			out[key] = val
			continue
		}
		k, ok := val.(string)
		if !ok {
			// Non-string key.
			k = fmt.Sprint("field", i)
			out[k] = val
		}
		key = k
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(msg)

	if len(l.Fields)+len(fields) == 0 {
		return sb.String()
	}

	if fields == nil {
		fields = make(map[string]interface{}, len(l.Fields))
	}
	for k, v := range l.Fields {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}

	sb.WriteRune('\t')
	if err := marshalOrderedJSON(&sb, fields); err != nil {
		return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
	}
	return sb.String()
}

// LogFormatter customizes how a value is written in message fields.
type LogFormatter interface {
	FormatLog() string
}

// Write logs each call as one line.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns a Writer for debug output, io.Discard without Debug.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	return debugWriter{l}
}

type debugWriter struct {
	l Logger
}

func (w debugWriter) Write(s []byte) (int, error) {
	w.l.log(true, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	switch {
	case l.Out != nil:
		l.Out.Write(time.Now(), debug, s)
	case DefaultLogger.Out != nil:
		DefaultLogger.Out.Write(time.Now(), debug, s)
	}
}

// DefaultLogger backs the package-level functions and Loggers without Out.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
