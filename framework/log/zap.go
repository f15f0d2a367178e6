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

package log

import (
	"go.uber.org/zap/zapcore"
)

// zapCore routes zap entries into a Logger. Everything at Debug level
// respects Logger.Debug, everything above is written as a regular message.
type zapCore struct {
	L Logger
}

func (c zapCore) Enabled(level zapcore.Level) bool {
	if level == zapcore.DebugLevel {
		return c.L.Debug
	}
	return true
}

func encodeZapFields(fields []zapcore.Field) map[string]interface{} {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}

func (c zapCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make(map[string]interface{}, len(c.L.Fields)+len(fields))
	for k, v := range c.L.Fields {
		merged[k] = v
	}
	for k, v := range encodeZapFields(fields) {
		merged[k] = v
	}
	c.L.Fields = merged
	return c
}

func (c zapCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c zapCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	l := c.L
	if entry.LoggerName != "" {
		l = l.Sublogger(entry.LoggerName)
	}
	l.log(entry.Level == zapcore.DebugLevel, l.formatMsg(entry.Message, encodeZapFields(fields)))
	return nil
}

func (zapCore) Sync() error {
	return nil
}
