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
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type wcOutput struct {
	timestamps bool
	wc         io.WriteCloser
}

func formatLine(timestamps bool, stamp time.Time, debug bool, msg string) string {
	var sb strings.Builder
	if timestamps {
		sb.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		sb.WriteString("[debug] ")
	}
	sb.WriteString(msg)
	sb.WriteRune('\n')
	return sb.String()
}

func (w wcOutput) Write(stamp time.Time, debug bool, msg string) {
	if _, err := io.WriteString(w.wc, formatLine(w.timestamps, stamp, debug, msg)); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (w wcOutput) Close() error {
	return w.wc.Close()
}

// WriteCloserOutput returns an Output writing to wc, closing the Output
// closes wc.
//
// Messages are prefixed with a millisecond precision UTC timestamp if
// timestamps is true and with "[debug] " if they are debug messages.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return wcOutput{timestamps, wc}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// WriterOutput is similar to WriteCloserOutput, but closing the returned
// Output has no effect on w.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return wcOutput{timestamps, nopCloser{w}}
}

// FileOutput writes messages to the file at path. Reopen closes and opens the
// file again, it is called on the log rotation hook.
type FileOutput struct {
	path string

	lock sync.Mutex
	f    *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	fo := &FileOutput{path: path}
	if err := fo.Reopen(); err != nil {
		return nil, err
	}
	return fo, nil
}

func (fo *FileOutput) Reopen() error {
	f, err := os.OpenFile(fo.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}

	fo.lock.Lock()
	defer fo.lock.Unlock()
	if fo.f != nil {
		fo.f.Close()
	}
	fo.f = f
	return nil
}

func (fo *FileOutput) Write(stamp time.Time, debug bool, msg string) {
	fo.lock.Lock()
	defer fo.lock.Unlock()
	if _, err := io.WriteString(fo.f, formatLine(true, stamp, debug, msg)); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (fo *FileOutput) Close() error {
	fo.lock.Lock()
	defer fo.lock.Unlock()
	return fo.f.Close()
}
