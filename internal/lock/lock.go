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

// Package lock implements lock files shared between processes.
//
// A lock is a file created with O_EXCL that contains pid@hostname of the
// holder. Locks not refreshed for longer than the hung timeout are
// considered abandoned and are stolen.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultHungTimeout = 15 * time.Minute
	retryDelay         = 100 * time.Millisecond
)

var ErrNotHeld = errors.New("lock: not held by this process")

type Lock struct {
	path        string
	owner       string
	hungTimeout time.Duration
}

func ownerString() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%d@%s", os.Getpid(), host)
}

// New creates a lock handle for path. The lock file is path + ".lck".
func New(path string, hungTimeout time.Duration) *Lock {
	if hungTimeout <= 0 {
		hungTimeout = DefaultHungTimeout
	}
	return &Lock{
		path:        path + ".lck",
		owner:       ownerString(),
		hungTimeout: hungTimeout,
	}
}

func (l *Lock) Path() string {
	return l.path
}

// TryLock attempts to acquire the lock once. Stale locks are stolen.
func (l *Lock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o2775); err != nil {
		return false, err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o664)
	if err == nil {
		_, werr := f.WriteString(l.owner + "\n")
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(l.path)
			return false, fmt.Errorf("lock: %s: write failed", l.path)
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("lock: %s: %w", l.path, err)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			// Released between OpenFile and Stat.
			return l.TryLock()
		}
		return false, err
	}
	if time.Since(info.ModTime()) > l.hungTimeout {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return false, err
		}
		return l.TryLock()
	}
	return false, nil
}

// Lock waits until the lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	for {
		ok, err := l.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("lock: %s: %w", l.path, ctx.Err())
		case <-time.After(retryDelay):
		}
	}
}

// Holder returns the pid@hostname string of the current holder.
func (l *Lock) Holder() (string, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (l *Lock) IsLocked() bool {
	holder, err := l.Holder()
	return err == nil && holder == l.owner
}

// Refresh updates the lock timestamp so it is not considered hung.
func (l *Lock) Refresh() error {
	if !l.IsLocked() {
		return ErrNotHeld
	}
	now := time.Now()
	return os.Chtimes(l.path, now, now)
}

// Unlock removes the lock file if it is held by this process.
func (l *Lock) Unlock() error {
	if !l.IsLocked() {
		return ErrNotHeld
	}
	return os.Remove(l.path)
}

// With runs fn while holding the lock.
func (l *Lock) With(ctx context.Context, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
