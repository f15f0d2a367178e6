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

// Package hooks implements process lifecycle callbacks.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the process is about to stop.
	EventShutdown Event = iota

	// EventReload is triggered on SIGUSR2 and requests re-reading of
	// secondary files (templates, include files).
	EventReload

	// EventLogRotate is triggered on SIGUSR1 and requests reopening of log
	// files.
	EventLogRotate
)

// Set holds hooks registered by components. The zero value is ready to use.
type Set struct {
	lock  sync.Mutex
	hooks map[Event][]func()
}

// Add installs the hook f for event ev.
func (s *Set) Add(ev Event, f func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.hooks == nil {
		s.hooks = make(map[Event][]func())
	}
	s.hooks[ev] = append(s.hooks[ev], f)
}

// Run runs hooks for ev in the reverse order of installation, so components
// are shut down in the reverse order of their initialization.
func (s *Set) Run(ev Event) {
	s.lock.Lock()
	hooks := append([]func(){}, s.hooks[ev]...)
	s.lock.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
