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

package site

import (
	"os"
	"path/filepath"
)

var (
	DefaultConfigDirectory = "/etc/mlist"
	DefaultStateDirectory  = "/var/lib/mlist"
)

// ConfigPath is the configuration file used when none is given.
func ConfigPath() string {
	if path := os.Getenv("MLIST_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(DefaultConfigDirectory, "mlist.conf")
}

// path resolves p relative to the state directory.
func (s *Site) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.StateDir, p)
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o770); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}
