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

package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/foxcpp/mlist/internal/lock"
	"github.com/foxcpp/mlist/internal/mlist"
	"github.com/foxcpp/mlist/internal/msg"
)

// Prototype stores posts as files of a maildir under Dir/<list-id>.
type Prototype struct {
	Dir string
	// BaseURL is the web interface to the maildirs, if any.
	BaseURL string
	Now     func() time.Time
}

func (p *Prototype) Name() string {
	return "prototype"
}

func (p *Prototype) ListURL(list *mlist.List) string {
	return joinURL(p.BaseURL, list.ListID())
}

func (p *Prototype) Permalink(list *mlist.List, m *msg.Message) string {
	hash := hashOf(m)
	if hash == "" {
		return ""
	}
	return joinURL(p.BaseURL, list.ListID(), hash)
}

func (p *Prototype) listDir(list *mlist.List) string {
	return filepath.Join(p.Dir, list.ListID())
}

// Archive writes m into the tmp directory of the maildir and moves it into
// new under a name no other file has.
func (p *Prototype) Archive(ctx context.Context, list *mlist.List, m *msg.Message) error {
	dir := p.listDir(list)
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o2775); err != nil {
			return err
		}
	}

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	base := strconv.FormatInt(now.Unix(), 10) + "." + hashOf(m)

	return lock.New(filepath.Join(dir, "archive"), 0).With(ctx, func() error {
		name := base
		for i := 1; ; i++ {
			_, err := os.Stat(filepath.Join(dir, "new", name))
			if os.IsNotExist(err) {
				break
			}
			if err != nil {
				return err
			}
			name = base + "." + strconv.Itoa(i)
		}

		tmp := filepath.Join(dir, "tmp", name)
		if err := os.WriteFile(tmp, m.Bytes(), 0o664); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		if err := os.Rename(tmp, filepath.Join(dir, "new", name)); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("archive: %w", err)
		}
		return nil
	})
}
