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

package mlist

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Queries over a Roster used by the delivery path. All of them honor the
// delivery status of members.

// RegularMembers returns members with regular delivery that are enabled.
func RegularMembers(ctx context.Context, r Roster, listID string) ([]*Member, error) {
	members, err := r.Members(ctx, listID, RoleMember)
	if err != nil {
		return nil, err
	}
	var res []*Member
	for _, m := range members {
		if m.Enabled() && m.DeliveryMode == DeliveryRegular {
			res = append(res, m)
		}
	}
	return res, nil
}

// AllPostingMembers returns regular and digest members regardless of the
// delivery status, used for Urgent messages.
func AllPostingMembers(ctx context.Context, r Roster, listID string) ([]*Member, error) {
	return r.Members(ctx, listID, RoleMember)
}

// DigestMembers returns enabled members receiving digests in the mode plus
// members with a one-last-digest record for it.
func DigestMembers(ctx context.Context, r Roster, listID string, mode DeliveryMode) ([]*Member, error) {
	members, err := r.Members(ctx, listID, RoleMember)
	if err != nil {
		return nil, err
	}
	lastDigest, err := r.OneLastDigests(ctx, listID)
	if err != nil {
		return nil, err
	}

	var res []*Member
	for _, m := range members {
		if m.Enabled() && m.DeliveryMode == mode {
			res = append(res, m)
			continue
		}
		if lastMode, ok := lastDigest[m.ID]; ok && lastMode == mode {
			res = append(res, m)
		}
	}
	return res, nil
}

// Administrators returns enabled owners and moderators.
func Administrators(ctx context.Context, r Roster, listID string) ([]*Member, error) {
	var res []*Member
	for _, role := range []Role{RoleOwner, RoleModerator} {
		members, err := r.Members(ctx, listID, role)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if m.Enabled() {
				res = append(res, m)
			}
		}
	}
	return res, nil
}

// FindMember looks up the first of the addresses subscribed in the role.
// nil is returned if none is.
func FindMember(ctx context.Context, r Roster, listID string, role Role, addrs []string) (*Member, error) {
	for _, addr := range addrs {
		m, err := r.GetMember(ctx, listID, role, addr)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNoSuchMember) {
			return nil, err
		}
	}
	return nil, nil
}

// Addresses returns sorted unique lowercased addresses of members.
func Addresses(members []*Member) []string {
	seen := make(map[string]bool, len(members))
	res := make([]string, 0, len(members))
	for _, m := range members {
		addr := strings.ToLower(m.Address)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		res = append(res, addr)
	}
	sort.Strings(res)
	return res
}
