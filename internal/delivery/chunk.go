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

package delivery

import (
	"sort"
	"strings"
)

// tldBuckets groups recipients of the most common top-level domains, the
// rest goes to bucket 0.
var tldBuckets = map[string]int{
	"com": 1,
	"net": 2,
	"org": 2,
	"edu": 3,
	"us":  3,
	"ca":  3,
}

// chunkify splits rcpts into chunks of at most max recipients. Recipients
// are grouped by top-level domain bucket, each bucket starts a new chunk.
// max <= 0 means a single chunk.
func chunkify(rcpts []string, max int) [][]string {
	if len(rcpts) == 0 {
		return nil
	}
	if max <= 0 {
		return [][]string{rcpts}
	}

	buckets := make(map[int][]string)
	for _, rcpt := range rcpts {
		domain := rcpt[strings.LastIndexByte(rcpt, '@')+1:]
		tld := strings.ToLower(domain[strings.LastIndexByte(domain, '.')+1:])
		n := tldBuckets[tld]
		buckets[n] = append(buckets[n], rcpt)
	}

	// Larger buckets first, bucket number as the tiebreak.
	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := len(buckets[keys[i]]), len(buckets[keys[j]])
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})

	var chunks [][]string
	for _, k := range keys {
		bucket := buckets[k]
		for len(bucket) > max {
			chunks = append(chunks, bucket[:max])
			bucket = bucket[max:]
		}
		if len(bucket) != 0 {
			chunks = append(chunks, bucket)
		}
	}
	return chunks
}
