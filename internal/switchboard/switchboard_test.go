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

package switchboard

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mlist/internal/msg"
	"github.com/foxcpp/mlist/internal/testutils"
	"github.com/google/go-cmp/cmp"
)

const testMsg = "From: bob@example.net\r\n" +
	"To: test@example.com\r\n" +
	"Message-ID: <m1>\r\n" +
	"Subject: Hello\r\n" +
	"\r\n" +
	"Hello, world!\r\n"

func testMessage(t *testing.T) *msg.Message {
	t.Helper()
	m, err := msg.ReadBytes([]byte(testMsg))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testSwitchboard(t *testing.T, slice, numSlices int) *Switchboard {
	t.Helper()
	root := t.TempDir()
	sb, err := New("in", filepath.Join(root, "in"), filepath.Join(root, "shunt"), slice, numSlices, testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func listExt(t *testing.T, dir, ext string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	var res []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ext) {
			res = append(res, strings.TrimSuffix(e.Name(), ext))
		}
	}
	return res
}

func TestEnqueueDequeue(t *testing.T) {
	sb := testSwitchboard(t, 0, 1)
	received := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	md := msg.NewMetadata("test.example.com")
	md.ReceivedTime = received
	md.ToList = true
	md.Recipients = []string{"anne@example.org"}
	md.Set("_mod_reason", "spam")

	fb, err := sb.Enqueue(testMessage(t), md)
	if err != nil {
		t.Fatal(err)
	}
	if md.WhichQ != "" || md.Volatile == nil {
		t.Error("Enqueue modified the passed metadata")
	}
	if _, err := os.Stat(filepath.Join(sb.Dir(), fb+".pck")); err != nil {
		t.Fatal("no .pck file:", err)
	}
	if tmp := listExt(t, sb.Dir(), ".tmp"); len(tmp) != 0 {
		t.Error("temporary files left:", tmp)
	}

	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != fb {
		t.Fatalf("Files() = %v, want [%s]", files, fb)
	}

	m, got, err := sb.Dequeue(fb)
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Bytes()) != testMsg {
		t.Errorf("message changed:\n%q", m.Bytes())
	}

	// Exactly one of .pck and .bak exists.
	if len(listExt(t, sb.Dir(), ".pck")) != 0 || len(listExt(t, sb.Dir(), ".bak")) != 1 {
		t.Error("dequeued item is not in the .bak state")
	}

	want := md.Clone()
	want.Volatile = nil
	want.WhichQ = "in"
	want.Version = msg.SchemaVersion
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata changed (-want +got):\n%s", diff)
	}

	if err := sb.Finish(fb, false); err != nil {
		t.Fatal(err)
	}
	if entries, _ := os.ReadDir(sb.Dir()); len(entries) != 0 {
		t.Error("queue directory is not empty after Finish")
	}
}

func TestEnqueueSetsReceivedTime(t *testing.T) {
	sb := testSwitchboard(t, 0, 1)
	now := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
	sb.now = func() time.Time { return now }

	md := &msg.Metadata{ListID: "test.example.com"}
	fb, err := sb.Enqueue(testMessage(t), md)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(fb, "1714979289.123456+") {
		t.Errorf("unexpected filebase: %s", fb)
	}

	_, got, err := sb.Dequeue(fb)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ReceivedTime.Equal(now) {
		t.Errorf("received_time = %v, want %v", got.ReceivedTime, now)
	}
}

func TestFilesOrder(t *testing.T) {
	sb := testSwitchboard(t, 0, 1)

	base := time.Unix(1700000000, 0)
	var expected []string
	for i := 0; i < 5; i++ {
		// Two items share each timestamp.
		stamp := base.Add(time.Duration(i/2) * time.Microsecond)
		sb.now = func() time.Time { return stamp }
		md := msg.NewMetadata("test.example.com")
		md.OriginalSize = i
		m := testMessage(t)
		m.Header.Set("X-Index", string(rune('a'+i)))
		fb, err := sb.Enqueue(m, md)
		if err != nil {
			t.Fatal(err)
		}
		expected = append(expected, fb)
	}

	// Items with equal times are ordered by digest.
	for i := 0; i+1 < len(expected); i += 2 {
		if expected[i][strings.Index(expected[i], "+"):] > expected[i+1][strings.Index(expected[i+1], "+"):] {
			expected[i], expected[i+1] = expected[i+1], expected[i]
		}
	}

	files, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(expected, files); diff != "" {
		t.Errorf("wrong order (-want +got):\n%s", diff)
	}
}

func TestSliceBounds(t *testing.T) {
	test := func(slice, numSlices int, digest string, expected bool) {
		t.Helper()
		sb := testSwitchboard(t, slice, numSlices)
		if got := sb.inSlice(digest); got != expected {
			t.Errorf("%d/%d: inSlice(%s) = %v, want %v", slice, numSlices, digest, got, expected)
		}
	}

	zero := strings.Repeat("0", 40)
	max := strings.Repeat("f", 40)
	half := "8" + strings.Repeat("0", 39)
	belowHalf := "7" + strings.Repeat("f", 39)

	test(0, 1, zero, true)
	test(0, 1, max, true)
	test(0, 2, zero, true)
	test(0, 2, belowHalf, true)
	test(0, 2, half, false)
	test(1, 2, half, true)
	test(1, 2, max, true)
	test(1, 2, belowHalf, false)
	test(0, 1, "not hex", false)
}

func TestSlicesCoverAllItems(t *testing.T) {
	root := t.TempDir()
	all, err := New("out", filepath.Join(root, "out"), filepath.Join(root, "shunt"), 0, 1, testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 32; i++ {
		md := msg.NewMetadata("test.example.com")
		md.OriginalSize = i
		m := testMessage(t)
		m.Header.Set("X-Index", string(rune('A'+i)))
		if _, err := all.Enqueue(m, md); err != nil {
			t.Fatal(err)
		}
	}

	seen := make(map[string]int)
	const numSlices = 3
	for slice := 0; slice < numSlices; slice++ {
		sb, err := New("out", filepath.Join(root, "out"), filepath.Join(root, "shunt"), slice, numSlices, testutils.Logger(t, "switchboard"))
		if err != nil {
			t.Fatal(err)
		}
		files, err := sb.Files()
		if err != nil {
			t.Fatal(err)
		}
		for _, fb := range files {
			seen[fb]++
		}
	}

	files, _ := all.Files()
	if len(seen) != len(files) {
		t.Errorf("slices see %d items, queue has %d", len(seen), len(files))
	}
	for fb, n := range seen {
		if n != 1 {
			t.Errorf("%s seen by %d slices", fb, n)
		}
	}
}

func TestSliceUpperBoundInclusive(t *testing.T) {
	sb := testSwitchboard(t, 0, 3)
	upper := new(big.Int).Sub(new(big.Int).Div(hashSpace, big.NewInt(3)), big.NewInt(1))
	digest := hex.EncodeToString(upper.FillBytes(make([]byte, sha1.Size)))
	if !sb.inSlice(digest) {
		t.Error("upper bound is not included")
	}
	next := hex.EncodeToString(new(big.Int).Add(upper, big.NewInt(1)).FillBytes(make([]byte, sha1.Size)))
	if sb.inSlice(next) {
		t.Error("first digest of the next slice is included")
	}
}

func TestFinishPreserve(t *testing.T) {
	sb := testSwitchboard(t, 0, 1)
	fb, err := sb.Enqueue(testMessage(t), msg.NewMetadata("test.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sb.Dequeue(fb); err != nil {
		t.Fatal(err)
	}
	if err := sb.Finish(fb, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(sb.shuntDir, fb+".psv")); err != nil {
		t.Error("preserved file missing:", err)
	}
	if entries, _ := os.ReadDir(sb.Dir()); len(entries) != 0 {
		t.Error("queue directory is not empty")
	}
}

func TestRecoverBackupFiles(t *testing.T) {
	sb := testSwitchboard(t, 0, 1)
	fb, err := sb.Enqueue(testMessage(t), msg.NewMetadata("test.example.com"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i < MaxBakCount; i++ {
		// Simulate a crash after Dequeue.
		if _, _, err := sb.Dequeue(fb); err != nil {
			t.Fatal(err)
		}
		if err := sb.RecoverBackupFiles(); err != nil {
			t.Fatal(err)
		}
		if len(listExt(t, sb.Dir(), ".bak")) != 0 {
			t.Fatal(".bak file left after recovery")
		}
		files, _ := sb.Files()
		if len(files) != 1 || files[0] != fb {
			t.Fatalf("item not recovered: %v", files)
		}
		_, md, err := ReadFile(filepath.Join(sb.Dir(), fb+".pck"))
		if err != nil {
			t.Fatal(err)
		}
		if md.BakCount != i {
			t.Errorf("bak_count = %d, want %d", md.BakCount, i)
		}
	}

	// The last recovery preserves the item.
	if _, _, err := sb.Dequeue(fb); err != nil {
		t.Fatal(err)
	}
	if err := sb.RecoverBackupFiles(); err != nil {
		t.Fatal(err)
	}
	if files, _ := sb.Files(); len(files) != 0 {
		t.Error("item recovered too many times is still queued")
	}
	_, md, err := ReadFile(filepath.Join(sb.shuntDir, fb+".psv"))
	if err != nil {
		t.Fatal("item is not preserved:", err)
	}
	if md.BakCount != MaxBakCount {
		t.Errorf("bak_count = %d", md.BakCount)
	}
}

func TestRecoverMalformed(t *testing.T) {
	sb := testSwitchboard(t, 0, 1)
	fb := "1700000000.000000+" + strings.Repeat("a", 40)
	if err := os.WriteFile(filepath.Join(sb.Dir(), fb+".bak"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := sb.RecoverBackupFiles(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(sb.shuntDir, fb+".psv")); err != nil {
		t.Error("malformed file is not preserved:", err)
	}
}

func TestDequeueErrors(t *testing.T) {
	sb := testSwitchboard(t, 0, 1)

	test := func(name, contents string, expected error) {
		t.Helper()
		fb := "1700000000.000000+" + hex.EncodeToString([]byte(name+strings.Repeat("_", 20-len(name))))
		if err := os.WriteFile(filepath.Join(sb.Dir(), fb+".pck"), []byte(contents), 0o600); err != nil {
			t.Fatal(err)
		}
		_, _, err := sb.Dequeue(fb)
		if !errors.Is(err, expected) {
			t.Errorf("%s: Dequeue error = %v, want %v", name, err, expected)
		}
		if _, err := os.Stat(filepath.Join(sb.Dir(), fb+".bak")); err != nil {
			t.Errorf("%s: .bak file is not left for the caller", name)
		}
	}

	test("preamble", "garbage\n", ErrMalformed)
	test("truncated", "mlist-queue 3 1000\nFrom: a\r\n", ErrMalformed)
	test("badjson", "mlist-queue 3 8\nA: b\r\n\r\n{", ErrMalformed)
	test("oldschema", "mlist-queue 2 8\nA: b\r\n\r\n{}", ErrSchema)
	test("metaschema", "mlist-queue 3 8\nA: b\r\n\r\n{\"version\":2}", ErrSchema)

	if _, _, err := sb.Dequeue("1700000000.000000+" + strings.Repeat("0", 40)); err == nil || errors.Is(err, ErrMalformed) {
		t.Errorf("missing item: %v", err)
	}
}

func TestSetUnshunt(t *testing.T) {
	s, err := NewSet(t.TempDir(), testutils.Logger(t, "switchboard"))
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range AllQueues {
		if st, err := os.Stat(filepath.Join(s.Root(), q)); err != nil || !st.IsDir() {
			t.Errorf("queue directory %s missing", q)
		}
	}

	out := s.Get(Out)
	md := msg.NewMetadata("test.example.com")
	md.Recipients = []string{"anne@example.org"}
	fb, err := out.Enqueue(testMessage(t), md)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := out.Dequeue(fb); err != nil {
		t.Fatal(err)
	}
	if err := out.Finish(fb, true); err != nil {
		t.Fatal(err)
	}

	preserved, err := s.Preserved()
	if err != nil {
		t.Fatal(err)
	}
	if len(preserved) != 1 {
		t.Fatalf("Preserved() = %v", preserved)
	}
	if p := s.ResolvePath("shunt/" + fb); p != preserved[0] {
		t.Errorf("ResolvePath = %s, want %s", p, preserved[0])
	}

	n, err := s.Unshunt()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Unshunt moved %d items", n)
	}

	files, err := out.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("item not returned to the out queue: %v", files)
	}
	_, got, err := out.Dequeue(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"anne@example.org"}, got.Recipients); diff != "" {
		t.Error(diff)
	}
	if preserved, _ := s.Preserved(); len(preserved) != 0 {
		t.Error("shunt queue is not empty")
	}
}
