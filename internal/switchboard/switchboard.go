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

/*
Package switchboard implements the on-disk queues connecting the processing
stages.

Each queue is a directory with one file per item. The file name is
"<time>+<sha1 hex>" (the filebase) followed by an extension describing the
item state:

	.tmp  item is being written
	.pck  item is waiting for processing
	.bak  item is being processed
	.psv  item was preserved in the shunt queue

An item file starts with the line "mlist-queue <schema> <msglen>", followed
by msglen bytes of the message and the JSON-encoded metadata.

Multiple runners can drain one queue if each is given a distinct slice of
the SHA-1 space, see New.
*/
package switchboard

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/msg"
)

const (
	extTemp      = ".tmp"
	extPickled   = ".pck"
	extBackup    = ".bak"
	extPreserved = ".psv"

	fileMagic = "mlist-queue"

	// MaxBakCount is the number of times an item can be recovered from the
	// .bak state before it is preserved in the shunt queue.
	MaxBakCount = 3
)

var (
	// ErrMalformed is returned by Dequeue when the item file can't be
	// parsed. The item should be preserved.
	ErrMalformed = errors.New("switchboard: malformed queue file")

	// ErrSchema is returned by Dequeue when the item was written using a
	// different metadata schema. The item should be preserved.
	ErrSchema = errors.New("switchboard: unsupported schema version")
)

type Switchboard struct {
	name     string
	dir      string
	shuntDir string

	// Inclusive bounds of the SHA-1 digests handled by this instance.
	lower, upper *big.Int

	Log log.Logger

	now func() time.Time
}

var hashSpace = new(big.Int).Lsh(big.NewInt(1), 160)

// New creates the Switchboard for the queue directory dir.
//
// Only items with the digest part of the filebase falling into the slice of
// the 160-bit space are returned by Files and RecoverBackupFiles. Bounds of
// each slice are inclusive. Use slice=0, numSlices=1 to handle all items.
func New(name, dir, shuntDir string, slice, numSlices int, logger log.Logger) (*Switchboard, error) {
	if numSlices < 1 || slice < 0 || slice >= numSlices {
		return nil, fmt.Errorf("switchboard: invalid slice %d/%d", slice, numSlices)
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, fmt.Errorf("switchboard: %w", err)
	}

	lower := new(big.Int).Mul(hashSpace, big.NewInt(int64(slice)))
	lower.Div(lower, big.NewInt(int64(numSlices)))
	upper := new(big.Int).Mul(hashSpace, big.NewInt(int64(slice+1)))
	upper.Div(upper, big.NewInt(int64(numSlices)))
	upper.Sub(upper, big.NewInt(1))

	return &Switchboard{
		name:     name,
		dir:      dir,
		shuntDir: shuntDir,
		lower:    lower,
		upper:    upper,
		Log:      logger,
		now:      time.Now,
	}, nil
}

func (sb *Switchboard) Name() string {
	return sb.name
}

func (sb *Switchboard) Dir() string {
	return sb.dir
}

func (sb *Switchboard) path(filebase, ext string) string {
	return filepath.Join(sb.dir, filebase+ext)
}

// Enqueue atomically stores the message with its metadata and returns the
// filebase of the new item.
//
// Volatile annotations are not stored. md is not modified, the stored copy
// gets the current schema version, the queue name and received_time if it
// was not set before.
func (sb *Switchboard) Enqueue(m *msg.Message, md *msg.Metadata) (string, error) {
	now := sb.now()

	stored := md.Clone()
	stored.Volatile = nil
	stored.Version = msg.SchemaVersion
	stored.WhichQ = sb.name
	if stored.ReceivedTime.IsZero() {
		stored.ReceivedTime = now
	}

	msgBytes := m.Bytes()
	stamp := formatStamp(now)

	hash := sha1.New()
	hash.Write(msgBytes)
	hash.Write([]byte(stored.ListID))
	hash.Write([]byte(stamp))
	filebase := stamp + "+" + hex.EncodeToString(hash.Sum(nil))

	metaBytes, err := stored.Marshal()
	if err != nil {
		return "", fmt.Errorf("switchboard: %w", err)
	}

	if err := sb.writeFile(filebase, extPickled, msgBytes, metaBytes); err != nil {
		return "", err
	}

	queueEnqueued.WithLabelValues(sb.name).Inc()
	sb.Log.DebugMsg("enqueued", "filebase", filebase, "msg_id_hash", stored.MessageIDHash)
	return filebase, nil
}

// writeFile writes the item into a temporary file and renames it into
// filebase+ext once the data is synced to disk.
func (sb *Switchboard) writeFile(filebase, ext string, msgBytes, metaBytes []byte) error {
	tmpPath := sb.path(filebase, extTemp)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o660)
	if err != nil {
		return fmt.Errorf("switchboard: %w", err)
	}

	bw := bufio.NewWriter(f)
	fmt.Fprintf(bw, "%s %d %d\n", fileMagic, msg.SchemaVersion, len(msgBytes))
	bw.Write(msgBytes)
	bw.Write(metaBytes)
	if err := bw.Flush(); err != nil {
		f.Close()
		sb.tryRemove(tmpPath)
		return fmt.Errorf("switchboard: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		sb.tryRemove(tmpPath)
		return fmt.Errorf("switchboard: %w", err)
	}
	if err := f.Close(); err != nil {
		sb.tryRemove(tmpPath)
		return fmt.Errorf("switchboard: %w", err)
	}

	if err := os.Rename(tmpPath, sb.path(filebase, ext)); err != nil {
		sb.tryRemove(tmpPath)
		return fmt.Errorf("switchboard: %w", err)
	}
	return nil
}

func (sb *Switchboard) tryRemove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		sb.Log.Error("dangling file remove failed", err, "path", path)
	}
}

// Dequeue moves the item into the .bak state and loads it. Finish must be
// called for the filebase after processing.
//
// I/O errors leave the .bak file in place so the item is picked up after
// recovery. ErrMalformed and ErrSchema mean the item should be preserved.
func (sb *Switchboard) Dequeue(filebase string) (*msg.Message, *msg.Metadata, error) {
	bak := sb.path(filebase, extBackup)
	if err := os.Rename(sb.path(filebase, extPickled), bak); err != nil {
		return nil, nil, fmt.Errorf("switchboard: %w", err)
	}

	m, md, err := ReadFile(bak)
	if err != nil {
		return nil, nil, err
	}
	return m, md, nil
}

// Finish removes the item in the .bak state or, if preserve is set, moves
// it to the shunt queue.
func (sb *Switchboard) Finish(filebase string, preserve bool) error {
	bak := sb.path(filebase, extBackup)
	if !preserve {
		if err := os.Remove(bak); err != nil {
			return fmt.Errorf("switchboard: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(sb.shuntDir, 0o770); err != nil {
		return fmt.Errorf("switchboard: %w", err)
	}
	if err := os.Rename(bak, filepath.Join(sb.shuntDir, filebase+extPreserved)); err != nil {
		return fmt.Errorf("switchboard: %w", err)
	}
	queueShunted.WithLabelValues(sb.name).Inc()
	sb.Log.Msg("item preserved", "filebase", filebase)
	return nil
}

// Files returns the filebases of waiting items in this slice ordered by
// their enqueue time. Items with equal times are ordered by digest.
func (sb *Switchboard) Files() ([]string, error) {
	res, err := sb.files(extPickled)
	if err != nil {
		return nil, err
	}
	queueLength.WithLabelValues(sb.name, sb.lower.Text(16)).Set(float64(len(res)))
	return res, nil
}

type fileKey struct {
	sec, usec int64
	digest    string
	filebase  string
}

func (sb *Switchboard) files(ext string) ([]string, error) {
	entries, err := os.ReadDir(sb.dir)
	if err != nil {
		return nil, fmt.Errorf("switchboard: %w", err)
	}

	keys := make([]fileKey, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		key, ok := parseFilebase(strings.TrimSuffix(name, ext))
		if !ok {
			sb.Log.Msg("ignoring unexpected file in queue directory", "name", name)
			continue
		}
		if !sb.inSlice(key.digest) {
			continue
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sec != keys[j].sec {
			return keys[i].sec < keys[j].sec
		}
		if keys[i].usec != keys[j].usec {
			return keys[i].usec < keys[j].usec
		}
		return keys[i].digest < keys[j].digest
	})

	res := make([]string, len(keys))
	for i, k := range keys {
		res[i] = k.filebase
	}
	return res, nil
}

func (sb *Switchboard) inSlice(digest string) bool {
	d, ok := new(big.Int).SetString(digest, 16)
	if !ok {
		return false
	}
	return d.Cmp(sb.lower) >= 0 && d.Cmp(sb.upper) <= 0
}

// RecoverBackupFiles moves items left in the .bak state by an interrupted
// runner back to the .pck state.
//
// The recovery counter of each item is incremented, items recovered
// MaxBakCount times are preserved instead. Items that can't be parsed are
// preserved too.
func (sb *Switchboard) RecoverBackupFiles() error {
	filebases, err := sb.files(extBackup)
	if err != nil {
		return err
	}

	for _, filebase := range filebases {
		bak := sb.path(filebase, extBackup)
		m, md, err := ReadFile(bak)
		if err != nil {
			sb.Log.Error("cannot read backup file, preserving", err, "filebase", filebase)
			if err := sb.Finish(filebase, true); err != nil {
				return err
			}
			continue
		}

		md.BakCount++
		metaBytes, err := md.Marshal()
		if err != nil {
			return fmt.Errorf("switchboard: %w", err)
		}
		if err := sb.writeFile(filebase, extBackup, m.Bytes(), metaBytes); err != nil {
			return err
		}

		if md.BakCount >= MaxBakCount {
			sb.Log.Msg("item recovered too many times, preserving",
				"filebase", filebase, "bak_count", md.BakCount, "msg_id_hash", md.MessageIDHash)
			if err := sb.Finish(filebase, true); err != nil {
				return err
			}
			continue
		}

		if err := os.Rename(bak, sb.path(filebase, extPickled)); err != nil {
			return fmt.Errorf("switchboard: %w", err)
		}
		sb.Log.Msg("recovered backup file", "filebase", filebase, "bak_count", md.BakCount)
	}
	return nil
}

// ReadFile parses a queue item file in any state.
func ReadFile(path string) (*msg.Message, *msg.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("switchboard: %w", err)
	}
	defer f.Close()
	return readItem(bufio.NewReader(f))
}

func readItem(br *bufio.Reader) (*msg.Message, *msg.Metadata, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: truncated preamble", ErrMalformed)
		}
		return nil, nil, fmt.Errorf("switchboard: %w", err)
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[0] != fileMagic {
		return nil, nil, fmt.Errorf("%w: bad preamble", ErrMalformed)
	}
	schema, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad schema: %v", ErrMalformed, err)
	}
	if schema != msg.SchemaVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrSchema, schema)
	}
	msgLen, err := strconv.Atoi(parts[2])
	if err != nil || msgLen < 0 {
		return nil, nil, fmt.Errorf("%w: bad message length", ErrMalformed)
	}

	msgBytes := make([]byte, msgLen)
	if _, err := io.ReadFull(br, msgBytes); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: truncated message", ErrMalformed)
		}
		return nil, nil, fmt.Errorf("switchboard: %w", err)
	}
	metaBytes, err := io.ReadAll(br)
	if err != nil {
		return nil, nil, fmt.Errorf("switchboard: %w", err)
	}

	m, err := msg.Read(bytes.NewReader(msgBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	md, err := msg.UnmarshalMetadata(metaBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if md.Version != msg.SchemaVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrSchema, md.Version)
	}
	return m, md, nil
}

func formatStamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10) + "." + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}

func parseFilebase(filebase string) (fileKey, bool) {
	stamp, digest, ok := strings.Cut(filebase, "+")
	if !ok || len(digest) != sha1.Size*2 {
		return fileKey{}, false
	}
	secStr, usecStr, ok := strings.Cut(stamp, ".")
	if !ok {
		return fileKey{}, false
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return fileKey{}, false
	}
	usec, err := strconv.ParseInt(usecStr, 10, 64)
	if err != nil {
		return fileKey{}, false
	}
	return fileKey{sec: sec, usec: usec, digest: digest, filebase: filebase}, true
}
