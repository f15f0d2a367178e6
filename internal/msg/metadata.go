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

package msg

import (
	"encoding/json"
	"strings"
	"time"
)

// SchemaVersion is the metadata format version written to queue files.
// Items with other versions are shunted.
const SchemaVersion = 3

// Metadata is carried alongside the message between processing stages.
//
// Only enumerated fields are persisted. Volatile holds annotations local to
// the current stage, its keys start with an underscore and are never
// written to queue files.
type Metadata struct {
	Version      int       `json:"version"`
	ReceivedTime time.Time `json:"received_time"`
	WhichQ       string    `json:"whichq,omitempty"`
	BakCount     int       `json:"bak_count,omitempty"`

	// ListID is the dotted list identifier ("test.example.com").
	ListID         string `json:"listid,omitempty"`
	OriginalSender string `json:"original_sender,omitempty"`
	MessageIDHash  string `json:"message_id_hash,omitempty"`
	OriginalSize   int    `json:"original_size,omitempty"`
	Lang           string `json:"lang,omitempty"`

	// Subaddress flags set by the LMTP acceptor.
	ToList     bool   `json:"tolist,omitempty"`
	ToOwner    bool   `json:"to_owner,omitempty"`
	ToJoin     bool   `json:"tojoin,omitempty"`
	ToLeave    bool   `json:"toleave,omitempty"`
	ToConfirm  bool   `json:"toconfirm,omitempty"`
	ToRequest  bool   `json:"torequest,omitempty"`
	Subaddress string `json:"subaddress,omitempty"`

	// Pipeline overrides the pipeline selected for the list.
	Pipeline string `json:"pipeline,omitempty"`

	Approved          bool `json:"approved,omitempty"`
	ModeratorApproved bool `json:"moderator_approved,omitempty"`
	AdminApproved     bool `json:"adminapproved,omitempty"`

	// Chain evaluation results.
	RuleHits          []string `json:"rule_hits,omitempty"`
	RuleMisses        []string `json:"rule_misses,omitempty"`
	ModerationReasons []string `json:"moderation_reasons,omitempty"`
	ModerationSender  string   `json:"moderation_sender,omitempty"`
	// DMARC is set when the From domain requires mitigation.
	DMARC bool `json:"dmarc,omitempty"`

	// Recipients is nil until computed. An empty non-nil slice means the
	// recipient set was computed and is empty.
	Recipients []string `json:"recipients"`

	// VERP overrides the site delivery policy when set.
	VERP       *bool  `json:"verp,omitempty"`
	EnvSender  string `json:"envsender,omitempty"`
	ProbeToken string `json:"probe_token,omitempty"`

	IsDigest bool `json:"isdigest,omitempty"`
	// Digest is the path of the mailbox a digest is built from, set on
	// the digest queue items with the volume and issue numbers.
	Digest       string `json:"digest,omitempty"`
	DigestVolume int    `json:"volume,omitempty"`
	DigestNumber int    `json:"digest_number,omitempty"`

	NoDecorate    bool `json:"nodecorate,omitempty"`
	NoArchive     bool `json:"noarchive,omitempty"`
	ReduceHeaders bool `json:"reduced_list_headers,omitempty"`

	// Retry bookkeeping.
	DeliverUntil   time.Time `json:"deliver_until,omitempty"`
	DeliverAfter   time.Time `json:"deliver_after,omitempty"`
	LastRecipCount int       `json:"last_recip_count,omitempty"`

	// Archive stage: names of the archivers to use, all enabled if empty.
	Archivers []string `json:"archivers,omitempty"`

	Volatile map[string]interface{} `json:"-"`
}

// NewMetadata returns metadata for a message received now.
func NewMetadata(listID string) *Metadata {
	return &Metadata{
		Version:      SchemaVersion,
		ReceivedTime: time.Now(),
		ListID:       listID,
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// Clone returns a deep copy of md, including the volatile annotations.
func (md *Metadata) Clone() *Metadata {
	c := *md
	c.RuleHits = cloneStrings(md.RuleHits)
	c.RuleMisses = cloneStrings(md.RuleMisses)
	c.ModerationReasons = cloneStrings(md.ModerationReasons)
	c.Recipients = cloneStrings(md.Recipients)
	c.Archivers = cloneStrings(md.Archivers)
	if md.VERP != nil {
		v := *md.VERP
		c.VERP = &v
	}
	if md.Volatile != nil {
		c.Volatile = make(map[string]interface{}, len(md.Volatile))
		for k, v := range md.Volatile {
			c.Volatile[k] = v
		}
	}
	return &c
}

// Set stores a volatile annotation. Keys without the leading underscore are
// rejected since they would suggest the value is persisted.
func (md *Metadata) Set(key string, value interface{}) {
	if !strings.HasPrefix(key, "_") {
		panic("msg: volatile metadata key must start with an underscore: " + key)
	}
	if md.Volatile == nil {
		md.Volatile = make(map[string]interface{})
	}
	md.Volatile[key] = value
}

func (md *Metadata) Get(key string) (interface{}, bool) {
	v, ok := md.Volatile[key]
	return v, ok
}

func (md *Metadata) GetString(key string) string {
	v, _ := md.Volatile[key].(string)
	return v
}

// StripPrefix removes volatile annotations with keys starting with prefix.
func (md *Metadata) StripPrefix(prefix string) {
	for k := range md.Volatile {
		if strings.HasPrefix(k, prefix) {
			delete(md.Volatile, k)
		}
	}
}

// VolatileStrings returns string-valued volatile annotations starting with
// prefix. Used to snapshot moderation annotations into the request store.
func (md *Metadata) VolatileStrings(prefix string) map[string]string {
	res := make(map[string]string)
	for k, v := range md.Volatile {
		if s, ok := v.(string); ok && strings.HasPrefix(k, prefix) {
			res[k] = s
		}
	}
	return res
}

func (md *Metadata) AddRuleHit(name string) {
	md.RuleHits = append(md.RuleHits, name)
}

func (md *Metadata) AddRuleMiss(name string) {
	md.RuleMisses = append(md.RuleMisses, name)
}

// Marshal returns the persisted form. The version is always the current
// schema version.
func (md *Metadata) Marshal() ([]byte, error) {
	c := *md
	c.Version = SchemaVersion
	return json.Marshal(&c)
}

// UnmarshalMetadata parses the persisted form. Version is returned as
// stored, callers check it against SchemaVersion.
func UnmarshalMetadata(b []byte) (*Metadata, error) {
	md := &Metadata{}
	if err := json.Unmarshal(b, md); err != nil {
		return nil, err
	}
	return md, nil
}
