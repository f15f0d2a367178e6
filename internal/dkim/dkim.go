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

// Package dkim signs list mail with DKIM signatures (RFC 6376).
//
// Lists rewrite the messages they distribute, which breaks the signatures
// of the original authors. Signing with the list domain key lets the
// recipients attribute the message to the list.
package dkim

import (
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/msg"
	"golang.org/x/net/idna"
)

const Day = 86400 * time.Second

var (
	oversignDefault = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",
	}
	signDefault = []string{
		// Set by the list, signed once so list-specific fields added
		// further down the road do not invalidate the signature.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Subscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",
		"Archived-At",
		"Precedence",
	}

	hashFuncs = map[string]crypto.Hash{
		"sha256": crypto.SHA256,
	}
)

type Signer struct {
	domains        []string
	selector       string
	signers        map[string]crypto.Signer
	oversignHeader []string
	signHeader     []string
	headerCanon    dkim.Canonicalization
	bodyCanon      dkim.Canonicalization
	sigExpiry      time.Duration
	hash           crypto.Hash

	// Now is used for signature expiry, time.Now if nil.
	Now func() time.Time

	log log.Logger
}

func New(logger log.Logger) *Signer {
	return &Signer{
		signers: map[string]crypto.Signer{},
		log:     logger.Sublogger("dkim"),
	}
}

// Init configures the signer from a block like
//
//	dkim {
//	    domains lists.example.org
//	    selector default
//	    key_path dkim_keys/{domain}_{selector}.key
//	}
//
// Missing keys are generated, the DNS record to publish is written next to
// the key with the .dns extension.
func (s *Signer) Init(cfg *config.Map) error {
	var (
		hashName        string
		keyPathTemplate string
		newKeyAlgo      string
	)

	cfg.Bool("debug", false, &s.log.Debug)
	cfg.StringList("domains", true, nil, &s.domains)
	cfg.String("selector", true, "", &s.selector)
	cfg.String("key_path", false, "dkim_keys/{domain}_{selector}.key", &keyPathTemplate)
	cfg.StringList("oversign_fields", false, oversignDefault, &s.oversignHeader)
	cfg.StringList("sign_fields", false, signDefault, &s.signHeader)
	cfg.Enum("header_canon", false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&s.headerCanon))
	cfg.Enum("body_canon", false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&s.bodyCanon))
	cfg.Duration("sig_expiry", false, 5*Day, &s.sigExpiry)
	cfg.Enum("hash", false, []string{"sha256"}, "sha256", &hashName)
	cfg.Enum("newkey_algo", false, []string{"rsa4096", "rsa2048", "ed25519"}, "rsa2048", &newKeyAlgo)

	if err := cfg.Process(); err != nil {
		return err
	}

	if len(s.domains) == 0 {
		return errors.New("dkim: at least one domain is needed")
	}
	if s.selector == "" {
		return errors.New("dkim: selector is not specified")
	}

	s.hash = hashFuncs[hashName]
	if s.hash == 0 {
		panic("dkim.Init: Hash function allowed by config matcher but not present in hashFuncs")
	}

	for _, domain := range s.domains {
		keyValues := strings.NewReplacer("{domain}", domain, "{selector}", s.selector)
		keyPath := keyValues.Replace(keyPathTemplate)

		signer, generated, err := s.keyFor(keyPath, newKeyAlgo)
		if err != nil {
			return err
		}
		if generated {
			s.log.Msg("publish the TXT record to enable signing", "record_file", recordPath(keyPath),
				"name", s.selector+"._domainkey."+domain)
		}

		normDomain, err := normalizeDomain(domain)
		if err != nil {
			return fmt.Errorf("dkim: unable to normalize domain %s: %w", domain, err)
		}
		s.signers[normDomain] = signer
	}

	return nil
}

func normalizeDomain(domain string) (string, error) {
	return idna.ToASCII(strings.ToLower(strings.TrimSuffix(domain, ".")))
}

// Domains returns the domains the signer has keys for.
func (s *Signer) Domains() []string {
	return s.domains
}

func (s *Signer) fieldsToSign(h *textproto.Header) []string {
	// Duplicated fields make go-msgauth panic.
	seen := make(map[string]struct{})

	res := make([]string, 0, len(s.oversignHeader)+len(s.signHeader))
	for _, key := range s.oversignHeader {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		// Add to signing list once per each key use.
		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		// And once more to "oversign" it.
		res = append(res, key)
	}
	for _, key := range s.signHeader {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}

// Sign adds a DKIM-Signature field to m using the key of domain. Messages
// of domains without a key are left unsigned.
func (s *Signer) Sign(m *msg.Message, domain string) error {
	normDomain, err := normalizeDomain(domain)
	if err != nil {
		s.log.Error("unable to normalize domain", err, "domain", domain)
		return nil
	}
	keySigner := s.signers[normDomain]
	if keySigner == nil {
		s.log.DebugMsg("no key for domain", "domain", normDomain)
		return nil
	}
	selector, err := idna.ToASCII(s.selector)
	if err != nil {
		return fmt.Errorf("dkim: %w", err)
	}

	opts := dkim.SignOptions{
		Domain:                 normDomain,
		Selector:               selector,
		Identifier:             "@" + normDomain,
		Signer:                 keySigner,
		Hash:                   s.hash,
		HeaderCanonicalization: s.headerCanon,
		BodyCanonicalization:   s.bodyCanon,
		HeaderKeys:             s.fieldsToSign(&m.Header),
	}
	if s.sigExpiry != 0 {
		now := time.Now()
		if s.Now != nil {
			now = s.Now()
		}
		opts.Expiration = now.Add(s.sigExpiry)
	}

	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return fmt.Errorf("dkim: %w", err)
	}
	if err := textproto.WriteHeader(signer, m.Header); err != nil {
		signer.Close()
		return fmt.Errorf("dkim: %w", err)
	}
	if _, err := signer.Write(m.Body); err != nil {
		signer.Close()
		return fmt.Errorf("dkim: %w", err)
	}
	if err := signer.Close(); err != nil {
		return fmt.Errorf("dkim: %w", err)
	}

	m.Header.AddRaw([]byte(signer.Signature()))
	s.log.DebugMsg("signed", "domain", normDomain)
	return nil
}
