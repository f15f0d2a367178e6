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

package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// keyGenerators maps the newkey_algo values to the key constructors and
// the k= tag of the published record.
var keyGenerators = map[string]struct {
	tag string
	gen func() (crypto.Signer, error)
}{
	"rsa2048": {"rsa", func() (crypto.Signer, error) { return rsa.GenerateKey(rand.Reader, 2048) }},
	"rsa4096": {"rsa", func() (crypto.Signer, error) { return rsa.GenerateKey(rand.Reader, 4096) }},
	"ed25519": {"ed25519", func() (crypto.Signer, error) {
		_, pkey, err := ed25519.GenerateKey(rand.Reader)
		return pkey, err
	}},
}

// recordPath is the file the TXT record for the key at keyPath is written
// to: foo.key -> foo.dns.
func recordPath(keyPath string) string {
	return strings.TrimSuffix(keyPath, ".key") + ".dns"
}

// keyFor loads the key at keyPath or generates a new one of the algo type
// if the file does not exist. generated is true in the latter case.
func (s *Signer) keyFor(keyPath, algo string) (pkey crypto.Signer, generated bool, err error) {
	pkey, err = readKey(keyPath)
	if err == nil {
		return pkey, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("dkim: %s: %w", keyPath, err)
	}

	s.log.Printf("generating a new %s keypair for %s", algo, keyPath)
	pkey, err = newKey(keyPath, algo)
	if err != nil {
		return nil, false, fmt.Errorf("dkim: generate %s: %w", keyPath, err)
	}
	return pkey, true, nil
}

func readKey(keyPath string) (crypto.Signer, error) {
	pemBlob, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBlob)
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}

	var key interface{}
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type: %s", block.Type)
	}
	if err != nil {
		return nil, err
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, err
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	}
	return nil, fmt.Errorf("unsupported key type: %T", key)
}

// newKey generates a key, writes it to keyPath in PKCS #8 form and writes
// the TXT record next to it.
func newKey(keyPath, algo string) (crypto.Signer, error) {
	g, ok := keyGenerators[algo]
	if !ok {
		return nil, fmt.Errorf("unknown key algorithm: %s", algo)
	}
	pkey, err := g.gen()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(pkey)
	if err != nil {
		return nil, err
	}
	record, err := txtRecord(g.tag, pkey.Public())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(recordPath(keyPath), []byte(record), 0o644); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return nil, err
	}
	return pkey, nil
}

func txtRecord(tag string, pub crypto.PublicKey) (string, error) {
	var blob []byte
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		blob = x509.MarshalPKCS1PublicKey(pub)
	case ed25519.PublicKey:
		blob = pub
	default:
		return "", fmt.Errorf("unsupported public key type: %T", pub)
	}
	return "v=DKIM1; k=" + tag + "; p=" + base64.StdEncoding.EncodeToString(blob), nil
}
