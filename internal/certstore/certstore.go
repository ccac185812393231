// Copyright 2024 The Relaygate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package certstore indexes X.509 certificate chains and private keys
// and answers SNI lookups. It is grounded on the certificate cache and
// wildcard-aware SNI resolution in the teacher's caddytls/certificates.go
// and caddytls/handshake.go, reshaped from a mutable, config-scoped
// RWMutex cache into the spec's immutable, whole-snapshot-replacement
// model (spec.md §4.5, §9's "immutable snapshots" design note).
package certstore

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// IssuerKind mirrors the root package's config.IssuerKind without an
// import cycle; the two are kept in lockstep by the caller.
type IssuerKind string

const (
	IssuerSelfSigned IssuerKind = "self_signed"
	IssuerACME       IssuerKind = "acme"
	IssuerImported   IssuerKind = "imported"
)

// Certificate is a tls.Certificate with the metadata spec.md §3 defines
// on top of it. ID is SHA256(leaf_der), hex-encoded.
type Certificate struct {
	tls.Certificate

	ID           string
	IssuerKind   IssuerKind
	NotBefore    time.Time
	NotAfter     time.Time
	SubjectNames []string
}

// Usable reports whether now falls within [NotBefore, NotAfter) and a
// leaf is present with a matching key (spec.md §3's Certificate
// invariant). The key-match is enforced at load time by
// tls.X509KeyPair/tls.Certificate construction, so here we only check
// the validity window and that a leaf was actually parsed.
func (c Certificate) Usable(now time.Time) bool {
	if len(c.Certificate.Certificate) == 0 {
		return false
	}
	return !now.Before(c.NotBefore) && now.Before(c.NotAfter)
}

// NewCertificate builds a Certificate from a PEM chain and PEM key,
// computing ID and metadata from the parsed leaf. Grounded on the
// loading logic in caddytls/certificates.go (cacheUnmanagedCertificatePEMFile).
func NewCertificate(chainPEM, keyPEM []byte, kind IssuerKind) (Certificate, error) {
	tlsCert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return Certificate{}, fmt.Errorf("parsing certificate/key pair: %w", err)
	}
	if len(tlsCert.Certificate) == 0 {
		return Certificate{}, errors.New("no leaf certificate found in chain")
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return Certificate{}, fmt.Errorf("parsing leaf certificate: %w", err)
	}
	tlsCert.Leaf = leaf

	sum := sha256.Sum256(tlsCert.Certificate[0])
	names := make([]string, 0, len(leaf.DNSNames)+1)
	seen := make(map[string]bool)
	add := func(n string) {
		n = strings.ToLower(n)
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	if leaf.Subject.CommonName != "" {
		add(leaf.Subject.CommonName)
	}
	for _, n := range leaf.DNSNames {
		add(n)
	}

	return Certificate{
		Certificate:  tlsCert,
		ID:           hex.EncodeToString(sum[:]),
		IssuerKind:   kind,
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
		SubjectNames: names,
	}, nil
}

// Store is an immutable snapshot of the certificate index. Updates are
// whole-snapshot replacement (spec.md §4.5): callers build a new Store
// via New and swap it atomically at the holder (see relaygate.Controller
// and internal/tlsconfig), never mutating one in place.
type Store struct {
	byID   map[string]Certificate
	byName map[string][]Certificate // name (possibly "*") -> certs usable for it
}

// New indexes the given certificates by every subject name they carry,
// including wildcard entries, so Resolve can do suffix-keyed lookups.
func New(certs []Certificate) *Store {
	s := &Store{
		byID:   make(map[string]Certificate, len(certs)),
		byName: make(map[string][]Certificate),
	}
	for _, c := range certs {
		s.byID[c.ID] = c
		for _, name := range c.SubjectNames {
			s.byName[name] = append(s.byName[name], c)
		}
	}
	for name := range s.byName {
		sort.Slice(s.byName[name], func(i, j int) bool {
			return s.byName[name][i].NotAfter.After(s.byName[name][j].NotAfter)
		})
	}
	return s
}

// ByID returns a certificate by its content hash, e.g. for admin API
// inspection or for the ACME engine to confirm a freshly issued cert
// made it into the active store.
func (s *Store) ByID(id string) (Certificate, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// All returns every indexed certificate, for admin listing.
func (s *Store) All() []Certificate {
	out := make([]Certificate, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	return out
}

// Resolve implements spec.md §4.5 / §8's SNI resolution property: for
// dotted name "a.b.c" it tries, in order, the exact name, then the
// single left-most-label wildcard "*.b.c", then the bare wildcard "*".
// A wildcard covers exactly one label deep -- "*.example.com" matches
// "a.example.com" but not "a.b.example.com" -- so no broader
// "*.c"-style suffix wildcard is ever tried. Among usable candidates at
// the first matching key, the one with the latest NotAfter wins ties.
func (s *Store) Resolve(sni string, now time.Time) (Certificate, bool) {
	sni = strings.ToLower(sni)
	for _, key := range candidateKeys(sni) {
		for _, c := range s.byName[key] {
			if c.Usable(now) {
				return c, true
			}
		}
	}
	return Certificate{}, false
}

// candidateKeys enumerates the lookup keys for Resolve, in priority
// order, per the wildcard policy in spec.md §3/§4.5: exact name, then
// the single left-most-label wildcard covering it, then the bare
// wildcard "*". Mirrors router.go's hostGlobMatches, which only ever
// strips one leading label before comparing a "*." glob.
func candidateKeys(name string) []string {
	keys := make([]string, 0, 3)
	keys = append(keys, name)
	if i := strings.Index(name, "."); i >= 0 {
		keys = append(keys, "*"+name[i:])
	}
	keys = append(keys, "*")
	return keys
}

// GetCertificate adapts Resolve to the tls.Config.GetCertificate
// signature, the same role caddytls.Config.GetCertificate plays in
// the teacher's caddytls/handshake.go.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, ok := s.Resolve(hello.ServerName, time.Now())
	if !ok {
		return nil, fmt.Errorf("no usable certificate for SNI %q", hello.ServerName)
	}
	return &cert.Certificate, nil
}
