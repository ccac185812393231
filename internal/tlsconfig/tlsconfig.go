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

// Package tlsconfig builds per-listener TLS acceptor configurations
// from the active certificate set (TlsTermination, spec.md §4.3),
// grounded on the SNI-driven tls.Config construction in the teacher's
// caddytls/config.go (MakeTLSConfig / GetConfigForClient).
package tlsconfig

import (
	"crypto/tls"

	"github.com/relaygate/relaygate/internal/certstore"
)

// Resolver is the subset of certstore.Store that Build needs; it lets
// tests substitute a fake resolver without constructing a real Store.
type Resolver interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// MinVersion maps the config.TLSSettings string knob to a tls package
// constant, defaulting to TLS 1.2 the way Go's own default does.
func MinVersion(s string) uint16 {
	switch s {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// Build constructs a *tls.Config whose certificate resolution is bound
// to store at the time of the call. Because Store values are immutable
// snapshots, the returned *tls.Config is itself safe to hold for the
// lifetime of a single handshake without risk of mid-handshake
// mutation (spec.md §3's "Sessions hold shared references... cloned
// handshake-time snapshot").
//
// NextProtos advertises h2 before http/1.1 so that golang.org/x/net's
// HTTP/2 support is negotiated on https listeners, satisfying spec.md
// §1's "HTTP/1.1+HTTP/2".
func Build(store Resolver, minVersion uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: store.GetCertificate,
		MinVersion:     minVersion,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// BuildFromStore is a convenience wrapper for the concrete store type,
// used throughout the Controller where the concrete type is in hand.
func BuildFromStore(store *certstore.Store, minVersion uint16) *tls.Config {
	return Build(store, minVersion)
}
