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

package relaygate

import (
	"fmt"
	"time"
)

// Protocol is the wire protocol a Port terminates.
type Protocol string

const (
	ProtoTCP   Protocol = "tcp"
	ProtoTLS   Protocol = "tls"
	ProtoHTTP  Protocol = "http"
	ProtoHTTPS Protocol = "https"
)

// Port is one operator-defined listening socket.
type Port struct {
	ID           string       `toml:"id"`
	ListenAddr   string       `toml:"listen_addr"`
	Protocol     Protocol     `toml:"protocol"`
	RouteTableID string       `toml:"route_table_id"`
	TLSSettings  *TLSSettings `toml:"tls_settings,omitempty"`
}

// TLSSettings holds the per-Port TLS handshake options of a tls/https Port.
type TLSSettings struct {
	// MinVersion is one of "1.2" or "1.3"; empty means "1.2".
	MinVersion string `toml:"min_version,omitempty"`
}

// MatchKind discriminates the union type Route.Match is drawn from.
type MatchKind string

const (
	MatchVHost MatchKind = "vhost"
	MatchPath  MatchKind = "path"
	MatchSNI   MatchKind = "sni"
	MatchAny   MatchKind = "any"
)

// Match is the tagged union spec.md §3 calls VHostMatch | PathMatch | Sni | Any.
type Match struct {
	Kind MatchKind `toml:"kind"`
	// HostGlob is used by MatchVHost and MatchSNI; a single leading "*"
	// label is a wildcard, e.g. "*.example.com".
	HostGlob string `toml:"host_glob,omitempty"`
	// PathPrefix is used by MatchVHost (optional) and MatchPath; "/" or
	// empty matches all paths.
	PathPrefix string `toml:"path_prefix,omitempty"`
}

// Strategy is the upstream selection policy for a Route.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyFirst      Strategy = "first"
)

// Upstream is a stateless descriptor of a candidate backend.
type Upstream struct {
	Scheme     Protocol `toml:"scheme"` // tcp or tls
	Host       string   `toml:"host"`
	Port       uint16   `toml:"port"`
	SNIOverride string  `toml:"sni_override,omitempty"`
}

func (u Upstream) String() string {
	return fmt.Sprintf("%s://%s:%d", u.Scheme, u.Host, u.Port)
}

// Route is one entry in a RouteTable; the first matching Route wins.
type Route struct {
	Match    Match      `toml:"match"`
	Targets  []Upstream `toml:"targets"`
	Strategy Strategy   `toml:"strategy"`
}

// RouteTable is an ordered, named list of Routes. Multiple Ports may
// reference the same table by ID; a pointer swap is all that is needed
// to update every Port referencing it (see Controller.apply rule 4).
type RouteTable struct {
	ID     string  `toml:"id"`
	Routes []Route `toml:"routes"`
}

// IssuerKind classifies how a Certificate came to exist.
type IssuerKind string

const (
	IssuerSelfSigned IssuerKind = "self_signed"
	IssuerACME       IssuerKind = "acme"
	IssuerImported   IssuerKind = "imported"
)

// ImportedCertificate is the on-disk/TOML representation of a
// Certificate that did not come from an AcmeOrder (spec.md §3). The
// in-memory, handshake-ready form lives in internal/certstore.
type ImportedCertificate struct {
	ID          string     `toml:"id"`
	ChainPEMPath string    `toml:"chain_pem_path"`
	KeyPEMPath  string     `toml:"key_pem_path"`
	IssuerKind  IssuerKind `toml:"issuer_kind"`
	NotBefore   time.Time  `toml:"not_before"`
	NotAfter    time.Time  `toml:"not_after"`
	SubjectNames []string  `toml:"subject_names"`
}

// AcmeAccount is a registered ACME account key (spec.md §3).
type AcmeAccount struct {
	ID         string   `toml:"id"`
	ServerURL  string   `toml:"server_url"`
	Contacts   []string `toml:"contacts"`
	KeyPEMPath string   `toml:"key_pem_path"`
	IsTrusted  bool     `toml:"is_trusted"`
}

// ChallengeType enumerates supported ACME challenge mechanisms. Only
// http-01 is implemented (spec.md §6).
type ChallengeType string

const ChallengeHTTP01 ChallengeType = "http-01"

// AcmeOrder is the durable description of a certificate to keep
// current; its live state machine lives in internal/acmeengine.
type AcmeOrder struct {
	ID            string        `toml:"id"`
	AccountID     string        `toml:"account_id"`
	Identifiers   []string      `toml:"identifiers"`
	ChallengeType ChallengeType `toml:"challenge_type"`
	RenewalDays   int           `toml:"renewal_days"`
}

// ConfigSnapshot is the immutable, generation-numbered bundle that
// flows from persistence/admin API into the Controller (spec.md §3).
type ConfigSnapshot struct {
	Generation   uint64                 `toml:"generation"`
	Ports        []Port                 `toml:"ports"`
	RouteTables  []RouteTable           `toml:"route_tables"`
	Certificates []ImportedCertificate  `toml:"certificates"`
	AcmeAccounts []AcmeAccount          `toml:"acme_accounts"`
	AcmeOrders   []AcmeOrder            `toml:"acme_orders"`
}

// Clone copies the snapshot so that a caller mutating the result
// cannot corrupt the Controller's retained copy: the Ports,
// RouteTables, Routes, Targets, Certificates, AcmeAccounts and
// AcmeOrders slices are all copied. The string slices inside
// certificates, accounts and orders, and each Port's TLSSettings
// pointer, are shared with the original.
func (c *ConfigSnapshot) Clone() *ConfigSnapshot {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Ports = append([]Port(nil), c.Ports...)
	clone.RouteTables = make([]RouteTable, len(c.RouteTables))
	for i, rt := range c.RouteTables {
		clone.RouteTables[i] = rt
		clone.RouteTables[i].Routes = append([]Route(nil), rt.Routes...)
		for j, r := range rt.Routes {
			clone.RouteTables[i].Routes[j].Targets = append([]Upstream(nil), r.Targets...)
		}
	}
	clone.Certificates = append([]ImportedCertificate(nil), c.Certificates...)
	clone.AcmeAccounts = append([]AcmeAccount(nil), c.AcmeAccounts...)
	clone.AcmeOrders = append([]AcmeOrder(nil), c.AcmeOrders...)
	return &clone
}

// RouteTableByID returns the named table, or ok=false.
func (c *ConfigSnapshot) RouteTableByID(id string) (RouteTable, bool) {
	for _, rt := range c.RouteTables {
		if rt.ID == id {
			return rt, true
		}
	}
	return RouteTable{}, false
}

// Validate rejects structurally invalid snapshots before they ever
// reach Controller.apply, matching spec.md §3's Port invariant (unique
// listen_addr) and §4.1's "Config" error kind.
func (c *ConfigSnapshot) Validate() error {
	seenAddr := make(map[string]string, len(c.Ports))
	seenRoute := make(map[string]bool, len(c.RouteTables))
	for _, rt := range c.RouteTables {
		if rt.ID == "" {
			return &ConfigError{Msg: "route table with empty id"}
		}
		seenRoute[rt.ID] = true
	}
	for _, p := range c.Ports {
		if p.ID == "" || p.ListenAddr == "" {
			return &ConfigError{Msg: fmt.Sprintf("port %q: id and listen_addr are required", p.ID)}
		}
		if existing, ok := seenAddr[p.ListenAddr]; ok {
			return &ConfigError{Msg: fmt.Sprintf("listen_addr %q used by both %q and %q", p.ListenAddr, existing, p.ID)}
		}
		seenAddr[p.ListenAddr] = p.ID
		if !seenRoute[p.RouteTableID] {
			return &ConfigError{Msg: fmt.Sprintf("port %q: unknown route_table_id %q", p.ID, p.RouteTableID)}
		}
		switch p.Protocol {
		case ProtoTCP, ProtoTLS, ProtoHTTP, ProtoHTTPS:
		default:
			return &ConfigError{Msg: fmt.Sprintf("port %q: unknown protocol %q", p.ID, p.Protocol)}
		}
		// Open question resolved per spec.md §9: TLS-dependent routing
		// (Sni matches) is only meaningful when SNI is actually peeked,
		// i.e. on tls/https listeners. Reject the ambiguous combination
		// outright rather than guessing at runtime.
		if p.Protocol != ProtoTLS && p.Protocol != ProtoHTTPS {
			if rt, ok := c.RouteTableByID(p.RouteTableID); ok {
				for _, r := range rt.Routes {
					if r.Match.Kind == MatchSNI {
						return &ConfigError{Msg: fmt.Sprintf("port %q: sni match requires tls or https protocol", p.ID)}
					}
				}
			}
		}
	}
	return nil
}

// ConfigError is the spec.md §7 "Config" error kind: invalid schema or
// overlapping addresses, surfaced to the caller with no state change.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "config: " + e.Msg }
