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
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PeekedRequest carries what a Session learned before it could make a
// routing decision (spec.md §4.3): the SNI from a TLS ClientHello
// and/or the Host header and request-line path from a peeked HTTP
// request.
type PeekedRequest struct {
	Protocol Protocol
	SNI      string
	Host     string
	Path     string
}

// ErrNoMatch is returned by Router.Route when no Route in the table
// matches; the Session must close the connection, sending 502 first
// for HTTP (spec.md §4.3).
type noMatchError struct{}

func (noMatchError) Error() string { return "no matching route" }

// ErrNoMatch is the sentinel spec.md §4.3 calls NoMatch.
var ErrNoMatch error = noMatchError{}

// Router walks one RouteTable in declared order for each accepted
// connection, the way the teacher's middleware/proxy upstream
// selection policies are invoked per-request, generalized here to
// also run ahead of HTTP parsing for raw TCP/TLS listeners.
type Router struct {
	table RouteTable
	lb    *loadBalancer
}

// NewRouter builds a Router bound to one immutable RouteTable
// snapshot. A fresh Router (and loadBalancer state) is built whenever
// the Controller swaps in a new table; round-robin counters therefore
// reset across a route-table replacement, matching the "replace by
// pointer swap" rule of spec.md §4.1 rule 4 (no partial state carries
// across tables with different identity).
func NewRouter(table RouteTable) *Router {
	return &Router{table: table, lb: newLoadBalancer(len(table.Routes))}
}

// Decision is what Router.Route hands the Session: enough to dial the
// first-choice upstream and, for the "first" strategy, to fail over to
// the next target within the same session on immediate connect failure
// (spec.md §4.3).
type Decision struct {
	Route      Route
	RouteIndex int
	StartIndex int
}

// Upstream returns the currently preferred target at idx, wrapping
// around the target list.
func (d Decision) Upstream(idx int) Upstream {
	return d.Route.Targets[idx%len(d.Route.Targets)]
}

// EffectiveSNI returns the SNI to present when dialing up, preferring
// an explicit sni_override (spec.md §3 Upstream).
func EffectiveSNI(up Upstream) string {
	if up.SNIOverride != "" {
		return up.SNIOverride
	}
	return up.Host
}

// Route evaluates the table against req and returns a Decision
// identifying the matched Route and which target to try first.
func (r *Router) Route(req PeekedRequest) (Decision, error) {
	for i, route := range r.table.Routes {
		if !matches(route.Match, req) {
			continue
		}
		if len(route.Targets) == 0 {
			continue
		}
		start := r.lb.startIndex(i, route)
		return Decision{Route: route, RouteIndex: i, StartIndex: start}, nil
	}
	return Decision{}, ErrNoMatch
}

// ReportDialFailure records that the target at triedIdx (within the
// matched route) failed to connect, so the "first" strategy's
// last-good memory advances to the next target (spec.md §4.3).
func (r *Router) ReportDialFailure(d Decision, triedIdx int) {
	r.lb.reportDialFailure(d.RouteIndex, triedIdx, len(d.Route.Targets))
}

func matches(m Match, req PeekedRequest) bool {
	switch m.Kind {
	case MatchAny:
		return true
	case MatchSNI:
		return hostGlobMatches(m.HostGlob, req.SNI)
	case MatchVHost:
		host := req.Host
		if host == "" {
			host = req.SNI
		}
		if !hostGlobMatches(m.HostGlob, host) {
			return false
		}
		return pathPrefixMatches(m.PathPrefix, req.Path)
	case MatchPath:
		return pathPrefixMatches(m.PathPrefix, req.Path)
	default:
		return false
	}
}

// hostGlobMatches implements spec.md §4.3's Sni/VHostMatch matcher:
// exact match, or a single leading wildcard label ("*.example.com"
// covers "a.example.com" but not "a.b.example.com", consistent with
// internal/certstore's SNI wildcard policy).
func hostGlobMatches(glob, host string) bool {
	if glob == "" || glob == "*" {
		return true
	}
	glob = strings.ToLower(glob)
	host = strings.ToLower(host)
	if glob == host {
		return true
	}
	if strings.HasPrefix(glob, "*.") {
		suffix := glob[1:] // ".example.com"
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		rest := strings.TrimSuffix(host, suffix)
		return rest != "" && !strings.Contains(rest, ".")
	}
	return false
}

func pathPrefixMatches(prefix, path string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	return strings.HasPrefix(path, prefix)
}

// loadBalancer holds the per-route, per-table mutable selection state
// (round-robin counters, "first" failover memory) that must not
// survive a route-table replacement, per NewRouter's doc comment.
type loadBalancer struct {
	counters []uint64
	first    []firstState
}

type firstState struct {
	mu           sync.Mutex
	lastGoodIdx  int
	lastFailTime time.Time
}

const firstFailoverProbeWindow = 60 * time.Second

func newLoadBalancer(numRoutes int) *loadBalancer {
	return &loadBalancer{
		counters: make([]uint64, numRoutes),
		first:    make([]firstState, numRoutes),
	}
}

// startIndex picks which target a new session should try first.
func (lb *loadBalancer) startIndex(routeIdx int, route Route) int {
	switch route.Strategy {
	case StrategyRoundRobin:
		n := atomic.AddUint64(&lb.counters[routeIdx], 1)
		return int(n-1) % len(route.Targets)
	case StrategyFirst:
		fs := &lb.first[routeIdx]
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if time.Since(fs.lastFailTime) > firstFailoverProbeWindow {
			fs.lastGoodIdx = 0
		}
		if fs.lastGoodIdx >= len(route.Targets) {
			fs.lastGoodIdx = 0
		}
		return fs.lastGoodIdx
	default:
		return 0
	}
}

// reportDialFailure lets the Session tell the "first" strategy that
// the chosen upstream failed to connect, so the next session tries the
// following target and the failover sticks until 60 s pass without a
// reported failure, when preference resets to the first target.
func (lb *loadBalancer) reportDialFailure(routeIdx, triedIdx, numTargets int) {
	if routeIdx < 0 || routeIdx >= len(lb.first) {
		return
	}
	fs := &lb.first[routeIdx]
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.lastFailTime = time.Now()
	fs.lastGoodIdx = (triedIdx + 1) % numTargets
}
