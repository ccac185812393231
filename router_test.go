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

import "testing"

func testTable() RouteTable {
	return RouteTable{
		ID: "rt1",
		Routes: []Route{
			{
				Match:    Match{Kind: MatchVHost, HostGlob: "example.test", PathPrefix: "/"},
				Targets:  []Upstream{{Scheme: ProtoTCP, Host: "127.0.0.1", Port: 9000}},
				Strategy: StrategyFirst,
			},
			{
				Match:    Match{Kind: MatchSNI, HostGlob: "*.example.test"},
				Targets:  []Upstream{{Scheme: ProtoTCP, Host: "10.0.0.1", Port: 9001}, {Scheme: ProtoTCP, Host: "10.0.0.2", Port: 9002}},
				Strategy: StrategyRoundRobin,
			},
			{
				Match:   Match{Kind: MatchAny},
				Targets: []Upstream{{Scheme: ProtoTCP, Host: "127.0.0.1", Port: 9999}},
			},
		},
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	r := NewRouter(testTable())
	d, err := r.Route(PeekedRequest{Host: "example.test", Path: "/anything"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Upstream(d.StartIndex).Port != 9000 {
		t.Errorf("expected route 0's target, got %+v", d.Upstream(d.StartIndex))
	}
}

func TestRouterRoundRobinCycles(t *testing.T) {
	r := NewRouter(testTable())
	req := PeekedRequest{SNI: "a.example.test"}

	var ports []uint16
	for i := 0; i < 4; i++ {
		d, err := r.Route(req)
		if err != nil {
			t.Fatal(err)
		}
		ports = append(ports, d.Upstream(d.StartIndex).Port)
	}
	want := []uint16{9001, 9002, 9001, 9002}
	for i := range want {
		if ports[i] != want[i] {
			t.Errorf("index %d: got %d want %d (full: %v)", i, ports[i], want[i], ports)
		}
	}
}

func TestRouterNoMatch(t *testing.T) {
	table := RouteTable{ID: "rt2", Routes: []Route{
		{Match: Match{Kind: MatchVHost, HostGlob: "only.example.test"}, Targets: []Upstream{{Host: "x", Port: 1}}},
	}}
	r := NewRouter(table)
	if _, err := r.Route(PeekedRequest{Host: "other.test"}); err != ErrNoMatch {
		t.Errorf("expected ErrNoMatch, got %v", err)
	}
}

func TestRouterAnyAlwaysMatchesLast(t *testing.T) {
	r := NewRouter(testTable())
	d, err := r.Route(PeekedRequest{Host: "totally-unrelated.test"})
	if err != nil {
		t.Fatal(err)
	}
	if d.RouteIndex != 2 {
		t.Errorf("expected the Any route (index 2) to match, got %d", d.RouteIndex)
	}
}

func TestFirstStrategyFailsOverAndSticks(t *testing.T) {
	table := RouteTable{ID: "rt3", Routes: []Route{
		{
			Match:    Match{Kind: MatchAny},
			Strategy: StrategyFirst,
			Targets:  []Upstream{{Host: "down", Port: 1}, {Host: "up", Port: 2}},
		},
	}}
	r := NewRouter(table)

	d, err := r.Route(PeekedRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if d.StartIndex != 0 {
		t.Fatalf("expected to start at index 0, got %d", d.StartIndex)
	}
	r.ReportDialFailure(d, 0)

	d2, err := r.Route(PeekedRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if d2.StartIndex != 1 {
		t.Errorf("expected subsequent sessions to go straight to the up target, got index %d", d2.StartIndex)
	}
}

func TestHostGlobMatchesSingleLabelWildcardOnly(t *testing.T) {
	cases := []struct {
		glob, host string
		want       bool
	}{
		{"*.example.com", "a.example.com", true},
		{"*.example.com", "a.b.example.com", false},
		{"example.com", "example.com", true},
		{"*", "anything.at.all", true},
	}
	for _, c := range cases {
		if got := hostGlobMatches(c.glob, c.host); got != c.want {
			t.Errorf("hostGlobMatches(%q, %q) = %v, want %v", c.glob, c.host, got, c.want)
		}
	}
}
