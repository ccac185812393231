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

package acmeengine

import (
	"net/http"
	"strings"
	"sync"
)

// challengeBasePath is the well-known URL prefix RFC 8555 HTTP-01
// challenges are served under, matching the constant of the same name
// in the teacher's caddytls/httphandler.go.
const challengeBasePath = "/.well-known/acme-challenge/"

// Responder is an in-process HTTP path -> key-authorization map
// serving ACME HTTP-01 challenges (spec.md GLOSSARY "Responder"). Every
// http/https Port, whatever its port number, answers this prefix from
// the Responder regardless of other route rules (spec.md §4.6), so the
// Responder is wired directly into the root package's Session (its
// challenge short-circuit ahead of routing) rather than running its
// own listener, unlike the teacher's httphandler.go
// which proxies between two of Caddy's own listeners.
type Responder struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> key authorization
}

// NewResponder returns an empty Responder.
func NewResponder() *Responder {
	return &Responder{tokens: make(map[string]string)}
}

// Present registers a token's key authorization so ServeHTTP can
// answer it. It is the Solver.Present half of the acmez.Solver
// interface implemented by httpSolver in client.go.
func (r *Responder) Present(token, keyAuth string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = keyAuth
}

// CleanUp removes a token once its authorization has been validated
// (or has failed), per acmez.Solver.CleanUp.
func (r *Responder) CleanUp(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
}

// Lookup returns the key authorization for token, if present. The
// root package's Session calls this for any request under
// /.well-known/acme-challenge/ before consulting the route table.
func (r *Responder) Lookup(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keyAuth, ok := r.tokens[token]
	return keyAuth, ok
}

// HandlesPath reports whether p falls under the ACME challenge prefix.
func HandlesPath(p string) bool {
	return strings.HasPrefix(p, challengeBasePath)
}

// ServeHTTP lets Responder be mounted directly as an http.Handler,
// useful for the admin/debug surface and for tests; the proxy's own
// Session path calls Lookup directly instead of going through net/http.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.URL.Path, challengeBasePath) {
		http.NotFound(w, req)
		return
	}
	token := strings.TrimPrefix(req.URL.Path, challengeBasePath)
	keyAuth, ok := r.Lookup(token)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
}
