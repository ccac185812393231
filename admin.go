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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/certstore"
)

// DefaultAdminAddr is the admin API's default bind address (spec.md §6).
const DefaultAdminAddr = "127.0.0.1:46492"

// APIError is a structured error every admin handler returns, carrying
// the HTTP status to respond with, the way the teacher's admin.go
// pairs every handler error with an APIError for consistent logging
// and client responses.
type APIError struct {
	HTTPStatus int
	Err        error
}

func (e APIError) Error() string { return e.Err.Error() }
func (e APIError) Unwrap() error { return e.Err }

// AdminController is the subset of ProxyController the admin API
// drives: apply/current plus the engine/store accessors needed for
// cert import and order creation.
type AdminController interface {
	Apply(snapshot *ConfigSnapshot) error
	Current() *ConfigSnapshot
	Subscribe() *EventStream
	ImportCertificate(cert certstore.Certificate) error
	CreateAcmeOrder(order AcmeOrder) error
}

// AdminServer exposes the HTTP surface of spec.md §6: config
// get/put, cert import, order creation, and an events stream.
// Grounded on the route shapes of the teacher's handleConfig /
// handleConfigID/handleLoad endpoints, rebuilt on go-chi/chi instead
// of the teacher's own hand-rolled adminHandler/mux dispatch, since
// chi is already in the dependency graph for exactly this purpose.
type AdminServer struct {
	ctrl AdminController
	log  *zap.Logger
	mux  chi.Router
}

// NewAdminServer wires up the routes of spec.md §6's Admin HTTP API.
func NewAdminServer(ctrl AdminController, log *zap.Logger) *AdminServer {
	s := &AdminServer{ctrl: ctrl, log: log}
	r := chi.NewRouter()
	r.Get("/api/config", s.wrap(s.getConfig))
	r.Put("/api/config", s.wrap(s.putConfig))
	r.Post("/api/certs", s.wrap(s.postCert))
	r.Post("/api/acme/orders", s.wrap(s.postOrder))
	r.Get("/api/events", s.wrap(s.getEvents))
	s.mux = r
	return s
}

func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// wrap adapts a (w, r) error-returning handler to http.HandlerFunc,
// logging and translating APIError/ConfigError into the right status
// code, the same separation of concerns as the teacher's AdminHandler
// interface.
func (s *AdminServer) wrap(h func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.handleError(w, r, err)
		}
	}
}

func (s *AdminServer) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr APIError
	var cfgErr *ConfigError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatus
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	}
	s.log.Info("admin api error", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// etagHasher is the hash algorithm backing config ETags, grounded on
// the teacher's admin.go etagHasher/makeEtag pair (xxhash instead of
// the stdlib fnv the teacher's own comment considered and rejected for
// speed).
func etagHasher() hash.Hash { return xxhash.New() }

func makeEtag(body []byte) string {
	h := etagHasher()
	h.Write(body)
	return fmt.Sprintf(`"%x"`, h.Sum(nil))
}

// getConfig returns the redacted current snapshot (spec.md §6: "no
// private keys"). ImportedCertificate/AcmeAccount key paths are kept
// (they point at files on disk, not key material itself), but we never
// serialize raw PEM bytes here since the snapshot type doesn't carry
// them in the first place -- key material lives only in
// internal/certstore.Certificate and on disk.
func (s *AdminServer) getConfig(w http.ResponseWriter, r *http.Request) error {
	snap := s.ctrl.Current()
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(snap); err != nil {
		return APIError{HTTPStatus: http.StatusInternalServerError, Err: err}
	}
	w.Header().Set("Content-Type", "application/toml")
	w.Header().Set("ETag", makeEtag(buf.Bytes()))
	_, err := w.Write(buf.Bytes())
	return err
}

// putConfig validates If-Match against the current snapshot's ETag
// (spec.md §6: "409 on bind conflict" generalized here to "409 on
// stale ETag", the optimistic-concurrency analog of the teacher's
// own If-Match handling in changeConfig), then hands the parsed
// snapshot to the controller.
func (s *AdminServer) putConfig(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: fmt.Errorf("reading body: %w", err)}
	}

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		var cur bytes.Buffer
		toml.NewEncoder(&cur).Encode(s.ctrl.Current())
		if makeEtag(cur.Bytes()) != ifMatch {
			return APIError{HTTPStatus: http.StatusConflict, Err: errors.New("If-Match does not match current config ETag")}
		}
	}

	var snap ConfigSnapshot
	md, err := toml.Decode(string(body), &snap)
	if err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: fmt.Errorf("parsing toml: %w", err)}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: fmt.Errorf("unknown fields: %v", undecoded)}
	}
	if err := snap.Validate(); err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}

	if err := s.ctrl.Apply(&snap); err != nil {
		if errors.Is(err, ErrAddressInUse) {
			return APIError{HTTPStatus: http.StatusConflict, Err: err}
		}
		return APIError{HTTPStatus: http.StatusInternalServerError, Err: err}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// postCert imports a Certificate from a multipart PEM upload (spec.md
// §6: "POST /api/certs (multipart, PEM)"), fields "chain" and "key".
func (s *AdminServer) postCert(w http.ResponseWriter, r *http.Request) error {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: errors.New("expected multipart/form-data")}
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	var chainPEM, keyPEM []byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
		}
		switch part.FormName() {
		case "chain":
			chainPEM = data
		case "key":
			keyPEM = data
		}
	}
	if len(chainPEM) == 0 || len(keyPEM) == 0 {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: errors.New("both 'chain' and 'key' parts are required")}
	}

	cert, err := certstore.NewCertificate(chainPEM, keyPEM, certstore.IssuerImported)
	if err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	if err := s.ctrl.ImportCertificate(cert); err != nil {
		return APIError{HTTPStatus: http.StatusInternalServerError, Err: err}
	}
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(map[string]string{"id": cert.ID})
}

// postOrder creates a new AcmeOrder (spec.md §6).
func (s *AdminServer) postOrder(w http.ResponseWriter, r *http.Request) error {
	var order AcmeOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: err}
	}
	if order.ID == "" || len(order.Identifiers) == 0 {
		return APIError{HTTPStatus: http.StatusBadRequest, Err: errors.New("id and identifiers are required")}
	}
	if order.ChallengeType == "" {
		order.ChallengeType = ChallengeHTTP01
	}
	if err := s.ctrl.CreateAcmeOrder(order); err != nil {
		return APIError{HTTPStatus: http.StatusInternalServerError, Err: err}
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

// getEvents streams the EventBus feed as newline-delimited JSON
// (spec.md §6: "GET /api/events (streaming)").
func (s *AdminServer) getEvents(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return APIError{HTTPStatus: http.StatusInternalServerError, Err: errors.New("streaming unsupported")}
	}
	stream := s.ctrl.Subscribe()
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-stream.C:
			if !ok {
				return nil
			}
			if err := enc.Encode(item); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
