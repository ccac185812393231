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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/certstore"
)

// genTestCertPEM returns a freshly minted self-signed leaf certificate
// and key as PEM, for exercising the /api/certs multipart upload path.
func genTestCertPEM(t *testing.T) (chainPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.test"},
		DNSNames:     []string{"example.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	chainPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return chainPEM, keyPEM
}

type fakeAdminController struct {
	snap           *ConfigSnapshot
	events         *EventBus
	applyErr       error
	applied        *ConfigSnapshot
	importedCert   certstore.Certificate
	importErr      error
	createdOrder   AcmeOrder
	createOrderErr error
}

func (f *fakeAdminController) Apply(snap *ConfigSnapshot) error {
	f.applied = snap
	if f.applyErr != nil {
		return f.applyErr
	}
	f.snap = snap
	return nil
}

func (f *fakeAdminController) Current() *ConfigSnapshot { return f.snap }
func (f *fakeAdminController) Subscribe() *EventStream  { return f.events.Subscribe() }

func (f *fakeAdminController) ImportCertificate(cert certstore.Certificate) error {
	f.importedCert = cert
	return f.importErr
}

func (f *fakeAdminController) CreateAcmeOrder(order AcmeOrder) error {
	f.createdOrder = order
	return f.createOrderErr
}

func newFakeAdminController() *fakeAdminController {
	return &fakeAdminController{snap: validSnapshot(), events: NewEventBus()}
}

func TestGetConfigSetsEtagHeader(t *testing.T) {
	ctrl := newFakeAdminController()
	srv := NewAdminServer(ctrl, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("expected an ETag header on GET /api/config")
	}
	if rec.Body.Len() == 0 {
		t.Error("expected a non-empty TOML body")
	}
}

func TestPutConfigRejectsStaleIfMatch(t *testing.T) {
	ctrl := newFakeAdminController()
	srv := NewAdminServer(ctrl, zap.NewNop())

	body := []byte(`generation = 1`)
	req := httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader(body))
	req.Header.Set("If-Match", `"not-the-real-etag"`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("got status %d, want 409", rec.Code)
	}
}

func TestPutConfigAppliesValidSnapshot(t *testing.T) {
	ctrl := newFakeAdminController()
	srv := NewAdminServer(ctrl, zap.NewNop())

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(validSnapshot()); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader(buf.Bytes()))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if ctrl.applied == nil {
		t.Fatal("expected Apply to be called")
	}
}

func TestPutConfigRejectsInvalidSnapshot(t *testing.T) {
	ctrl := newFakeAdminController()
	srv := NewAdminServer(ctrl, zap.NewNop())

	bad := validSnapshot()
	bad.Ports[0].RouteTableID = "missing"
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(bad); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader(buf.Bytes()))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if ctrl.applied != nil {
		t.Error("expected Apply not to be called for an invalid snapshot")
	}
}

func TestPostCertImportsMultipartChainAndKey(t *testing.T) {
	ctrl := newFakeAdminController()
	srv := NewAdminServer(ctrl, zap.NewNop())

	chainPEM, keyPEM := genTestCertPEM(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	chainPart, _ := mw.CreateFormField("chain")
	chainPart.Write(chainPEM)
	keyPart, _ := mw.CreateFormField("key")
	keyPart.Write(keyPEM)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/certs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	if ctrl.importedCert.ID == "" {
		t.Error("expected ImportCertificate to receive a parsed certificate")
	}
}

func TestPostCertRejectsMissingParts(t *testing.T) {
	ctrl := newFakeAdminController()
	srv := NewAdminServer(ctrl, zap.NewNop())

	chainPEM, _ := genTestCertPEM(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	chainPart, _ := mw.CreateFormField("chain")
	chainPart.Write(chainPEM)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/certs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400 when the 'key' part is missing", rec.Code)
	}
}

func TestPostOrderDefaultsChallengeTypeAndRejectsEmptyIdentifiers(t *testing.T) {
	ctrl := newFakeAdminController()
	srv := NewAdminServer(ctrl, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/acme/orders", strings.NewReader(`{"id":"ord1","identifiers":["example.test"]}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	if ctrl.createdOrder.ChallengeType != ChallengeHTTP01 {
		t.Errorf("expected ChallengeType to default to %q, got %q", ChallengeHTTP01, ctrl.createdOrder.ChallengeType)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/acme/orders", strings.NewReader(`{"id":"ord2","identifiers":[]}`))
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400 for empty identifiers", rec2.Code)
	}
}
