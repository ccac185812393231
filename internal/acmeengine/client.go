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
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"

	"github.com/mholt/acmez/v3"
	"github.com/mholt/acmez/v3/acme"
	"go.step.sm/crypto/keyutil"
)

// Account is the live credential state behind a config.AcmeAccount:
// the locally generated key and whatever registration the CA has
// recorded for it (spec.md §3 AcmeAccount lifecycle).
type Account struct {
	ID         string
	ServerURL  string
	Contacts   []string
	PrivateKey crypto.Signer

	registered bool
}

// CA is the narrow surface the order state machine needs from an ACME
// v2 server (RFC 8555). Production use is backed by ca, which wraps
// github.com/mholt/acmez/v3 -- the ACME client the teacher (caddy v2)
// itself depends on directly, succeeding the legacy xenolf/lego/acmev2
// client the teacher's own caddytls/client.go wrapped. Tests substitute
// a fake so the Idle->Authorizing->Challenging->Finalizing->Valid
// bookkeeping in order.go and engine.go can be exercised without
// network access.
type CA interface {
	// EnsureAccount registers acct with the CA if it has not been
	// registered yet (spec.md §4.6 step 1). Idempotent.
	EnsureAccount(ctx context.Context, acct *Account) error

	// ObtainCertificate drives new-order through authorization,
	// HTTP-01 challenge solving (via resp), and finalize, returning
	// the issued chain as PEM (spec.md §4.6 steps 2-6).
	ObtainCertificate(ctx context.Context, acct *Account, identifiers []string, key crypto.Signer, resp *Responder) (chainPEM []byte, err error)
}

// ca is the production CA implementation.
type ca struct{}

// NewCA returns the production ACME v2 client.
func NewCA() CA { return &ca{} }

func (c *ca) EnsureAccount(ctx context.Context, acct *Account) error {
	if acct.registered {
		return nil
	}
	client := acmez.Client{
		Client: &acme.Client{Directory: acct.ServerURL},
	}
	account := acme.Account{
		Contact:              acct.Contacts,
		TermsOfServiceAgreed: true,
		PrivateKey:           acct.PrivateKey,
	}
	registered, err := client.Client.NewAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("registering acme account: %w", err)
	}
	acct.PrivateKey = registered.PrivateKey
	acct.registered = true
	return nil
}

func (c *ca) ObtainCertificate(ctx context.Context, acct *Account, identifiers []string, key crypto.Signer, resp *Responder) ([]byte, error) {
	client := acmez.Client{
		Client: &acme.Client{Directory: acct.ServerURL, PollInterval: pollInterval, PollTimeout: pollTimeout},
		ChallengeSolvers: map[string]acmez.Solver{
			acme.ChallengeTypeHTTP01: httpSolver{responder: resp},
		},
	}

	account := acme.Account{Contact: acct.Contacts, PrivateKey: acct.PrivateKey}

	csrDER, err := generateCSR(identifiers, key)
	if err != nil {
		return nil, fmt.Errorf("building CSR: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("parsing generated CSR: %w", err)
	}

	certs, err := client.ObtainCertificateUsingCSR(ctx, account, csr)
	if err != nil {
		return nil, fmt.Errorf("obtaining certificate: %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("CA returned no certificates")
	}
	return certs[0].ChainPEM, nil
}

// httpSolver adapts Responder to acmez.Solver, presenting and cleaning
// up key authorizations for the HTTP-01 challenge type.
type httpSolver struct{ responder *Responder }

func (s httpSolver) Present(ctx context.Context, chal acme.Challenge) error {
	s.responder.Present(chal.Token, chal.KeyAuthorization)
	return nil
}

func (s httpSolver) CleanUp(ctx context.Context, chal acme.Challenge) error {
	s.responder.CleanUp(chal.Token)
	return nil
}

// GenerateAccountKey creates a fresh ECDSA P-256 account key, the
// default key type for account keys in both the teacher's caddytls
// (DefaultKeyType) and common ACME client practice. Key generation is
// delegated to go.step.sm/crypto/keyutil, the same helper the
// teacher's PKI tooling uses to avoid scattering raw elliptic-curve
// calls through the codebase.
func GenerateAccountKey() (crypto.Signer, error) {
	pub, priv, err := keyutil.GenerateDefaultKeyPair()
	if err != nil {
		return nil, err
	}
	_ = pub
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("generated key does not implement crypto.Signer")
	}
	return signer, nil
}

// GenerateCertificateKey creates the per-certificate key for an order's
// finalize step (spec.md §4.6 step 5: "fresh RSA-2048 or ECDSA-P256
// key"). ECDSA-P256 is the default; GenerateCertificateKeyRSA remains
// available for CAs or clients that require RSA-2048 specifically.
func GenerateCertificateKey() (crypto.Signer, error) {
	return GenerateAccountKey()
}

func GenerateCertificateKeyRSA() (crypto.Signer, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// generateCSR builds a PKCS#10 CSR covering identifiers using the
// standard library directly; go.step.sm/crypto's template helpers are
// reserved for key generation above, where they replace hand-rolled
// curve selection instead of duplicating x509.CreateCertificateRequest,
// which the standard library already expresses cleanly.
func generateCSR(identifiers []string, key crypto.Signer) ([]byte, error) {
	if len(identifiers) == 0 {
		return nil, fmt.Errorf("no identifiers for CSR")
	}
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: identifiers[0]},
		DNSNames: identifiers,
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}
