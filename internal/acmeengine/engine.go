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

// Package acmeengine drives ACME v2 orders to completion and renews
// them before expiry (spec.md §4.6), grounded on the background
// maintenance loop of the teacher's caddytls/maintain.go and the
// account/registration flow of caddytls/client.go, updated to use the
// modern github.com/mholt/acmez/v3 client the teacher itself depends
// on and reshaped into the explicit per-order state machine spec.md
// §3's OrderState enumerates.
package acmeengine

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/certstore"
)

// maxConcurrentOrders caps simultaneously running order attempts
// process-wide (spec.md §4.6 Concurrency: "at most 4 orders running
// across the process").
const maxConcurrentOrders = 4

// pollInterval/pollTimeout bound authorization polling (spec.md §4.6
// step 4: "bounded 120 s, 3-s interval").
const (
	pollInterval = 3 * time.Second
	pollTimeout  = 120 * time.Second
)

// IssuedCertificate is what Engine hands back to its owner on success.
type IssuedCertificate struct {
	OrderID  string
	Cert     certstore.Certificate
	ChainPEM []byte
	KeyPEM   []byte
}

// Engine tracks every AcmeOrder as an independent task and every
// AcmeAccount's registration state.
type Engine struct {
	log       *zap.Logger
	ca        CA
	sem       chan struct{}
	responder *Responder

	mu       sync.Mutex
	accounts map[string]*Account
	orders   map[string]*Order
	cancel   map[string]context.CancelFunc

	onIssued func(IssuedCertificate)
	onFailed func(orderID, reason string)
}

// New constructs an Engine. onIssued is called (off the order's own
// goroutine's critical section) whenever a certificate is obtained, so
// the caller can insert it into its CertStore and publish a
// CertificateIssued event (spec.md §4.6 step 7).
func New(log *zap.Logger, ca CA, onIssued func(IssuedCertificate), onFailed func(orderID, reason string)) *Engine {
	if ca == nil {
		ca = NewCA()
	}
	return &Engine{
		log:       log,
		ca:        ca,
		sem:       make(chan struct{}, maxConcurrentOrders),
		responder: NewResponder(),
		accounts:  make(map[string]*Account),
		orders:    make(map[string]*Order),
		cancel:    make(map[string]context.CancelFunc),
		onIssued:  onIssued,
		onFailed:  onFailed,
	}
}

// Responder returns the single Responder instance every order's
// HTTP-01 attempt presents its tokens to. The root package wires this
// into every http/https Port's SessionHandle so a validation request
// landing on any of those ports is answered, regardless of which Port
// the ACME server happens to connect to (spec.md §4.6 step 3).
func (e *Engine) Responder() *Responder { return e.responder }

// Account registration works against *Account values the root package
// constructs per config.AcmeAccount (generating a key via
// GenerateAccountKey on first use); Engine looks accounts up by id
// rather than holding a direct reference, matching spec.md §9's "model
// as ids, not direct references" note for cyclic AcmeOrder/Certificate
// relationships.

// RegisterOrder starts tracking spec as a long-lived task. If an order
// with the same ID is already tracked, its spec is refreshed in place;
// this keeps RegisterOrder safe to call again after a config reload
// without restarting an in-flight attempt (spec.md §4.6 idempotency,
// §5 "a reconfiguration never cancels running Sessions of preserved
// ports" applied analogously to preserved orders).
func (e *Engine) RegisterOrder(ctx context.Context, spec OrderSpec, acct *Account) *Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.orders[spec.ID]; ok {
		existing.Spec = spec
		return existing
	}

	order := NewOrder(spec)
	e.orders[spec.ID] = order
	e.accounts[spec.AccountID] = acct

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel[spec.ID] = cancel
	go e.runLoop(runCtx, order, acct)
	return order
}

// Unregister stops an order's task, e.g. when a config apply removes
// it (spec.md §4.1 diffing).
func (e *Engine) Unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancel[id]; ok {
		cancel()
		delete(e.cancel, id)
		delete(e.orders, id)
	}
}

// Order returns the tracked order, if any, for admin/event inspection.
func (e *Engine) Order(id string) (*Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	return o, ok
}

// runLoop is the per-order task: wait until due, attempt once
// (respecting the global concurrency cap), then sleep until the next
// due time. It exits when ctx is cancelled (Unregister or process
// shutdown).
func (e *Engine) runLoop(ctx context.Context, order *Order, acct *Account) {
	for {
		wait := time.Until(order.DueAt())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !order.tryStart(time.Now()) {
			continue
		}

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		e.attempt(ctx, order, acct)
		<-e.sem
	}
}

// attempt runs the full order loop of spec.md §4.6 once: ensure
// account, obtain certificate (new-order through finalize, handled by
// CA.ObtainCertificate, which itself walks authorize/challenge/poll),
// download, and report. State transitions follow the OrderState enum
// only coarsely, because the wire-level new-order/authorize/challenge/
// poll/finalize chatter all happens inside the single
// CA.ObtainCertificate call: Authorizing covers account registration,
// Challenging covers generating the certificate key, and Finalizing
// covers the whole ObtainCertificate call through cert download. No
// HTTP-01 token or key authorization is recorded on the Order.
func (e *Engine) attempt(ctx context.Context, order *Order, acct *Account) {
	log := e.log.With(zap.String("order", order.Spec.ID), zap.Strings("identifiers", order.Spec.Identifiers))

	attemptCtx, cancel := context.WithTimeout(ctx, pollTimeout+30*time.Second)
	defer cancel()

	if err := e.ca.EnsureAccount(attemptCtx, acct); err != nil {
		log.Warn("account registration failed", zap.Error(err))
		order.fail(fmt.Sprintf("account registration: %v", err), time.Now())
		e.reportFail(order)
		return
	}

	order.setChallenging("", "")
	certKey, err := GenerateCertificateKey()
	if err != nil {
		order.fail(fmt.Sprintf("generating certificate key: %v", err), time.Now())
		e.reportFail(order)
		return
	}

	order.setFinalizing()
	chainPEM, err := e.ca.ObtainCertificate(attemptCtx, acct, order.Spec.Identifiers, certKey, e.responder)
	if err != nil {
		log.Warn("certificate issuance failed", zap.Error(err))
		order.fail(err.Error(), time.Now())
		e.reportFail(order)
		return
	}

	keyPEM, err := marshalKeyPEM(certKey)
	if err != nil {
		order.fail(fmt.Sprintf("marshaling issued key: %v", err), time.Now())
		e.reportFail(order)
		return
	}

	cert, err := certstore.NewCertificate(chainPEM, keyPEM, certstore.IssuerACME)
	if err != nil {
		order.fail(fmt.Sprintf("parsing issued chain: %v", err), time.Now())
		e.reportFail(order)
		return
	}

	order.succeed(cert.ID, cert.NotAfter)
	log.Info("certificate issued", zap.String("cert_id", cert.ID), zap.Time("not_after", cert.NotAfter))
	if e.onIssued != nil {
		e.onIssued(IssuedCertificate{OrderID: order.Spec.ID, Cert: cert, ChainPEM: chainPEM, KeyPEM: keyPEM})
	}
}

func (e *Engine) reportFail(order *Order) {
	if e.onFailed != nil {
		e.onFailed(order.Spec.ID, order.FailReason())
	}
}

// marshalKeyPEM encodes a generated certificate key to PKCS#8 PEM for
// on-disk storage (spec.md §6 on-disk layout: "keys/<cert-id>.key").
func marshalKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
