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
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/internal/acmeengine"
	"github.com/relaygate/relaygate/internal/certstore"
	"github.com/relaygate/relaygate/internal/tlsconfig"
)

// ProxyController is the live, single-writer owner of every bound Port
// and the certificate/ACME state they depend on. It is the piece
// spec.md §9's "Design Notes" describes as holding "one ConfigSnapshot
// and a set of PortListeners, diffed and reconciled on every Apply" --
// there is no equivalent in the teacher (Caddy's Context/App
// provisioning graph solves a much larger, plugin-driven version of
// the same problem), so the diff/reconcile algorithm here is original,
// built around the same "bind new before stopping old" ordering the
// teacher's own config.go reload path follows so a bad reload never
// drops a working listener.
type ProxyController struct {
	store *Store
	log   *zap.Logger
	events *EventBus
	engine *acmeengine.Engine

	mu        sync.Mutex
	current   *ConfigSnapshot
	listeners map[string]*PortListener // keyed by Port.ID
	certs     *certstore.Store
}

// NewProxyController constructs a controller with an empty snapshot;
// call Apply to bring up the first configuration.
func NewProxyController(store *Store, log *zap.Logger, events *EventBus) *ProxyController {
	c := &ProxyController{
		store:     store,
		log:       log,
		events:    events,
		listeners: make(map[string]*PortListener),
		certs:     certstore.New(nil),
		current:   &ConfigSnapshot{},
	}
	c.engine = acmeengine.New(log.Named("acme"), acmeengine.NewCA(), c.onCertIssued, c.onOrderFailed)
	return c
}

// Current returns the controller's retained snapshot. The caller must
// not mutate it; Clone first if it intends to.
func (c *ProxyController) Current() *ConfigSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe returns a live EventStream, per the admin API's
// GET /api/events (spec.md §6).
func (c *ProxyController) Subscribe() *EventStream { return c.events.Subscribe() }

// Apply validates and reconciles snap against the currently running
// Ports, per spec.md §4.1's reconciliation rules:
//
//  1. Validate the whole snapshot before changing anything.
//  2. Bind every new/changed Port's socket before tearing down what it
//     replaces, so a bind failure leaves the previous generation
//     running untouched.
//  3. Stop Ports removed by the new snapshot, giving in-flight Sessions
//     a grace period.
//  4. Ports whose only change is their Route table get a pointer swap
//     (PortListener.SwapHandle) instead of a bind/unbind cycle.
//
// On any bind failure the already-bound replacement listeners are
// rolled back and the previous generation is left running, so Apply
// is all-or-nothing from the caller's point of view.
func (c *ProxyController) Apply(snap *ConfigSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	snap = snap.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap.Generation = c.current.Generation + 1
	certs := c.buildCertStore(snap)

	type change struct {
		port      Port
		reuse     *PortListener // non-nil: hot-swap this listener's handle
	}
	var toBind []Port
	var toSwap []change
	wantIDs := make(map[string]bool, len(snap.Ports))

	for _, p := range snap.Ports {
		wantIDs[p.ID] = true
		existing, ok := c.listeners[p.ID]
		if ok && portsCompatible(existing.port, p) {
			toSwap = append(toSwap, change{port: p, reuse: existing})
			continue
		}
		toBind = append(toBind, p)
	}

	var toStop []*PortListener
	for id, pl := range c.listeners {
		if !wantIDs[id] {
			toStop = append(toStop, pl)
		}
	}
	// Ports being replaced (same ID, incompatible settings) must also
	// be stopped once their replacement is safely bound.
	var toReplace []*PortListener
	for _, p := range toBind {
		if existing, ok := c.listeners[p.ID]; ok {
			toReplace = append(toReplace, existing)
		}
	}

	bound, err := c.bindAll(toBind, snap, certs)
	if err != nil {
		for _, pl := range bound {
			pl.Stop()
		}
		return err
	}

	for _, ch := range toSwap {
		handle := c.buildHandle(ch.port, snap, certs)
		ch.reuse.port = ch.port
		ch.reuse.SwapHandle(handle)
	}

	var wg sync.WaitGroup
	for _, pl := range append(toStop, toReplace...) {
		wg.Add(1)
		go func(pl *PortListener) {
			defer wg.Done()
			pl.Stop()
		}(pl)
	}
	wg.Wait()

	for i, p := range toBind {
		c.listeners[p.ID] = bound[i]
	}
	for _, ch := range toSwap {
		c.listeners[ch.port.ID] = ch.reuse
	}
	for _, pl := range toStop {
		delete(c.listeners, pl.port.ID)
	}

	prev := c.current
	c.current = snap
	c.certs = certs
	metrics.certsManaged.Set(float64(len(certs.All())))
	c.reconcileOrders(prev, snap)

	c.events.Publish(EventConfigApplied, map[string]interface{}{"generation": snap.Generation})
	return nil
}

// portsCompatible reports whether an existing PortListener can be
// reused for a new Port definition via SwapHandle rather than a full
// rebind (spec.md §4.1 rule 4): only the route table may change in
// place; address, protocol, and TLS settings changes always require a
// fresh bind since the socket or handshake behavior itself would
// otherwise change out from under in-flight accepts (spec.md §4.1 rule
// 4: "Where TLS settings ... changed: treat as remove+add").
func portsCompatible(old, new Port) bool {
	if old.ListenAddr != new.ListenAddr || old.Protocol != new.Protocol {
		return false
	}
	return tlsSettingsEqual(old.TLSSettings, new.TLSSettings)
}

func tlsSettingsEqual(a, b *TLSSettings) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// bindAll binds every Port in toBind, stopping and returning an error
// on the first failure so the caller can roll back whatever bound
// successfully before it (spec.md §4.1 rule 2: "a bind failure aborts
// the whole Apply").
func (c *ProxyController) bindAll(toBind []Port, snap *ConfigSnapshot, certs *certstore.Store) ([]*PortListener, error) {
	bound := make([]*PortListener, 0, len(toBind))
	for _, p := range toBind {
		handle := c.buildHandle(p, snap, certs)
		pl, err := ListenPort(p, handle, c.events, c.log)
		if err != nil {
			return bound, fmt.Errorf("binding port %q: %w", p.ID, err)
		}
		go pl.Serve()
		c.events.Publish(EventListenerBound, map[string]interface{}{"port": p.ID, "listen_addr": p.ListenAddr})
		bound = append(bound, pl)
	}
	return bound, nil
}

// portTLSConfig builds the per-port *tls.Config honoring that Port's
// own TLSSettings.MinVersion (spec.md §3 Port.tls_settings), rather
// than a single hardcoded version shared across every tls/https Port.
func (c *ProxyController) portTLSConfig(p Port, certs *certstore.Store) *tls.Config {
	minVersion := tlsconfig.MinVersion("")
	if p.TLSSettings != nil {
		minVersion = tlsconfig.MinVersion(p.TLSSettings.MinVersion)
	}
	return tlsconfig.BuildFromStore(certs, minVersion)
}

func (c *ProxyController) buildHandle(p Port, snap *ConfigSnapshot, certs *certstore.Store) *SessionHandle {
	rt, _ := snap.RouteTableByID(p.RouteTableID)
	handle := &SessionHandle{
		PortID:   p.ID,
		Protocol: p.Protocol,
		Router:   NewRouter(rt),
		Events:   c.events,
		Log:      c.log,
	}
	if p.Protocol == ProtoTLS || p.Protocol == ProtoHTTPS {
		handle.TLSConfig = c.portTLSConfig(p, certs)
	}
	if p.Protocol == ProtoHTTP || p.Protocol == ProtoHTTPS {
		handle.ChallengeResponder = c.engine.Responder()
	}
	return handle
}

// buildCertStore assembles the certstore.Store for generation snap:
// every ImportedCertificate plus whatever the ACME engine has already
// obtained. Imported certificates are read from disk each Apply since
// ConfigSnapshot only carries their paths (spec.md §6). A certificate
// whose files cannot be read or parsed is logged and left out of the
// store; Apply goes on without it.
func (c *ProxyController) buildCertStore(snap *ConfigSnapshot) *certstore.Store {
	certs := make([]certstore.Certificate, 0, len(snap.Certificates)+len(c.certs.All()))
	for _, ic := range snap.Certificates {
		chainPEM, err := os.ReadFile(ic.ChainPEMPath)
		if err != nil {
			c.log.Warn("reading certificate chain", zap.String("id", ic.ID), zap.Error(err))
			continue
		}
		keyPEM, err := os.ReadFile(ic.KeyPEMPath)
		if err != nil {
			c.log.Warn("reading certificate key", zap.String("id", ic.ID), zap.Error(err))
			continue
		}
		cert, err := certstore.NewCertificate(chainPEM, keyPEM, ic.IssuerKind)
		if err != nil {
			c.log.Warn("parsing certificate", zap.String("id", ic.ID), zap.Error(err))
			continue
		}
		certs = append(certs, cert)
	}
	// Carry forward ACME-issued certificates across reconfiguration;
	// they are not named in ConfigSnapshot.Certificates (only their
	// AcmeOrder is), so they would otherwise be lost on every Apply.
	for _, existing := range c.certs.All() {
		if existing.IssuerKind == certstore.IssuerACME {
			certs = append(certs, existing)
		}
	}
	return certstore.New(certs)
}

// reconcileOrders registers every AcmeOrder in snap with the engine
// and unregisters any that prev named and snap no longer does (spec.md
// §4.1 diffing applied to orders the same way it is applied to Ports).
func (c *ProxyController) reconcileOrders(prev, snap *ConfigSnapshot) {
	accountsByID := make(map[string]AcmeAccount, len(snap.AcmeAccounts))
	for _, a := range snap.AcmeAccounts {
		accountsByID[a.ID] = a
	}

	wantIDs := make(map[string]bool, len(snap.AcmeOrders))
	for _, order := range snap.AcmeOrders {
		wantIDs[order.ID] = true
		acctCfg, ok := accountsByID[order.AccountID]
		if !ok {
			c.log.Warn("acme order references unknown account", zap.String("order", order.ID), zap.String("account", order.AccountID))
			continue
		}
		acct, err := c.loadOrCreateAccount(acctCfg)
		if err != nil {
			c.log.Warn("preparing acme account", zap.String("account", acctCfg.ID), zap.Error(err))
			continue
		}
		spec := acmeengine.OrderSpec{
			ID:            order.ID,
			AccountID:     order.AccountID,
			Identifiers:   order.Identifiers,
			ChallengeType: string(order.ChallengeType),
			RenewalDays:   order.RenewalDays,
		}
		c.engine.RegisterOrder(context.Background(), spec, acct)
	}
	for _, order := range prev.AcmeOrders {
		if !wantIDs[order.ID] {
			c.engine.Unregister(order.ID)
		}
	}
}

// acmeAccountFile is the on-disk shape of "acme/<account-id>.json"
// (spec.md §6): just enough to reconstruct the account's signing key
// across restarts, since everything else about an account lives in
// ConfigSnapshot.AcmeAccounts.
type acmeAccountFile struct {
	KeyPEM string `json:"key_pem"`
}

// loadOrCreateAccount reads an account's key from disk if it exists,
// or generates and persists a new one, matching spec.md §6's on-disk
// layout note "acme/<account-id>.json" and spec.md §4.6 step 1's
// "generate once, reuse thereafter" -- without this, every process
// restart would register a brand new ACME account key for the same
// logical account.
func (c *ProxyController) loadOrCreateAccount(cfg AcmeAccount) (*acmeengine.Account, error) {
	path := c.store.AcmeAccountPath(cfg.ID)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f acmeAccountFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing acme account %s: %w", cfg.ID, err)
		}
		block, _ := pem.Decode([]byte(f.KeyPEM))
		if block == nil {
			return nil, fmt.Errorf("acme account %s: no PEM block in stored key", cfg.ID)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing acme account %s key: %w", cfg.ID, err)
		}
		signer, ok := parsed.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("acme account %s: stored key is not a signer", cfg.ID)
		}
		return &acmeengine.Account{ID: cfg.ID, ServerURL: cfg.ServerURL, Contacts: cfg.Contacts, PrivateKey: signer}, nil

	case os.IsNotExist(err):
		key, err := acmeengine.GenerateAccountKey()
		if err != nil {
			return nil, err
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		data, err := json.Marshal(acmeAccountFile{KeyPEM: string(keyPEM)})
		if err != nil {
			return nil, err
		}
		if err := atomicWriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("persisting acme account %s: %w", cfg.ID, err)
		}
		return &acmeengine.Account{ID: cfg.ID, ServerURL: cfg.ServerURL, Contacts: cfg.Contacts, PrivateKey: key}, nil

	default:
		return nil, fmt.Errorf("reading acme account %s: %w", cfg.ID, err)
	}
}

// onCertIssued is the ACME engine's completion callback (spec.md §4.6
// step 7): fold the new certificate into the live store and persist
// its key material, then publish CertificateIssued.
func (c *ProxyController) onCertIssued(issued acmeengine.IssuedCertificate) {
	if err := c.store.SaveKeyMaterial(issued.Cert.ID, issued.ChainPEM, issued.KeyPEM); err != nil {
		c.log.Error("persisting issued certificate", zap.String("order", issued.OrderID), zap.Error(err))
	}

	c.mu.Lock()
	certs := append(c.certs.All(), issued.Cert)
	c.certs = certstore.New(certs)
	metrics.certsManaged.Set(float64(len(certs)))
	for _, pl := range c.listeners {
		if pl.port.Protocol == ProtoTLS || pl.port.Protocol == ProtoHTTPS {
			handle := c.buildHandle(pl.port, c.current, c.certs)
			pl.SwapHandle(handle)
		}
	}
	c.mu.Unlock()

	c.events.Publish(EventCertIssued, map[string]interface{}{
		"order_id": issued.OrderID,
		"cert_id":  issued.Cert.ID,
		"not_after": issued.Cert.NotAfter,
	})
}

func (c *ProxyController) onOrderFailed(orderID, reason string) {
	c.events.Publish(EventError, map[string]interface{}{
		"order_id": orderID,
		"reason":   reason,
	})
}

// ImportCertificate folds an operator-uploaded certificate into the
// live store (admin API POST /api/certs, spec.md §6) and re-pins every
// tls/https Port's handle to the new store. It does not write the
// certificate or its key to disk.
func (c *ProxyController) ImportCertificate(cert certstore.Certificate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	certs := append(c.certs.All(), cert)
	c.certs = certstore.New(certs)
	metrics.certsManaged.Set(float64(len(certs)))
	for _, pl := range c.listeners {
		if pl.port.Protocol == ProtoTLS || pl.port.Protocol == ProtoHTTPS {
			handle := c.buildHandle(pl.port, c.current, c.certs)
			pl.SwapHandle(handle)
		}
	}
	return nil
}

// CreateAcmeOrder appends order to the current snapshot and persists
// it, then registers it with the engine (admin API
// POST /api/acme/orders, spec.md §6).
func (c *ProxyController) CreateAcmeOrder(order AcmeOrder) error {
	c.mu.Lock()
	snap := c.current.Clone()
	snap.AcmeOrders = append(snap.AcmeOrders, order)
	c.mu.Unlock()

	if err := c.store.Save(snap); err != nil {
		return err
	}
	return c.Apply(snap)
}

// Shutdown stops every bound Port concurrently, each respecting its
// own graceful-drain grace period (spec.md §4.2 Shutdown), using
// errgroup the way the teacher's own app-stop paths fan out shutdown
// across independently-owned resources.
func (c *ProxyController) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	listeners := make([]*PortListener, 0, len(c.listeners))
	for _, pl := range c.listeners {
		listeners = append(listeners, pl)
	}
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, pl := range listeners {
		pl := pl
		g.Go(func() error {
			pl.Stop()
			return nil
		})
	}
	return g.Wait()
}
