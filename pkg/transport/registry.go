// Package transport owns the live per-printer transport objects: the
// Vendor A HTTP driver pool and the Vendor B MQTT session map (§5
// "shared-resource policy... MQTT client map" is one of the globals
// with exactly one guarding lock).
package transport

import (
	"fmt"
	"sync"

	"github.com/cuemby/printfleet/pkg/vendora"
	"github.com/cuemby/printfleet/pkg/vendorb"
)

// Registry maps printer names to their live driver/session. Vendor A
// drivers are registered when the daemon bootstraps its transports;
// Vendor B sessions are created through EnsureVendorB.
type Registry struct {
	mu      sync.RWMutex
	vendorA map[string]*vendora.Driver
	vendorB map[string]*vendorb.Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		vendorA: make(map[string]*vendora.Driver),
		vendorB: make(map[string]*vendorb.Session),
	}
}

// PutVendorA registers (or replaces) the HTTP driver for a printer.
func (r *Registry) PutVendorA(printerName string, d *vendora.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendorA[printerName] = d
}

// VendorA returns the driver for a printer, if any.
func (r *Registry) VendorA(printerName string) (*vendora.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.vendorA[printerName]
	return d, ok
}

// PutVendorB registers (or replaces) the MQTT session for a printer.
func (r *Registry) PutVendorB(printerName string, s *vendorb.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendorB[printerName] = s
}

// VendorB returns the session for a printer, if any.
func (r *Registry) VendorB(printerName string) (*vendorb.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.vendorB[printerName]
	return s, ok
}

// Remove tears down and forgets any transport registered for a
// printer (called for every printer when the daemon shuts down).
func (r *Registry) Remove(printerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.vendorB[printerName]; ok {
		s.Disconnect()
		delete(r.vendorB, printerName)
	}
	delete(r.vendorA, printerName)
}

// EnsureVendorB lazily connects and registers an MQTT session for a
// Vendor B printer.
func (r *Registry) EnsureVendorB(printerName, host, serial, accessCode string) (*vendorb.Session, error) {
	if s, ok := r.VendorB(printerName); ok {
		return s, nil
	}

	s := vendorb.NewSession(printerName, host, serial, accessCode)
	if err := s.Connect(); err != nil {
		return nil, fmt.Errorf("connect vendor b session for %s: %w", printerName, err)
	}
	r.PutVendorB(printerName, s)
	return s, nil
}
