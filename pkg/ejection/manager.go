// Package ejection implements the post-print bed-clearing flow (§4.6):
// the FINISHED-state decision tree, the COOLING gate for Vendor-B
// cooldown temperatures, the Vendor-B G-code send, completion
// detection racing a safety timeout, and the Vendor-A watchdog that
// backstops a blocked reconcile loop. It operates on printer copies
// handed to it by the reconciler and returns updated copies for the
// caller to persist through fleet.Store.ApplyPrinterUpdates.
package ejection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/printfleet/pkg/fleet"
	"github.com/cuemby/printfleet/pkg/log"
	"github.com/cuemby/printfleet/pkg/transport"
	"github.com/cuemby/printfleet/pkg/types"
)

const (
	// ejectionVendorBCooldown is the minimum spacing between two
	// Vendor-B ejection sends for the same printer, bypassed by force
	// (§4.6.2).
	ejectionVendorBCooldown = 10 * time.Second

	// completionSafetyTimeout bounds how long a printer may sit in
	// EJECTING without a terminal observation before it is declared
	// done anyway (§4.6.3).
	completionSafetyTimeout = 15 * time.Second

	// manualTimeoutAfterEject sets the manual_timeout deadline recorded
	// on a printer when its ejection completes (§4.6.3, §3). The value
	// is informational: nothing reads it to end the manually_set hold.
	manualTimeoutAfterEject = 300 * time.Second

	// watchdogInterval is the Vendor-A watchdog's poll cadence (§4.6.3
	// "independent Vendor-A watchdog thread polls status every ~10s").
	watchdogInterval = 10 * time.Second
)

// Manager runs the ejection flow against the fleet's authoritative
// state and the live per-printer transports.
type Manager struct {
	fleet     *fleet.Store
	transport *transport.Registry
}

// New returns a Manager bound to fleet and transport.
func New(f *fleet.Store, t *transport.Registry) *Manager {
	return &Manager{fleet: f, transport: t}
}

func ejectionFilename(orderID int) string {
	return fmt.Sprintf("ejection_%d.gcode", orderID)
}

// NormalizeGcode appends an M400 wait to an ejection g-code blob that
// does not already contain one, so the end of the sequence can be
// observed. A blob that has M400 anywhere is returned unchanged.
func NormalizeGcode(gcode string) string {
	if strings.Contains(gcode, "M400") {
		return gcode
	}
	if !strings.HasSuffix(gcode, "\n") {
		gcode += "\n"
	}
	return gcode + "M400"
}

// HandleFinished runs the FINISHED-state decision tree (§4.6) against
// a copy of printer and returns the updated copy. The caller persists
// the result; HandleFinished never writes to fleet directly except
// for the ejection lock and order lookups it needs mid-decision.
func (m *Manager) HandleFinished(printer *types.Printer) *types.Printer {
	cp := *printer
	now := time.Now()
	if cp.FinishTime == nil {
		cp.FinishTime = &now
	}
	cp.Progress = 100
	cp.TimeRemaining = 0

	if cp.EjectionProcessed || cp.EjectionInProgress {
		return &cp
	}

	if cp.OrderID == nil {
		return &cp
	}
	order, ok := m.fleet.Order(*cp.OrderID)
	if !ok || !order.EjectionEnabled {
		return &cp
	}

	if m.fleet.EjectionPaused() {
		cp.Status = "Print Complete (Ejection Paused)"
		return &cp
	}

	if cp.Type == types.VendorB && order.CooldownTemp != nil && cp.Temps.Bed > float64(*order.CooldownTemp) {
		cp.State = types.StateCooling
		cp.CooldownTargetTemp = order.CooldownTemp
		cp.CooldownOrderID = &order.ID
		cp.Status = fmt.Sprintf("Cooling: %.1f°C -> %d°C", cp.Temps.Bed, *order.CooldownTemp)
		return &cp
	}

	if !m.fleet.TryEjectionLock(cp.Name) {
		return &cp
	}

	cp.State = types.StateEjecting
	cp.EjectionProcessed = true

	// EjectionInProgress/EjectionStartTime are left at cp's pre-entry
	// values here: sendVendorBEjection reads EjectionInProgress as its
	// not-already-in-progress guard and is the sole setter on success,
	// so pre-setting it would make the guard fire on every call.
	switch cp.Type {
	case types.VendorB:
		if err := m.sendVendorBEjection(&cp, order, false); err != nil {
			log.WithPrinter(cp.Name).Error().Err(err).Msg("vendor b ejection send failed, reverting to ready")
			m.revertFailedEjection(&cp)
		}
	case types.VendorA:
		cp.EjectionInProgress = true
		cp.EjectionStartTime = &now
		cp.PendingEjection = &types.PendingEjection{
			GcodeContent:  order.EndGcode,
			GcodeFileName: ejectionFilename(order.ID),
			Timestamp:     now,
		}
	}

	return &cp
}

// CoolingPass re-checks a COOLING printer's bed temperature against
// its cooldown target every reconcile tick (§4.6.1).
func (m *Manager) CoolingPass(printer *types.Printer) *types.Printer {
	if printer.State != types.StateCooling || printer.CooldownTargetTemp == nil {
		return nil
	}
	if printer.Temps.Bed > float64(*printer.CooldownTargetTemp) {
		return nil
	}

	cp := *printer
	var order *types.Order
	if printer.CooldownOrderID != nil {
		if o, ok := m.fleet.Order(*printer.CooldownOrderID); ok {
			order = o
		}
	}
	if order == nil || !order.EjectionEnabled {
		cp.State = types.StateReady
		cp.Status = "Ready"
		cp.ManuallySet = true
		cp.CooldownTargetTemp = nil
		cp.CooldownOrderID = nil
		return &cp
	}

	if !m.fleet.TryEjectionLock(cp.Name) {
		return nil
	}

	now := time.Now()
	cp.State = types.StateEjecting
	cp.EjectionProcessed = true
	cp.CooldownTargetTemp = nil
	cp.CooldownOrderID = nil

	// See HandleFinished: EjectionInProgress is left alone here too, so
	// sendVendorBEjection's not-already-in-progress guard reads the
	// real pre-entry value instead of one this pass just set.
	switch cp.Type {
	case types.VendorB:
		if err := m.sendVendorBEjection(&cp, order, false); err != nil {
			log.WithPrinter(cp.Name).Error().Err(err).Msg("vendor b ejection send failed after cooldown, reverting to ready")
			m.revertFailedEjection(&cp)
		}
	case types.VendorA:
		cp.EjectionInProgress = true
		cp.EjectionStartTime = &now
		cp.PendingEjection = &types.PendingEjection{
			GcodeContent:  order.EndGcode,
			GcodeFileName: ejectionFilename(order.ID),
			Timestamp:     now,
		}
	}
	return &cp
}

// sendVendorBEjection implements §4.6.2: rejects a redundant send
// unless force bypasses the in-progress/cooldown guards, appends M400
// if the order's G-code doesn't already contain one, and streams the
// batch over the printer's live MQTT session.
func (m *Manager) sendVendorBEjection(printer *types.Printer, order *types.Order, force bool) error {
	if !force {
		if printer.EjectionInProgress {
			return fmt.Errorf("ejection already in progress for %s", printer.Name)
		}
		if printer.LastEjectionTime != nil && time.Since(*printer.LastEjectionTime) < ejectionVendorBCooldown {
			return fmt.Errorf("ejection cooldown active for %s", printer.Name)
		}
	}

	session, ok := m.transport.VendorB(printer.Name)
	if !ok {
		return fmt.Errorf("no mqtt session registered for %s", printer.Name)
	}

	// Clear any stale completion flag left over from the last print
	// before this send starts so CompletionPass can't mistake it for
	// this ejection's own M400 ack (§4.6.3).
	session.ClearEjectionComplete()

	now := time.Now()
	printer.EjectionInProgress = true
	printer.State = types.StateEjecting
	printer.WaitingForM400 = true
	printer.EjectionStartTime = &now

	return session.GcodeBatch(NormalizeGcode(order.EndGcode))
}

func (m *Manager) revertFailedEjection(cp *types.Printer) {
	cp.State = types.StateReady
	cp.Status = "Ready"
	cp.ManuallySet = true
	cp.EjectionInProgress = false
	cp.WaitingForM400 = false
	cp.EjectionStartTime = nil
	cp.PendingEjection = nil
	m.fleet.EjectionLock(cp.Name).Unlock()
}

// DispatchPendingEjection uploads a stashed Vendor-A ejection job
// (§4.6 step 5: "the next reconcile tick picks it up and uploads the
// G-code file as a print job").
func (m *Manager) DispatchPendingEjection(ctx context.Context, printer *types.Printer) *types.Printer {
	if printer.Type != types.VendorA || printer.State != types.StateEjecting || printer.PendingEjection == nil {
		return nil
	}
	driver, ok := m.transport.VendorA(printer.Name)
	if !ok {
		return nil
	}

	pending := printer.PendingEjection
	cp := *printer
	if err := driver.SendEjection(ctx, pending.GcodeFileName, pending.GcodeContent); err != nil {
		log.WithPrinter(printer.Name).Error().Err(err).Msg("vendor a ejection upload failed, reverting to ready")
		m.revertFailedEjection(&cp)
		return &cp
	}
	cp.PendingEjection = nil
	cp.File = pending.GcodeFileName
	return &cp
}

// CompletionPass implements §4.6.3: races the vendor-specific
// completion signals against the safety timeout for a printer
// currently EJECTING. observedAPIState/observedAPIFile are the
// freshly polled Vendor-A status and are ignored for Vendor B, which
// reads its own cached MQTT snapshot instead.
func (m *Manager) CompletionPass(printer *types.Printer, observedAPIState, observedAPIFile string) *types.Printer {
	if printer.State != types.StateEjecting {
		return nil
	}

	done := false
	switch printer.Type {
	case types.VendorA:
		switch strings.ToUpper(observedAPIState) {
		case "IDLE", "READY", "OPERATIONAL", "FINISHED":
			done = true
		}
		if strings.Contains(printer.File, "ejection_") && observedAPIFile != printer.File {
			done = true
		}
	case types.VendorB:
		if session, ok := m.transport.VendorB(printer.Name); ok {
			snap := session.Snapshot()
			if snap.EjectionComplete {
				done = true
			}
			if state, _ := snap.MappedState(); state == "READY" {
				done = true
			}
		}
	}

	if !done && printer.EjectionStartTime != nil && time.Since(*printer.EjectionStartTime) >= completionSafetyTimeout {
		done = true
	}
	if !done {
		return nil
	}

	cp := *printer
	now := time.Now()
	timeout := now.Add(manualTimeoutAfterEject)
	cp.State = types.StateReady
	cp.Status = "Ready"
	cp.ManuallySet = true
	cp.ManualTimeout = &timeout
	cp.EjectionInProgress = false
	cp.WaitingForM400 = false
	cp.EjectionStartTime = nil
	cp.PendingEjection = nil
	cp.LastEjectionTime = &now

	// The lock may not be held here (e.g. a printer still EJECTING after
	// a restart); take it first so the release never hits an unlocked
	// mutex.
	lock := m.fleet.EjectionLock(printer.Name)
	lock.TryLock()
	lock.Unlock()
	return &cp
}

// MassResume implements trigger_mass_ejection_for_finished_printers
// (§4.6.4): once the global pause clears, every FINISHED printer
// parked at "Print Complete (Ejection Paused)" gets a fresh pass
// through HandleFinished, which now proceeds past the pause check.
func (m *Manager) MassResume() []*types.Printer {
	if m.fleet.EjectionPaused() {
		return nil
	}

	var out []*types.Printer
	for _, p := range m.fleet.Printers() {
		if p.State != types.StateFinished || p.Status != "Print Complete (Ejection Paused)" {
			continue
		}
		if p.EjectionProcessed || p.EjectionInProgress {
			continue
		}
		if updated := m.HandleFinished(p); updated != nil {
			out = append(out, updated)
		}
	}
	return out
}

// SendEjection is the operator-triggered entry point (§4.6.2's force
// flag, "for operator-initiated tests"): resolves the printer and its
// order, dispatches immediately, and persists the result.
func (m *Manager) SendEjection(ctx context.Context, printerName string, force bool) error {
	printer, ok := m.fleet.Printer(printerName)
	if !ok {
		return fmt.Errorf("printer %q not found", printerName)
	}
	if printer.OrderID == nil {
		return fmt.Errorf("printer %q has no active order", printerName)
	}
	order, ok := m.fleet.Order(*printer.OrderID)
	if !ok {
		return fmt.Errorf("order %d not found", *printer.OrderID)
	}

	if !m.fleet.TryEjectionLock(printerName) && !force {
		return fmt.Errorf("ejection already in progress for %s", printerName)
	}

	cp := *printer
	var err error
	switch cp.Type {
	case types.VendorB:
		err = m.sendVendorBEjection(&cp, order, force)
	case types.VendorA:
		driver, driverOK := m.transport.VendorA(printerName)
		if !driverOK {
			err = fmt.Errorf("no vendor a driver registered for %s", printerName)
			break
		}
		now := time.Now()
		cp.EjectionInProgress = true
		cp.State = types.StateEjecting
		cp.EjectionStartTime = &now
		err = driver.SendEjection(ctx, ejectionFilename(order.ID), order.EndGcode)
		if err == nil {
			cp.File = ejectionFilename(order.ID)
		}
	}
	if err != nil {
		m.revertFailedEjection(&cp)
		m.fleet.ApplyPrinterUpdates([]*types.Printer{&cp})
		return err
	}
	cp.EjectionProcessed = true
	return m.fleet.ApplyPrinterUpdates([]*types.Printer{&cp})
}

// TestEjectionCode implements the §4.10 "test" operation: sends a
// preset's g-code straight to a printer for debugging, bypassing the
// order/FINISHED-state machinery entirely. It does not touch fleet
// state or take the printer's ejection lock — it is a direct transport
// call, not a real ejection attempt, so it must not race or interfere
// with one.
func (m *Manager) TestEjectionCode(ctx context.Context, printerName, gcode string) error {
	printer, ok := m.fleet.Printer(printerName)
	if !ok {
		return fmt.Errorf("printer %q not found", printerName)
	}

	switch printer.Type {
	case types.VendorB:
		session, ok := m.transport.VendorB(printerName)
		if !ok {
			return fmt.Errorf("no mqtt session registered for %s", printerName)
		}
		return session.GcodeBatch(NormalizeGcode(gcode))
	case types.VendorA:
		driver, ok := m.transport.VendorA(printerName)
		if !ok {
			return fmt.Errorf("no vendor a driver registered for %s", printerName)
		}
		return driver.SendEjection(ctx, ejectionFilename(0), NormalizeGcode(gcode))
	default:
		return fmt.Errorf("printer %q has unknown vendor type %q", printerName, printer.Type)
	}
}

// RunWatchdog backstops a blocked reconcile loop by polling every
// EJECTING Vendor-A printer's status directly and applying the
// completion logic (§4.6.3). Blocks until ctx is cancelled.
func (m *Manager) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogTick(ctx)
		}
	}
}

func (m *Manager) watchdogTick(ctx context.Context) {
	var updates []*types.Printer
	for _, p := range m.fleet.Printers() {
		if p.Type != types.VendorA || p.State != types.StateEjecting {
			continue
		}
		driver, ok := m.transport.VendorA(p.Name)
		if !ok {
			continue
		}
		status, err := driver.FetchStatus(ctx)
		if err != nil {
			log.WithPrinter(p.Name).Warn().Err(err).Msg("ejection watchdog status fetch failed")
			continue
		}
		file := ""
		if job, err := driver.FetchJob(ctx); err == nil && job.Found {
			file = job.File.DisplayName
		}
		if updated := m.CompletionPass(p, status.Printer.State, file); updated != nil {
			updates = append(updates, updated)
		}
	}
	if len(updates) == 0 {
		return
	}
	if err := m.fleet.ApplyPrinterUpdates(updates); err != nil {
		log.WithComponent("ejection-watchdog").Error().Err(err).Msg("failed to apply watchdog completion updates")
	}
}
