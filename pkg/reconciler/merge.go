package reconciler

import (
	"strings"

	"github.com/cuemby/printfleet/pkg/events"
	"github.com/cuemby/printfleet/pkg/log"
	"github.com/cuemby/printfleet/pkg/types"
)

// excludedFromManualProtect reports whether observedState should break
// out of the "manually_set == true" protection row of §4.5.1. The base
// exclusion is {PRINTING, EJECTING} for every vendor; Vendor B also
// excludes {PREPARE, PAUSED} per the explicit Vendor-B override rule.
func excludedFromManualProtect(vendorB bool, observedState string) bool {
	switch observedState {
	case "PRINTING", "EJECTING":
		return true
	case "PREPARE", "PAUSED":
		return vendorB
	default:
		return false
	}
}

// processPrinter runs one printer through the §4.5.1 merge table and
// then through the post-merge COOLING/EJECTING transition passes
// (§4.6.1, §4.6.3), all within the same tick. observedAPIState/
// observedAPIFile are the freshly polled Vendor A values (ignored for
// Vendor B, which reads its own cached snapshot inside the ejection
// manager). Returns nil only when mergeOne itself returns nil, which
// never happens today but keeps the signature honest for callers that
// may skip unchanged printers in the future.
func (r *Reconciler) processPrinter(p *types.Printer, obs observation, observedAPIState, observedAPIFile string) *types.Printer {
	merged := r.mergeOne(p, obs)
	if merged == nil {
		return nil
	}

	if merged.State == types.StateCooling {
		if upd := r.ejection.CoolingPass(merged); upd != nil {
			merged = upd
		}
	}
	if merged.State == types.StateEjecting {
		if upd := r.ejection.CompletionPass(merged, observedAPIState, observedAPIFile); upd != nil {
			merged = upd
		}
	}
	return merged
}

// mergeOne implements the §4.5.1 merge table: (current, observation,
// flags) → next. Rows are evaluated in the table's own priority order;
// the first applicable row wins.
func (r *Reconciler) mergeOne(p *types.Printer, obs observation) *types.Printer {
	cp := *p

	if !obs.valid {
		cp.State = types.StateOffline
		cp.Status = "Offline"
		cp.Progress = 0
		cp.TimeRemaining = 0
		cp.Temps = types.Temperatures{}
		cp.ZHeight = 0
		return &cp
	}

	// Temps/Z always reflect the latest observation, even on rows that
	// otherwise hold the current state.
	cp.Temps = obs.temps
	cp.ZHeight = obs.zHeight

	vendorB := cp.Type == types.VendorB

	switch {
	case cp.State == types.StateCooling:
		// Cooling preserved; only temps updated above. CoolingPass
		// (called by processPrinter) decides the transition.
		return &cp

	case cp.ManuallySet && !excludedFromManualProtect(vendorB, obs.apiState):
		if obs.apiState == "FINISHED" {
			return r.finished(&cp)
		}
		cp.State = types.StateReady
		cp.Status = "Ready"
		return &cp

	case cp.EjectionProcessed && cp.State == types.StateReady:
		// Stale API FINISHED ignored.
		return &cp

	case cp.EjectionInProgress && cp.State == types.StateEjecting && isOneOf(obs.apiState, "IDLE", "READY", "OPERATIONAL", "FINISHED"):
		return &cp // stay EJECTING; completion pass decides

	case cp.State == types.StateEjecting && strings.Contains(cp.File, "ejection_") && obs.apiState == "PRINTING":
		return &cp // Vendor A ejection runs as a print job

	case vendorB && cp.State == types.StateFinished && obs.apiState == "READY":
		// Vendor-B "FINISHED sticky" rule: MQTT READY after a FINISHED
		// cycle does not auto-transition; user or ejection must act.
		return &cp

	case obs.apiState == "FINISHED":
		return r.finished(&cp)

	case isOneOf(obs.apiState, "READY", "OPERATIONAL") && cp.State == types.StateFinished:
		cp.State = types.StateReady
		cp.Status = "Ready"
		cp.ManuallySet = true
		cp.OrderID = nil
		cp.File = ""
		cp.FinishTime = nil
		cp.EjectionProcessed = false
		cp.EjectionInProgress = false
		r.scheduleDistribute()
		return &cp

	case obs.apiState == "PRINTING":
		cp.State = types.StatePrinting
		cp.Status = "Printing"
		cp.Progress = obs.progress
		cp.TimeRemaining = obs.timeRemaining
		if obs.file != "" {
			cp.File = obs.file
		}
		cp.FinishTime = nil
		cp.EjectionProcessed = false
		cp.ManuallySet = false
		return &cp

	case obs.apiState == "PAUSED":
		cp.State = types.StatePaused
		cp.Status = "Paused"
		cp.Progress = obs.progress
		cp.TimeRemaining = obs.timeRemaining
		if obs.file != "" {
			cp.File = obs.file
		}
		cp.FinishTime = nil
		cp.EjectionProcessed = false
		cp.ManuallySet = false
		return &cp

	case isOneOf(obs.apiState, "READY", "OPERATIONAL"):
		cp.State = types.StateReady
		cp.Status = "Ready"
		cp.ManuallySet = false
		return &cp

	case obs.apiState == "PREPARE":
		cp.State = types.StatePrepare
		cp.Status = "Preparing"
		cp.ManuallySet = false
		return &cp

	case obs.apiState == "ERROR":
		cp.State = types.StateError
		cp.Status = "Error"
		cp.ErrorMessage = obs.errorMessage
		return &cp
	}

	return &cp
}

func isOneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func (r *Reconciler) finished(p *types.Printer) *types.Printer {
	return r.ejection.HandleFinished(p)
}

func (r *Reconciler) scheduleDistribute() {
	if r.distrib != nil {
		r.distrib.RequestPass()
	}
}

// failsafePass repairs the §3 invariant "manually_set == true ⇒ state
// in {READY, PRINTING, EJECTING}" (§7 "internal invariant violation").
func (r *Reconciler) failsafePass() {
	var fixes []*types.Printer
	for _, p := range r.fleet.Printers() {
		if !p.ManuallySet {
			continue
		}
		if isOneOf(string(p.State), string(types.StateReady), string(types.StatePrinting), string(types.StateEjecting)) {
			continue
		}
		log.WithPrinter(p.Name).Warn().Str("state", string(p.State)).Msg("manually_set invariant violated, forcing READY")
		cp := *p
		cp.State = types.StateReady
		cp.Status = "Ready"
		fixes = append(fixes, &cp)
	}
	if len(fixes) == 0 {
		return
	}
	if err := r.fleet.ApplyPrinterUpdates(fixes); err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("failed to apply failsafe fixes")
	}
}

func (r *Reconciler) broadcast() {
	printers := r.fleet.Printers()
	orders := r.fleet.Orders()
	total := r.fleet.TotalFilamentUsedG()
	r.events.Publish(events.BuildPayload(printers, total, orders))
}
