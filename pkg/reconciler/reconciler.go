// Package reconciler implements the status reconciliation loop (§4.5):
// the periodic tick that folds in every non-service-mode Vendor B
// printer and polls a round-robin batch of Vendor A printers, merges vendor observations into the fleet's authoritative state
// through the §4.5.1 merge table, runs the post-merge ejection
// transitions, persists, and broadcasts a status_update event.
package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/printfleet/pkg/ejection"
	"github.com/cuemby/printfleet/pkg/events"
	"github.com/cuemby/printfleet/pkg/fleet"
	"github.com/cuemby/printfleet/pkg/log"
	"github.com/cuemby/printfleet/pkg/metrics"
	"github.com/cuemby/printfleet/pkg/transport"
	"github.com/cuemby/printfleet/pkg/types"
	"github.com/cuemby/printfleet/pkg/vendorb"
)

// tickInterval is STATUS_REFRESH_INTERVAL (§4.5).
const tickInterval = 10 * time.Second

// vendorABatchSize caps how many Vendor A printers are polled over
// HTTP per tick (§4.5: "processes one batch (size 5) in round-robin
// order"). Vendor B printers are not batched — their state comes from
// an already-cached MQTT snapshot, not a fresh network call, so every
// Vendor B printer is folded in on every tick (§4.5 step 2: "Update
// Vendor-B cached states into the fleet state").
const vendorABatchSize = 5

// callTimeout is the single deadline shared by every observation fetch
// (and pending-ejection dispatch) of one tick.
const callTimeout = 15 * time.Second

// distributeTrigger is implemented by pkg/distributor; the reconciler
// never imports it directly (pkg/distributor already depends on
// pkg/fleet and pkg/transport, and a direct import back would cycle
// with nothing gained — the two only need this one narrow hook).
type distributeTrigger interface {
	RequestPass()
}

// Reconciler owns the periodic tick.
type Reconciler struct {
	fleet     *fleet.Store
	transport *transport.Registry
	ejection  *ejection.Manager
	events    *events.Broker
	distrib   distributeTrigger

	cursor int // round-robin position into the Vendor A printer list

	stopCh chan struct{}
}

// New returns a Reconciler. distrib may be nil in tests that don't
// care about post-reconcile distribution triggers.
func New(f *fleet.Store, t *transport.Registry, e *ejection.Manager, broker *events.Broker, distrib distributeTrigger) *Reconciler {
	return &Reconciler{
		fleet:     f,
		transport: t,
		ejection:  e,
		events:    broker,
		distrib:   distrib,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop. The loop has no cancellation
// point inside a tick: after Stop it exits once the current tick has
// returned.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop signals the loop to exit after its current tick.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log.WithComponent("reconciler").Info().Msg("reconciler started")
	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.stopCh:
			log.WithComponent("reconciler").Info().Msg("reconciler stopped")
			return
		}
	}
}

// tick runs one reconciliation cycle (§4.5 per-tick algorithm).
func (r *Reconciler) tick() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	printers := r.fleet.Printers()

	var vendorA, vendorB []*types.Printer
	for _, p := range printers {
		if p.ServiceMode {
			continue
		}
		switch p.Type {
		case types.VendorA:
			vendorA = append(vendorA, p)
		case types.VendorB:
			vendorB = append(vendorB, p)
		}
	}

	batch := r.nextVendorABatch(vendorA)

	var (
		mu      sync.Mutex
		updates []*types.Printer
	)

	// Vendor B: fold in every printer's cached MQTT snapshot, no
	// network call required.
	for _, p := range vendorB {
		session, ok := r.transport.VendorB(p.Name)
		if !ok {
			continue
		}
		obs := observeVendorB(session)
		if updated := r.processPrinter(p, obs, "", ""); updated != nil {
			mu.Lock()
			updates = append(updates, updated)
			mu.Unlock()
		}
	}

	// Vendor A: the batched HTTP polls, fanned out concurrently.
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range batch {
		p := p
		g.Go(func() error {
			obs, apiFile := r.observeVendorA(gctx, p)
			updated := r.processPrinter(p, obs, obs.apiState, apiFile)
			if updated != nil {
				mu.Lock()
				updates = append(updates, updated)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// §4.5 step 5: dispatch any Vendor A ejection stashed by the merge
	// pass above (pending_ejection present, state now EJECTING).
	for i, u := range updates {
		if u.Type == types.VendorA && u.State == types.StateEjecting && u.PendingEjection != nil {
			if dispatched := r.ejection.DispatchPendingEjection(ctx, u); dispatched != nil {
				updates[i] = dispatched
			}
		}
	}

	if err := r.fleet.ApplyPrinterUpdates(updates); err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("failed to apply reconcile updates")
	}

	r.failsafePass()
	r.fleet.SweepEjectionLocks(r.fleet.Printers())

	r.broadcast()

	if r.distrib != nil {
		r.distrib.RequestPass()
	}
}

// nextVendorABatch returns the next round-robin slice of size
// vendorABatchSize from the given Vendor A printers (tick has already
// dropped service-mode ones), advancing the cursor.
func (r *Reconciler) nextVendorABatch(all []*types.Printer) []*types.Printer {
	if len(all) == 0 {
		return nil
	}
	if len(all) <= vendorABatchSize {
		return all
	}
	if r.cursor >= len(all) {
		r.cursor = 0
	}
	out := make([]*types.Printer, 0, vendorABatchSize)
	for i := 0; i < vendorABatchSize; i++ {
		out = append(out, all[(r.cursor+i)%len(all)])
	}
	r.cursor = (r.cursor + vendorABatchSize) % len(all)
	return out
}

// observation is the vendor-neutral shape the merge rules operate on.
type observation struct {
	valid         bool
	apiState      string // READY, PRINTING, PAUSED, FINISHED, PREPARE, ERROR, OPERATIONAL, ""
	progress      int
	timeRemaining int
	file          string
	temps         types.Temperatures
	zHeight       float64
	errorMessage  string
}

func (r *Reconciler) observeVendorA(ctx context.Context, p *types.Printer) (observation, string) {
	driver, ok := r.transport.VendorA(p.Name)
	if !ok {
		return observation{}, ""
	}

	status, err := driver.FetchStatus(ctx)
	if err != nil {
		log.WithPrinter(p.Name).Warn().Err(err).Msg("vendor a status fetch failed, reporting offline this tick")
		metrics.ReconciliationErrorsTotal.WithLabelValues("A").Inc()
		return observation{}, ""
	}

	obs := observation{
		valid:   true,
		temps:   types.Temperatures{Nozzle: status.Printer.TempNozzle, Bed: status.Printer.TempBed},
		zHeight: status.Printer.AxisZ,
	}
	switch strings.ToUpper(status.Printer.State) {
	case "IDLE":
		obs.apiState = "READY"
	case "FINISHED":
		obs.apiState = "FINISHED"
	case "PRINTING":
		obs.apiState = "PRINTING"
	case "PAUSED":
		obs.apiState = "PAUSED"
	case "ERROR", "ATTENTION":
		obs.apiState = "ERROR"
		obs.errorMessage = "Printer error"
	default:
		obs.apiState = strings.ToUpper(status.Printer.State)
	}

	apiFile := ""
	if obs.apiState == "PRINTING" || obs.apiState == "PAUSED" {
		if job, err := driver.FetchJob(ctx); err == nil && job.Found {
			obs.progress = job.Progress
			obs.timeRemaining = job.TimeRemaining
			obs.file = job.File.DisplayName
			apiFile = job.File.DisplayName
		}
	} else if job, err := driver.FetchJob(ctx); err == nil {
		apiFile = job.File.DisplayName
	}

	return obs, apiFile
}

func observeVendorB(session *vendorb.Session) observation {
	snap := session.Snapshot()
	state, _ := snap.MappedState()
	if state == "" {
		return observation{}
	}

	obs := observation{
		valid:         true,
		apiState:      state,
		progress:      snap.Progress,
		timeRemaining: snap.RemainingSec,
		file:          snap.CurrentFile,
		temps:         types.Temperatures{Nozzle: snap.NozzleTemp, Bed: snap.BedTemp},
	}

	// §4.4: "HMS alerts present ⇒ state forced to ERROR with message
	// composed from alert codes", overriding whatever gcode_state mapped to.
	if msg := vendorb.ErrorMessageFromHMS(snap.HMSAlerts); msg != "" {
		obs.apiState = "ERROR"
		obs.errorMessage = msg
	}
	return obs
}
