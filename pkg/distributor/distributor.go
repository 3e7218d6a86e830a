// Package distributor implements the order distributor (§4.7): the
// pass that matches active orders against ready printers and starts
// print jobs, guarded so at most one pass runs at a time.
package distributor

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/printfleet/pkg/events"
	"github.com/cuemby/printfleet/pkg/fleet"
	"github.com/cuemby/printfleet/pkg/log"
	"github.com/cuemby/printfleet/pkg/metrics"
	"github.com/cuemby/printfleet/pkg/security"
	"github.com/cuemby/printfleet/pkg/transport"
	"github.com/cuemby/printfleet/pkg/types"
	"github.com/cuemby/printfleet/pkg/vendorb"
)

// maxConcurrentJobs is MAX_CONCURRENT_JOBS (§4.7 step 5).
const maxConcurrentJobs = 5

// subBatchDelay is the sleep between sub-batches (§4.7 step 5).
const subBatchDelay = 1 * time.Second

// startVerifyDelay is the wait before a Vendor A start is polled for
// confirmation (§4.7.1).
const startVerifyDelay = 20 * time.Second

// dispatchTimeout bounds a single job's upload/start call.
const dispatchTimeout = 60 * time.Second

// Distributor owns the single-pass order distribution gate.
type Distributor struct {
	fleet     *fleet.Store
	transport *transport.Registry
	events    *events.Broker
	codec     *security.Codec

	sem *semaphore.Weighted
}

// New returns a Distributor. codec decrypts Vendor B access codes at
// dispatch time; Vendor A api_key is already held decrypted on the
// transport driver (constructed when the daemon bootstraps its
// transports).
func New(f *fleet.Store, t *transport.Registry, broker *events.Broker, codec *security.Codec) *Distributor {
	return &Distributor{
		fleet:     f,
		transport: t,
		events:    broker,
		codec:     codec,
		sem:       semaphore.NewWeighted(1),
	}
}

// RequestPass asks for a distribution pass without blocking the
// caller. If a pass is already running, this one is dropped rather
// than queued — the next reconcile tick will ask again.
func (d *Distributor) RequestPass() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := d.Run(ctx); err != nil {
			log.WithComponent("distributor").Error().Err(err).Msg("distribution pass failed")
		}
	}()
}

// job is a single (printer, order) pairing queued for dispatch.
type job struct {
	printer *types.Printer
	order   *types.Order
}

// Run executes one distribution pass (§4.7), or returns immediately
// (not an error) if a pass is already in flight.
func (d *Distributor) Run(ctx context.Context) error {
	if !d.sem.TryAcquire(1) {
		log.WithComponent("distributor").Debug().Msg("distribution pass already running, skipping")
		return nil
	}
	defer d.sem.Release(1)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DistributionDuration)

	jobs := d.planJobs()
	if len(jobs) == 0 {
		return nil
	}

	var updates []*types.Printer
	for start := 0; start < len(jobs); start += maxConcurrentJobs {
		end := start + maxConcurrentJobs
		if end > len(jobs) {
			end = len(jobs)
		}
		sub := jobs[start:end]

		g, gctx := errgroup.WithContext(ctx)
		results := make([]*types.Printer, len(sub))
		for i, j := range sub {
			i, j := i, j
			g.Go(func() error {
				results[i] = d.executeJob(gctx, j)
				return nil
			})
		}
		_ = g.Wait()

		for _, u := range results {
			if u != nil {
				updates = append(updates, u)
			}
		}

		if end < len(jobs) {
			time.Sleep(subBatchDelay)
		}
	}

	if len(updates) > 0 {
		if err := d.fleet.ApplyPrinterUpdates(updates); err != nil {
			return fmt.Errorf("apply printer updates: %w", err)
		}
	}

	d.broadcast()
	return nil
}

// planJobs implements §4.7 steps 1-4: snapshot active orders and ready
// printers, then for each order in turn compute its eligible printers
// (group match, not yet claimed this pass, natural-sorted by name) and
// queue min(remaining, eligible) jobs.
func (d *Distributor) planJobs() []job {
	orders := d.fleet.ActiveOrders()
	if len(orders) == 0 {
		return nil
	}

	ready := make([]*types.Printer, 0)
	for _, p := range d.fleet.Printers() {
		if p.ServiceMode {
			continue
		}
		if p.State == types.StateReady || p.State == types.StateIdle {
			ready = append(ready, p)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	sort.Slice(ready, func(i, j int) bool { return printerNameLess(ready[i].Name, ready[j].Name) })

	claimed := make(map[string]bool, len(ready))
	var jobs []job

	for _, order := range orders {
		groups := make(map[string]bool, len(order.Groups))
		for _, g := range order.Groups {
			groups[g] = true
		}

		var eligible []*types.Printer
		for _, p := range ready {
			if claimed[p.Name] {
				continue
			}
			if !groups[p.Group] {
				continue
			}
			eligible = append(eligible, p)
		}
		if len(eligible) == 0 {
			continue
		}

		needed := order.Quantity - order.Sent
		if needed > len(eligible) {
			needed = len(eligible)
		}
		if needed <= 0 {
			continue
		}

		for i := 0; i < needed; i++ {
			p := eligible[i]
			claimed[p.Name] = true
			jobs = append(jobs, job{printer: p, order: order})
		}
	}

	return jobs
}

var trailingDigitsPattern = regexp.MustCompile(`(\d+)$`)

// printerNameLess implements the distributor's natural-sort
// comparator (§4.7 step 3): compare the trailing numeric suffix
// numerically so "Printer 10" sorts after "Printer 2". Names without
// a trailing run of digits, or whose parts before the digits differ,
// fall back to plain lexicographic order.
func printerNameLess(a, b string) bool {
	am := trailingDigitsPattern.FindString(a)
	bm := trailingDigitsPattern.FindString(b)
	if am == "" || bm == "" {
		return a < b
	}
	an, aerr := strconv.Atoi(am)
	bn, berr := strconv.Atoi(bm)
	if aerr != nil || berr != nil || a[:len(a)-len(am)] != b[:len(b)-len(bm)] {
		return a < b
	}
	return an < bn
}

// executeJob dispatches one print job and, on success, updates
// filament/order accounting immediately (§4.7 step 6: "order count is
// incremented at job start, not at completion") and returns the
// printer mutation to fold into the pass's single apply. Returns nil
// on failure — the printer is left untouched and will be retried on a
// future pass.
func (d *Distributor) executeJob(ctx context.Context, j job) *types.Printer {
	log := log.WithPrinter(j.printer.Name)

	content, err := os.ReadFile(j.order.Filepath)
	if err != nil {
		log.Error().Err(err).Str("file", j.order.Filepath).Msg("failed to read order file")
		metrics.DistributionJobsFailedTotal.WithLabelValues(string(j.printer.Type)).Inc()
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	var dispatchErr error
	switch j.printer.Type {
	case types.VendorA:
		dispatchErr = d.dispatchVendorA(callCtx, j.printer, j.order.Filename, content)
	case types.VendorB:
		dispatchErr = d.dispatchVendorB(callCtx, j.printer, j.order.Filename, content)
	default:
		dispatchErr = fmt.Errorf("unknown vendor type %q", j.printer.Type)
	}

	if dispatchErr != nil {
		log.Warn().Err(dispatchErr).Int("order_id", j.order.ID).Msg("failed to start print job")
		metrics.DistributionJobsFailedTotal.WithLabelValues(string(j.printer.Type)).Inc()
		return nil
	}

	if err := d.fleet.AddFilamentUsedG(j.order.FilamentG); err != nil {
		log.Error().Err(err).Msg("failed to record filament usage")
	}
	if err := d.fleet.UpdateOrder(j.order.ID, func(o *types.Order) {
		o.Sent++
		if o.Sent >= o.Quantity {
			o.Status = types.OrderCompleted
			now := time.Now()
			o.CompletedAt = &now
		} else {
			o.Status = types.OrderPartial
		}
	}); err != nil {
		log.Error().Err(err).Int("order_id", j.order.ID).Msg("failed to update order after dispatch")
	}

	metrics.DistributionJobsStartedTotal.WithLabelValues(string(j.printer.Type)).Inc()

	cp := *j.printer
	orderID := j.order.ID
	cp.OrderID = &orderID
	cp.File = j.order.Filename
	cp.State = types.StatePrinting
	cp.Status = "Printing"
	cp.Progress = 0
	cp.FromQueue = true
	cp.CountIncrementedForCurrentJob = true
	cp.ManuallySet = false
	cp.EjectionProcessed = false
	cp.FinishTime = nil
	return &cp
}

func (d *Distributor) dispatchVendorA(ctx context.Context, p *types.Printer, filename string, content []byte) error {
	driver, ok := d.transport.VendorA(p.Name)
	if !ok {
		return fmt.Errorf("no vendor a driver registered for %s", p.Name)
	}
	if err := driver.UploadAndStart(ctx, filename, content); err != nil {
		return err
	}
	go d.verifyVendorAStart(p.Name)
	return nil
}

// verifyVendorAStart implements §4.7.1's post-start verification:
// wait 20s, then poll status once and accept PRINTING, BUSY or IDLE
// as confirmation; any other state is logged as a warning for
// operator visibility, but does not undo the dispatch — the next
// reconcile tick's own observation is authoritative either way.
func (d *Distributor) verifyVendorAStart(printerName string) {
	time.Sleep(startVerifyDelay)

	driver, ok := d.transport.VendorA(printerName)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status, err := driver.FetchStatus(ctx)
	if err != nil {
		log.WithPrinter(printerName).Warn().Err(err).Msg("post-start verification poll failed")
		return
	}
	switch status.Printer.State {
	case "PRINTING", "BUSY", "IDLE":
		// IDLE is included: some firmware briefly reports idle between
		// upload completion and job start picking up.
	default:
		log.WithPrinter(printerName).Warn().Str("state", status.Printer.State).Msg("printer did not confirm print start after dispatch")
	}
}

func (d *Distributor) dispatchVendorB(ctx context.Context, p *types.Printer, filename string, content []byte) error {
	accessCode, err := d.codec.Decrypt(p.AccessCode)
	if err != nil {
		return fmt.Errorf("decrypt access code: %w", err)
	}

	session, err := d.transport.EnsureVendorB(p.Name, p.IP, p.SerialNumber, accessCode)
	if err != nil {
		return fmt.Errorf("connect mqtt session: %w", err)
	}

	remoteName := vendorb.NormalizeFilename(filename)
	if err := vendorb.UploadFile(p.IP, accessCode, remoteName, content); err != nil {
		return fmt.Errorf("ftps upload: %w", err)
	}

	if err := session.ProjectFile(remoteName); err != nil {
		return fmt.Errorf("project_file command: %w", err)
	}
	return nil
}

func (d *Distributor) broadcast() {
	printers := d.fleet.Printers()
	orders := d.fleet.Orders()
	total := d.fleet.TotalFilamentUsedG()
	d.events.Publish(events.BuildPayload(printers, total, orders))
}
