// Package fleet holds the in-memory authoritative model of printers
// and orders (§3, §4.1). It is the single owner of every fleet
// mutable: printers live behind a read/write lock, orders/filament/
// ejection-codes/ejection-locks each behind their own mutex (§5
// "Shared-resource policy": one lock per global mutable). Every
// mutation that should survive a restart also persists through
// pkg/storage before the call returns.
package fleet

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/printfleet/pkg/storage"
	"github.com/cuemby/printfleet/pkg/types"
)

// Store is the fleet's authoritative in-memory state.
type Store struct {
	disk *storage.Store

	printersMu sync.RWMutex
	printers   map[string]*types.Printer

	ordersMu    sync.Mutex
	orders      map[int]*types.Order
	nextOrderID int

	filamentMu    sync.Mutex
	totalFilament float64

	codesMu sync.Mutex
	codes   map[string]*types.EjectionCode

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// ejectionPaused is the global ejection gate (§9 "single bool
	// guarded by an atomic"). Not persisted across restarts.
	ejectionPaused atomic.Bool
}

// New loads all four documents from disk and returns a ready Store.
func New(disk *storage.Store) (*Store, error) {
	printers, err := disk.LoadPrinters()
	if err != nil {
		return nil, fmt.Errorf("load printers: %w", err)
	}
	orders, err := disk.LoadOrders()
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	total, err := disk.LoadTotalFilament()
	if err != nil {
		return nil, fmt.Errorf("load total filament: %w", err)
	}
	codes, err := disk.LoadEjectionCodes()
	if err != nil {
		return nil, fmt.Errorf("load ejection codes: %w", err)
	}

	s := &Store{
		disk:          disk,
		printers:      make(map[string]*types.Printer, len(printers)),
		orders:        make(map[int]*types.Order, len(orders)),
		totalFilament: total,
		codes:         make(map[string]*types.EjectionCode, len(codes)),
		locks:         make(map[string]*sync.Mutex),
	}
	for _, p := range printers {
		s.printers[p.Name] = p
	}
	for _, o := range orders {
		s.orders[o.ID] = o
		if o.ID >= s.nextOrderID {
			s.nextOrderID = o.ID + 1
		}
	}
	for _, c := range codes {
		s.codes[normalizeCodeName(c.Name)] = c
	}
	return s, nil
}

// --- Printers ---

// Printers returns a deep-copied snapshot of every printer, for
// callers that need to work on a consistent view without holding the
// lock (§5 "snapshots are taken by deep-copying under the lock").
func (s *Store) Printers() []*types.Printer {
	s.printersMu.RLock()
	defer s.printersMu.RUnlock()

	out := make([]*types.Printer, 0, len(s.printers))
	for _, p := range s.printers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Printer returns a copy of a single printer by name.
func (s *Store) Printer(name string) (*types.Printer, bool) {
	s.printersMu.RLock()
	defer s.printersMu.RUnlock()

	p, ok := s.printers[name]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// AddPrinter registers a new printer. Name is the unique identity;
// adding a duplicate name is rejected. Group is sanitized on write
// (§3, §4.1 sanitize_group_name).
func (s *Store) AddPrinter(p *types.Printer) error {
	s.printersMu.Lock()
	if _, exists := s.printers[p.Name]; exists {
		s.printersMu.Unlock()
		return fmt.Errorf("printer %q already exists", p.Name)
	}
	cp := *p
	cp.Group = storage.SanitizeGroupName(cp.Group)
	s.printers[p.Name] = &cp
	snapshot := s.printersLocked()
	s.printersMu.Unlock()

	return s.disk.SavePrinters(snapshot)
}

// DeletePrinter removes a printer from the fleet.
func (s *Store) DeletePrinter(name string) error {
	s.printersMu.Lock()
	if _, exists := s.printers[name]; !exists {
		s.printersMu.Unlock()
		return fmt.Errorf("printer %q not found", name)
	}
	delete(s.printers, name)
	snapshot := s.printersLocked()
	s.printersMu.Unlock()

	s.locksMu.Lock()
	delete(s.locks, name)
	s.locksMu.Unlock()

	return s.disk.SavePrinters(snapshot)
}

// ApplyPrinterUpdates replaces the given printers in one write-lock
// acquisition and persists the result (§5 "all fleet-state writes
// within one reconcile tick apply atomically under the printers write
// lock"). Printers not present in updates are left untouched.
func (s *Store) ApplyPrinterUpdates(updates []*types.Printer) error {
	if len(updates) == 0 {
		return nil
	}

	s.printersMu.Lock()
	for _, u := range updates {
		if _, exists := s.printers[u.Name]; !exists {
			continue
		}
		cp := *u
		s.printers[u.Name] = &cp
	}
	snapshot := s.printersLocked()
	s.printersMu.Unlock()

	return s.disk.SavePrinters(snapshot)
}

// printersLocked returns a deep-copied slice; caller must hold
// printersMu.
func (s *Store) printersLocked() []*types.Printer {
	out := make([]*types.Printer, 0, len(s.printers))
	for _, p := range s.printers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Orders ---

// Orders returns a snapshot of every order.
func (s *Store) Orders() []*types.Order {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	out := make([]*types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Order returns a single order by ID.
func (s *Store) Order(id int) (*types.Order, bool) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// ActiveOrders returns orders still eligible for distribution (§4.7
// step 1): not deleted, sent < quantity, status != completed.
func (s *Store) ActiveOrders() []*types.Order {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	out := make([]*types.Order, 0)
	for _, o := range s.orders {
		if o.Active() {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateOrder assigns the next monotonic ID and persists the order
// (§3 "id monotonically assigned = max(existing)+1"). Each group label
// is sanitized the same way a printer's group is (§4.1), so group
// matching in the distributor never misses on whitespace/casing-of-
// disallowed-character differences between an order and a printer.
func (s *Store) CreateOrder(o *types.Order) (*types.Order, error) {
	for i, g := range o.Groups {
		o.Groups[i] = storage.SanitizeGroupName(g)
	}

	s.ordersMu.Lock()
	o.ID = s.nextOrderID
	s.nextOrderID++
	cp := *o
	s.orders[o.ID] = &cp
	snapshot := s.ordersLocked()
	s.ordersMu.Unlock()

	if err := s.disk.SaveOrders(snapshot); err != nil {
		return nil, err
	}
	result := cp
	return &result, nil
}

// UpdateOrder applies mutate to the order with the given id under the
// orders mutex and persists the result. Sent never decreases (§3
// invariant): if mutate lowers it, it is restored to its previous
// value before the order is saved.
func (s *Store) UpdateOrder(id int, mutate func(*types.Order)) error {
	s.ordersMu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.ordersMu.Unlock()
		return fmt.Errorf("order %d not found", id)
	}
	prevSent := o.Sent
	mutate(o)
	if o.Sent < prevSent {
		o.Sent = prevSent
	}
	snapshot := s.ordersLocked()
	s.ordersMu.Unlock()

	return s.disk.SaveOrders(snapshot)
}

// SoftDeleteOrder marks an order deleted; it is never hard-deleted
// from memory during a run (§3).
func (s *Store) SoftDeleteOrder(id int) error {
	return s.UpdateOrder(id, func(o *types.Order) {
		o.Deleted = true
	})
}

func (s *Store) ordersLocked() []*types.Order {
	out := make([]*types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Filament ---

// TotalFilamentUsedG returns the current monotonic total.
func (s *Store) TotalFilamentUsedG() float64 {
	s.filamentMu.Lock()
	defer s.filamentMu.Unlock()
	return s.totalFilament
}

// AddFilamentUsedG increments the total by deltaG and persists
// immediately (§4.9: "modified only by the distributor on successful
// start, under a mutex, and persisted immediately"). deltaG must be
// non-negative; there is no decrement path in the core.
func (s *Store) AddFilamentUsedG(deltaG float64) error {
	if deltaG < 0 {
		return fmt.Errorf("filament delta must be non-negative, got %v", deltaG)
	}

	s.filamentMu.Lock()
	s.totalFilament += deltaG
	total := s.totalFilament
	s.filamentMu.Unlock()

	return s.disk.SaveTotalFilament(total)
}

// --- Ejection-code presets ---

func normalizeCodeName(name string) string {
	return strings.ToLower(name)
}

// EjectionCodes returns every preset.
func (s *Store) EjectionCodes() []*types.EjectionCode {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	out := make([]*types.EjectionCode, 0, len(s.codes))
	for _, c := range s.codes {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EjectionCode returns a single preset by ID.
func (s *Store) EjectionCode(id string) (*types.EjectionCode, bool) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	for _, c := range s.codes {
		if c.ID == id {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

// CreateEjectionCode inserts a new preset; name uniqueness is
// case-insensitive (§4.10).
func (s *Store) CreateEjectionCode(c *types.EjectionCode) error {
	key := normalizeCodeName(c.Name)

	s.codesMu.Lock()
	if _, exists := s.codes[key]; exists {
		s.codesMu.Unlock()
		return fmt.Errorf("ejection code named %q already exists", c.Name)
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.codes[key] = &cp
	snapshot := s.codesLocked()
	s.codesMu.Unlock()

	return s.disk.SaveEjectionCodes(snapshot)
}

// UpdateEjectionCode updates name and/or gcode and bumps the mtime.
func (s *Store) UpdateEjectionCode(id, name, gcode string) error {
	s.codesMu.Lock()
	var target *types.EjectionCode
	for _, c := range s.codes {
		if c.ID == id {
			target = c
			break
		}
	}
	if target == nil {
		s.codesMu.Unlock()
		return fmt.Errorf("ejection code %q not found", id)
	}

	if name != "" && normalizeCodeName(name) != normalizeCodeName(target.Name) {
		if _, exists := s.codes[normalizeCodeName(name)]; exists {
			s.codesMu.Unlock()
			return fmt.Errorf("ejection code named %q already exists", name)
		}
		delete(s.codes, normalizeCodeName(target.Name))
		target.Name = name
		s.codes[normalizeCodeName(name)] = target
	}
	if gcode != "" {
		target.Gcode = gcode
	}
	target.UpdatedAt = time.Now()
	snapshot := s.codesLocked()
	s.codesMu.Unlock()

	return s.disk.SaveEjectionCodes(snapshot)
}

// DeleteEjectionCode removes a preset by ID.
func (s *Store) DeleteEjectionCode(id string) error {
	s.codesMu.Lock()
	var key string
	for k, c := range s.codes {
		if c.ID == id {
			key = k
			break
		}
	}
	if key == "" {
		s.codesMu.Unlock()
		return fmt.Errorf("ejection code %q not found", id)
	}
	delete(s.codes, key)
	snapshot := s.codesLocked()
	s.codesMu.Unlock()

	return s.disk.SaveEjectionCodes(snapshot)
}

func (s *Store) codesLocked() []*types.EjectionCode {
	out := make([]*types.EjectionCode, 0, len(s.codes))
	for _, c := range s.codes {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Per-printer ejection locks ---

// EjectionLock returns the mutex for a printer's ejection flow,
// creating it on first use. Held for the duration of an ejection
// attempt (§4.6): "there can be at most one ejection attempt per
// printer at a time across the whole process."
func (s *Store) EjectionLock(printerName string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[printerName]
	if !ok {
		l = &sync.Mutex{}
		s.locks[printerName] = l
	}
	return l
}

// TryEjectionLock attempts a non-blocking acquire (§4.6 step 5:
// "attempt to acquire the printer's ejection lock (non-blocking)").
func (s *Store) TryEjectionLock(printerName string) bool {
	return s.EjectionLock(printerName).TryLock()
}

// --- Global ejection gate ---

// EjectionPaused reports the current value of the global ejection
// gate.
func (s *Store) EjectionPaused() bool {
	return s.ejectionPaused.Load()
}

// SetEjectionPaused sets the global ejection gate and returns the
// previous value, so a caller can detect a true→false transition and
// trigger mass resume (§4.6.4).
func (s *Store) SetEjectionPaused(paused bool) (previous bool) {
	return s.ejectionPaused.Swap(paused)
}

// SweepEjectionLocks drops per-printer lock entries for printers that
// no longer exist. For a printer that exists and is not in EJECTING it
// only probes the lock with TryLock and releases that probe again; a
// lock that is already held stays held, so this pass does not release
// a stuck lock.
func (s *Store) SweepEjectionLocks(printers []*types.Printer) {
	live := make(map[string]types.PrinterState, len(printers))
	for _, p := range printers {
		live[p.Name] = p.State
	}

	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	for name, l := range s.locks {
		state, ok := live[name]
		if !ok {
			delete(s.locks, name)
			continue
		}
		if state == types.StateEjecting {
			continue
		}
		if l.TryLock() {
			l.Unlock()
		}
	}
}
