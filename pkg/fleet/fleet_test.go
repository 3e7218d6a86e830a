package fleet

import (
	"sync"
	"testing"

	"github.com/cuemby/printfleet/pkg/storage"
	"github.com/cuemby/printfleet/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	disk, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	s, err := New(disk)
	if err != nil {
		t.Fatalf("fleet.New() error = %v", err)
	}
	return s
}

func TestAddAndGetPrinter(t *testing.T) {
	s := newTestStore(t)

	p := &types.Printer{Name: "P1", IP: "10.0.0.1", Type: types.VendorA, State: types.StateReady}
	if err := s.AddPrinter(p); err != nil {
		t.Fatalf("AddPrinter() error = %v", err)
	}

	got, ok := s.Printer("P1")
	if !ok {
		t.Fatal("Printer() did not find P1")
	}
	if got.IP != "10.0.0.1" {
		t.Errorf("Printer() IP = %v, want 10.0.0.1", got.IP)
	}

	// Mutating the returned copy must not affect fleet state.
	got.IP = "mutated"
	again, _ := s.Printer("P1")
	if again.IP != "10.0.0.1" {
		t.Error("Printer() leaked a mutable reference into fleet state")
	}
}

func TestAddPrinter_DuplicateNameRejected(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddPrinter(&types.Printer{Name: "P1"}); err != nil {
		t.Fatalf("AddPrinter() error = %v", err)
	}
	if err := s.AddPrinter(&types.Printer{Name: "P1"}); err == nil {
		t.Error("AddPrinter() should reject a duplicate name")
	}
}

func TestApplyPrinterUpdates_AtomicAndPersisted(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddPrinter(&types.Printer{Name: "P1", State: types.StateOffline}); err != nil {
		t.Fatalf("AddPrinter() error = %v", err)
	}
	if err := s.AddPrinter(&types.Printer{Name: "P2", State: types.StateOffline}); err != nil {
		t.Fatalf("AddPrinter() error = %v", err)
	}

	err := s.ApplyPrinterUpdates([]*types.Printer{
		{Name: "P1", State: types.StateReady},
		{Name: "P2", State: types.StatePrinting},
		{Name: "Ghost", State: types.StateReady}, // unknown name, ignored
	})
	if err != nil {
		t.Fatalf("ApplyPrinterUpdates() error = %v", err)
	}

	p1, _ := s.Printer("P1")
	p2, _ := s.Printer("P2")
	if p1.State != types.StateReady {
		t.Errorf("P1 state = %v, want READY", p1.State)
	}
	if p2.State != types.StatePrinting {
		t.Errorf("P2 state = %v, want PRINTING", p2.State)
	}
	if _, ok := s.Printer("Ghost"); ok {
		t.Error("ApplyPrinterUpdates() should not create unknown printers")
	}
}

func TestDeletePrinter(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddPrinter(&types.Printer{Name: "P1"}); err != nil {
		t.Fatalf("AddPrinter() error = %v", err)
	}
	if err := s.DeletePrinter("P1"); err != nil {
		t.Fatalf("DeletePrinter() error = %v", err)
	}
	if _, ok := s.Printer("P1"); ok {
		t.Error("DeletePrinter() should remove the printer")
	}
	if err := s.DeletePrinter("P1"); err == nil {
		t.Error("DeletePrinter() should fail for an unknown printer")
	}
}

func TestCreateOrder_AssignsMonotonicID(t *testing.T) {
	s := newTestStore(t)

	o1, err := s.CreateOrder(&types.Order{Filename: "a.gcode", Quantity: 2})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	o2, err := s.CreateOrder(&types.Order{Filename: "b.gcode", Quantity: 1})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if o1.ID != 0 {
		t.Errorf("first order ID = %d, want 0", o1.ID)
	}
	if o2.ID != o1.ID+1 {
		t.Errorf("second order ID = %d, want %d", o2.ID, o1.ID+1)
	}
}

func TestUpdateOrder_SentNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	o, err := s.CreateOrder(&types.Order{Filename: "a.gcode", Quantity: 5})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if err := s.UpdateOrder(o.ID, func(ord *types.Order) { ord.Sent = 3 }); err != nil {
		t.Fatalf("UpdateOrder() error = %v", err)
	}
	if err := s.UpdateOrder(o.ID, func(ord *types.Order) { ord.Sent = 1 }); err != nil {
		t.Fatalf("UpdateOrder() error = %v", err)
	}

	got, _ := s.Order(o.ID)
	if got.Sent != 3 {
		t.Errorf("Sent = %d, want 3 (must never decrease)", got.Sent)
	}
}

func TestActiveOrders_ExcludesDeletedFullAndCompleted(t *testing.T) {
	s := newTestStore(t)
	active, _ := s.CreateOrder(&types.Order{Filename: "a.gcode", Quantity: 5, Sent: 2})
	full, _ := s.CreateOrder(&types.Order{Filename: "b.gcode", Quantity: 2, Sent: 2})
	deleted, _ := s.CreateOrder(&types.Order{Filename: "c.gcode", Quantity: 5, Sent: 0})

	if err := s.SoftDeleteOrder(deleted.ID); err != nil {
		t.Fatalf("SoftDeleteOrder() error = %v", err)
	}

	got := s.ActiveOrders()
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("ActiveOrders() = %+v, want only order %d", got, active.ID)
	}
	_ = full
}

func TestAddFilamentUsedG(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddFilamentUsedG(12.5); err != nil {
		t.Fatalf("AddFilamentUsedG() error = %v", err)
	}
	if err := s.AddFilamentUsedG(7.5); err != nil {
		t.Fatalf("AddFilamentUsedG() error = %v", err)
	}

	if got := s.TotalFilamentUsedG(); got != 20.0 {
		t.Errorf("TotalFilamentUsedG() = %v, want 20.0", got)
	}

	if err := s.AddFilamentUsedG(-1); err == nil {
		t.Error("AddFilamentUsedG() should reject a negative delta")
	}
}

func TestEjectionCode_NameUniquenessCaseInsensitive(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateEjectionCode(&types.EjectionCode{ID: "c1", Name: "Standard", Gcode: "G28"}); err != nil {
		t.Fatalf("CreateEjectionCode() error = %v", err)
	}
	if err := s.CreateEjectionCode(&types.EjectionCode{ID: "c2", Name: "STANDARD", Gcode: "G28"}); err == nil {
		t.Error("CreateEjectionCode() should reject a case-insensitive duplicate name")
	}
}

func TestEjectionLock_TryLockIsNonBlocking(t *testing.T) {
	s := newTestStore(t)

	if !s.TryEjectionLock("P1") {
		t.Fatal("TryEjectionLock() should succeed when uncontended")
	}
	if s.TryEjectionLock("P1") {
		t.Error("TryEjectionLock() should fail while already held")
	}

	s.EjectionLock("P1").Unlock()
	if !s.TryEjectionLock("P1") {
		t.Error("TryEjectionLock() should succeed again after release")
	}
}

func TestEjectionLock_PerPrinterIndependence(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for _, name := range []string{"P1", "P2"} {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			results <- s.TryEjectionLock(n)
		}(name)
	}
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			t.Error("distinct printers should not contend on the same ejection lock")
		}
	}
}

func TestEjectionPaused_SwapReturnsPrevious(t *testing.T) {
	s := newTestStore(t)

	if s.EjectionPaused() {
		t.Fatal("expected ejection gate to start false")
	}
	if prev := s.SetEjectionPaused(true); prev {
		t.Errorf("SetEjectionPaused(true) previous = %v, want false", prev)
	}
	if !s.EjectionPaused() {
		t.Error("expected ejection gate to be true after Set")
	}
	if prev := s.SetEjectionPaused(false); !prev {
		t.Errorf("SetEjectionPaused(false) previous = %v, want true", prev)
	}
}

func TestAddPrinter_SanitizesGroup(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddPrinter(&types.Printer{Name: "P1", Group: "  weird/group!! "}); err != nil {
		t.Fatalf("AddPrinter() error = %v", err)
	}
	if err := s.AddPrinter(&types.Printer{Name: "P2", Group: ""}); err != nil {
		t.Fatalf("AddPrinter() error = %v", err)
	}

	p1, _ := s.Printer("P1")
	if p1.Group != "weirdgroup" {
		t.Errorf("Group = %q, want %q", p1.Group, "weirdgroup")
	}
	p2, _ := s.Printer("P2")
	if p2.Group != "Default" {
		t.Errorf("Group = %q, want %q", p2.Group, "Default")
	}
}

func TestCreateOrder_SanitizesGroups(t *testing.T) {
	s := newTestStore(t)

	o, err := s.CreateOrder(&types.Order{Filename: "a.gcode", Quantity: 1, Groups: []string{"  farm/a!! ", ""}})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if got, want := o.Groups, []string{"farma", "Default"}; got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Groups = %v, want %v", got, want)
	}
}
