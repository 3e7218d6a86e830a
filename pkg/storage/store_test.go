package storage

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/printfleet/pkg/types"
)

func TestSaveAndLoadPrinters(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	printers := []*types.Printer{
		{Name: "P1", IP: "10.0.0.1", Type: types.VendorA, State: types.StateReady},
		{Name: "P2", IP: "10.0.0.2", Type: types.VendorB, State: types.StateOffline},
	}

	if err := s.SavePrinters(printers); err != nil {
		t.Fatalf("SavePrinters() error = %v", err)
	}

	loaded, err := s.LoadPrinters()
	if err != nil {
		t.Fatalf("LoadPrinters() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadPrinters() returned %d printers, want 2", len(loaded))
	}
	if loaded[0].Name != "P1" || loaded[1].Name != "P2" {
		t.Errorf("LoadPrinters() order/content mismatch: %+v", loaded)
	}
}

func TestLoadPrinters_MissingFile(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	loaded, err := s.LoadPrinters()
	if err != nil {
		t.Fatalf("LoadPrinters() on missing file error = %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("LoadPrinters() on missing file = %v, want empty", loaded)
	}
}

func TestLoadPrinters_DeduplicatesOnName(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	printers := []*types.Printer{
		{Name: "P1", IP: "10.0.0.1"},
		{Name: "P1", IP: "10.0.0.99"}, // duplicate, should be discarded
		{Name: "P2", IP: "10.0.0.2"},
	}
	if err := s.SavePrinters(printers); err != nil {
		t.Fatalf("SavePrinters() error = %v", err)
	}

	loaded, err := s.LoadPrinters()
	if err != nil {
		t.Fatalf("LoadPrinters() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadPrinters() returned %d printers after dedup, want 2", len(loaded))
	}
	if loaded[0].IP != "10.0.0.1" {
		t.Errorf("LoadPrinters() kept wrong duplicate: got IP %s, want first occurrence 10.0.0.1", loaded[0].IP)
	}

	// Re-loading the re-saved document should already be clean.
	reloaded, err := s.LoadPrinters()
	if err != nil {
		t.Fatalf("LoadPrinters() second call error = %v", err)
	}
	if len(reloaded) != 2 {
		t.Fatalf("LoadPrinters() second call returned %d printers, want 2", len(reloaded))
	}
}

func TestLoadOrders_DeduplicatesOnID(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	orders := []*types.Order{
		{ID: 1, Filename: "a.gcode"},
		{ID: 1, Filename: "b.gcode"}, // duplicate ID, should be discarded
		{ID: 2, Filename: "c.gcode"},
	}
	if err := s.SaveOrders(orders); err != nil {
		t.Fatalf("SaveOrders() error = %v", err)
	}

	loaded, err := s.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadOrders() returned %d orders after dedup, want 2", len(loaded))
	}
	if loaded[0].Filename != "a.gcode" {
		t.Errorf("LoadOrders() kept wrong duplicate: got %s, want first occurrence a.gcode", loaded[0].Filename)
	}
}

func TestTotalFilamentRoundtrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.SaveTotalFilament(123.5); err != nil {
		t.Fatalf("SaveTotalFilament() error = %v", err)
	}

	total, err := s.LoadTotalFilament()
	if err != nil {
		t.Fatalf("LoadTotalFilament() error = %v", err)
	}
	if total != 123.5 {
		t.Errorf("LoadTotalFilament() = %v, want 123.5", total)
	}
}

func TestEjectionCodesRoundtrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	codes := []*types.EjectionCode{
		{ID: "c1", Name: "Standard eject", Gcode: "G28\nG1 Z50"},
	}
	if err := s.SaveEjectionCodes(codes); err != nil {
		t.Fatalf("SaveEjectionCodes() error = %v", err)
	}

	loaded, err := s.LoadEjectionCodes()
	if err != nil {
		t.Fatalf("LoadEjectionCodes() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "Standard eject" {
		t.Errorf("LoadEjectionCodes() = %+v, want one preset named 'Standard eject'", loaded)
	}
}

func TestWriteAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.SavePrinters([]*types.Printer{{Name: "P1"}}); err != nil {
		t.Fatalf("SavePrinters() error = %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, ".*tmp-*"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("leftover temp files after SavePrinters(): %v", matches)
	}
}

func TestSanitizeGroupName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "already clean", in: "Shop Floor 1", want: "Shop Floor 1"},
		{name: "empty", in: "", want: "Default"},
		{name: "whitespace only", in: "   ", want: "Default"},
		{name: "strips disallowed chars", in: "Lab #3 (east)!", want: "Lab 3 east"},
		{name: "trims padding", in: "  Main  ", want: "Main"},
		{name: "disallowed chars collapse to empty", in: "#$%^&*", want: "Default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeGroupName(tt.in)
			if got != tt.want {
				t.Errorf("SanitizeGroupName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateGcodeFile(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "gcode", in: "part.gcode", want: true},
		{name: "3mf", in: "part.3mf", want: true},
		{name: "bgcode", in: "part.bgcode", want: true},
		{name: "gcode.3mf", in: "part.gcode.3mf", want: true},
		{name: "uppercase extension", in: "PART.GCODE", want: true},
		{name: "mixed case compound", in: "part.Gcode.3MF", want: true},
		{name: "unsupported extension", in: "part.stl", want: false},
		{name: "no extension", in: "part", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateGcodeFile(tt.in)
			if got != tt.want {
				t.Errorf("ValidateGcodeFile(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
