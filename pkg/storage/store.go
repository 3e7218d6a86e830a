// Package storage implements atomic, durable persistence for the
// fleet's four JSON documents (§4.1, §6.5): printers, orders,
// total filament used, and ejection-code presets. Each document is a
// flat file; every write goes through a temp-file-then-rename so a
// crash mid-write never leaves a torn document on disk.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cuemby/printfleet/pkg/log"
	"github.com/cuemby/printfleet/pkg/types"
)

const (
	printersFile      = "printers.json"
	ordersFile        = "orders.json"
	filamentFile      = "total_filament.json"
	ejectionCodesFile = "ejection_codes.json"
)

// filamentDoc is the on-disk shape of total_filament.json (§6.5).
type filamentDoc struct {
	TotalFilamentUsedG float64 `json:"total_filament_used_g"`
}

// Store reads and writes the fleet's JSON documents under a single
// base directory. It does not hold any in-memory state of its own —
// pkg/fleet owns the authoritative copy and the locks that guard
// concurrent access; Store is the disk boundary.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The directory is created if
// missing.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// KeyPath returns the path to the master credential key file
// (secret.key, §6.5), rooted alongside the JSON documents.
func (s *Store) KeyPath() string {
	return filepath.Join(s.dir, "secret.key")
}

// writeAtomic writes data to name via a temp file in the same
// directory followed by a rename, so a reader never observes a
// partially written document (§4.1 "torn-write safe").
func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file into place for %s: %w", name, err)
	}
	return nil
}

// readDoc reads name and unmarshals it into v. A missing file is not
// an error — callers get the zero value of v, matching first-run
// behavior when no document has been saved yet.
func (s *Store) readDoc(name string, v interface{}) error {
	path := filepath.Join(s.dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// LoadPrinters reads printers.json, deduplicating on name (first
// occurrence wins, §4.1). If duplicates were found, the cleaned
// document is re-saved.
func (s *Store) LoadPrinters() ([]*types.Printer, error) {
	var printers []*types.Printer
	if err := s.readDoc(printersFile, &printers); err != nil {
		return nil, err
	}

	deduped, dirty := dedupPrinters(printers)
	if dirty {
		if err := s.SavePrinters(deduped); err != nil {
			log.Errorf("failed to re-save deduplicated printers document: %v", err)
		}
	}
	return deduped, nil
}

// SavePrinters writes the full printer list, replacing the document.
func (s *Store) SavePrinters(printers []*types.Printer) error {
	if printers == nil {
		printers = []*types.Printer{}
	}
	data, err := json.MarshalIndent(printers, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal printers: %w", err)
	}
	return s.writeAtomic(printersFile, data)
}

// LoadOrders reads orders.json, deduplicating on ID (first occurrence
// wins, §4.1).
func (s *Store) LoadOrders() ([]*types.Order, error) {
	var orders []*types.Order
	if err := s.readDoc(ordersFile, &orders); err != nil {
		return nil, err
	}

	deduped, dirty := dedupOrders(orders)
	if dirty {
		if err := s.SaveOrders(deduped); err != nil {
			log.Errorf("failed to re-save deduplicated orders document: %v", err)
		}
	}
	return deduped, nil
}

// SaveOrders writes the full order list, replacing the document.
func (s *Store) SaveOrders(orders []*types.Order) error {
	if orders == nil {
		orders = []*types.Order{}
	}
	data, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal orders: %w", err)
	}
	return s.writeAtomic(ordersFile, data)
}

// LoadTotalFilament reads total_filament.json.
func (s *Store) LoadTotalFilament() (float64, error) {
	var doc filamentDoc
	if err := s.readDoc(filamentFile, &doc); err != nil {
		return 0, err
	}
	return doc.TotalFilamentUsedG, nil
}

// SaveTotalFilament writes total_filament.json.
func (s *Store) SaveTotalFilament(totalG float64) error {
	data, err := json.MarshalIndent(filamentDoc{TotalFilamentUsedG: totalG}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal total filament: %w", err)
	}
	return s.writeAtomic(filamentFile, data)
}

// LoadEjectionCodes reads ejection_codes.json.
func (s *Store) LoadEjectionCodes() ([]*types.EjectionCode, error) {
	var codes []*types.EjectionCode
	if err := s.readDoc(ejectionCodesFile, &codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// SaveEjectionCodes writes the full ejection-code preset list.
func (s *Store) SaveEjectionCodes(codes []*types.EjectionCode) error {
	if codes == nil {
		codes = []*types.EjectionCode{}
	}
	data, err := json.MarshalIndent(codes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ejection codes: %w", err)
	}
	return s.writeAtomic(ejectionCodesFile, data)
}

// dedupPrinters keeps the first occurrence of each printer name.
func dedupPrinters(printers []*types.Printer) ([]*types.Printer, bool) {
	seen := make(map[string]bool, len(printers))
	out := make([]*types.Printer, 0, len(printers))
	dirty := false
	for _, p := range printers {
		if p == nil || seen[p.Name] {
			dirty = true
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, dirty
}

// dedupOrders keeps the first occurrence of each order ID.
func dedupOrders(orders []*types.Order) ([]*types.Order, bool) {
	seen := make(map[int]bool, len(orders))
	out := make([]*types.Order, 0, len(orders))
	dirty := false
	for _, o := range orders {
		if o == nil || seen[o.ID] {
			dirty = true
			continue
		}
		seen[o.ID] = true
		out = append(out, o)
	}
	return out, dirty
}

var disallowedGroupChars = regexp.MustCompile(`[^A-Za-z0-9 _-]`)

// SanitizeGroupName trims whitespace, strips characters outside
// [A-Za-z0-9 _-], and substitutes "Default" for an empty result
// (§4.1, §9 item 4).
func SanitizeGroupName(s string) string {
	s = strings.TrimSpace(s)
	s = disallowedGroupChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if s == "" {
		return "Default"
	}
	return s
}

var validGcodeExtensions = []string{".gcode.3mf", ".gcode", ".3mf", ".bgcode"}

// ValidateGcodeFile reports whether name carries one of the accepted
// extensions, case-insensitively (§4.1, §9 item 5): .gcode, .3mf,
// .bgcode, .gcode.3mf.
func ValidateGcodeFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range validGcodeExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
