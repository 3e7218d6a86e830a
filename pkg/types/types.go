// Package types defines the shared data model for the fleet: printers,
// orders, and ejection-code presets. Persisted fields and runtime-only
// fields live on the same struct (mirroring the JSON documents in
// pkg/storage) but are documented separately per field.
package types

import "time"

// VendorType identifies which transport a printer speaks.
type VendorType string

const (
	// VendorA is the HTTP-pull vendor (local REST API, token auth).
	VendorA VendorType = "A"
	// VendorB is the MQTT-over-TLS + FTPS vendor.
	VendorB VendorType = "B"
)

// PrinterState is the printer state machine (§3).
type PrinterState string

const (
	StateOffline   PrinterState = "OFFLINE"
	StateReady     PrinterState = "READY"
	StateIdle      PrinterState = "IDLE"
	StatePrinting  PrinterState = "PRINTING"
	StatePaused    PrinterState = "PAUSED"
	StateFinished  PrinterState = "FINISHED"
	StateEjecting  PrinterState = "EJECTING"
	StateCooling   PrinterState = "COOLING"
	StatePrepare   PrinterState = "PREPARE"
	StateError     PrinterState = "ERROR"
)

// PrintStage is the enriched, broadcast-facing classification of a
// printer's current activity (§4.8).
type PrintStage string

const (
	StageIdle     PrintStage = "idle"
	StageReady    PrintStage = "ready"
	StagePrinting PrintStage = "printing"
	StagePaused   PrintStage = "paused"
	StageFinished PrintStage = "finished"
	StageEjecting PrintStage = "ejecting"
	StageCooling  PrintStage = "cooling"
	StageError    PrintStage = "error"
)

// Temperatures holds the two temperature readings the fleet tracks.
type Temperatures struct {
	Nozzle float64 `json:"nozzle"`
	Bed    float64 `json:"bed"`
}

// PendingEjection is a Vendor-A ejection job queued by the ejection
// manager and consumed by the next reconcile tick (§3).
type PendingEjection struct {
	GcodeContent  string    `json:"gcode_content"`
	GcodeFileName string    `json:"gcode_file_name"`
	Timestamp     time.Time `json:"timestamp"`
}

// Printer is the per-device record (§3). Fields are grouped into
// identity/config (persisted, user-managed) and runtime (derived from
// observation, not meaningfully restored across a restart except where
// noted).
type Printer struct {
	// Identity / configuration — persisted.
	Name         string     `json:"name"`
	IP           string     `json:"ip"`
	Group        string     `json:"group"`
	Type         VendorType `json:"type"`
	APIKey       string     `json:"api_key,omitempty"`       // Vendor A, encrypted at rest
	SerialNumber string     `json:"serial_number,omitempty"` // Vendor B
	AccessCode   string     `json:"access_code,omitempty"`   // Vendor B, encrypted at rest
	ServiceMode  bool       `json:"service_mode"`

	// Runtime — rebuilt by the reconciler, not trusted across restarts.
	State        PrinterState `json:"state"`
	Status       string       `json:"status"`
	Progress     int          `json:"progress"`
	TimeRemaining int         `json:"time_remaining"`
	ZHeight      float64      `json:"z_height"`
	Temps        Temperatures `json:"temps"`
	File         string       `json:"file"`
	OrderID      *int         `json:"order_id"`
	JobID        string       `json:"job_id,omitempty"`

	ManuallySet   bool       `json:"manually_set"`
	ManualTimeout *time.Time `json:"manual_timeout,omitempty"`

	EjectionProcessed  bool       `json:"ejection_processed"`
	EjectionInProgress bool       `json:"ejection_in_progress"`
	WaitingForM400     bool       `json:"waiting_for_m400,omitempty"`
	EjectionStartTime  *time.Time `json:"ejection_start_time,omitempty"`
	FinishTime         *time.Time `json:"finish_time,omitempty"`
	LastEjectionTime   *time.Time `json:"last_ejection_time,omitempty"`

	CooldownTargetTemp *int `json:"cooldown_target_temp,omitempty"`
	CooldownOrderID    *int `json:"cooldown_order_id,omitempty"`

	PendingEjection *PendingEjection `json:"pending_ejection,omitempty"`

	CountIncrementedForCurrentJob bool `json:"count_incremented_for_current_job"`

	// FromQueue marks a printer whose current job came from the
	// distributor (as opposed to a manual start outside the fleet).
	FromQueue bool `json:"from_queue,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// OrderStatus is the lifecycle status of an order (§3).
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderCompleted OrderStatus = "completed"
)

// Order is a user-submitted request for N copies of a file (§3).
type Order struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
	Filepath string `json:"filepath"`
	Name     string `json:"name,omitempty"`

	FilamentG float64 `json:"filament_g"`
	Quantity  int     `json:"quantity"`
	Sent      int     `json:"sent"`

	Status OrderStatus `json:"status"`
	Groups []string    `json:"groups"`

	EjectionEnabled bool   `json:"ejection_enabled"`
	EndGcode        string `json:"end_gcode"`
	EjectionCodeID  string `json:"ejection_code_id,omitempty"`
	EjectionCodeName string `json:"ejection_code_name,omitempty"`

	// CooldownTemp is Vendor-B only: target bed temperature (°C) before
	// ejection runs. Nil means no cool-down gate.
	CooldownTemp *int `json:"cooldown_temp,omitempty"`

	Deleted     bool       `json:"deleted"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the order is still eligible for distribution
// (§4.7 step 1).
func (o *Order) Active() bool {
	return !o.Deleted && o.Sent < o.Quantity && o.Status != OrderCompleted
}

// EjectionCode is a reusable G-code preset (§3).
type EjectionCode struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Gcode     string    `json:"gcode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnrichedPrinter is the broadcast-facing view of a printer (§4.8),
// computed fresh on every broadcast rather than stored.
type EnrichedPrinter struct {
	Printer
	CurrentFile          string     `json:"current_file"`
	MinutesSinceFinished *int       `json:"minutes_since_finished"`
	PrintStage           PrintStage `json:"print_stage"`
	StageDetail          string     `json:"stage_detail"`
}

// BroadcastPayload is the single status_update event body (§4.8, §6.6).
type BroadcastPayload struct {
	Printers      []EnrichedPrinter `json:"printers"`
	TotalFilament float64           `json:"total_filament"`
	Orders        []Order           `json:"orders"`
}
