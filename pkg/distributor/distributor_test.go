package distributor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/printfleet/pkg/events"
	"github.com/cuemby/printfleet/pkg/fleet"
	"github.com/cuemby/printfleet/pkg/security"
	"github.com/cuemby/printfleet/pkg/storage"
	"github.com/cuemby/printfleet/pkg/transport"
	"github.com/cuemby/printfleet/pkg/types"
)

func newTestDistributor(t *testing.T) (*Distributor, *fleet.Store) {
	t.Helper()
	disk, err := storage.New(t.TempDir())
	assert.NoError(t, err)
	fs, err := fleet.New(disk)
	assert.NoError(t, err)

	key, err := security.LoadOrCreateKey(t.TempDir() + "/secret.key")
	assert.NoError(t, err)
	codec, err := security.NewCodec(key)
	assert.NoError(t, err)

	return New(fs, transport.New(), events.NewBroker(), codec), fs
}

func TestPrinterNameLess_NumericSuffix(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Printer 2", "Printer 10", true},
		{"Printer 10", "Printer 2", false},
		{"Printer 2", "Printer 2", false},
		{"alpha", "beta", true},
		{"Printer 1", "alpha", true}, // no shared prefix, falls back to lexicographic
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, printerNameLess(tt.a, tt.b), "%s < %s", tt.a, tt.b)
	}
}

func TestPlanJobs_FiltersByGroupAndCapsAtEligibleCount(t *testing.T) {
	d, fs := newTestDistributor(t)

	assert.NoError(t, fs.AddPrinter(&types.Printer{Name: "Printer 1", Group: "farm-a", Type: types.VendorA, State: types.StateReady}))
	assert.NoError(t, fs.AddPrinter(&types.Printer{Name: "Printer 2", Group: "farm-b", Type: types.VendorA, State: types.StateReady}))
	assert.NoError(t, fs.AddPrinter(&types.Printer{Name: "Printer 3", Group: "farm-a", Type: types.VendorA, State: types.StatePrinting}))

	order, err := fs.CreateOrder(&types.Order{Filename: "part.gcode", Filepath: "/tmp/part.gcode", Quantity: 5, Groups: []string{"farm-a"}})
	assert.NoError(t, err)

	jobs := d.planJobs()
	assert.Len(t, jobs, 1)
	assert.Equal(t, "Printer 1", jobs[0].printer.Name)
	assert.Equal(t, order.ID, jobs[0].order.ID)
}

func TestPlanJobs_NoReadyPrintersYieldsNoJobs(t *testing.T) {
	d, fs := newTestDistributor(t)
	_, err := fs.CreateOrder(&types.Order{Filename: "part.gcode", Filepath: "/tmp/part.gcode", Quantity: 1, Groups: []string{"farm-a"}})
	assert.NoError(t, err)

	assert.Empty(t, d.planJobs())
}

func TestPlanJobs_PrinterNotClaimedTwiceAcrossOrders(t *testing.T) {
	d, fs := newTestDistributor(t)
	assert.NoError(t, fs.AddPrinter(&types.Printer{Name: "Printer 1", Group: "farm-a", Type: types.VendorA, State: types.StateReady}))

	_, err := fs.CreateOrder(&types.Order{Filename: "a.gcode", Filepath: "/tmp/a.gcode", Quantity: 1, Groups: []string{"farm-a"}})
	assert.NoError(t, err)
	_, err = fs.CreateOrder(&types.Order{Filename: "b.gcode", Filepath: "/tmp/b.gcode", Quantity: 1, Groups: []string{"farm-a"}})
	assert.NoError(t, err)

	jobs := d.planJobs()
	assert.Len(t, jobs, 1, "the single ready printer should only be claimed once per pass")
}

func TestPlanJobs_ServiceModeExcluded(t *testing.T) {
	d, fs := newTestDistributor(t)
	assert.NoError(t, fs.AddPrinter(&types.Printer{Name: "Printer 1", Group: "farm-a", Type: types.VendorA, State: types.StateReady, ServiceMode: true}))
	_, err := fs.CreateOrder(&types.Order{Filename: "a.gcode", Filepath: "/tmp/a.gcode", Quantity: 1, Groups: []string{"farm-a"}})
	assert.NoError(t, err)

	assert.Empty(t, d.planJobs())
}
