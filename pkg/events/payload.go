package events

import (
	"fmt"
	"time"

	"github.com/cuemby/printfleet/pkg/types"
)

// BuildPayload computes the enriched broadcast view of the fleet
// (§4.8). Enrichment fields are derived fresh from the current
// printer/order snapshot rather than stored, so there is nothing to
// keep in sync.
func BuildPayload(printers []*types.Printer, totalFilamentG float64, orders []*types.Order) *types.BroadcastPayload {
	enriched := make([]types.EnrichedPrinter, 0, len(printers))
	for _, p := range printers {
		enriched = append(enriched, enrich(p))
	}

	visibleOrders := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		if o.Deleted {
			continue
		}
		visibleOrders = append(visibleOrders, *o)
	}

	return &types.BroadcastPayload{
		Printers:      enriched,
		TotalFilament: totalFilamentG / 1000,
		Orders:        visibleOrders,
	}
}

func enrich(p *types.Printer) types.EnrichedPrinter {
	ep := types.EnrichedPrinter{
		Printer:     *p,
		CurrentFile: p.File,
	}

	var mins *int
	if p.State == types.StateFinished && p.FinishTime != nil {
		m := int(time.Since(*p.FinishTime).Minutes())
		if m < 0 {
			m = 0
		}
		mins = &m
	}
	ep.MinutesSinceFinished = mins
	ep.PrintStage, ep.StageDetail = stageFor(p, mins)

	return ep
}

// stageFor maps a printer's raw state to the broadcast-facing
// print_stage/stage_detail pair (§4.8).
func stageFor(p *types.Printer, minutesSinceFinished *int) (types.PrintStage, string) {
	switch p.State {
	case types.StateOffline:
		return types.StageIdle, "Offline"
	case types.StateReady, types.StateIdle:
		return types.StageReady, "Ready"
	case types.StatePrinting:
		return types.StagePrinting, fmt.Sprintf("%d%% complete", p.Progress)
	case types.StatePaused:
		return types.StagePaused, "Paused"
	case types.StateFinished:
		if minutesSinceFinished != nil {
			return types.StageFinished, fmt.Sprintf("Finished %dm ago", *minutesSinceFinished)
		}
		return types.StageFinished, "Print complete"
	case types.StateEjecting:
		return types.StageEjecting, "Ejecting print"
	case types.StateCooling:
		target := 0
		if p.CooldownTargetTemp != nil {
			target = *p.CooldownTargetTemp
		}
		return types.StageCooling, fmt.Sprintf("Cooling bed to %d°C", target)
	case types.StatePrepare:
		return types.StagePrinting, "Preparing"
	case types.StateError:
		detail := p.ErrorMessage
		if detail == "" {
			detail = "Printer error"
		}
		return types.StageError, detail
	default:
		return types.StageIdle, string(p.State)
	}
}
