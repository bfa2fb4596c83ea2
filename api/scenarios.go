/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built mapping batches that populate the database with
  realistic data. Every scenario goes through allocation.Service, so the
  presets, detail rows, ratio snapshots and activity it produces are exactly
  what a user saving the same grid would get.

AVAILABLE SCENARIOS:
  percentage-split:  Payroll split 60/40 across two departments, two months
  dynamic-ratio:     Rent allocated by headcount ratios
  exclusion:         Marketing with a 25% excluded remainder
  remap:             A 70/30 split remapped to a direct mapping

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Build one or more batches of allocation.MappingEdit
 3. Save each batch through the Service in order

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "dynamic-ratio"}

NOTE:
	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: SaveMappings uses the same Service path
  - allocation/save.go: SaveMappings
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/scoa-engine/allocation"
)

const (
	demoEntity = allocation.EntityID("DEMO")
	demoUser   = "demo"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	batches func() [][]allocation.MappingEdit
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "percentage-split",
			Name:        "Percentage Split",
			Description: "Salaries split 60/40 between Operations and Sales for January and February",
		},
		batches: percentageSplitBatches,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "dynamic-ratio",
			Name:        "Dynamic Ratio",
			Description: "Rent allocated by headcount with a stored ratio snapshot",
		},
		batches: dynamicRatioBatches,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "exclusion",
			Name:        "Exclusion Remainder",
			Description: "Marketing split with 25% excluded from allocation",
		},
		batches: exclusionBatches,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "remap",
			Name:        "Remap",
			Description: "A 70/30 split remapped to a single target; stale targets are zeroed",
		},
		batches: remapBatches,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.loadScenario(r.Context(), s); err != nil {
		h.currentScenario = ""
		h.requestLog(r).WithError(err).Error("scenario load failed")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = s.ID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	for i, batch := range s.batches() {
		if _, err := h.Service.SaveMappings(ctx, batch, allocation.SaveOptions{UpdatedBy: demoUser}); err != nil {
			return fmt.Errorf("batch %d: %w", i+1, err)
		}
	}
	return nil
}

// =============================================================================
// SCENARIO BATCHES
// =============================================================================

var (
	demoJan = allocation.NewMonth(2024, time.January)
	demoFeb = allocation.NewMonth(2024, time.February)
)

func demoAmount(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(v))
}

func demoSplit(target, value string) allocation.Split {
	return allocation.Split{
		TargetID:        target,
		AllocationType:  allocation.AllocationPercentage,
		AllocationValue: demoAmount(value),
	}
}

func percentageSplitBatches() [][]allocation.MappingEdit {
	row := func(month allocation.Month, amount string) allocation.MappingEdit {
		return allocation.MappingEdit{
			EntityID:       demoEntity,
			AccountID:      "6000",
			AccountName:    "Salaries",
			MappingType:    allocation.MappingPercentage,
			PresetName:     "Payroll split",
			Splits:         []allocation.Split{demoSplit("OPS", "60"), demoSplit("SALES", "40")},
			ActivityAmount: demoAmount(amount),
			ActivityMonth:  month,
		}
	}
	return [][]allocation.MappingEdit{{
		row(demoJan, "10000"),
		row(demoFeb, "12500"),
	}}
}

func dynamicRatioBatches() [][]allocation.MappingEdit {
	ratio := func(basis, target, pct string) allocation.Split {
		return allocation.Split{
			TargetID:        target,
			BasisDatapoint:  basis,
			AllocationType:  allocation.AllocationDynamic,
			AllocationValue: demoAmount(pct),
			IsCalculated:    true,
		}
	}
	return [][]allocation.MappingEdit{{
		{
			EntityID:       demoEntity,
			AccountID:      "6100",
			AccountName:    "Rent",
			PresetName:     "Headcount",
			Splits:         []allocation.Split{ratio("headcount", "OPS", "75"), ratio("headcount", "SALES", "25")},
			ActivityAmount: demoAmount("4000"),
			ActivityMonth:  demoJan,
		},
	}}
}

func exclusionBatches() [][]allocation.MappingEdit {
	return [][]allocation.MappingEdit{{
		{
			EntityID:     demoEntity,
			AccountID:    "6200",
			AccountName:  "Marketing",
			MappingType:  allocation.MappingPercentage,
			ExclusionPct: demoAmount("25"),
			Splits: []allocation.Split{
				demoSplit("OPS", "45"),
				demoSplit("SALES", "30"),
				{TargetID: allocation.ExcludedTarget, IsExclusion: true},
			},
			ActivityAmount: demoAmount("2000"),
			ActivityMonth:  demoJan,
		},
	}}
}

func remapBatches() [][]allocation.MappingEdit {
	first := allocation.MappingEdit{
		EntityID:       demoEntity,
		AccountID:      "6300",
		AccountName:    "Travel",
		MappingType:    allocation.MappingPercentage,
		Splits:         []allocation.Split{demoSplit("OPS", "70"), demoSplit("SALES", "30")},
		ActivityAmount: demoAmount("900"),
		ActivityMonth:  demoJan,
	}
	second := allocation.MappingEdit{
		EntityID:    demoEntity,
		AccountID:   "6300",
		MappingType: allocation.MappingDirect,
		Splits:      []allocation.Split{{TargetID: "SALES"}},
	}
	return [][]allocation.MappingEdit{{first}, {second}}
}
