/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the allocation model from the external contract: snake_case keys,
  decimals as strings, months as "YYYY-MM-01".

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Save:
    SaveMappingsResponse, MappingDTO, RejectedRowDTO

  Recalculation:
    RecalculateRequest, RecalculateResponse

  Reads:
    AccountDTO, ActivityDTO, PresetDTO, PresetDetailDTO, PresetMappingDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Save payloads are decoded by factory.DecodeBatch, which is deliberately
  lenient. The small fixed-shape requests carry validator struct tags.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/batch.go: save payload decoding
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/scoa-engine/allocation"
)

// =============================================================================
// SAVE
// =============================================================================

// MappingDTO represents a persisted mapping row.
type MappingDTO struct {
	EntityID       string          `json:"entity_id"`
	AccountID      string          `json:"account_id"`
	Polarity       string          `json:"polarity"`
	MappingType    string          `json:"mapping_type"`
	PresetID       *string         `json:"preset_id"`
	Status         string          `json:"status"`
	ExclusionPct   decimal.Decimal `json:"exclusion_pct"`
	AllocationHash string          `json:"allocation_hash,omitempty"`
	UpdatedBy      string          `json:"updated_by,omitempty"`
	UpdatedAt      *time.Time      `json:"updated_at,omitempty"`
}

// RejectedRowDTO describes a row dropped during intake.
type RejectedRowDTO struct {
	Index   int      `json:"index"`
	Fields  []string `json:"fields,omitempty"`
	Message string   `json:"message"`
}

// SaveMappingsResponse is returned by POST /api/mappings.
type SaveMappingsResponse struct {
	SavedMappings []MappingDTO     `json:"saved_mappings"`
	Unchanged     int              `json:"unchanged"`
	Recalculated  map[string]int   `json:"recalculated"`
	Rejected      []RejectedRowDTO `json:"rejected"`
	Skipped       int              `json:"skipped,omitempty"`
}

// =============================================================================
// RECALCULATION
// =============================================================================

// RecalculateRequest is the optional body of the recalculate endpoint.
// No months means every month of the entity.
type RecalculateRequest struct {
	Months    []string `json:"months" validate:"omitempty,max=120,dive,required"`
	UpdatedBy string   `json:"updated_by" validate:"omitempty,max=128"`
}

type RecalculateResponse struct {
	EntityID    string `json:"entity_id"`
	RowsWritten int    `json:"rows_written"`
}

// =============================================================================
// READS
// =============================================================================

type AccountDTO struct {
	EntityID  string `json:"entity_id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

// ActivityDTO represents one aggregated target/month row.
type ActivityDTO struct {
	EntityID  string          `json:"entity_id"`
	TargetID  string          `json:"target_id"`
	Month     string          `json:"month"`
	Value     decimal.Decimal `json:"value"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// PresetDTO is a preset with its active detail rows and ratio snapshot.
type PresetDTO struct {
	GUID           string             `json:"guid"`
	EntityID       string             `json:"entity_id"`
	PresetType     string             `json:"preset_type"`
	Description    string             `json:"description"`
	DetailRevision int                `json:"detail_revision"`
	Details        []PresetDetailDTO  `json:"details"`
	Ratios         []PresetMappingDTO `json:"ratios"`
}

type PresetDetailDTO struct {
	BasisDatapoint  string           `json:"basis_datapoint,omitempty"`
	TargetDatapoint string           `json:"target_datapoint"`
	IsCalculated    bool             `json:"is_calculated"`
	SpecifiedPct    *decimal.Decimal `json:"specified_pct"`
	Revision        int              `json:"revision"`
}

type PresetMappingDTO struct {
	ID              int64           `json:"id"`
	BasisDatapoint  string          `json:"basis_datapoint"`
	TargetDatapoint string          `json:"target_datapoint"`
	AppliedPct      decimal.Decimal `json:"applied_pct"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toMappingDTO(m allocation.Mapping) MappingDTO {
	dto := MappingDTO{
		EntityID:       string(m.EntityID),
		AccountID:      string(m.AccountID),
		Polarity:       string(m.Polarity),
		MappingType:    string(m.MappingType),
		Status:         string(m.Status),
		ExclusionPct:   m.ExclusionPct,
		AllocationHash: m.AllocationHash,
		UpdatedBy:      m.UpdatedBy,
	}
	if m.PresetID != nil {
		id := string(*m.PresetID)
		dto.PresetID = &id
	}
	if !m.UpdatedAt.IsZero() {
		t := m.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

func toMappingDTOs(rows []allocation.Mapping) []MappingDTO {
	out := make([]MappingDTO, 0, len(rows))
	for _, m := range rows {
		out = append(out, toMappingDTO(m))
	}
	return out
}

func toActivityDTOs(rows []allocation.Activity) []ActivityDTO {
	out := make([]ActivityDTO, 0, len(rows))
	for _, a := range rows {
		out = append(out, ActivityDTO{
			EntityID:  string(a.EntityID),
			TargetID:  a.TargetID,
			Month:     a.Month.String(),
			Value:     a.Value,
			UpdatedBy: a.UpdatedBy,
		})
	}
	return out
}

func toPresetDTO(p allocation.Preset, details []allocation.PresetDetail, ratios []allocation.PresetMapping) PresetDTO {
	dto := PresetDTO{
		GUID:           string(p.GUID),
		EntityID:       string(p.EntityID),
		PresetType:     string(p.PresetType),
		Description:    p.Description,
		DetailRevision: p.DetailRevision,
		Details:        []PresetDetailDTO{},
		Ratios:         []PresetMappingDTO{},
	}
	for _, d := range details {
		if d.Revision != p.DetailRevision {
			continue
		}
		row := PresetDetailDTO{
			BasisDatapoint:  d.BasisDatapoint,
			TargetDatapoint: d.TargetDatapoint,
			IsCalculated:    d.IsCalculated,
			Revision:        d.Revision,
		}
		if d.SpecifiedPct.Valid {
			v := d.SpecifiedPct.Decimal
			row.SpecifiedPct = &v
		}
		dto.Details = append(dto.Details, row)
	}
	for _, r := range ratios {
		dto.Ratios = append(dto.Ratios, PresetMappingDTO{
			ID:              r.ID,
			BasisDatapoint:  r.BasisDatapoint,
			TargetDatapoint: r.TargetDatapoint,
			AppliedPct:      r.AppliedPct,
		})
	}
	return dto
}
