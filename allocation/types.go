/*
Package allocation provides the SCOA mapping and allocation engine.

PURPOSE:
  Maps raw general-ledger accounts of an entity onto a standard chart of
  accounts (SCOA). Each mapping points at a preset: a reusable allocation
  configuration that sends the account's activity to one or more target
  accounts, either 1:1 (direct), by fixed percentages, or by ratio
  snapshots computed from basis datapoints (dynamic).

KEY CONCEPTS IN THIS FILE (types.go):
  - Mapping:        entity account -> preset, plus polarity/status/exclusion
  - Preset:         named allocation configuration, stable GUID
  - PresetDetail:   percentage/direct lines of a preset (revisioned, never deleted)
  - PresetMapping:  dynamic ratio snapshot lines (fully reconciled)
  - Activity:       derived monthly total per target account
  - SourceActivity: GL activity per entity account and month (the input side)

DESIGN PRINCIPLES:
  1. Derived state: Activity is a pure function of mappings + presets +
     source activity. It is rebuilt, never patched.
  2. Precision: decimal.Decimal everywhere money or percentages flow.
  3. Percentages are 0-100 in Go code. Only the SQL ratio table stores
     fractions (see PctToFraction).

SEE ALSO:
  - normalize.go: split definitions -> canonical allocation lines
  - reconcile.go: preset detail / ratio table synchronization
  - recalc.go:    activity rebuild
  - save.go:      batch save orchestration
*/
package allocation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type AccountID string
type PresetGUID string

// ExcludedTarget is the sentinel target for the exclusion bucket of a split.
// It never receives activity.
const ExcludedTarget = "excluded"

var hundred = decimal.NewFromInt(100)

// =============================================================================
// MAPPING
// =============================================================================

// MappingKey identifies a mapping row.
type MappingKey struct {
	EntityID  EntityID
	AccountID AccountID
}

// Mapping links one entity account to its allocation preset.
// Mappings are never deleted; exclusion is a status.
type Mapping struct {
	EntityID     EntityID
	AccountID    AccountID
	Polarity     Polarity
	MappingType  MappingType
	PresetID     *PresetGUID // required for percentage and dynamic
	Status       Status
	ExclusionPct decimal.Decimal // 0-100

	// AllocationHash fingerprints the canonical split set the mapping was
	// last saved with. A differing hash means the preset rows need syncing.
	AllocationHash string

	UpdatedBy string
	UpdatedAt time.Time
}

func (m Mapping) Key() MappingKey {
	return MappingKey{EntityID: m.EntityID, AccountID: m.AccountID}
}

// IsExcluded reports whether the mapping contributes no activity.
func (m Mapping) IsExcluded() bool {
	return m.MappingType == MappingExclude || m.Status == StatusExcluded
}

// sameAs compares the persisted, user-controlled fields of two mappings.
func (m Mapping) sameAs(o Mapping) bool {
	return m.Polarity == o.Polarity &&
		m.MappingType == o.MappingType &&
		presetIDEqual(m.PresetID, o.PresetID) &&
		m.Status == o.Status &&
		m.ExclusionPct.Equal(o.ExclusionPct) &&
		m.AllocationHash == o.AllocationHash
}

func presetIDEqual(a, b *PresetGUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// =============================================================================
// PRESETS
// =============================================================================

// Preset is a reusable allocation configuration.
// Its GUID is stable: a type change updates the preset in place.
type Preset struct {
	GUID        PresetGUID
	EntityID    EntityID
	PresetType  PresetType
	Description string

	// DetailRevision is the revision of the PresetDetail rows that are
	// currently active. Rows at older revisions are kept as history.
	DetailRevision int

	UpdatedBy string
}

// PresetDetail is one percentage/direct line of a preset.
type PresetDetail struct {
	PresetGUID      PresetGUID
	BasisDatapoint  string
	TargetDatapoint string
	IsCalculated    bool
	SpecifiedPct    decimal.NullDecimal // 0-100, null for dynamic lines
	Revision        int
	UpdatedBy       string
}

// PresetMapping is one line of a dynamic ratio snapshot.
// AppliedPct is 0-100 here; SQL stores it as a 0-1 fraction.
type PresetMapping struct {
	ID              int64
	PresetGUID      PresetGUID
	BasisDatapoint  string
	TargetDatapoint string
	AppliedPct      decimal.Decimal
	UpdatedBy       string
}

// PctToFraction converts an application percentage to the stored fraction.
func PctToFraction(pct decimal.Decimal) decimal.Decimal {
	return pct.Shift(-2)
}

// FractionToPct converts a stored fraction back to a 0-100 percentage.
func FractionToPct(f decimal.Decimal) decimal.Decimal {
	return f.Shift(2)
}

// =============================================================================
// ACTIVITY
// =============================================================================

// ActivityKey identifies one aggregated activity row.
type ActivityKey struct {
	EntityID EntityID
	TargetID string
	Month    Month
}

// Activity is the aggregated amount for a target account and month.
// Owned exclusively by the Recalculator (and the provisional save-time aggregate).
type Activity struct {
	EntityID  EntityID
	TargetID  string
	Month     Month
	Value     decimal.Decimal
	UpdatedBy string
}

func (a Activity) Key() ActivityKey {
	return ActivityKey{EntityID: a.EntityID, TargetID: a.TargetID, Month: a.Month}
}

// EntityAccount is the metadata of a GL account of an entity.
type EntityAccount struct {
	EntityID  EntityID
	AccountID AccountID
	Name      string
	UpdatedBy string
}

// SourceActivity is the GL activity of one account for one month.
// Amount is null when the source value could not be parsed.
type SourceActivity struct {
	EntityID  EntityID
	AccountID AccountID
	Month     Month
	Amount    decimal.NullDecimal
	UpdatedBy string
}

// =============================================================================
// SPLITS
// =============================================================================

// Split is one raw, user-submitted allocation definition.
type Split struct {
	TargetID        string
	BasisDatapoint  string
	AllocationType  AllocationType
	AllocationValue decimal.NullDecimal
	IsCalculated    bool
	IsExclusion     bool
}

// AllocationLine is a canonical allocation record produced by NormalizeSplits.
type AllocationLine struct {
	BasisDatapoint  string
	TargetDatapoint string
	IsCalculated    bool
	IsExclusion     bool
	SpecifiedPct    decimal.NullDecimal // percentage/direct share, 0-100
	AppliedPct      decimal.NullDecimal // dynamic ratio snapshot, 0-100
}

// =============================================================================
// EDITS
// =============================================================================

// MappingEdit is one already-decoded row of a save batch.
// Zero values mean "not supplied".
type MappingEdit struct {
	EntityID    EntityID
	AccountID   AccountID
	AccountName string

	Polarity     Polarity
	MappingType  MappingType
	PresetID     *PresetGUID
	PresetName   string
	Status       Status
	ExclusionPct decimal.NullDecimal

	Splits []Split

	ActivityAmount decimal.NullDecimal
	ActivityMonth  Month
}

func (e MappingEdit) Key() MappingKey {
	return MappingKey{EntityID: e.EntityID, AccountID: e.AccountID}
}

// HasActivity reports whether the edit carries a usable source amount.
func (e MappingEdit) HasActivity() bool {
	return e.ActivityAmount.Valid && !e.ActivityMonth.IsZero()
}

func (e MappingEdit) hasDynamicSplit() bool {
	for _, s := range e.Splits {
		if s.AllocationType == AllocationDynamic {
			return true
		}
	}
	return false
}
