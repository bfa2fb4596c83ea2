/*
reconcile.go - Preset detail and ratio snapshot synchronization

PURPOSE:
  Brings the stored lines of one preset in line with a freshly normalized
  split set without rewriting what did not change.

TWO POLICIES, ONE DIFF:
  Both tables go through planReconcile. They differ only in key and in
  what happens to stored rows nothing matched:

    preset_details   key (target, basis)     stale rows are KEPT
    preset_mappings  key lower(trim(basis))  stale rows are DELETED

  Detail rows are history. Instead of deleting, a sync that changes the
  active set stamps every desired row with the next revision and the
  preset's DetailRevision moves forward; the recalculation reads only the
  current revision. Ratio rows are a snapshot and always mirror exactly
  the active dynamic configuration.

FAILURES:
  Inserts and deletes are batched into one call each. Updates go row by
  row and the first failure is returned as a *ReconciliationError. Every
  sync is scoped to one preset guid, so a failure never touches another
  row's diff.
*/
package allocation

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GENERIC DIFF
// =============================================================================

type reconcileMatch[T any] struct {
	Existing T
	Desired  T
}

type reconcilePlan[T any] struct {
	Create []T
	Match  []reconcileMatch[T]
	Stale  []T // only filled when deleteStale is set
}

// planReconcile pairs desired rows with existing rows by key.
// Duplicate keys pair up in order; surplus desired rows become creates.
func planReconcile[T any, K comparable](desired, existing []T, key func(T) K, deleteStale bool) reconcilePlan[T] {
	pool := make(map[K][]int, len(existing))
	for i, e := range existing {
		k := key(e)
		pool[k] = append(pool[k], i)
	}

	used := make([]bool, len(existing))
	var plan reconcilePlan[T]
	for _, d := range desired {
		k := key(d)
		if idxs := pool[k]; len(idxs) > 0 {
			i := idxs[0]
			pool[k] = idxs[1:]
			used[i] = true
			plan.Match = append(plan.Match, reconcileMatch[T]{Existing: existing[i], Desired: d})
			continue
		}
		plan.Create = append(plan.Create, d)
	}

	if deleteStale {
		for i, e := range existing {
			if !used[i] {
				plan.Stale = append(plan.Stale, e)
			}
		}
	}
	return plan
}

// =============================================================================
// PRESET DETAILS (append/update only)
// =============================================================================

type detailKey struct {
	Target string
	Basis  string
}

func keyOfDetail(d PresetDetail) detailKey {
	return detailKey{Target: d.TargetDatapoint, Basis: d.BasisDatapoint}
}

// DetailSyncResult reports what a detail sync wrote.
type DetailSyncResult struct {
	Created  int
	Updated  int
	Revision int // the preset's active revision after the sync
}

func (r DetailSyncResult) Changed() bool { return r.Created > 0 || r.Updated > 0 }

// SyncPresetDetails reconciles the detail rows of preset against lines.
// When the active set already equals lines nothing is written and the
// preset's revision is returned unchanged.
func SyncPresetDetails(ctx context.Context, s PresetDetailStore, preset Preset, lines []AllocationLine, updatedBy string) (DetailSyncResult, error) {
	result := DetailSyncResult{Revision: preset.DetailRevision}

	existing, err := s.GetPresetDetails(ctx, preset.GUID)
	if err != nil {
		return result, &ReconciliationError{PresetGUID: preset.GUID, Table: "preset_details", Op: "load", Err: err}
	}

	desired := detailRows(preset.GUID, lines)
	plan := planReconcile(desired, existing, keyOfDetail, false)

	if !detailsChanged(plan, desired, existing, preset.DetailRevision) {
		return result, nil
	}

	revision := preset.DetailRevision + 1
	stamp := func(d PresetDetail) PresetDetail {
		d.Revision = revision
		d.UpdatedBy = updatedBy
		return d
	}

	if len(plan.Create) > 0 {
		creates := make([]PresetDetail, len(plan.Create))
		for i, d := range plan.Create {
			creates[i] = stamp(d)
		}
		if err := s.CreatePresetDetails(ctx, creates); err != nil {
			return result, &ReconciliationError{PresetGUID: preset.GUID, Table: "preset_details", Op: "create", Err: err}
		}
		result.Created = len(creates)
	}

	for _, m := range plan.Match {
		if err := s.UpdatePresetDetail(ctx, stamp(m.Desired)); err != nil {
			return result, &ReconciliationError{PresetGUID: preset.GUID, Table: "preset_details", Op: "update", Err: err}
		}
		result.Updated++
	}

	result.Revision = revision
	return result, nil
}

// detailsChanged reports whether the active revision differs from desired.
func detailsChanged(plan reconcilePlan[PresetDetail], desired, existing []PresetDetail, revision int) bool {
	if len(plan.Create) > 0 {
		return true
	}
	for _, m := range plan.Match {
		if m.Existing.Revision != revision || !sameDetail(m.Existing, m.Desired) {
			return true
		}
	}

	// An active row that is no longer desired shrinks the set.
	want := make(map[detailKey]bool, len(desired))
	for _, d := range desired {
		want[keyOfDetail(d)] = true
	}
	for _, e := range existing {
		if e.Revision == revision && !want[keyOfDetail(e)] {
			return true
		}
	}
	return false
}

func sameDetail(a, b PresetDetail) bool {
	return a.IsCalculated == b.IsCalculated && nullDecimalEqual(a.SpecifiedPct, b.SpecifiedPct)
}

// detailRows converts lines into detail rows, keeping the first line per key.
func detailRows(guid PresetGUID, lines []AllocationLine) []PresetDetail {
	seen := make(map[detailKey]bool, len(lines))
	rows := make([]PresetDetail, 0, len(lines))
	for _, l := range lines {
		row := PresetDetail{
			PresetGUID:      guid,
			BasisDatapoint:  l.BasisDatapoint,
			TargetDatapoint: l.TargetDatapoint,
			IsCalculated:    l.IsCalculated,
			SpecifiedPct:    l.SpecifiedPct,
		}
		k := keyOfDetail(row)
		if seen[k] {
			continue
		}
		seen[k] = true
		rows = append(rows, row)
	}
	return rows
}

// ActiveDetails filters rows down to the preset's current revision.
func ActiveDetails(rows []PresetDetail, revision int) []PresetDetail {
	var out []PresetDetail
	for _, r := range rows {
		if r.Revision == revision {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// RATIO SNAPSHOT (full reconciliation)
// =============================================================================

func keyOfRatio(m PresetMapping) string {
	return strings.ToLower(strings.TrimSpace(m.BasisDatapoint))
}

// RatioSyncResult reports what a ratio snapshot sync wrote.
type RatioSyncResult struct {
	Created int
	Updated int
	Deleted int
}

func (r RatioSyncResult) Changed() bool { return r.Created > 0 || r.Updated > 0 || r.Deleted > 0 }

// SyncPresetMappings makes the stored ratio snapshot of guid equal lines.
// Lines without an applied percentage are not part of the snapshot.
func SyncPresetMappings(ctx context.Context, s PresetMappingStore, guid PresetGUID, lines []AllocationLine, updatedBy string) (RatioSyncResult, error) {
	var result RatioSyncResult

	existing, err := s.GetPresetMappings(ctx, guid)
	if err != nil {
		return result, &ReconciliationError{PresetGUID: guid, Table: "preset_mappings", Op: "load", Err: err}
	}

	desired := make([]PresetMapping, 0, len(lines))
	for _, l := range lines {
		if !l.AppliedPct.Valid || l.TargetDatapoint == "" {
			continue
		}
		desired = append(desired, PresetMapping{
			PresetGUID:      guid,
			BasisDatapoint:  l.BasisDatapoint,
			TargetDatapoint: l.TargetDatapoint,
			AppliedPct:      l.AppliedPct.Decimal,
			UpdatedBy:       updatedBy,
		})
	}

	plan := planReconcile(desired, existing, keyOfRatio, true)

	if len(plan.Create) > 0 {
		if err := s.CreatePresetMappings(ctx, plan.Create); err != nil {
			return result, &ReconciliationError{PresetGUID: guid, Table: "preset_mappings", Op: "create", Err: err}
		}
		result.Created = len(plan.Create)
	}

	for _, m := range plan.Match {
		if sameRatio(m.Existing, m.Desired) {
			continue
		}
		row := m.Desired
		row.ID = m.Existing.ID
		if err := s.UpdatePresetMapping(ctx, row); err != nil {
			return result, &ReconciliationError{PresetGUID: guid, Table: "preset_mappings", Op: "update", Err: err}
		}
		result.Updated++
	}

	if len(plan.Stale) > 0 {
		ids := make([]int64, len(plan.Stale))
		for i, r := range plan.Stale {
			ids[i] = r.ID
		}
		if err := s.DeletePresetMappings(ctx, ids); err != nil {
			return result, &ReconciliationError{PresetGUID: guid, Table: "preset_mappings", Op: "delete", Err: err}
		}
		result.Deleted = len(ids)
	}

	return result, nil
}

func sameRatio(a, b PresetMapping) bool {
	return a.BasisDatapoint == b.BasisDatapoint &&
		a.TargetDatapoint == b.TargetDatapoint &&
		a.AppliedPct.Equal(b.AppliedPct)
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
