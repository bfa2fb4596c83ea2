/*
recalc.go - Activity rebuild

PURPOSE:
  Activity is a materialized view: for every (entity, target, month) it
  holds the sum of each mapped account's source amount times that
  account's allocation share. Recalculate rebuilds it for one entity,
  optionally limited to some months.

ALGORITHM:
  1. Load mappings, source activity, presets, active detail rows and
     ratio snapshots for the entity.
  2. For every source row whose mapping is not excluded, resolve the
     mapping's target shares and add base * pct / 100 per target.
  3. Load the stored activity in the same scope. Every stored key the
     rebuild did not produce is written back as 0, so re-mapping an
     account never leaves stale totals behind.
  4. Upsert the result keyed by (entity, target, month).

SHARE RESOLUTION:
  direct / percentage: active PresetDetail rows; a direct row without a
                       percentage passes the full amount.
  dynamic:             the stored ratio snapshot; detail rows only when
                       no snapshot exists.
*/
package allocation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/scoa-engine/internal/logging"
)

// Recalculator rebuilds the activity view.
type Recalculator struct {
	store Repository
	log   logging.Logger
	now   func() time.Time
}

// NewRecalculator creates a Recalculator over store.
func NewRecalculator(store Repository, log logging.Logger) *Recalculator {
	if log == nil {
		log = logging.NewNop()
	}
	return &Recalculator{store: store, log: log, now: time.Now}
}

// targetShare is one resolved allocation of a mapping.
type targetShare struct {
	Target string
	Pct    decimal.NullDecimal
}

// ContributionFor is the part of base attributed to one target.
func ContributionFor(strategy MappingType, base decimal.Decimal, pct decimal.NullDecimal) decimal.Decimal {
	if !pct.Valid {
		if strategy.Strategy() == MappingDirect {
			return base
		}
		return decimal.Zero
	}
	return base.Mul(pct.Decimal).Div(hundred)
}

// Recalculate rebuilds activity for entityID. Empty months means every
// month the entity has data for. Returns the number of rows written.
func (r *Recalculator) Recalculate(ctx context.Context, entityID EntityID, months []Month, updatedBy string) (int, error) {
	start := r.now()
	months = UniqueMonths(months)

	in, err := r.load(ctx, entityID, months)
	if err != nil {
		return 0, err
	}

	computed := r.compute(entityID, in)

	stored, err := r.store.GetActivity(ctx, entityID, months)
	if err != nil {
		return 0, fmt.Errorf("load stored activity: %w", err)
	}

	rows := make([]Activity, 0, len(computed)+len(stored))
	for key, value := range computed {
		rows = append(rows, Activity{EntityID: key.EntityID, TargetID: key.TargetID, Month: key.Month, Value: value, UpdatedBy: updatedBy})
	}
	zeroed := 0
	for _, a := range stored {
		if _, ok := computed[a.Key()]; ok {
			continue
		}
		rows = append(rows, Activity{EntityID: a.EntityID, TargetID: a.TargetID, Month: a.Month, Value: decimal.Zero, UpdatedBy: updatedBy})
		zeroed++
	}
	sortActivity(rows)

	if len(rows) > 0 {
		if err := r.store.UpsertActivity(ctx, rows); err != nil {
			return 0, fmt.Errorf("upsert activity: %w", err)
		}
	}

	r.log.Info("activity recalculated",
		logging.Field{Key: logging.FieldEntityID, Value: entityID},
		logging.Field{Key: logging.FieldMonths, Value: len(months)},
		logging.Field{Key: logging.FieldRows, Value: len(rows)},
		logging.Field{Key: logging.FieldZeroed, Value: zeroed},
		logging.Field{Key: logging.FieldDuration, Value: r.now().Sub(start).Milliseconds()},
	)
	return len(rows), nil
}

// recalcInput is everything one rebuild reads.
type recalcInput struct {
	mappings map[AccountID]Mapping
	sources  []SourceActivity
	presets  map[PresetGUID]Preset
	details  map[PresetGUID][]PresetDetail
	ratios   map[PresetGUID][]PresetMapping
}

func (r *Recalculator) load(ctx context.Context, entityID EntityID, months []Month) (*recalcInput, error) {
	mappings, err := r.store.ListMappingsByEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	sources, err := r.store.GetSourceActivity(ctx, entityID, months)
	if err != nil {
		return nil, fmt.Errorf("load source activity: %w", err)
	}
	presets, err := r.store.ListPresetsByEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("load presets: %w", err)
	}

	in := &recalcInput{
		mappings: make(map[AccountID]Mapping, len(mappings)),
		sources:  sources,
		presets:  make(map[PresetGUID]Preset, len(presets)),
		details:  make(map[PresetGUID][]PresetDetail),
		ratios:   make(map[PresetGUID][]PresetMapping),
	}
	for _, p := range presets {
		in.presets[p.GUID] = p
	}

	var guids, dynamicGUIDs []PresetGUID
	seen := make(map[PresetGUID]bool)
	for _, m := range mappings {
		in.mappings[m.AccountID] = m
		if m.IsExcluded() || m.PresetID == nil || seen[*m.PresetID] {
			continue
		}
		seen[*m.PresetID] = true
		guids = append(guids, *m.PresetID)
		if m.MappingType.Strategy() == MappingDynamic {
			dynamicGUIDs = append(dynamicGUIDs, *m.PresetID)
		}
	}

	if len(guids) > 0 {
		details, err := r.store.ListPresetDetails(ctx, guids)
		if err != nil {
			return nil, fmt.Errorf("load preset details: %w", err)
		}
		for _, d := range details {
			in.details[d.PresetGUID] = append(in.details[d.PresetGUID], d)
		}
	}
	if len(dynamicGUIDs) > 0 {
		ratios, err := r.store.GetPresetMappings(ctx, dynamicGUIDs...)
		if err != nil {
			return nil, fmt.Errorf("load ratio snapshots: %w", err)
		}
		for _, m := range ratios {
			in.ratios[m.PresetGUID] = append(in.ratios[m.PresetGUID], m)
		}
	}
	return in, nil
}

func (r *Recalculator) compute(entityID EntityID, in *recalcInput) map[ActivityKey]decimal.Decimal {
	computed := make(map[ActivityKey]decimal.Decimal)
	for _, src := range in.sources {
		m, ok := in.mappings[src.AccountID]
		if !ok || m.IsExcluded() {
			continue
		}
		if !src.Amount.Valid || src.Month.IsZero() {
			r.log.Debug("skipping source row without amount or month",
				logging.Field{Key: logging.FieldEntityID, Value: entityID},
				logging.Field{Key: logging.FieldAccountID, Value: src.AccountID})
			continue
		}

		strategy := m.MappingType.Strategy()
		for _, share := range r.sharesFor(m, strategy, in) {
			key := ActivityKey{EntityID: entityID, TargetID: share.Target, Month: src.Month}
			computed[key] = computed[key].Add(ContributionFor(strategy, src.Amount.Decimal, share.Pct))
		}
	}
	return computed
}

// sharesFor resolves the target shares of a mapping.
func (r *Recalculator) sharesFor(m Mapping, strategy MappingType, in *recalcInput) []targetShare {
	if m.PresetID == nil {
		return nil
	}
	guid := *m.PresetID

	if strategy == MappingDynamic {
		if snapshot := in.ratios[guid]; len(snapshot) > 0 {
			shares := make([]targetShare, 0, len(snapshot))
			for _, row := range snapshot {
				if row.TargetDatapoint == "" || row.TargetDatapoint == ExcludedTarget {
					continue
				}
				shares = append(shares, targetShare{Target: row.TargetDatapoint, Pct: decimal.NewNullDecimal(row.AppliedPct)})
			}
			return shares
		}
	}

	details := in.details[guid]
	if p, ok := in.presets[guid]; ok {
		details = ActiveDetails(details, p.DetailRevision)
	} else {
		details = ActiveDetails(details, latestRevision(details))
	}

	shares := make([]targetShare, 0, len(details))
	for _, d := range details {
		if d.TargetDatapoint == "" || d.TargetDatapoint == ExcludedTarget {
			continue
		}
		pct := d.SpecifiedPct
		if !pct.Valid && strategy != MappingDirect {
			continue
		}
		shares = append(shares, targetShare{Target: d.TargetDatapoint, Pct: pct})
	}
	return shares
}

func latestRevision(rows []PresetDetail) int {
	latest := 0
	for _, r := range rows {
		if r.Revision > latest {
			latest = r.Revision
		}
	}
	return latest
}

func sortActivity(rows []Activity) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Month != rows[j].Month {
			return rows[i].Month.Before(rows[j].Month)
		}
		return rows[i].TargetID < rows[j].TargetID
	})
}
