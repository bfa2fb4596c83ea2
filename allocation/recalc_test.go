package allocation_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/scoa-engine/allocation"
	"github.com/warp/scoa-engine/allocation/store"
)

var jan = allocation.MustParseMonth("2024-01")
var feb = allocation.MustParseMonth("2024-02")

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func guidPtr(s string) *allocation.PresetGUID {
	g := allocation.PresetGUID(s)
	return &g
}

// activityValues indexes activity by "target/month".
func activityValues(t *testing.T, s *store.Memory, entity allocation.EntityID) map[string]string {
	t.Helper()
	rows, err := s.GetActivity(context.Background(), entity, nil)
	require.NoError(t, err)
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.TargetID+"/"+r.Month.String()[:7]] = r.Value.String()
	}
	return out
}

// seedPercentage stores a percentage mapping of account to the given shares.
func seedPercentage(t *testing.T, s *store.Memory, entity allocation.EntityID, account allocation.AccountID, guid string, shares map[string]string) {
	t.Helper()
	ctx := context.Background()
	preset := allocation.Preset{GUID: allocation.PresetGUID(guid), EntityID: entity, PresetType: allocation.PresetPercentage}
	require.NoError(t, s.CreatePreset(ctx, preset))

	var lines []allocation.AllocationLine
	for target, pct := range shares {
		lines = append(lines, line(target, pct))
	}
	res, err := allocation.SyncPresetDetails(ctx, s, preset, lines, "seed")
	require.NoError(t, err)
	preset.DetailRevision = res.Revision
	require.NoError(t, s.UpdatePreset(ctx, preset))

	require.NoError(t, s.UpsertMappings(ctx, []allocation.Mapping{{
		EntityID:    entity,
		AccountID:   account,
		MappingType: allocation.MappingPercentage,
		PresetID:    guidPtr(guid),
		Status:      allocation.StatusMapped,
	}}))
}

func TestRecalculate_PercentageSplit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedPercentage(t, s, "E1", "A1", "p-1", map[string]string{"T1": "60", "T2": "40"})
	require.NoError(t, s.UpsertSourceActivity(ctx, []allocation.SourceActivity{
		{EntityID: "E1", AccountID: "A1", Month: jan, Amount: amount("1000")},
		{EntityID: "E1", AccountID: "A1", Month: feb, Amount: amount("-50")},
	}))

	n, err := allocation.NewRecalculator(s, nil).Recalculate(ctx, "E1", nil, "tester")
	require.NoError(t, err)

	assert.Equal(t, 4, n)
	assert.Equal(t, map[string]string{
		"T1/2024-01": "600",
		"T2/2024-01": "400",
		"T1/2024-02": "-30",
		"T2/2024-02": "-20",
	}, activityValues(t, s, "E1"))
}

func TestRecalculate_ZeroesStaleTargets(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedPercentage(t, s, "E1", "A1", "p-1", map[string]string{"T1": "100"})
	require.NoError(t, s.UpsertSourceActivity(ctx, []allocation.SourceActivity{
		{EntityID: "E1", AccountID: "A1", Month: jan, Amount: amount("500")},
	}))

	// GIVEN: a stale activity row for a target nothing maps to anymore
	require.NoError(t, s.UpsertActivity(ctx, []allocation.Activity{
		{EntityID: "E1", TargetID: "OLD", Month: jan, Value: decimal.NewFromInt(999)},
	}))

	_, err := allocation.NewRecalculator(s, nil).Recalculate(ctx, "E1", []allocation.Month{jan}, "tester")
	require.NoError(t, err)

	// THEN: it is written back as zero
	assert.Equal(t, map[string]string{"T1/2024-01": "500", "OLD/2024-01": "0"}, activityValues(t, s, "E1"))
}

func TestRecalculate_MonthScopeLeavesOtherMonths(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedPercentage(t, s, "E1", "A1", "p-1", map[string]string{"T1": "100"})
	require.NoError(t, s.UpsertSourceActivity(ctx, []allocation.SourceActivity{
		{EntityID: "E1", AccountID: "A1", Month: jan, Amount: amount("10")},
		{EntityID: "E1", AccountID: "A1", Month: feb, Amount: amount("20")},
	}))
	require.NoError(t, s.UpsertActivity(ctx, []allocation.Activity{
		{EntityID: "E1", TargetID: "T1", Month: feb, Value: decimal.NewFromInt(7)},
	}))

	n, err := allocation.NewRecalculator(s, nil).Recalculate(ctx, "E1", []allocation.Month{jan}, "")
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]string{"T1/2024-01": "10", "T1/2024-02": "7"}, activityValues(t, s, "E1"))
}

func TestRecalculate_ExcludedAndUnmappedContributeNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedPercentage(t, s, "E1", "A1", "p-1", map[string]string{"T1": "100"})
	require.NoError(t, s.UpsertMappings(ctx, []allocation.Mapping{
		{EntityID: "E1", AccountID: "A2", MappingType: allocation.MappingExclude, Status: allocation.StatusExcluded},
	}))
	require.NoError(t, s.UpsertSourceActivity(ctx, []allocation.SourceActivity{
		{EntityID: "E1", AccountID: "A1", Month: jan, Amount: amount("10")},
		{EntityID: "E1", AccountID: "A2", Month: jan, Amount: amount("20")},
		{EntityID: "E1", AccountID: "A3", Month: jan, Amount: amount("30")},
		{EntityID: "E1", AccountID: "A1", Month: feb},
	}))

	_, err := allocation.NewRecalculator(s, nil).Recalculate(ctx, "E1", nil, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"T1/2024-01": "10"}, activityValues(t, s, "E1"))
}

func TestRecalculate_ExclusionLineReceivesNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedPercentage(t, s, "E1", "A1", "p-1", map[string]string{"T1": "70", allocation.ExcludedTarget: "30"})
	require.NoError(t, s.UpsertSourceActivity(ctx, []allocation.SourceActivity{
		{EntityID: "E1", AccountID: "A1", Month: jan, Amount: amount("100")},
	}))

	_, err := allocation.NewRecalculator(s, nil).Recalculate(ctx, "E1", nil, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"T1/2024-01": "70"}, activityValues(t, s, "E1"))
}

func TestRecalculate_DynamicUsesSnapshot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreatePreset(ctx, allocation.Preset{GUID: "p-dyn", EntityID: "E1", PresetType: allocation.PresetDynamic}))
	_, err := allocation.SyncPresetMappings(ctx, s, "p-dyn", []allocation.AllocationLine{
		ratioLine("Headcount", "T1", "25"),
		ratioLine("SqFt", "T2", "75"),
	}, "")
	require.NoError(t, err)
	require.NoError(t, s.UpsertMappings(ctx, []allocation.Mapping{{
		EntityID: "E1", AccountID: "A1", MappingType: allocation.MappingDynamic, PresetID: guidPtr("p-dyn"), Status: allocation.StatusMapped,
	}}))
	require.NoError(t, s.UpsertSourceActivity(ctx, []allocation.SourceActivity{
		{EntityID: "E1", AccountID: "A1", Month: jan, Amount: amount("200")},
	}))

	_, err = allocation.NewRecalculator(s, nil).Recalculate(ctx, "E1", nil, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"T1/2024-01": "50", "T2/2024-01": "150"}, activityValues(t, s, "E1"))
}

func TestRecalculate_OnlyActiveRevisionCounts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedPercentage(t, s, "E1", "A1", "p-1", map[string]string{"T1": "60", "T2": "40"})

	// GIVEN: the preset is re-synced to a single target; the T2 row stays behind
	preset, err := s.GetPreset(ctx, "p-1")
	require.NoError(t, err)
	res, err := allocation.SyncPresetDetails(ctx, s, preset, []allocation.AllocationLine{line("T3", "100")}, "")
	require.NoError(t, err)
	preset.DetailRevision = res.Revision
	require.NoError(t, s.UpdatePreset(ctx, preset))

	require.NoError(t, s.UpsertSourceActivity(ctx, []allocation.SourceActivity{
		{EntityID: "E1", AccountID: "A1", Month: jan, Amount: amount("100")},
	}))

	_, err = allocation.NewRecalculator(s, nil).Recalculate(ctx, "E1", nil, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"T3/2024-01": "100"}, activityValues(t, s, "E1"))
}

func TestContributionFor(t *testing.T) {
	base := decimal.RequireFromString("1000")

	assert.Equal(t, "1000", allocation.ContributionFor(allocation.MappingDirect, base, decimal.NullDecimal{}).String())
	assert.Equal(t, "0", allocation.ContributionFor(allocation.MappingPercentage, base, decimal.NullDecimal{}).String())
	assert.Equal(t, "333.33", allocation.ContributionFor(allocation.MappingPercentage, base, amount("33.333")).String())
}
