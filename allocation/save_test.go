package allocation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/scoa-engine/allocation"
	"github.com/warp/scoa-engine/allocation/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestService(s allocation.Repository, cfg allocation.ServiceConfig) *allocation.Service {
	n := 0
	return allocation.NewService(s, nil, cfg, allocation.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("preset-%d", n)
	}))
}

func pct(target, value string) allocation.Split {
	return allocation.Split{
		TargetID:        target,
		AllocationType:  allocation.AllocationPercentage,
		AllocationValue: amount(value),
	}
}

func sixtyForty() allocation.MappingEdit {
	return allocation.MappingEdit{
		EntityID:       "E1",
		AccountID:      "A1",
		AccountName:    "Salaries",
		MappingType:    allocation.MappingPercentage,
		Splits:         []allocation.Split{pct("T1", "60"), pct("T2", "40")},
		ActivityAmount: amount("1000"),
		ActivityMonth:  jan,
	}
}

// =============================================================================
// END TO END
// =============================================================================

func TestSaveMappings_PercentageEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	// WHEN: a single 60/40 row with 1000 of January activity is saved
	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{UpdatedBy: "alice"})
	require.NoError(t, err)

	// THEN: activity holds 600 and 400
	assert.Equal(t, map[string]string{"T1/2024-01": "600", "T2/2024-01": "400"}, activityValues(t, s, "E1"))
	assert.Equal(t, 2, res.Recalculated["E1"])
	require.Len(t, res.LocalActivity, 2)
	assert.Equal(t, "600", res.LocalActivity[0].Value.String())

	// AND: the mapping points at a new percentage preset
	require.Len(t, res.SavedMappings, 1)
	m := res.SavedMappings[0]
	assert.Equal(t, allocation.StatusMapped, m.Status)
	assert.Equal(t, allocation.PolarityDebit, m.Polarity)
	assert.Equal(t, "alice", m.UpdatedBy)
	require.NotNil(t, m.PresetID)
	assert.Equal(t, allocation.PresetGUID("preset-1"), *m.PresetID)

	preset, err := s.GetPreset(ctx, "preset-1")
	require.NoError(t, err)
	assert.Equal(t, allocation.PresetPercentage, preset.PresetType)
	assert.Equal(t, "Salaries -> T1, T2", preset.Description)
	assert.Equal(t, 1, preset.DetailRevision)

	accounts, err := s.ListAccounts(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Salaries", accounts[0].Name)
}

func TestSaveMappings_ResaveIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)
	before, err := s.GetPresetDetails(ctx, "preset-1")
	require.NoError(t, err)

	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Unchanged)
	after, err := s.GetPresetDetails(ctx, "preset-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, map[string]string{"T1/2024-01": "600", "T2/2024-01": "400"}, activityValues(t, s, "E1"))
}

func TestSaveMappings_RemapZeroesOldTarget(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)

	// WHEN: the account is re-pointed at T3 only
	edit := sixtyForty()
	edit.Splits = []allocation.Split{pct("T3", "100")}
	_, err = svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	// THEN: the previous targets are written back as zero
	assert.Equal(t, map[string]string{
		"T1/2024-01": "0",
		"T2/2024-01": "0",
		"T3/2024-01": "1000",
	}, activityValues(t, s, "E1"))
}

func TestSaveMappings_SplitChangeWithoutActivityRecomputesAllMonths(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	feb1 := sixtyForty()
	feb1.ActivityMonth = feb
	feb1.ActivityAmount = amount("500")
	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty(), feb1}, allocation.SaveOptions{})
	require.NoError(t, err)

	// WHEN: the split changes and the edit carries no activity
	edit := allocation.MappingEdit{
		EntityID:    "E1",
		AccountID:   "A1",
		MappingType: allocation.MappingPercentage,
		Splits:      []allocation.Split{pct("T1", "50"), pct("T2", "50")},
	}
	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	// THEN: every month is recomputed
	assert.Equal(t, 4, res.Recalculated["E1"])
	assert.Equal(t, map[string]string{
		"T1/2024-01": "500",
		"T2/2024-01": "500",
		"T1/2024-02": "250",
		"T2/2024-02": "250",
	}, activityValues(t, s, "E1"))
}

// =============================================================================
// MAPPING TYPES
// =============================================================================

func TestSaveMappings_ExclusionRemainder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	edit := sixtyForty()
	edit.Splits = []allocation.Split{pct("T1", "70"), {IsExclusion: true}}
	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	details, err := s.GetPresetDetails(ctx, "preset-1")
	require.NoError(t, err)
	got := map[string]string{}
	for _, d := range details {
		got[d.TargetDatapoint] = d.SpecifiedPct.Decimal.String()
	}
	assert.Equal(t, map[string]string{"T1": "70", allocation.ExcludedTarget: "30"}, got)
	assert.Equal(t, map[string]string{"T1/2024-01": "700"}, activityValues(t, s, "E1"))
}

func TestSaveMappings_DirectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	edit := sixtyForty()
	edit.MappingType = allocation.MappingDirect
	edit.Splits = []allocation.Split{{TargetID: "T9"}}

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)
	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Unchanged)
	details, err := s.GetPresetDetails(ctx, "preset-1")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "100", details[0].SpecifiedPct.Decimal.String())
	assert.Equal(t, map[string]string{"T9/2024-01": "1000"}, activityValues(t, s, "E1"))
}

func TestSaveMappings_DynamicSplitForcesDynamic(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{DefaultDynamicPresetName: "Shared costs"})

	edit := allocation.MappingEdit{
		EntityID:    "E1",
		AccountID:   "A7",
		MappingType: allocation.MappingPercentage,
		Splits: []allocation.Split{
			{TargetID: "T1", BasisDatapoint: "Headcount", AllocationType: allocation.AllocationDynamic, AllocationValue: amount("25")},
			{TargetID: "T2", BasisDatapoint: "SqFt", AllocationType: allocation.AllocationDynamic, AllocationValue: amount("75")},
		},
		ActivityAmount: amount("400"),
		ActivityMonth:  jan,
	}
	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, allocation.MappingDynamic, res.SavedMappings[0].MappingType)
	preset, err := s.GetPreset(ctx, "preset-1")
	require.NoError(t, err)
	assert.Equal(t, allocation.PresetDynamic, preset.PresetType)
	assert.Equal(t, "Shared costs", preset.Description)

	ratios, err := s.GetPresetMappings(ctx, "preset-1")
	require.NoError(t, err)
	assert.Len(t, ratios, 2)
	assert.Equal(t, map[string]string{"T1/2024-01": "100", "T2/2024-01": "300"}, activityValues(t, s, "E1"))

	// WHEN: one basis is dropped
	edit.Splits = edit.Splits[:1]
	edit.Splits[0].AllocationValue = amount("100")
	_, err = svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	// THEN: its ratio row is deleted while the detail row remains
	ratios, err = s.GetPresetMappings(ctx, "preset-1")
	require.NoError(t, err)
	assert.Len(t, ratios, 1)
	details, err := s.GetPresetDetails(ctx, "preset-1")
	require.NoError(t, err)
	assert.Len(t, details, 2)
	assert.Equal(t, map[string]string{"T1/2024-01": "400", "T2/2024-01": "0"}, activityValues(t, s, "E1"))
}

func TestSaveMappings_ExcludeKeepsPresetGUID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)

	// WHEN: the account is excluded
	edit := sixtyForty()
	edit.MappingType = allocation.MappingExclude
	edit.Splits = nil
	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	// THEN: same preset, type flipped in place, no activity
	m := res.SavedMappings[0]
	assert.Equal(t, allocation.StatusExcluded, m.Status)
	require.NotNil(t, m.PresetID)
	assert.Equal(t, allocation.PresetGUID("preset-1"), *m.PresetID)

	preset, err := s.GetPreset(ctx, "preset-1")
	require.NoError(t, err)
	assert.Equal(t, allocation.PresetExcluded, preset.PresetType)
	assert.Equal(t, map[string]string{"T1/2024-01": "0", "T2/2024-01": "0"}, activityValues(t, s, "E1"))
}

func TestSaveMappings_ExcludedStatusStopsActivity(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)

	// WHEN: the percentage row is resent with an Excluded status
	edit := sixtyForty()
	edit.Status = allocation.StatusExcluded
	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	// THEN: the status is kept and the targets are zeroed
	m := res.SavedMappings[0]
	assert.Equal(t, allocation.StatusExcluded, m.Status)
	assert.Equal(t, allocation.MappingPercentage, m.MappingType)
	assert.True(t, m.IsExcluded())
	assert.Empty(t, res.LocalActivity)
	assert.Equal(t, map[string]string{"T1/2024-01": "0", "T2/2024-01": "0"}, activityValues(t, s, "E1"))

	// AND: a resave without a status stays excluded
	res, err = svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, map[string]string{"T1/2024-01": "0", "T2/2024-01": "0"}, activityValues(t, s, "E1"))

	// AND: an explicit Mapped status brings the activity back
	edit.Status = allocation.StatusMapped
	_, err = svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"T1/2024-01": "600", "T2/2024-01": "400"}, activityValues(t, s, "E1"))
}

func TestSaveMappings_ChangeWithActivityRecomputesOtherMonths(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)

	// WHEN: the account is excluded by an edit carrying February activity
	edit := sixtyForty()
	edit.MappingType = allocation.MappingExclude
	edit.Splits = nil
	edit.ActivityMonth = feb
	edit.ActivityAmount = amount("500")
	_, err = svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	// THEN: January no longer carries the old allocation
	assert.Equal(t, map[string]string{"T1/2024-01": "0", "T2/2024-01": "0"}, activityValues(t, s, "E1"))
}

func TestSaveMappings_UnchangedRowOnlyRecomputesItsMonth(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)

	// WHEN: the same mapping arrives with February activity
	edit := sixtyForty()
	edit.ActivityMonth = feb
	edit.ActivityAmount = amount("500")
	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	// THEN: only February is rebuilt
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, 2, res.Recalculated["E1"])
	assert.Equal(t, map[string]string{
		"T1/2024-01": "600",
		"T2/2024-01": "400",
		"T1/2024-02": "300",
		"T2/2024-02": "200",
	}, activityValues(t, s, "E1"))
}

func TestSaveMappings_SharedPresetKeepsDescription(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	// GIVEN: two accounts pointing at one caller-supplied preset
	first := sixtyForty()
	first.PresetID = guidPtr("shared-guid")
	second := sixtyForty()
	second.AccountID = "A2"
	second.AccountName = "Rent"
	second.PresetID = guidPtr("shared-guid")

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{first, second}, allocation.SaveOptions{})
	require.NoError(t, err)

	// THEN: the description written at creation survives the second row
	preset, err := s.GetPreset(ctx, "shared-guid")
	require.NoError(t, err)
	assert.Equal(t, "Salaries -> T1, T2", preset.Description)
	assert.Equal(t, 1, preset.DetailRevision)
}

func TestSaveMappings_NewExcludeHasNoPreset(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	edit := allocation.MappingEdit{EntityID: "E1", AccountID: "A9", MappingType: allocation.MappingExclude}
	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	assert.Nil(t, res.SavedMappings[0].PresetID)
	presets, err := s.ListPresetsByEntity(ctx, "E1")
	require.NoError(t, err)
	assert.Empty(t, presets)
}

func TestSaveMappings_CallerPresetGUIDWins(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	edit := sixtyForty()
	edit.PresetID = guidPtr("shared-guid")
	edit.PresetName = "ignored for percentage"

	res, err := svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, allocation.PresetGUID("shared-guid"), *res.SavedMappings[0].PresetID)
	_, err = s.GetPreset(ctx, "shared-guid")
	require.NoError(t, err)
}

func TestSaveMappings_TypeChangeUpdatesPresetInPlace(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)

	edit := sixtyForty()
	edit.MappingType = allocation.MappingDirect
	edit.Splits = []allocation.Split{{TargetID: "T2"}}
	_, err = svc.SaveMappings(ctx, []allocation.MappingEdit{edit}, allocation.SaveOptions{})
	require.NoError(t, err)

	presets, err := s.ListPresetsByEntity(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, presets, 1)
	assert.Equal(t, allocation.PresetDirect, presets[0].PresetType)
	assert.Equal(t, "Salaries -> T2", presets[0].Description)
	assert.Equal(t, 2, presets[0].DetailRevision)
}

// =============================================================================
// BATCH LIMITS AND FAILURES
// =============================================================================

func TestSaveMappings_BatchCap(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{MaxBatchRows: 3})

	batch := func(n int) []allocation.MappingEdit {
		edits := make([]allocation.MappingEdit, n)
		for i := range edits {
			edits[i] = sixtyForty()
			edits[i].AccountID = allocation.AccountID(fmt.Sprintf("A%d", i))
		}
		return edits
	}

	// WHEN: one row over the limit is submitted to an empty store
	_, err := svc.SaveMappings(ctx, batch(4), allocation.SaveOptions{})

	// THEN: the batch is rejected and nothing was written
	var capErr *allocation.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 3, capErr.Limit)
	assert.Equal(t, 4, capErr.Got)
	assert.True(t, allocation.IsClientError(err))
	assert.True(t, allocation.IsRetryable(err))

	mappings, err := s.ListMappingsByEntity(ctx, "E1")
	require.NoError(t, err)
	assert.Empty(t, mappings)
	presets, err := s.ListPresetsByEntity(ctx, "E1")
	require.NoError(t, err)
	assert.Empty(t, presets)
	assert.Empty(t, activityValues(t, s, "E1"))

	// AND: exactly the limit succeeds
	res, err := svc.SaveMappings(ctx, batch(3), allocation.SaveOptions{})
	require.NoError(t, err)
	assert.Len(t, res.SavedMappings, 3)
}

func TestSaveMappings_EmptyBatch(t *testing.T) {
	res, err := newTestService(store.NewMemory(), allocation.ServiceConfig{}).SaveMappings(context.Background(), nil, allocation.SaveOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.SavedMappings)
}

type failingRepo struct {
	*store.Memory
	failUpsertMappings bool
	failPrefetch       bool
}

func (f *failingRepo) UpsertMappings(ctx context.Context, rows []allocation.Mapping) error {
	if f.failUpsertMappings {
		return errors.New("connection reset")
	}
	return f.Memory.UpsertMappings(ctx, rows)
}

func (f *failingRepo) GetMappings(ctx context.Context, keys []allocation.MappingKey) ([]allocation.Mapping, error) {
	if f.failPrefetch {
		return nil, errors.New("timeout")
	}
	return f.Memory.GetMappings(ctx, keys)
}

func TestSaveMappings_CommitFailureIsPersistenceError(t *testing.T) {
	repo := &failingRepo{Memory: store.NewMemory(), failUpsertMappings: true}
	svc := newTestService(repo, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(context.Background(), []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})

	var pErr *allocation.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "commit", pErr.Stage)
	assert.ErrorIs(t, err, allocation.ErrPersistence)
	assert.False(t, allocation.IsClientError(err))
}

func TestSaveMappings_PrefetchFailure(t *testing.T) {
	repo := &failingRepo{Memory: store.NewMemory(), failPrefetch: true}
	svc := newTestService(repo, allocation.ServiceConfig{})

	_, err := svc.SaveMappings(context.Background(), []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})

	var pErr *allocation.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "prefetch", pErr.Stage)
}

func TestSaveMappings_MultipleEntities(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{PrefetchConcurrency: 2})

	var edits []allocation.MappingEdit
	for _, e := range []allocation.EntityID{"E1", "E2", "E3"} {
		edit := sixtyForty()
		edit.EntityID = e
		edits = append(edits, edit)
	}
	res, err := svc.SaveMappings(ctx, edits, allocation.SaveOptions{})
	require.NoError(t, err)

	assert.Len(t, res.Recalculated, 3)
	for _, e := range []allocation.EntityID{"E1", "E2", "E3"} {
		assert.Equal(t, map[string]string{"T1/2024-01": "600", "T2/2024-01": "400"}, activityValues(t, s, e))
	}
}

func TestRecalculateActivity_Delegates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})
	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty()}, allocation.SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, s.UpsertActivity(ctx, []allocation.Activity{
		{EntityID: "E1", TargetID: "T1", Month: jan, Value: decimal.NewFromInt(1)},
	}))

	n, err := svc.RecalculateActivity(ctx, "E1", []allocation.Month{jan}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "600", activityValues(t, s, "E1")["T1/2024-01"])
}

func TestRecalculateAll_EveryEntity(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	svc := newTestService(s, allocation.ServiceConfig{})

	second := sixtyForty()
	second.EntityID = "E2"
	_, err := svc.SaveMappings(ctx, []allocation.MappingEdit{sixtyForty(), second}, allocation.SaveOptions{})
	require.NoError(t, err)

	written, err := svc.RecalculateAll(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, map[allocation.EntityID]int{"E1": 2, "E2": 2}, written)
}

type entityListFailure struct {
	*store.Memory
}

func (e *entityListFailure) ListEntities(context.Context) ([]allocation.EntityID, error) {
	return nil, errors.New("timeout")
}

func TestRecalculateAll_ListFailure(t *testing.T) {
	svc := newTestService(&entityListFailure{Memory: store.NewMemory()}, allocation.ServiceConfig{})

	_, err := svc.RecalculateAll(context.Background(), "")

	var pErr *allocation.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "recalculate", pErr.Stage)
}
