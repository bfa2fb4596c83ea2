// Package store provides Repository implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/scoa-engine/allocation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	mappings map[allocation.MappingKey]allocation.Mapping
	presets  map[allocation.PresetGUID]allocation.Preset
	details  map[allocation.PresetGUID][]allocation.PresetDetail
	ratios   map[int64]allocation.PresetMapping
	nextID   int64
	activity map[allocation.ActivityKey]allocation.Activity
	accounts map[allocation.MappingKey]allocation.EntityAccount
	sources  map[sourceKey]allocation.SourceActivity
}

type sourceKey struct {
	EntityID  allocation.EntityID
	AccountID allocation.AccountID
	Month     allocation.Month
}

var _ allocation.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) reset() {
	m.mappings = make(map[allocation.MappingKey]allocation.Mapping)
	m.presets = make(map[allocation.PresetGUID]allocation.Preset)
	m.details = make(map[allocation.PresetGUID][]allocation.PresetDetail)
	m.ratios = make(map[int64]allocation.PresetMapping)
	m.nextID = 0
	m.activity = make(map[allocation.ActivityKey]allocation.Activity)
	m.accounts = make(map[allocation.MappingKey]allocation.EntityAccount)
	m.sources = make(map[sourceKey]allocation.SourceActivity)
}

// =============================================================================
// MAPPINGS
// =============================================================================

func (m *Memory) GetMappings(_ context.Context, keys []allocation.MappingKey) ([]allocation.Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []allocation.Mapping
	for _, k := range keys {
		if row, ok := m.mappings[k]; ok {
			result = append(result, copyMapping(row))
		}
	}
	return result, nil
}

func (m *Memory) ListMappingsByEntity(_ context.Context, entityID allocation.EntityID) ([]allocation.Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []allocation.Mapping
	for k, row := range m.mappings {
		if k.EntityID == entityID {
			result = append(result, copyMapping(row))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result, nil
}

func (m *Memory) ListEntities(_ context.Context) ([]allocation.EntityID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[allocation.EntityID]bool)
	var result []allocation.EntityID
	for k := range m.mappings {
		if !seen[k.EntityID] {
			seen[k.EntityID] = true
			result = append(result, k.EntityID)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (m *Memory) UpsertMappings(_ context.Context, rows []allocation.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.mappings[row.Key()] = copyMapping(row)
	}
	return nil
}

func copyMapping(row allocation.Mapping) allocation.Mapping {
	if row.PresetID != nil {
		guid := *row.PresetID
		row.PresetID = &guid
	}
	return row
}

// =============================================================================
// PRESETS
// =============================================================================

func (m *Memory) ListPresetsByEntity(_ context.Context, entityID allocation.EntityID) ([]allocation.Preset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []allocation.Preset
	for _, p := range m.presets {
		if p.EntityID == entityID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].GUID < result[j].GUID })
	return result, nil
}

func (m *Memory) GetPreset(_ context.Context, guid allocation.PresetGUID) (allocation.Preset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.presets[guid]
	if !ok {
		return allocation.Preset{}, allocation.ErrPresetNotFound
	}
	return p, nil
}

func (m *Memory) CreatePreset(_ context.Context, p allocation.Preset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presets[p.GUID] = p
	return nil
}

func (m *Memory) UpdatePreset(_ context.Context, p allocation.Preset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.presets[p.GUID]; !ok {
		return allocation.ErrPresetNotFound
	}
	m.presets[p.GUID] = p
	return nil
}

// =============================================================================
// PRESET DETAILS (no delete)
// =============================================================================

func (m *Memory) GetPresetDetails(_ context.Context, guid allocation.PresetGUID) ([]allocation.PresetDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]allocation.PresetDetail, len(m.details[guid]))
	copy(result, m.details[guid])
	return result, nil
}

func (m *Memory) ListPresetDetails(_ context.Context, guids []allocation.PresetGUID) ([]allocation.PresetDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []allocation.PresetDetail
	for _, guid := range guids {
		result = append(result, m.details[guid]...)
	}
	return result, nil
}

func (m *Memory) CreatePresetDetails(_ context.Context, rows []allocation.PresetDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.details[row.PresetGUID] = append(m.details[row.PresetGUID], row)
	}
	return nil
}

func (m *Memory) UpdatePresetDetail(_ context.Context, row allocation.PresetDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.details[row.PresetGUID]
	for i := range rows {
		if rows[i].BasisDatapoint == row.BasisDatapoint && rows[i].TargetDatapoint == row.TargetDatapoint {
			rows[i] = row
			return nil
		}
	}
	m.details[row.PresetGUID] = append(rows, row)
	return nil
}

// =============================================================================
// RATIO SNAPSHOTS
// =============================================================================

func (m *Memory) GetPresetMappings(_ context.Context, guids ...allocation.PresetGUID) ([]allocation.PresetMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[allocation.PresetGUID]bool, len(guids))
	for _, g := range guids {
		want[g] = true
	}
	var result []allocation.PresetMapping
	for _, row := range m.ratios {
		if want[row.PresetGUID] {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) CreatePresetMappings(_ context.Context, rows []allocation.PresetMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.nextID++
		row.ID = m.nextID
		m.ratios[row.ID] = row
	}
	return nil
}

func (m *Memory) UpdatePresetMapping(_ context.Context, row allocation.PresetMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratios[row.ID] = row
	return nil
}

func (m *Memory) DeletePresetMappings(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.ratios, id)
	}
	return nil
}

func (m *Memory) DeletePresetMappingsByPreset(_ context.Context, guid allocation.PresetGUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, row := range m.ratios {
		if row.PresetGUID == guid {
			delete(m.ratios, id)
		}
	}
	return nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

func (m *Memory) GetActivity(_ context.Context, entityID allocation.EntityID, months []allocation.Month) ([]allocation.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inScope := monthFilter(months)
	var result []allocation.Activity
	for k, row := range m.activity {
		if k.EntityID == entityID && inScope(k.Month) {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Month != result[j].Month {
			return result[i].Month.Before(result[j].Month)
		}
		return result[i].TargetID < result[j].TargetID
	})
	return result, nil
}

func (m *Memory) UpsertActivity(_ context.Context, rows []allocation.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.activity[row.Key()] = row
	}
	return nil
}

// =============================================================================
// ACCOUNTS AND SOURCE ACTIVITY
// =============================================================================

func (m *Memory) UpsertAccounts(_ context.Context, accounts []allocation.EntityAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range accounts {
		m.accounts[allocation.MappingKey{EntityID: a.EntityID, AccountID: a.AccountID}] = a
	}
	return nil
}

func (m *Memory) ListAccounts(_ context.Context, entityID allocation.EntityID) ([]allocation.EntityAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []allocation.EntityAccount
	for k, a := range m.accounts {
		if k.EntityID == entityID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result, nil
}

func (m *Memory) UpsertSourceActivity(_ context.Context, rows []allocation.SourceActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.sources[sourceKey{EntityID: row.EntityID, AccountID: row.AccountID, Month: row.Month}] = row
	}
	return nil
}

func (m *Memory) GetSourceActivity(_ context.Context, entityID allocation.EntityID, months []allocation.Month) ([]allocation.SourceActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inScope := monthFilter(months)
	var result []allocation.SourceActivity
	for k, row := range m.sources {
		if k.EntityID == entityID && inScope(k.Month) {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].AccountID != result[j].AccountID {
			return result[i].AccountID < result[j].AccountID
		}
		return result[i].Month.Before(result[j].Month)
	})
	return result, nil
}

// monthFilter matches every month when months is empty.
func monthFilter(months []allocation.Month) func(allocation.Month) bool {
	if len(months) == 0 {
		return func(allocation.Month) bool { return true }
	}
	set := make(map[allocation.Month]bool, len(months))
	for _, mo := range months {
		set[mo] = true
	}
	return func(mo allocation.Month) bool { return set[mo] }
}
