/*
store.go - Persistence interfaces for mappings, presets and activity

PURPOSE:
  Defines the boundary between the allocation engine and the database.
  The engine treats the store as a key-value/relational repository with
  bulk query primitives; it never issues SQL itself.

KEY INTERFACES:
  MappingStore:       mapping rows keyed by (entity, account)
  PresetStore:        preset headers
  PresetDetailStore:  percentage/direct lines (no delete operation on purpose)
  PresetMappingStore: dynamic ratio snapshot lines (full CRUD)
  ActivityStore:      derived activity rows
  AccountStore:       account metadata and source activity

IMPLEMENTATIONS:
  - allocation/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go:     SQLite via database/sql

SEE ALSO:
  - reconcile.go: the only writer of preset detail and ratio rows
  - recalc.go:    the only writer of authoritative activity rows
*/
package allocation

import "context"

// MappingStore persists mapping rows.
type MappingStore interface {
	// GetMappings returns the stored rows for the given keys. Missing keys are absent.
	GetMappings(ctx context.Context, keys []MappingKey) ([]Mapping, error)

	// ListMappingsByEntity returns every mapping of an entity.
	ListMappingsByEntity(ctx context.Context, entityID EntityID) ([]Mapping, error)

	// ListEntities returns the distinct entities that have mappings.
	ListEntities(ctx context.Context) ([]EntityID, error)

	// UpsertMappings inserts or updates rows by (entity, account).
	UpsertMappings(ctx context.Context, mappings []Mapping) error
}

// PresetStore persists preset headers. Presets are never deleted.
type PresetStore interface {
	ListPresetsByEntity(ctx context.Context, entityID EntityID) ([]Preset, error)

	// GetPreset returns ErrPresetNotFound when the guid is unknown.
	GetPreset(ctx context.Context, guid PresetGUID) (Preset, error)

	CreatePreset(ctx context.Context, p Preset) error

	// UpdatePreset updates type, description and detail revision in place.
	UpdatePreset(ctx context.Context, p Preset) error
}

// PresetDetailStore persists percentage/direct preset lines.
// There is no delete: superseded rows stay behind as history.
type PresetDetailStore interface {
	GetPresetDetails(ctx context.Context, guid PresetGUID) ([]PresetDetail, error)
	ListPresetDetails(ctx context.Context, guids []PresetGUID) ([]PresetDetail, error)
	CreatePresetDetails(ctx context.Context, rows []PresetDetail) error

	// UpdatePresetDetail updates the row keyed by (guid, basis, target).
	UpdatePresetDetail(ctx context.Context, row PresetDetail) error
}

// PresetMappingStore persists dynamic ratio snapshot lines.
type PresetMappingStore interface {
	GetPresetMappings(ctx context.Context, guids ...PresetGUID) ([]PresetMapping, error)
	CreatePresetMappings(ctx context.Context, rows []PresetMapping) error

	// UpdatePresetMapping updates the row with row.ID.
	UpdatePresetMapping(ctx context.Context, row PresetMapping) error

	DeletePresetMappings(ctx context.Context, ids []int64) error
	DeletePresetMappingsByPreset(ctx context.Context, guid PresetGUID) error
}

// ActivityStore persists derived activity rows.
type ActivityStore interface {
	// GetActivity returns rows of an entity; empty months means all months.
	GetActivity(ctx context.Context, entityID EntityID, months []Month) ([]Activity, error)

	// UpsertActivity writes rows keyed by (entity, target, month).
	UpsertActivity(ctx context.Context, rows []Activity) error
}

// AccountStore persists account metadata and the source activity the
// recalculation replays.
type AccountStore interface {
	UpsertAccounts(ctx context.Context, accounts []EntityAccount) error
	ListAccounts(ctx context.Context, entityID EntityID) ([]EntityAccount, error)

	UpsertSourceActivity(ctx context.Context, rows []SourceActivity) error

	// GetSourceActivity returns rows of an entity; empty months means all months.
	GetSourceActivity(ctx context.Context, entityID EntityID, months []Month) ([]SourceActivity, error)
}

// Repository is everything the engine needs.
type Repository interface {
	MappingStore
	PresetStore
	PresetDetailStore
	PresetMappingStore
	ActivityStore
	AccountStore
}
