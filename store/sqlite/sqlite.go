/*
Package sqlite provides a SQLite-backed allocation.Repository.

PURPOSE:
  Persists mappings, presets, preset lines, ratio snapshots, source
  activity and the derived activity view. The same schema ports to
  PostgreSQL with minor dialect changes (ON CONFLICT is shared).

KEY TABLES:
  mappings:         one row per (entity, account)
  presets:          preset headers, stable guid, active detail revision
  preset_details:   percentage/direct lines; never deleted (revisioned)
  preset_mappings:  dynamic ratio snapshot; applied_pct stored as a 0-1 fraction
  entity_accounts:  account metadata
  source_activity:  GL activity per (entity, account, month)
  activity:         derived totals per (entity, target, month)

NUMBERS:
  Decimals are stored as TEXT so nothing is lost to float rounding.
  Months are stored as "YYYY-MM-01".

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, like the WAL-mode single writer
  SQLite already is. Bulk writes run inside one SQL transaction.

USAGE:
  store, err := sqlite.New("./data/scoa.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := allocation.NewService(store, logger, cfg)

SEE ALSO:
  - allocation/store.go: Interface definitions
  - allocation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/scoa-engine/allocation"
)

// maxParams keeps IN lists below SQLite's host parameter limit.
const maxParams = 500

// Store implements allocation.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ allocation.Repository = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Open wraps an existing connection without migrating it.
func Open(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mappings (
		entity_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		polarity TEXT NOT NULL DEFAULT 'debit',
		mapping_type TEXT NOT NULL,
		preset_id TEXT,
		status TEXT NOT NULL,
		exclusion_pct TEXT NOT NULL DEFAULT '0',
		allocation_hash TEXT NOT NULL DEFAULT '',
		updated_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_id, account_id)
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_preset
		ON mappings(preset_id) WHERE preset_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS presets (
		guid TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		preset_type TEXT NOT NULL,
		description TEXT,
		detail_revision INTEGER NOT NULL DEFAULT 0,
		updated_by TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_presets_entity
		ON presets(entity_id);

	-- Append/update only. Rows of older revisions are history.
	CREATE TABLE IF NOT EXISTS preset_details (
		preset_guid TEXT NOT NULL,
		basis_datapoint TEXT NOT NULL DEFAULT '',
		target_datapoint TEXT NOT NULL,
		is_calculated INTEGER NOT NULL DEFAULT 0,
		specified_pct TEXT,
		revision INTEGER NOT NULL DEFAULT 0,
		updated_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (preset_guid, basis_datapoint, target_datapoint)
	);

	CREATE TABLE IF NOT EXISTS preset_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		preset_guid TEXT NOT NULL,
		basis_datapoint TEXT NOT NULL DEFAULT '',
		target_datapoint TEXT NOT NULL,
		applied_pct TEXT NOT NULL,
		updated_by TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_preset_mappings_guid
		ON preset_mappings(preset_guid);

	CREATE TABLE IF NOT EXISTS entity_accounts (
		entity_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		name TEXT,
		updated_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_id, account_id)
	);

	CREATE TABLE IF NOT EXISTS source_activity (
		entity_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		month TEXT NOT NULL,
		amount TEXT,
		updated_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_id, account_id, month)
	);

	-- Derived. Written only by the recalculation and the save-time aggregate.
	CREATE TABLE IF NOT EXISTS activity (
		entity_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		month TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_id, target_id, month)
	);

	CREATE INDEX IF NOT EXISTS idx_activity_entity_month
		ON activity(entity_id, month);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MAPPINGS
// =============================================================================

const mappingColumns = `entity_id, account_id, polarity, mapping_type, preset_id, status,
	exclusion_pct, allocation_hash, updated_by, updated_at`

// GetMappings returns the stored rows for keys, queried per entity.
func (s *Store) GetMappings(ctx context.Context, keys []allocation.MappingKey) ([]allocation.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byEntity := make(map[allocation.EntityID][]any)
	var order []allocation.EntityID
	for _, k := range keys {
		if _, ok := byEntity[k.EntityID]; !ok {
			order = append(order, k.EntityID)
		}
		byEntity[k.EntityID] = append(byEntity[k.EntityID], string(k.AccountID))
	}

	var result []allocation.Mapping
	for _, entityID := range order {
		for _, chunk := range chunks(byEntity[entityID]) {
			query := "SELECT " + mappingColumns + " FROM mappings WHERE entity_id = ? AND account_id IN (" + placeholders(len(chunk)) + ")"
			rows, err := s.queryMappings(ctx, query, append([]any{string(entityID)}, chunk...)...)
			if err != nil {
				return nil, err
			}
			result = append(result, rows...)
		}
	}
	return result, nil
}

// ListMappingsByEntity returns every mapping of an entity ordered by account.
func (s *Store) ListMappingsByEntity(ctx context.Context, entityID allocation.EntityID) ([]allocation.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryMappings(ctx,
		"SELECT "+mappingColumns+" FROM mappings WHERE entity_id = ? ORDER BY account_id",
		string(entityID),
	)
}

// ListEntities returns the distinct entities that have mappings.
func (s *Store) ListEntities(ctx context.Context) ([]allocation.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT entity_id FROM mappings ORDER BY entity_id")
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var result []allocation.EntityID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		result = append(result, allocation.EntityID(id))
	}
	return result, rows.Err()
}

func (s *Store) queryMappings(ctx context.Context, query string, args ...any) ([]allocation.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var result []allocation.Mapping
	for rows.Next() {
		var m allocation.Mapping
		var entityID, accountID, polarity, mappingType, status, exclusionPct, updatedAt string
		var presetID, updatedBy sql.NullString
		if err := rows.Scan(&entityID, &accountID, &polarity, &mappingType, &presetID, &status,
			&exclusionPct, &m.AllocationHash, &updatedBy, &updatedAt); err != nil {
			return nil, err
		}
		m.EntityID = allocation.EntityID(entityID)
		m.AccountID = allocation.AccountID(accountID)
		m.Polarity = allocation.Polarity(polarity)
		m.MappingType = allocation.MappingType(mappingType)
		m.Status = allocation.Status(status)
		if presetID.Valid {
			guid := allocation.PresetGUID(presetID.String)
			m.PresetID = &guid
		}
		m.ExclusionPct = parseDecimal(exclusionPct)
		m.UpdatedBy = updatedBy.String
		m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		result = append(result, m)
	}
	return result, rows.Err()
}

// UpsertMappings writes all rows in one transaction.
func (s *Store) UpsertMappings(ctx context.Context, mappings []allocation.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, account_id) DO UPDATE SET
			polarity = excluded.polarity,
			mapping_type = excluded.mapping_type,
			preset_id = excluded.preset_id,
			status = excluded.status,
			exclusion_pct = excluded.exclusion_pct,
			allocation_hash = excluded.allocation_hash,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`
	return s.execBatch(ctx, "upsert mappings", query, len(mappings), func(i int) []any {
		m := mappings[i]
		var presetID sql.NullString
		if m.PresetID != nil {
			presetID = sql.NullString{String: string(*m.PresetID), Valid: true}
		}
		updatedAt := m.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		return []any{
			string(m.EntityID), string(m.AccountID), string(m.Polarity), string(m.MappingType),
			presetID, string(m.Status), m.ExclusionPct.String(), m.AllocationHash,
			nullString(m.UpdatedBy), updatedAt.UTC().Format(time.RFC3339),
		}
	})
}

// =============================================================================
// PRESETS
// =============================================================================

const presetColumns = "guid, entity_id, preset_type, description, detail_revision, updated_by"

func (s *Store) ListPresetsByEntity(ctx context.Context, entityID allocation.EntityID) ([]allocation.Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+presetColumns+" FROM presets WHERE entity_id = ? ORDER BY guid",
		string(entityID),
	)
	if err != nil {
		return nil, fmt.Errorf("query presets: %w", err)
	}
	defer rows.Close()

	var result []allocation.Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// GetPreset returns allocation.ErrPresetNotFound for unknown guids.
func (s *Store) GetPreset(ctx context.Context, guid allocation.PresetGUID) (allocation.Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+presetColumns+" FROM presets WHERE guid = ?", string(guid))
	p, err := scanPreset(row)
	if err == sql.ErrNoRows {
		return allocation.Preset{}, allocation.ErrPresetNotFound
	}
	return p, err
}

func scanPreset(row interface{ Scan(...any) error }) (allocation.Preset, error) {
	var p allocation.Preset
	var guid, entityID, presetType string
	var description, updatedBy sql.NullString
	if err := row.Scan(&guid, &entityID, &presetType, &description, &p.DetailRevision, &updatedBy); err != nil {
		return p, err
	}
	p.GUID = allocation.PresetGUID(guid)
	p.EntityID = allocation.EntityID(entityID)
	p.PresetType = allocation.PresetType(presetType)
	p.Description = description.String
	p.UpdatedBy = updatedBy.String
	return p, nil
}

func (s *Store) CreatePreset(ctx context.Context, p allocation.Preset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presets (guid, entity_id, preset_type, description, detail_revision, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(p.GUID), string(p.EntityID), string(p.PresetType), nullString(p.Description),
		p.DetailRevision, nullString(p.UpdatedBy), now(),
	)
	if err != nil {
		return fmt.Errorf("create preset %s: %w", p.GUID, err)
	}
	return nil
}

// UpdatePreset changes type, description and revision in place.
func (s *Store) UpdatePreset(ctx context.Context, p allocation.Preset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE presets
		SET preset_type = ?, description = ?, detail_revision = ?, updated_by = ?, updated_at = ?
		WHERE guid = ?`,
		string(p.PresetType), nullString(p.Description), p.DetailRevision, nullString(p.UpdatedBy), now(),
		string(p.GUID),
	)
	if err != nil {
		return fmt.Errorf("update preset %s: %w", p.GUID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return allocation.ErrPresetNotFound
	}
	return nil
}

// =============================================================================
// PRESET DETAILS
// =============================================================================

const detailColumns = "preset_guid, basis_datapoint, target_datapoint, is_calculated, specified_pct, revision, updated_by"

func (s *Store) GetPresetDetails(ctx context.Context, guid allocation.PresetGUID) ([]allocation.PresetDetail, error) {
	return s.ListPresetDetails(ctx, []allocation.PresetGUID{guid})
}

func (s *Store) ListPresetDetails(ctx context.Context, guids []allocation.PresetGUID) ([]allocation.PresetDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []allocation.PresetDetail
	for _, chunk := range chunks(guidArgs(guids)) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+detailColumns+" FROM preset_details WHERE preset_guid IN ("+placeholders(len(chunk))+") ORDER BY preset_guid, rowid",
			chunk...,
		)
		if err != nil {
			return nil, fmt.Errorf("query preset details: %w", err)
		}
		for rows.Next() {
			var d allocation.PresetDetail
			var guid string
			var pct, updatedBy sql.NullString
			if err := rows.Scan(&guid, &d.BasisDatapoint, &d.TargetDatapoint, &d.IsCalculated, &pct, &d.Revision, &updatedBy); err != nil {
				rows.Close()
				return nil, err
			}
			d.PresetGUID = allocation.PresetGUID(guid)
			d.SpecifiedPct = parseNullDecimal(pct)
			d.UpdatedBy = updatedBy.String
			result = append(result, d)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) CreatePresetDetails(ctx context.Context, details []allocation.PresetDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO preset_details (` + detailColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	ts := now()
	return s.execBatch(ctx, "create preset details", query, len(details), func(i int) []any {
		d := details[i]
		return []any{
			string(d.PresetGUID), d.BasisDatapoint, d.TargetDatapoint, d.IsCalculated,
			nullDecimal(d.SpecifiedPct), d.Revision, nullString(d.UpdatedBy), ts,
		}
	})
}

// UpdatePresetDetail updates the row keyed by (guid, basis, target).
func (s *Store) UpdatePresetDetail(ctx context.Context, d allocation.PresetDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE preset_details
		SET is_calculated = ?, specified_pct = ?, revision = ?, updated_by = ?, updated_at = ?
		WHERE preset_guid = ? AND basis_datapoint = ? AND target_datapoint = ?`,
		d.IsCalculated, nullDecimal(d.SpecifiedPct), d.Revision, nullString(d.UpdatedBy), now(),
		string(d.PresetGUID), d.BasisDatapoint, d.TargetDatapoint,
	)
	if err != nil {
		return fmt.Errorf("update preset detail: %w", err)
	}
	return nil
}

// =============================================================================
// RATIO SNAPSHOTS
// =============================================================================

func (s *Store) GetPresetMappings(ctx context.Context, guids ...allocation.PresetGUID) ([]allocation.PresetMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []allocation.PresetMapping
	for _, chunk := range chunks(guidArgs(guids)) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, preset_guid, basis_datapoint, target_datapoint, applied_pct, updated_by FROM preset_mappings WHERE preset_guid IN ("+placeholders(len(chunk))+") ORDER BY id",
			chunk...,
		)
		if err != nil {
			return nil, fmt.Errorf("query preset mappings: %w", err)
		}
		for rows.Next() {
			var m allocation.PresetMapping
			var guid, fraction string
			var updatedBy sql.NullString
			if err := rows.Scan(&m.ID, &guid, &m.BasisDatapoint, &m.TargetDatapoint, &fraction, &updatedBy); err != nil {
				rows.Close()
				return nil, err
			}
			m.PresetGUID = allocation.PresetGUID(guid)
			m.AppliedPct = allocation.FractionToPct(parseDecimal(fraction))
			m.UpdatedBy = updatedBy.String
			result = append(result, m)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) CreatePresetMappings(ctx context.Context, rows []allocation.PresetMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO preset_mappings (preset_guid, basis_datapoint, target_datapoint, applied_pct, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	ts := now()
	return s.execBatch(ctx, "create preset mappings", query, len(rows), func(i int) []any {
		m := rows[i]
		return []any{
			string(m.PresetGUID), m.BasisDatapoint, m.TargetDatapoint,
			allocation.PctToFraction(m.AppliedPct).String(), nullString(m.UpdatedBy), ts,
		}
	})
}

func (s *Store) UpdatePresetMapping(ctx context.Context, m allocation.PresetMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE preset_mappings
		SET basis_datapoint = ?, target_datapoint = ?, applied_pct = ?, updated_by = ?, updated_at = ?
		WHERE id = ?`,
		m.BasisDatapoint, m.TargetDatapoint, allocation.PctToFraction(m.AppliedPct).String(),
		nullString(m.UpdatedBy), now(), m.ID,
	)
	if err != nil {
		return fmt.Errorf("update preset mapping %d: %w", m.ID, err)
	}
	return nil
}

func (s *Store) DeletePresetMappings(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	for _, chunk := range chunks(args) {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM preset_mappings WHERE id IN ("+placeholders(len(chunk))+")", chunk...,
		); err != nil {
			return fmt.Errorf("delete preset mappings: %w", err)
		}
	}
	return nil
}

func (s *Store) DeletePresetMappingsByPreset(ctx context.Context, guid allocation.PresetGUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM preset_mappings WHERE preset_guid = ?", string(guid)); err != nil {
		return fmt.Errorf("delete preset mappings of %s: %w", guid, err)
	}
	return nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

// GetActivity returns rows of an entity ordered by month and target.
// Empty months means every month.
func (s *Store) GetActivity(ctx context.Context, entityID allocation.EntityID, months []allocation.Month) ([]allocation.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []allocation.Activity
	for _, chunk := range monthChunks(months) {
		query := "SELECT entity_id, target_id, month, value, updated_by FROM activity WHERE entity_id = ?"
		if chunk != nil {
			query += " AND month IN (" + placeholders(len(chunk)) + ")"
		}
		rows, err := s.db.QueryContext(ctx, query, append([]any{string(entityID)}, chunk...)...)
		if err != nil {
			return nil, fmt.Errorf("query activity: %w", err)
		}
		for rows.Next() {
			var a allocation.Activity
			var entity, month, value string
			var updatedBy sql.NullString
			if err := rows.Scan(&entity, &a.TargetID, &month, &value, &updatedBy); err != nil {
				rows.Close()
				return nil, err
			}
			a.EntityID = allocation.EntityID(entity)
			a.Month, _ = allocation.ParseMonth(month)
			a.Value = parseDecimal(value)
			a.UpdatedBy = updatedBy.String
			result = append(result, a)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
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

func (s *Store) UpsertActivity(ctx context.Context, rows []allocation.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO activity (entity_id, target_id, month, value, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, target_id, month) DO UPDATE SET
			value = excluded.value,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`
	ts := now()
	return s.execBatch(ctx, "upsert activity", query, len(rows), func(i int) []any {
		a := rows[i]
		return []any{string(a.EntityID), a.TargetID, a.Month.String(), a.Value.String(), nullString(a.UpdatedBy), ts}
	})
}

// =============================================================================
// ACCOUNTS AND SOURCE ACTIVITY
// =============================================================================

func (s *Store) UpsertAccounts(ctx context.Context, accounts []allocation.EntityAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO entity_accounts (entity_id, account_id, name, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, account_id) DO UPDATE SET
			name = excluded.name,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`
	ts := now()
	return s.execBatch(ctx, "upsert accounts", query, len(accounts), func(i int) []any {
		a := accounts[i]
		return []any{string(a.EntityID), string(a.AccountID), nullString(a.Name), nullString(a.UpdatedBy), ts}
	})
}

func (s *Store) ListAccounts(ctx context.Context, entityID allocation.EntityID) ([]allocation.EntityAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_id, account_id, name, updated_by FROM entity_accounts WHERE entity_id = ? ORDER BY account_id",
		string(entityID),
	)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var result []allocation.EntityAccount
	for rows.Next() {
		var a allocation.EntityAccount
		var entity, account string
		var name, updatedBy sql.NullString
		if err := rows.Scan(&entity, &account, &name, &updatedBy); err != nil {
			return nil, err
		}
		a.EntityID = allocation.EntityID(entity)
		a.AccountID = allocation.AccountID(account)
		a.Name = name.String
		a.UpdatedBy = updatedBy.String
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) UpsertSourceActivity(ctx context.Context, rows []allocation.SourceActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO source_activity (entity_id, account_id, month, amount, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, account_id, month) DO UPDATE SET
			amount = excluded.amount,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`
	ts := now()
	return s.execBatch(ctx, "upsert source activity", query, len(rows), func(i int) []any {
		r := rows[i]
		return []any{string(r.EntityID), string(r.AccountID), r.Month.String(), nullDecimal(r.Amount), nullString(r.UpdatedBy), ts}
	})
}

func (s *Store) GetSourceActivity(ctx context.Context, entityID allocation.EntityID, months []allocation.Month) ([]allocation.SourceActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []allocation.SourceActivity
	for _, chunk := range monthChunks(months) {
		query := "SELECT entity_id, account_id, month, amount, updated_by FROM source_activity WHERE entity_id = ?"
		if chunk != nil {
			query += " AND month IN (" + placeholders(len(chunk)) + ")"
		}
		rows, err := s.db.QueryContext(ctx, query, append([]any{string(entityID)}, chunk...)...)
		if err != nil {
			return nil, fmt.Errorf("query source activity: %w", err)
		}
		for rows.Next() {
			var r allocation.SourceActivity
			var entity, account, month string
			var amount, updatedBy sql.NullString
			if err := rows.Scan(&entity, &account, &month, &amount, &updatedBy); err != nil {
				rows.Close()
				return nil, err
			}
			r.EntityID = allocation.EntityID(entity)
			r.AccountID = allocation.AccountID(account)
			r.Month, _ = allocation.ParseMonth(month)
			r.Amount = parseNullDecimal(amount)
			r.UpdatedBy = updatedBy.String
			result = append(result, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
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

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"activity", "source_activity", "entity_accounts", "preset_mappings", "preset_details", "presets", "mappings"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// execBatch runs query once per row inside a single transaction.
func (s *Store) execBatch(ctx context.Context, op, query string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%s: prepare: %w", op, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("%s: row %d: %w", op, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunks(args []any) [][]any {
	var out [][]any
	for len(args) > maxParams {
		out = append(out, args[:maxParams])
		args = args[maxParams:]
	}
	if len(args) > 0 {
		out = append(out, args)
	}
	return out
}

func guidArgs(guids []allocation.PresetGUID) []any {
	args := make([]any, len(guids))
	for i, g := range guids {
		args[i] = string(g)
	}
	return args
}

// monthChunks splits a month filter into IN lists. An empty filter yields a
// single nil chunk, which means every month.
func monthChunks(months []allocation.Month) [][]any {
	if len(months) == 0 {
		return [][]any{nil}
	}
	return chunks(monthArgs(allocation.UniqueMonths(months)))
}

func monthArgs(months []allocation.Month) []any {
	args := make([]any, len(months))
	for i, m := range months {
		args[i] = m.String()
	}
	return args
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseNullDecimal(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
