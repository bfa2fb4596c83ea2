/*
save.go - Batch save orchestration

PURPOSE:
  SaveMappings takes a decoded batch of mapping edits and carries it all
  the way to recomputed activity:

    cap check -> prefetch -> per row (normalize, preset, reconcile)
              -> commit (3 concurrent bulk upserts) -> recalculate

PER ROW:
  a. resolve the mapping type (a dynamic split forces dynamic)
  b. resolve the preset guid: caller, previous mapping, new id
  c. normalize the splits
  d. describe the preset
  e. create the preset or update its type/description in place
  f. change detection against the stored mapping row
  g. if changed: sync detail rows, and ratio rows for dynamic presets
  h. queue the mapping, account metadata, source activity and the
     provisional activity aggregate

STATE:
  Everything looked up during a save lives in a saveState built by the
  prefetch and thrown away afterwards. Nothing is cached across requests.

FAILURES:
  The first error aborts the batch. Bulk writes that already happened
  are not rolled back: activity is derived, so the next save or an
  explicit recalculation heals it.
*/
package allocation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/scoa-engine/internal/logging"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxBatchRows is used when ServiceConfig.MaxBatchRows is not set.
const DefaultMaxBatchRows = 500

// ServiceConfig tunes the save orchestrator.
type ServiceConfig struct {
	MaxBatchRows             int
	PrefetchConcurrency      int
	DefaultUpdatedBy         string
	DefaultDynamicPresetName string
}

// Service is the mapping save orchestrator.
type Service struct {
	store  Repository
	recalc *Recalculator
	log    logging.Logger
	cfg    ServiceConfig
	newID  func() string
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithIDGenerator replaces uuid generation for new preset guids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService creates the orchestrator.
func NewService(store Repository, log logging.Logger, cfg ServiceConfig, opts ...Option) *Service {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.MaxBatchRows <= 0 {
		cfg.MaxBatchRows = DefaultMaxBatchRows
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = 4
	}
	if cfg.DefaultUpdatedBy == "" {
		cfg.DefaultUpdatedBy = "system"
	}
	if cfg.DefaultDynamicPresetName == "" {
		cfg.DefaultDynamicPresetName = "Dynamic allocation"
	}

	s := &Service{
		store:  store,
		recalc: NewRecalculator(store, log),
		log:    log,
		cfg:    cfg,
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recalc.now = s.now
	return s
}

// MaxBatchRows returns the effective row limit.
func (s *Service) MaxBatchRows() int { return s.cfg.MaxBatchRows }

// RecalculateActivity rebuilds activity for one entity.
func (s *Service) RecalculateActivity(ctx context.Context, entityID EntityID, months []Month, updatedBy string) (int, error) {
	if updatedBy == "" {
		updatedBy = s.cfg.DefaultUpdatedBy
	}
	return s.recalc.Recalculate(ctx, entityID, months, updatedBy)
}

// RecalculateAll rebuilds every month of every mapped entity. It stops at
// the first failure and returns what was written so far.
func (s *Service) RecalculateAll(ctx context.Context, updatedBy string) (map[EntityID]int, error) {
	entities, err := s.store.ListEntities(ctx)
	if err != nil {
		return nil, &PersistenceError{Stage: "recalculate", Err: err}
	}

	written := make(map[EntityID]int, len(entities))
	for _, id := range entities {
		n, err := s.RecalculateActivity(ctx, id, nil, updatedBy)
		if err != nil {
			return written, &PersistenceError{Stage: "recalculate", Err: fmt.Errorf("entity %s: %w", id, err)}
		}
		written[id] = n
	}
	return written, nil
}

// SaveOptions carries per-request settings.
type SaveOptions struct {
	UpdatedBy string
}

// SaveResult is what a successful batch produced.
type SaveResult struct {
	SavedMappings []Mapping
	Unchanged     int
	Recalculated  map[EntityID]int // rows written per entity
	LocalActivity []Activity       // provisional aggregate written at save time
}

// =============================================================================
// REQUEST-SCOPED STATE
// =============================================================================

type saveState struct {
	mappings map[MappingKey]Mapping
	presets  map[PresetGUID]Preset
}

type sourceKey struct {
	EntityID  EntityID
	AccountID AccountID
	Month     Month
}

// batch accumulates the writes of one save.
type batch struct {
	upserts   []Mapping
	saved     []Mapping
	unchanged int
	accounts  map[MappingKey]EntityAccount
	sources   map[sourceKey]SourceActivity
	local     map[ActivityKey]decimal.Decimal
	entities  []EntityID
	months    map[EntityID]map[Month]bool
	allMonths map[EntityID]bool
}

func newBatch() *batch {
	return &batch{
		accounts:  make(map[MappingKey]EntityAccount),
		sources:   make(map[sourceKey]SourceActivity),
		local:     make(map[ActivityKey]decimal.Decimal),
		months:    make(map[EntityID]map[Month]bool),
		allMonths: make(map[EntityID]bool),
	}
}

func (b *batch) touch(entityID EntityID) {
	if _, ok := b.months[entityID]; ok {
		return
	}
	b.months[entityID] = make(map[Month]bool)
	b.entities = append(b.entities, entityID)
}

// =============================================================================
// SAVE
// =============================================================================

// SaveMappings processes a batch of edits. Batches above the row limit
// fail with *CapacityError before anything is read or written.
func (s *Service) SaveMappings(ctx context.Context, edits []MappingEdit, opts SaveOptions) (*SaveResult, error) {
	if len(edits) > s.cfg.MaxBatchRows {
		return nil, &CapacityError{Limit: s.cfg.MaxBatchRows, Got: len(edits)}
	}
	result := &SaveResult{Recalculated: map[EntityID]int{}}
	if len(edits) == 0 {
		return result, nil
	}

	updatedBy := opts.UpdatedBy
	if updatedBy == "" {
		updatedBy = s.cfg.DefaultUpdatedBy
	}
	start := s.now()

	state, err := s.prefetch(ctx, edits)
	if err != nil {
		return nil, &PersistenceError{Stage: "prefetch", Err: err}
	}

	b := newBatch()
	for i, edit := range edits {
		if err := s.processRow(ctx, state, b, edit, updatedBy); err != nil {
			s.log.WithError(err).Error("mapping save aborted",
				logging.F(logging.FieldEntityID, edit.EntityID),
				logging.F(logging.FieldAccountID, edit.AccountID),
				logging.F(logging.FieldCount, i))
			return nil, err
		}
	}

	local, err := s.commit(ctx, b, updatedBy)
	if err != nil {
		s.log.WithError(err).Error("mapping commit failed", logging.F(logging.FieldStage, "commit"))
		return nil, &PersistenceError{Stage: "commit", Err: err}
	}

	for _, entityID := range b.entities {
		months, ok := b.scope(entityID)
		if !ok {
			continue
		}
		n, err := s.recalc.Recalculate(ctx, entityID, months, updatedBy)
		if err != nil {
			s.log.WithError(err).Error("activity recalculation failed", logging.F(logging.FieldEntityID, entityID))
			return nil, &PersistenceError{Stage: "recalculate", Err: err}
		}
		result.Recalculated[entityID] = n
	}

	result.SavedMappings = b.saved
	result.Unchanged = b.unchanged
	result.LocalActivity = local

	s.log.Info("mappings saved",
		logging.F(logging.FieldRows, len(edits)),
		logging.F(logging.FieldUnchanged, b.unchanged),
		logging.F(logging.FieldEntities, len(b.entities)),
		logging.F(logging.FieldDuration, s.now().Sub(start).Milliseconds()))
	return result, nil
}

// scope returns the months to recompute for an entity. A nil slice means
// all months; ok is false when nothing about the entity changed.
func (b *batch) scope(entityID EntityID) ([]Month, bool) {
	if b.allMonths[entityID] {
		return nil, true
	}
	set := b.months[entityID]
	if len(set) == 0 {
		return nil, false
	}
	months := make([]Month, 0, len(set))
	for m := range set {
		months = append(months, m)
	}
	return UniqueMonths(months), true
}

// prefetch loads existing mappings and presets for every entity in the
// batch, one goroutine per entity.
func (s *Service) prefetch(ctx context.Context, edits []MappingEdit) (*saveState, error) {
	keysByEntity := make(map[EntityID][]MappingKey)
	for _, e := range edits {
		keysByEntity[e.EntityID] = append(keysByEntity[e.EntityID], e.Key())
	}

	state := &saveState{
		mappings: make(map[MappingKey]Mapping, len(edits)),
		presets:  make(map[PresetGUID]Preset),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PrefetchConcurrency)
	for entityID, keys := range keysByEntity {
		entityID, keys := entityID, keys
		g.Go(func() error {
			mappings, err := s.store.GetMappings(gctx, keys)
			if err != nil {
				return fmt.Errorf("load mappings for %s: %w", entityID, err)
			}
			presets, err := s.store.ListPresetsByEntity(gctx, entityID)
			if err != nil {
				return fmt.Errorf("load presets for %s: %w", entityID, err)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, m := range mappings {
				state.mappings[m.Key()] = m
			}
			for _, p := range presets {
				state.presets[p.GUID] = p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Service) processRow(ctx context.Context, state *saveState, b *batch, edit MappingEdit, updatedBy string) error {
	key := edit.Key()
	prev, hasPrev := state.mappings[key]
	b.touch(edit.EntityID)

	// a. mapping type
	mt := resolveMappingType(edit, prev, hasPrev)

	// b. preset guid
	guid := s.resolvePresetGUID(edit, prev, hasPrev, mt)

	// c. canonical splits
	exclusionPct := edit.ExclusionPct
	if !exclusionPct.Valid && hasPrev {
		exclusionPct = decimal.NewNullDecimal(prev.ExclusionPct)
	}
	var base decimal.NullDecimal
	if edit.ActivityAmount.Valid {
		base = decimal.NewNullDecimal(edit.ActivityAmount.Decimal.Abs())
	}
	lines := NormalizeSplits(NormalizeInput{
		MappingType:  mt,
		Splits:       edit.Splits,
		BaseAmount:   base,
		ExclusionPct: exclusionPct,
	})

	mapping := Mapping{
		EntityID:       edit.EntityID,
		AccountID:      edit.AccountID,
		Polarity:       resolvePolarity(edit, prev, hasPrev),
		MappingType:    mt,
		PresetID:       guid,
		Status:         resolveStatus(edit, prev, hasPrev, mt, lines),
		ExclusionPct:   exclusionPct.Decimal,
		AllocationHash: HashAllocation(mt, lines),
		UpdatedBy:      updatedBy,
		UpdatedAt:      s.now().UTC(),
	}

	// d + e. preset header
	var preset Preset
	if guid != nil {
		var err error
		preset, err = s.ensurePreset(ctx, state, edit, mt, *guid, lines, updatedBy)
		if err != nil {
			return &PersistenceError{Stage: "preset", Err: err}
		}
	}

	// f. change detection
	changed := !hasPrev || !prev.sameAs(mapping)

	// g. preset rows
	if changed && guid != nil && mt != MappingExclude {
		if err := s.syncPreset(ctx, state, preset, mt, lines, updatedBy); err != nil {
			return err
		}
	}

	// h. accumulate
	if changed {
		b.upserts = append(b.upserts, mapping)
	} else {
		b.unchanged++
		mapping = prev
	}
	state.mappings[key] = mapping
	b.saved = append(b.saved, mapping)

	if edit.AccountName != "" {
		b.accounts[key] = EntityAccount{EntityID: edit.EntityID, AccountID: edit.AccountID, Name: edit.AccountName, UpdatedBy: updatedBy}
	}

	if edit.HasActivity() {
		b.sources[sourceKey{EntityID: edit.EntityID, AccountID: edit.AccountID, Month: edit.ActivityMonth}] = SourceActivity{
			EntityID:  edit.EntityID,
			AccountID: edit.AccountID,
			Month:     edit.ActivityMonth,
			Amount:    edit.ActivityAmount,
			UpdatedBy: updatedBy,
		}
		b.months[edit.EntityID][edit.ActivityMonth] = true
		if !mapping.IsExcluded() {
			addLocalActivity(b.local, edit, mt, lines)
		}
	}
	// A changed mapping rewrites every month it ever produced.
	if changed {
		b.allMonths[edit.EntityID] = true
	}

	op := "unchanged"
	if changed {
		op = "upsert"
	}
	s.log.Debug("mapping row processed",
		logging.F(logging.FieldEntityID, edit.EntityID),
		logging.F(logging.FieldAccountID, edit.AccountID),
		logging.F(logging.FieldOperation, op))
	return nil
}

func (s *Service) syncPreset(ctx context.Context, state *saveState, preset Preset, mt MappingType, lines []AllocationLine, updatedBy string) error {
	detail, err := SyncPresetDetails(ctx, s.store, preset, lines, updatedBy)
	if err != nil {
		return err
	}
	if detail.Revision != preset.DetailRevision {
		preset.DetailRevision = detail.Revision
		preset.UpdatedBy = updatedBy
		if err := s.store.UpdatePreset(ctx, preset); err != nil {
			return &PersistenceError{Stage: "preset", Err: err}
		}
		state.presets[preset.GUID] = preset
	}

	if mt == MappingDynamic {
		ratio, err := SyncPresetMappings(ctx, s.store, preset.GUID, lines, updatedBy)
		if err != nil {
			return err
		}
		if ratio.Changed() {
			s.log.Debug("ratio snapshot synced",
				logging.F(logging.FieldPresetGUID, preset.GUID),
				logging.F(logging.FieldCount, ratio.Created+ratio.Updated+ratio.Deleted))
		}
	}
	return nil
}

// ensurePreset creates the preset if its guid is unseen, or updates its
// type in place when it changed. The description is only rewritten along
// with the type so accounts sharing a preset do not overwrite each other.
func (s *Service) ensurePreset(ctx context.Context, state *saveState, edit MappingEdit, mt MappingType, guid PresetGUID, lines []AllocationLine, updatedBy string) (Preset, error) {
	presetType := mt.PresetType()
	description := s.describePreset(edit, mt, lines)

	p, ok := state.presets[guid]
	if !ok {
		// Known to the store but outside the prefetched entity.
		existing, err := s.store.GetPreset(ctx, guid)
		switch {
		case err == nil:
			p, ok = existing, true
		case isNotFound(err):
		default:
			return Preset{}, err
		}
	}

	if !ok {
		p = Preset{
			GUID:        guid,
			EntityID:    edit.EntityID,
			PresetType:  presetType,
			Description: description,
			UpdatedBy:   updatedBy,
		}
		if err := s.store.CreatePreset(ctx, p); err != nil {
			return Preset{}, err
		}
		state.presets[guid] = p
		return p, nil
	}

	if p.PresetType != presetType {
		p.PresetType = presetType
		p.Description = description
		p.UpdatedBy = updatedBy
		if err := s.store.UpdatePreset(ctx, p); err != nil {
			return Preset{}, err
		}
	}
	state.presets[guid] = p
	return p, nil
}

func (s *Service) describePreset(edit MappingEdit, mt MappingType, lines []AllocationLine) string {
	source := edit.AccountName
	if source == "" {
		source = string(edit.AccountID)
	}
	switch mt.Strategy() {
	case MappingDynamic:
		if edit.PresetName != "" {
			return edit.PresetName
		}
		return s.cfg.DefaultDynamicPresetName
	case MappingExclude:
		return source + " -> " + ExcludedTarget
	default:
		return source + " -> " + describeTargets(lines)
	}
}

func (s *Service) resolvePresetGUID(edit MappingEdit, prev Mapping, hasPrev bool, mt MappingType) *PresetGUID {
	if edit.PresetID != nil && *edit.PresetID != "" {
		guid := *edit.PresetID
		return &guid
	}
	if hasPrev && prev.PresetID != nil {
		guid := *prev.PresetID
		return &guid
	}
	if mt == MappingExclude {
		return nil
	}
	guid := PresetGUID(s.newID())
	return &guid
}

// commit writes the accumulated rows with three concurrent bulk upserts and
// returns the provisional activity rows it wrote.
func (s *Service) commit(ctx context.Context, b *batch, updatedBy string) ([]Activity, error) {
	accounts := make([]EntityAccount, 0, len(b.accounts))
	for _, a := range b.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].EntityID != accounts[j].EntityID {
			return accounts[i].EntityID < accounts[j].EntityID
		}
		return accounts[i].AccountID < accounts[j].AccountID
	})

	sources := make([]SourceActivity, 0, len(b.sources))
	for _, src := range b.sources {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].AccountID != sources[j].AccountID {
			return sources[i].AccountID < sources[j].AccountID
		}
		return sources[i].Month.Before(sources[j].Month)
	})

	local := make([]Activity, 0, len(b.local))
	for key, value := range b.local {
		local = append(local, Activity{EntityID: key.EntityID, TargetID: key.TargetID, Month: key.Month, Value: value, UpdatedBy: updatedBy})
	}
	sortActivity(local)

	g, gctx := errgroup.WithContext(ctx)
	if len(b.upserts) > 0 {
		g.Go(func() error {
			if err := s.store.UpsertMappings(gctx, b.upserts); err != nil {
				return fmt.Errorf("upsert mappings: %w", err)
			}
			return nil
		})
	}
	if len(accounts) > 0 || len(sources) > 0 {
		g.Go(func() error {
			if len(accounts) > 0 {
				if err := s.store.UpsertAccounts(gctx, accounts); err != nil {
					return fmt.Errorf("upsert accounts: %w", err)
				}
			}
			if len(sources) > 0 {
				if err := s.store.UpsertSourceActivity(gctx, sources); err != nil {
					return fmt.Errorf("upsert source activity: %w", err)
				}
			}
			return nil
		})
	}
	if len(local) > 0 {
		g.Go(func() error {
			if err := s.store.UpsertActivity(gctx, local); err != nil {
				return fmt.Errorf("upsert local activity: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return local, nil
}

// addLocalActivity adds one edit's contributions to the save-time aggregate.
func addLocalActivity(local map[ActivityKey]decimal.Decimal, edit MappingEdit, mt MappingType, lines []AllocationLine) {
	strategy := mt.Strategy()
	for _, l := range lines {
		if l.IsExclusion {
			continue
		}
		pct := l.SpecifiedPct
		if strategy == MappingDynamic {
			pct = l.AppliedPct
			if !pct.Valid {
				continue
			}
		}
		key := ActivityKey{EntityID: edit.EntityID, TargetID: l.TargetDatapoint, Month: edit.ActivityMonth}
		local[key] = local[key].Add(ContributionFor(strategy, edit.ActivityAmount.Decimal, pct))
	}
}

// =============================================================================
// FIELD RESOLUTION
// =============================================================================

func resolveMappingType(edit MappingEdit, prev Mapping, hasPrev bool) MappingType {
	switch {
	case edit.hasDynamicSplit():
		return MappingDynamic
	case edit.MappingType != "":
		return edit.MappingType.Strategy()
	case hasPrev && prev.MappingType != "":
		return prev.MappingType
	default:
		return MappingDirect
	}
}

func resolvePolarity(edit MappingEdit, prev Mapping, hasPrev bool) Polarity {
	switch {
	case edit.Polarity != "":
		return edit.Polarity
	case hasPrev && prev.Polarity != "":
		return prev.Polarity
	default:
		return PolarityDebit
	}
}

// resolveStatus keeps an explicit Excluded status on any mapping type. A
// status excluded earlier sticks until the caller sends another status.
func resolveStatus(edit MappingEdit, prev Mapping, hasPrev bool, mt MappingType, lines []AllocationLine) Status {
	switch {
	case mt == MappingExclude:
		return StatusExcluded
	case edit.Status != "":
		return edit.Status
	case hasPrev && prev.Status == StatusExcluded && prev.MappingType != MappingExclude:
		return StatusExcluded
	}
	for _, l := range lines {
		if !l.IsExclusion {
			return StatusMapped
		}
	}
	return StatusUnmapped
}
