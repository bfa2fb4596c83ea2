/*
handlers.go - HTTP API handlers for the SCOA mapping engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to allocation.Service.

ENDPOINTS:
  Mappings:
    POST   /api/mappings                              Save a batch of mapping edits
    GET    /api/entities/{id}/mappings                List mappings of an entity

  Activity:
    GET    /api/entities/{id}/activity?month=         Aggregated activity (month repeatable)
    POST   /api/entities/{id}/activity/recalculate    Rebuild activity from source
    GET    /api/entities/{id}/activity/export         CSV or XLSX report

  Reference data:
    GET    /api/entities/{id}/accounts                Account metadata
    GET    /api/presets/{guid}                        Preset, active details, ratios

  Scenarios:
    GET    /api/scenarios                             List demo scenarios
    GET    /api/scenarios/current                     Currently loaded scenario
    POST   /api/scenarios/load                        Load a demo scenario
    POST   /api/scenarios/reset                       Clear all data

  Admin:
    POST   /api/admin/recalculate                     Rebuild every entity now
    GET    /api/admin/recalculate                     Last rebuild result

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed payload, every row rejected, bad month
  - 404: Preset not found
  - 413: Batch above the row limit (split it and resubmit)
  - 500: Persistence or reconciliation failure

SECURITY NOTE:
  No authentication. The caller's identity is taken from the payload's
  updatedBy or the X-Updated-By header and is only used for audit columns.

SEE ALSO:
  - dto.go: Request/response data structures
  - export.go: Activity report rendering
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/scoa-engine/allocation"
	"github.com/warp/scoa-engine/factory"
	"github.com/warp/scoa-engine/internal/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the repository the handlers read from.
type Store interface {
	allocation.Repository
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *allocation.Service
	Store     Store
	Scheduler *RecalcScheduler

	log      logging.Logger
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *allocation.Service, store Store, log logging.Logger) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handler{
		Service:  svc,
		Store:    store,
		log:      log,
		validate: validator.New(),
	}
}

// =============================================================================
// MAPPINGS
// =============================================================================

// SaveMappings handles POST /api/mappings.
func (h *Handler) SaveMappings(w http.ResponseWriter, r *http.Request) {
	log := h.requestLog(r)

	batch, err := factory.DecodeBatch(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if limit := h.Service.MaxBatchRows(); batch.Total() > limit {
		writePayloadTooLarge(w, limit, batch.Total())
		return
	}

	rejected := toRejectedDTOs(batch.Rejected)
	if len(batch.Edits) == 0 && len(rejected) > 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "No valid rows in batch",
			Code:    "validation_failed",
			Details: rejected,
		})
		return
	}

	updatedBy := batch.UpdatedBy
	if updatedBy == "" {
		updatedBy = strings.TrimSpace(r.Header.Get("X-Updated-By"))
	}

	result, err := h.Service.SaveMappings(r.Context(), batch.Edits, allocation.SaveOptions{UpdatedBy: updatedBy})
	if err != nil {
		var capErr *allocation.CapacityError
		switch {
		case errors.As(err, &capErr):
			writePayloadTooLarge(w, capErr.Limit, capErr.Got)
		case allocation.IsClientError(err):
			writeError(w, http.StatusBadRequest, "Invalid mapping batch", err)
		default:
			log.WithError(err).Error("save mappings failed", logging.F(logging.FieldRows, len(batch.Edits)))
			writeError(w, http.StatusInternalServerError, "Failed to save mappings", nil)
		}
		return
	}

	recalculated := make(map[string]int, len(result.Recalculated))
	for id, n := range result.Recalculated {
		recalculated[string(id)] = n
	}

	if len(rejected) > 0 {
		log.Warn("rows rejected during intake", logging.F(logging.FieldCount, len(rejected)))
	}

	writeJSON(w, http.StatusOK, SaveMappingsResponse{
		SavedMappings: toMappingDTOs(result.SavedMappings),
		Unchanged:     result.Unchanged,
		Recalculated:  recalculated,
		Rejected:      rejected,
		Skipped:       batch.Skipped,
	})
}

// ListMappings handles GET /api/entities/{id}/mappings.
func (h *Handler) ListMappings(w http.ResponseWriter, r *http.Request) {
	entityID := allocation.EntityID(chi.URLParam(r, "id"))

	rows, err := h.Store.ListMappingsByEntity(r.Context(), entityID)
	if err != nil {
		h.requestLog(r).WithError(err).Error("list mappings failed", logging.F(logging.FieldEntityID, entityID))
		writeError(w, http.StatusInternalServerError, "Failed to list mappings", err)
		return
	}
	writeJSON(w, http.StatusOK, toMappingDTOs(rows))
}

// =============================================================================
// ACTIVITY
// =============================================================================

// GetActivity handles GET /api/entities/{id}/activity.
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	entityID := allocation.EntityID(chi.URLParam(r, "id"))

	months, err := parseMonths(r.URL.Query()["month"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	rows, err := h.Store.GetActivity(r.Context(), entityID, months)
	if err != nil {
		h.requestLog(r).WithError(err).Error("get activity failed", logging.F(logging.FieldEntityID, entityID))
		writeError(w, http.StatusInternalServerError, "Failed to get activity", err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityDTOs(rows))
}

// RecalculateActivity handles POST /api/entities/{id}/activity/recalculate.
// The body is optional.
func (h *Handler) RecalculateActivity(w http.ResponseWriter, r *http.Request) {
	entityID := allocation.EntityID(chi.URLParam(r, "id"))

	var req RecalculateRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid recalculation request", err)
		return
	}

	months, err := parseMonths(req.Months)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	n, err := h.Service.RecalculateActivity(r.Context(), entityID, months, req.UpdatedBy)
	if err != nil {
		h.requestLog(r).WithError(err).Error("recalculation failed", logging.F(logging.FieldEntityID, entityID))
		writeError(w, http.StatusInternalServerError, "Failed to recalculate activity", nil)
		return
	}
	writeJSON(w, http.StatusOK, RecalculateResponse{EntityID: string(entityID), RowsWritten: n})
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// ListAccounts handles GET /api/entities/{id}/accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	entityID := allocation.EntityID(chi.URLParam(r, "id"))

	accounts, err := h.Store.ListAccounts(r.Context(), entityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, AccountDTO{EntityID: string(a.EntityID), AccountID: string(a.AccountID), Name: a.Name})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPreset handles GET /api/presets/{guid}.
func (h *Handler) GetPreset(w http.ResponseWriter, r *http.Request) {
	guid := allocation.PresetGUID(chi.URLParam(r, "guid"))
	ctx := r.Context()

	preset, err := h.Store.GetPreset(ctx, guid)
	if errors.Is(err, allocation.ErrPresetNotFound) {
		writeError(w, http.StatusNotFound, "Preset not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get preset", err)
		return
	}

	details, err := h.Store.GetPresetDetails(ctx, guid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get preset details", err)
		return
	}
	ratios, err := h.Store.GetPresetMappings(ctx, guid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get preset ratios", err)
		return
	}
	writeJSON(w, http.StatusOK, toPresetDTO(preset, details, ratios))
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) requestLog(r *http.Request) logging.Logger {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return h.log.WithField(logging.FieldRequestID, id)
	}
	return h.log
}

func parseMonths(values []string) ([]allocation.Month, error) {
	var months []allocation.Month
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			m, err := allocation.ParseMonth(part)
			if err != nil {
				return nil, fmt.Errorf("month %q: %w", part, err)
			}
			months = append(months, m)
		}
	}
	return allocation.UniqueMonths(months), nil
}

func toRejectedDTOs(rows []*allocation.RowError) []RejectedRowDTO {
	out := make([]RejectedRowDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, RejectedRowDTO{Index: r.Index, Fields: r.Fields, Message: r.Message})
	}
	return out
}

func writePayloadTooLarge(w http.ResponseWriter, limit, received int) {
	writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
		Error: fmt.Sprintf("Batch of %d rows exceeds the limit of %d; split it into smaller batches", received, limit),
		Code:  "payload_too_large",
		Details: map[string]int{
			"limit":    limit,
			"received": received,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
