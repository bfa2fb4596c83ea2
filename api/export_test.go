package api

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/scoa-engine/allocation/store"
)

func TestExportActivity_CSV(t *testing.T) {
	_, router := newTestRouter(t, store.NewMemory(), 0)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/mappings", sixtyFortyPayload).Code)

	rec := do(t, router, http.MethodGet, "/api/entities/E1/activity/export?format=csv", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeCSV, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "activity-E1.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "entity_id,target_id,month,value,updated_by", lines[0])
	assert.Equal(t, "E1,T1,2024-01-01,600.00,alice", lines[1])
	assert.Equal(t, "E1,T2,2024-01-01,400.00,alice", lines[2])
}

func TestExportActivity_DefaultsToCSV(t *testing.T) {
	_, router := newTestRouter(t, store.NewMemory(), 0)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/mappings", sixtyFortyPayload).Code)

	rec := do(t, router, http.MethodGet, "/api/entities/E1/activity/export", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeCSV, rec.Header().Get("Content-Type"))
}

func TestExportActivity_XLSX(t *testing.T) {
	_, router := newTestRouter(t, store.NewMemory(), 0)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/mappings", sixtyFortyPayload).Code)

	rec := do(t, router, http.MethodGet, "/api/entities/E1/activity/export?format=XLSX", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeXLSX, rec.Header().Get("Content-Type"))

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(activitySheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, activityHeaders, rows[0])
	assert.Equal(t, []string{"E1", "T1", "2024-01-01"}, rows[1][:3])
	value, err := decimal.NewFromString(rows[1][3])
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(600).Equal(value), rows[1][3])
	assert.Equal(t, "alice", rows[1][4])
}

func TestExportActivity_UnsupportedFormat(t *testing.T) {
	_, router := newTestRouter(t, store.NewMemory(), 0)

	rec := do(t, router, http.MethodGet, "/api/entities/E1/activity/export?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteActivityCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteActivityCSV(&buf, []ActivityExportRow{}))
	assert.Equal(t, "entity_id,target_id,month,value,updated_by", strings.TrimSpace(buf.String()))
}
