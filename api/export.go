package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"github.com/warp/scoa-engine/allocation"
	"github.com/xuri/excelize/v2"
)

const (
	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	activitySheet   = "Activity"
)

// ActivityExportRow is one line of the activity report.
type ActivityExportRow struct {
	EntityID  string `csv:"entity_id"`
	TargetID  string `csv:"target_id"`
	Month     string `csv:"month"`
	Value     string `csv:"value"`
	UpdatedBy string `csv:"updated_by"`
}

var activityHeaders = []string{"Entity", "Target", "Month", "Value", "Updated By"}

// ExportActivity handles GET /api/entities/{id}/activity/export?format=csv|xlsx.
func (h *Handler) ExportActivity(w http.ResponseWriter, r *http.Request) {
	entityID := allocation.EntityID(chi.URLParam(r, "id"))

	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		writeError(w, http.StatusBadRequest, "Unsupported export format", fmt.Errorf("format %q, want csv or xlsx", format))
		return
	}

	months, err := parseMonths(r.URL.Query()["month"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	rows, err := h.Store.GetActivity(r.Context(), entityID, months)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get activity", err)
		return
	}
	export := toExportRows(rows)
	filename := fmt.Sprintf("activity-%s.%s", entityID, format)

	if format == "xlsx" {
		w.Header().Set("Content-Type", contentTypeXLSX)
		w.Header().Set("Content-Disposition", "attachment; filename="+filename)
		if err := WriteActivityXLSX(w, export); err != nil {
			h.requestLog(r).WithError(err).Error("xlsx export failed")
		}
		return
	}

	w.Header().Set("Content-Type", contentTypeCSV)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if err := WriteActivityCSV(w, export); err != nil {
		h.requestLog(r).WithError(err).Error("csv export failed")
	}
}

func toExportRows(rows []allocation.Activity) []ActivityExportRow {
	out := make([]ActivityExportRow, 0, len(rows))
	for _, a := range rows {
		out = append(out, ActivityExportRow{
			EntityID:  string(a.EntityID),
			TargetID:  a.TargetID,
			Month:     a.Month.String(),
			Value:     a.Value.StringFixed(2),
			UpdatedBy: a.UpdatedBy,
		})
	}
	return out
}

// WriteActivityCSV writes rows with a header line.
func WriteActivityCSV(w io.Writer, rows []ActivityExportRow) error {
	return gocsv.Marshal(rows, w)
}

// WriteActivityXLSX writes rows to a single-sheet workbook.
func WriteActivityXLSX(w io.Writer, rows []ActivityExportRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", activitySheet); err != nil {
		return err
	}

	for i, title := range activityHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(activitySheet, cell, title); err != nil {
			return err
		}
	}

	for i, row := range rows {
		line := i + 2
		f.SetCellValue(activitySheet, fmt.Sprintf("A%d", line), row.EntityID)
		f.SetCellValue(activitySheet, fmt.Sprintf("B%d", line), row.TargetID)
		f.SetCellValue(activitySheet, fmt.Sprintf("C%d", line), row.Month)
		if err := setDecimalCell(f, fmt.Sprintf("D%d", line), row.Value); err != nil {
			return err
		}
		f.SetCellValue(activitySheet, fmt.Sprintf("E%d", line), row.UpdatedBy)
	}

	return f.Write(w)
}

// setDecimalCell stores the value as a number so spreadsheets can sum it.
func setDecimalCell(f *excelize.File, cell, value string) error {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return f.SetCellValue(activitySheet, cell, value)
	}
	v, _ := d.Float64()
	return f.SetCellFloat(activitySheet, cell, v, 2, 64)
}
