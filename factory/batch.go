/*
Package factory turns JSON save payloads into allocation.MappingEdit values.

PURPOSE:
  The mapping grid posts whatever the browser holds: numbers as strings,
  percentages with a "%" suffix, accounting negatives in parentheses, ids
  as numbers, snake_case or camelCase keys. DecodeBatch normalizes all of
  that once so the engine only ever sees typed, trimmed values.

ENVELOPES:
  {"items": [...]}         every row is saved
  {"changedRows": [...]}   rows flagged "changed": false or
                           "unchanged": true are skipped
  [...]                    same as items

ROW SCHEMA (keys are matched ignoring case and underscores):
  {
    "entityId": "E1",                 required
    "accountId": "6000",              required
    "accountName": "Salaries",
    "polarity": "dr",
    "mappingType": "pct",
    "presetId": "b6c5...",
    "presetName": "Headcount split",
    "status": "mapped",
    "exclusionPct": "10%",
    "activityAmount": "(1,250.00)",
    "activityMonth": "Jan 2024",
    "splits": [
      {"targetId": "T1", "basisDatapoint": "", "allocationType": "percentage",
       "allocationValue": 60, "isCalculated": false, "isExclusion": false}
    ]
  }

VALIDATION:
  A row missing entityId/accountId or carrying a malformed number or month
  is dropped and reported as *allocation.RowError. The batch continues.

SEE ALSO:
  - allocation/types.go: MappingEdit, Split
  - allocation/enums.go: code tables used for enum fields
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/scoa-engine/allocation"
)

// Envelope names the shape a batch arrived in.
type Envelope string

const (
	EnvelopeItems       Envelope = "items"
	EnvelopeChangedRows Envelope = "changedRows"
)

// Batch is a decoded save payload.
type Batch struct {
	Envelope  Envelope
	UpdatedBy string
	Edits     []allocation.MappingEdit
	Rejected  []*allocation.RowError
	Skipped   int // unchanged rows of a changedRows envelope
}

// Total is the number of rows the payload contained.
func (b *Batch) Total() int {
	return len(b.Edits) + len(b.Rejected) + b.Skipped
}

// DecodeBatch reads and normalizes a save payload. Only an unreadable or
// structurally wrong payload is an error; bad rows end up in Rejected.
func DecodeBatch(r io.Reader) (*Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", allocation.ErrValidation)
	}

	batch := &Batch{Envelope: EnvelopeItems}
	var rows []json.RawMessage

	if data[0] == '[' {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", allocation.ErrValidation, err)
		}
	} else {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", allocation.ErrValidation, err)
		}
		top := normalizeKeys(env)

		raw, ok := top["items"]
		if !ok {
			raw, ok = top["changedrows"]
			batch.Envelope = EnvelopeChangedRows
		}
		if !ok {
			return nil, fmt.Errorf("%w: payload needs an items or changedRows list", allocation.ErrValidation)
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("%w: %s is not a list: %v", allocation.ErrValidation, batch.Envelope, err)
		}
		batch.UpdatedBy, _ = top.str("updatedby", "user")
	}

	for i, raw := range rows {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			batch.Rejected = append(batch.Rejected, &allocation.RowError{Index: i, Message: "row is not an object"})
			continue
		}
		row := normalizeKeys(obj)

		if batch.Envelope == EnvelopeChangedRows && row.unchanged() {
			batch.Skipped++
			continue
		}

		edit, rowErr := decodeRow(i, row)
		if rowErr != nil {
			batch.Rejected = append(batch.Rejected, rowErr)
			continue
		}
		batch.Edits = append(batch.Edits, edit)
	}
	return batch, nil
}

// =============================================================================
// ROWS
// =============================================================================

func decodeRow(index int, row fields) (allocation.MappingEdit, *allocation.RowError) {
	var edit allocation.MappingEdit
	var missing, malformed []string

	entity, _ := row.str("entityid", "entity")
	account, _ := row.str("accountid", "account", "glaccount", "entityaccountid")
	if entity == "" {
		missing = append(missing, "entityId")
	}
	if account == "" {
		missing = append(missing, "accountId")
	}
	if len(missing) > 0 {
		return edit, &allocation.RowError{Index: index, Fields: missing, Message: "missing required fields"}
	}

	edit.EntityID = allocation.EntityID(entity)
	edit.AccountID = allocation.AccountID(account)
	edit.AccountName, _ = row.str("accountname", "name", "description")

	if v, _ := row.str("polarity"); v != "" {
		edit.Polarity = allocation.ParsePolarity(v)
	}
	if v, _ := row.str("mappingtype", "type"); v != "" {
		edit.MappingType = allocation.ParseMappingType(v)
	}
	if v, _ := row.str("status"); v != "" {
		edit.Status = allocation.ParseStatus(v)
	}
	if v, _ := row.str("presetid", "presetguid"); v != "" {
		guid := allocation.PresetGUID(v)
		edit.PresetID = &guid
	}
	edit.PresetName, _ = row.str("presetname", "presetdescription")

	var err error
	if edit.ExclusionPct, err = row.decimal("exclusionpct", "exclusionpercentage"); err != nil {
		malformed = append(malformed, "exclusionPct")
	}
	if edit.ActivityAmount, err = row.decimal("activityamount", "amount", "activity"); err != nil {
		malformed = append(malformed, "activityAmount")
	}
	if v, _ := row.str("activitymonth", "month", "period"); v != "" {
		if edit.ActivityMonth, err = allocation.ParseMonth(v); err != nil {
			malformed = append(malformed, "activityMonth")
		}
	}

	if raw, ok := row["splits"]; ok && !isNull(raw) {
		splits, bad := decodeSplits(raw)
		malformed = append(malformed, bad...)
		edit.Splits = splits
	}

	if len(malformed) > 0 {
		return edit, &allocation.RowError{Index: index, Fields: malformed, Message: "malformed values"}
	}
	return edit, nil
}

func decodeSplits(raw json.RawMessage) ([]allocation.Split, []string) {
	var list []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, []string{"splits"}
	}

	var bad []string
	splits := make([]allocation.Split, 0, len(list))
	for i, obj := range list {
		f := normalizeKeys(obj)
		target, _ := f.str("targetid", "target", "targetdatapoint", "scoaaccountid")
		basis, _ := f.str("basisdatapoint", "basis")
		at, _ := f.str("allocationtype", "type")
		value, err := f.decimal("allocationvalue", "value", "percentage", "pct")
		if err != nil {
			bad = append(bad, fmt.Sprintf("splits[%d].allocationValue", i))
			continue
		}
		splits = append(splits, allocation.Split{
			TargetID:        target,
			BasisDatapoint:  basis,
			AllocationType:  allocation.ParseAllocationType(at),
			AllocationValue: value,
			IsCalculated:    f.boolean("iscalculated", "calculated"),
			IsExclusion:     f.boolean("isexclusion", "exclusion"),
		})
	}
	return splits, bad
}

// =============================================================================
// FIELD ACCESS
// =============================================================================

// fields is a JSON object with keys lower-cased and stripped of "_" and "-".
type fields map[string]json.RawMessage

func normalizeKeys(m map[string]json.RawMessage) fields {
	out := make(fields, len(m))
	for k, v := range m {
		key := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(k))
		if _, dup := out[key]; !dup {
			out[key] = v
		}
	}
	return out
}

func (f fields) first(names ...string) (json.RawMessage, bool) {
	for _, n := range names {
		if raw, ok := f[n]; ok && !isNull(raw) {
			return raw, true
		}
	}
	return nil, false
}

// str returns a trimmed string. Numbers are accepted and kept verbatim.
func (f fields) str(names ...string) (string, bool) {
	raw, ok := f.first(names...)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// decimal coerces a number or numeric string. Absent, null and blank
// values are a valid null.
func (f fields) decimal(names ...string) (decimal.NullDecimal, error) {
	raw, ok := f.first(names...)
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("not a number: %s", raw)
		}
		s = n.String()
	}
	return ParseDecimal(s)
}

func (f fields) boolean(names ...string) bool {
	raw, ok := f.first(names...)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "y", "1":
			return true
		}
		return false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	return false
}

func (f fields) unchanged() bool {
	if raw, ok := f.first("changed"); ok {
		var b bool
		if json.Unmarshal(raw, &b) == nil && !b {
			return true
		}
	}
	return f.boolean("unchanged")
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ParseDecimal coerces user-entered numbers: "60", "60%", "1,000.50",
// "$ 12", "(250)" and "-250". Blank input is a valid null.
func ParseDecimal(s string) (decimal.NullDecimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}, nil
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", " ", "").Replace(s)
	if s == "" {
		return decimal.NullDecimal{}, fmt.Errorf("not a number")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if negative {
		d = d.Neg()
	}
	return decimal.NewNullDecimal(d), nil
}
