package logging

// Standardized field names for structured logging.
const (
	FieldEntityID   = "entity_id"
	FieldAccountID  = "account_id"
	FieldPresetGUID = "preset_guid"
	FieldMonths     = "months"
	FieldRows       = "rows"
	FieldZeroed     = "zeroed"
	FieldUnchanged  = "unchanged"
	FieldEntities   = "entities"
	FieldStage      = "stage"
	FieldOperation  = "operation"
	FieldCount      = "count"
	FieldError      = "error"
	FieldDuration   = "duration_ms"
	FieldRequestID  = "request_id"
)
