package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTransactionID = "transaction_id"
	FieldProvidedUUID  = "provided_uuid"
	FieldBaseUUID      = "base_uuid"
	FieldPrivateUUID   = "private_uuid"
	FieldOrigin        = "origin"
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldChannel   = "channel"
	FieldPrefix    = "prefix"

	// Incomer fields
	FieldIncomerName = "incomer_name"
	FieldCapability  = "capability"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldIteration = "iteration"

	// Error classification
	FieldErrorKind = "error_kind"
)
