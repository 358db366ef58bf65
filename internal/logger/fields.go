package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields carried on the context logger through a call chain.
const (
	// FieldRequestID is the HTTP request ID (UUID).
	FieldRequestID = "request_id"

	// FieldJobID is the ingestion job ID.
	FieldJobID = "job_id"

	// FieldUsername is the owner of the images being processed or searched.
	FieldUsername = "username"

	// FieldComponent is the component/module name.
	FieldComponent = "component"

	// FieldFilename is the client-supplied name of the item being ingested.
	FieldFilename = "filename"
)

// Metric fields attached per log line through the Entry API.
const (
	// FieldDurationMs is the execution duration in milliseconds.
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field.
	FieldCount = "count"

	// FieldSize is the data size in bytes.
	FieldSize = "size"

	// FieldStatus is the operation or item status.
	FieldStatus = "status"
)
