package logger

// Field names shared by all structured log lines.
const (
	FieldExecutionID = "execution_id"
	FieldUserID      = "user_id"
	FieldProjectID   = "project_id"
	FieldStep        = "step"
	FieldStage       = "stage"
	FieldAttempt     = "attempt"
	FieldDelay       = "delay"
	FieldResource    = "resource"
	FieldJobID       = "job_id"
	FieldTokens      = "tokens"
	FieldScore       = "score"
	FieldState       = "state"
	FieldStatus      = "status"
	FieldError       = "error"
	FieldDurationMS  = "duration_ms"
	FieldKey         = "key"
	FieldCount       = "count"
	FieldLimit       = "limit"
	FieldComponent   = "component"
)
