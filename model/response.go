package model

// CompletedAtKey is the output key stamped with the epoch-ms completion time
// of every work response before submission.
const CompletedAtKey = "__workCompletedAt"

// WorkResponse is the result of one work item execution, submitted to the
// engine in bulk. Identity is the step execution ID; the engine keys results
// by it, so at-least-once submission is safe.
type WorkResponse struct {
	StepID                 int64          `json:"stepId"`
	ProcessID              int64          `json:"processId"`
	StepExecutionID        int64          `json:"stepExecutionId"`
	RunCount               int32          `json:"runCount"`
	Output                 map[string]any `json:"output"`
	Status                 string         `json:"status"`
	RescheduleAfterSeconds int64          `json:"rescheduleAfterSeconds,omitempty"`
	StartedAt              int64          `json:"startedAt"`
}
