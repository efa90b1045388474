package models

// RemoteStatus is the status vocabulary reported by the remote job system.
// The monitor only distinguishes terminal-success, terminal-failure and
// everything else; unknown values are treated as non-terminal.
type RemoteStatus string

const (
	RemoteStatusQueued     RemoteStatus = "queued"
	RemoteStatusProcessing RemoteStatus = "processing"
	RemoteStatusCompleted  RemoteStatus = "completed"
	RemoteStatusFailed     RemoteStatus = "failed"
	RemoteStatusCancelled  RemoteStatus = "cancelled"
)

// IsTerminal returns true for statuses after which no further transition occurs
func (s RemoteStatus) IsTerminal() bool {
	return s == RemoteStatusCompleted || s == RemoteStatusFailed || s == RemoteStatusCancelled
}

// IsSuccess returns true for the terminal-success status
func (s RemoteStatus) IsSuccess() bool {
	return s == RemoteStatusCompleted
}

// JobStatusPayload is the minimum shape a remote status fetch returns.
// For bundle jobs the Bundle field carries the aggregate counts and
// per-file sub-task list.
type JobStatusPayload struct {
	JobID    string                 `json:"job_id"`
	Status   RemoteStatus           `json:"status"`
	Progress int                    `json:"progress,omitempty"` // 0-100 when the remote reports one
	Message  string                 `json:"message,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Result   interface{}            `json:"result,omitempty"`
	Bundle   *BundleStatus          `json:"bundle,omitempty"`
	Raw      map[string]interface{} `json:"raw,omitempty"`
}
