package storage

import "time"

// Execution is one stored audit record for a submission run.
type Execution struct {
	ID           string     `json:"id" db:"id"`
	Mode         string     `json:"mode" db:"mode"`
	Status       string     `json:"status" db:"status"`
	Resource     string     `json:"resource,omitempty" db:"resource"`
	CodeHash     string     `json:"code_hash" db:"code_hash"`
	CodeBytes    int        `json:"code_bytes" db:"code_bytes"`
	Output       string     `json:"output" db:"output"`
	ErrorDetail  string     `json:"error_detail,omitempty" db:"error_detail"`
	ArtifactPath string     `json:"artifact_path,omitempty" db:"artifact_path"`
	DurationMS   int64      `json:"duration_ms" db:"duration_ms"`
	CPUTimeMS    int64      `json:"cpu_time_ms" db:"cpu_time_ms"`
	MemoryPeakKB int64      `json:"memory_peak_kb" db:"memory_peak_kb"`
	Violations   int        `json:"violations" db:"violations"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ViolationRecord stores one flagged policy violation for audit.
type ViolationRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Category    string    `json:"category" db:"category"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Line        int       `json:"line" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Mode   string
	Status string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}
