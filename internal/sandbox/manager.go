package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/lvzi316/mathviz/internal/monitor"
	"github.com/lvzi316/mathviz/internal/storage"
	"github.com/lvzi316/mathviz/internal/validate"
)

// Manager is the single entry point for running untrusted submissions.
// It validates first, dispatches to the mode's executor, and records
// the outcome. No submission reaches an interpreter without passing
// the static validator.
type Manager struct {
	validator  *validate.Validator
	restricted *RestrictedExecutor
	isolated   Backend

	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	audit   *storage.AuditWriter

	counters statCounters
}

// ManagerOptions carries the optional collaborators. Any field may be
// nil; isolated executions fail with an infrastructure fault when no
// backend is configured.
type ManagerOptions struct {
	Isolated Backend
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Audit    *storage.AuditWriter
}

func NewManager(validator *validate.Validator, opts ManagerOptions) *Manager {
	return &Manager{
		validator:  validator,
		restricted: NewRestrictedExecutor(),
		isolated:   opts.Isolated,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		audit:      opts.Audit,
	}
}

// ExecuteSubmission runs one submission end to end: bounds checks,
// static validation, then the mode's executor. The returned result is
// never nil and always carries a terminal status.
func (m *Manager) ExecuteSubmission(ctx context.Context, sub CodeSubmission) *ExecutionResult {
	start := time.Now()
	sub.Normalize()

	if m.metrics != nil {
		m.metrics.ActiveExecutions.Inc()
		defer m.metrics.ActiveExecutions.Dec()
	}

	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.StartSpan(ctx, "execute",
			monitor.AttrMode.String(string(sub.Mode)),
		)
		defer span.End()
	}

	res, flagged := m.execute(ctx, sub)

	if span != nil {
		span.SetAttributes(
			monitor.AttrExecID.String(res.ID),
			monitor.AttrStatus.String(string(res.Status)),
			monitor.AttrCodeHash.String(res.CodeHash),
			monitor.AttrDurationMS.Int64(time.Since(start).Milliseconds()),
		)
	}

	m.counters.record(res)
	m.observe(sub, res, time.Since(start))
	m.auditLog(sub, res, flagged, start)

	return res
}

func (m *Manager) execute(ctx context.Context, sub CodeSubmission) (*ExecutionResult, []validate.Violation) {
	if problem := boundsProblem(sub); problem != "" {
		return &ExecutionResult{
			ID:          uuid.New().String(),
			Status:      StatusValidationFailed,
			ErrorDetail: problem,
			CodeHash:    hashCode(sub.Code),
			Violations:  []string{problem},
		}, nil
	}

	report := m.validator.Validate(sub.Code)
	if m.metrics != nil {
		categories := make([]string, 0, len(report.Violations))
		for _, v := range report.Violations {
			categories = append(categories, string(v.Category))
		}
		m.metrics.RecordValidation(report.Safe, categories)
	}

	if !report.Safe {
		violations := make([]string, 0, len(report.Violations))
		for _, v := range report.Violations {
			violations = append(violations, v.String())
		}
		log.Info().
			Int("violations", len(violations)).
			Msg("submission rejected by validator")
		return &ExecutionResult{
			ID:          uuid.New().String(),
			Status:      StatusValidationFailed,
			ErrorDetail: fmt.Sprintf("static validation flagged %d violation(s)", len(violations)),
			CodeHash:    hashCode(sub.Code),
			Violations:  violations,
		}, report.Violations
	}

	switch sub.Mode {
	case ModeRestricted:
		return m.restricted.Execute(ctx, sub), nil
	case ModeIsolated:
		if m.isolated == nil {
			return &ExecutionResult{
				ID:          uuid.New().String(),
				Status:      StatusInfrastructureFault,
				ErrorDetail: "no isolation backend configured",
				CodeHash:    hashCode(sub.Code),
			}, nil
		}
		return m.isolated.Execute(ctx, sub), nil
	default:
		return &ExecutionResult{
			ID:          uuid.New().String(),
			Status:      StatusValidationFailed,
			ErrorDetail: fmt.Sprintf("unknown execution mode %q", sub.Mode),
			CodeHash:    hashCode(sub.Code),
			Violations:  []string{fmt.Sprintf("unknown execution mode %q", sub.Mode)},
		}, nil
	}
}

// Validate exposes the static pass alone, without running anything.
func (m *Manager) Validate(code string) validate.Report {
	return m.validator.Validate(code)
}

// Stats returns a snapshot of the engine counters.
func (m *Manager) Stats() Stats {
	return m.counters.snapshot()
}

// Close shuts down the isolation backend, if any.
func (m *Manager) Close() error {
	if m.isolated != nil {
		return m.isolated.Close()
	}
	return nil
}

func (m *Manager) observe(sub CodeSubmission, res *ExecutionResult, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordExecution(string(sub.Mode), string(res.Status), elapsed.Seconds())
	m.metrics.CodeSizeBytes.Observe(float64(len(sub.Code)))
	m.metrics.OutputSizeBytes.Observe(float64(len(res.Output)))
	if res.Usage.PeakMemory > 0 {
		m.metrics.PeakMemoryBytes.Observe(float64(res.Usage.PeakMemory))
	}
	if res.Status == StatusResourceExceeded || res.Status == StatusTimeout {
		kind := res.Resource
		if kind == "" {
			kind = ResourceWallClock
		}
		m.metrics.RecordBreach(string(kind))
	}
}

func (m *Manager) auditLog(sub CodeSubmission, res *ExecutionResult, flagged []validate.Violation, start time.Time) {
	if m.audit == nil {
		return
	}

	completed := time.Now()
	rec := &storage.Execution{
		ID:           res.ID,
		Mode:         string(sub.Mode),
		Status:       string(res.Status),
		Resource:     string(res.Resource),
		CodeHash:     res.CodeHash,
		CodeBytes:    len(sub.Code),
		Output:       res.Output,
		ErrorDetail:  res.ErrorDetail,
		ArtifactPath: res.ArtifactPath,
		DurationMS:   res.Usage.WallTime.Milliseconds(),
		CPUTimeMS:    res.Usage.CPUTime.Milliseconds(),
		MemoryPeakKB: res.Usage.PeakMemory / 1024,
		Violations:   len(res.Violations),
		CreatedAt:    start,
		CompletedAt:  &completed,
	}

	violations := make([]storage.ViolationRecord, 0, len(flagged))
	for _, v := range flagged {
		violations = append(violations, storage.ViolationRecord{
			Category: string(v.Category),
			Symbol:   v.Symbol,
			Line:     v.Line,
		})
	}

	m.audit.Log(rec, violations)
}

func boundsProblem(sub CodeSubmission) string {
	if sub.Code == "" {
		return "code is empty"
	}
	if len(sub.Code) > MaxCodeBytes {
		return fmt.Sprintf("code exceeds %d byte limit", MaxCodeBytes)
	}
	if sub.ArtifactPath == "" {
		return "artifact path is empty"
	}
	return ""
}

func hashCode(code string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(code)))
}
