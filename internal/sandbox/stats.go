package sandbox

import "sync/atomic"

// Stats is an immutable snapshot of engine counters.
type Stats struct {
	Executions        int64 `json:"executions"`
	Successes         int64 `json:"successes"`
	ValidationFailed  int64 `json:"validation_failed"`
	RuntimeErrors     int64 `json:"runtime_errors"`
	Timeouts          int64 `json:"timeouts"`
	ResourceExceeded  int64 `json:"resource_exceeded"`
	ContractBreaches  int64 `json:"contract_breaches"`
	InfraFaults       int64 `json:"infra_faults"`
	ViolationsFlagged int64 `json:"violations_flagged"`
}

// statCounters is the live, atomically updated form.
type statCounters struct {
	executions        atomic.Int64
	successes         atomic.Int64
	validationFailed  atomic.Int64
	runtimeErrors     atomic.Int64
	timeouts          atomic.Int64
	resourceExceeded  atomic.Int64
	contractBreaches  atomic.Int64
	infraFaults       atomic.Int64
	violationsFlagged atomic.Int64
}

func (c *statCounters) record(res *ExecutionResult) {
	c.executions.Add(1)
	c.violationsFlagged.Add(int64(len(res.Violations)))

	switch res.Status {
	case StatusSuccess:
		c.successes.Add(1)
	case StatusValidationFailed:
		c.validationFailed.Add(1)
	case StatusRuntimeError:
		c.runtimeErrors.Add(1)
	case StatusTimeout:
		c.timeouts.Add(1)
	case StatusResourceExceeded:
		c.resourceExceeded.Add(1)
	case StatusContractViolation:
		c.contractBreaches.Add(1)
	case StatusInfrastructureFault:
		c.infraFaults.Add(1)
	}
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		Executions:        c.executions.Load(),
		Successes:         c.successes.Load(),
		ValidationFailed:  c.validationFailed.Load(),
		RuntimeErrors:     c.runtimeErrors.Load(),
		Timeouts:          c.timeouts.Load(),
		ResourceExceeded:  c.resourceExceeded.Load(),
		ContractBreaches:  c.contractBreaches.Load(),
		InfraFaults:       c.infraFaults.Load(),
		ViolationsFlagged: c.violationsFlagged.Load(),
	}
}
