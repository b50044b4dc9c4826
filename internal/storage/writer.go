package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// auditEntry pairs an execution record with the violations flagged for
// it, so both land in the audit log together.
type auditEntry struct {
	exec       *Execution
	violations []ViolationRecord
}

// AuditWriter writes audit records asynchronously so a slow or down
// database never blocks the execution path.
type AuditWriter struct {
	db   *DB
	ch   chan auditEntry
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan auditEntry, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log enqueues one record. Entries are dropped, with a warning, when
// the buffer is full.
func (w *AuditWriter) Log(exec *Execution, violations []ViolationRecord) {
	select {
	case w.ch <- auditEntry{exec: exec, violations: violations}:
	default:
		log.Warn().Str("exec_id", exec.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Flush drains queued entries, waiting up to timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.ch:
			w.writeWithRetry(entry)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-w.ch:
					w.writeWithRetry(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(entry auditEntry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogExecution(ctx, entry.exec)
		if err == nil {
			for i := range entry.violations {
				entry.violations[i].ExecutionID = entry.exec.ID
				if vErr := w.db.LogViolation(ctx, &entry.violations[i]); vErr != nil {
					log.Warn().Err(vErr).Str("exec_id", entry.exec.ID).Msg("violation write failed")
				}
			}
		}
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("exec_id", entry.exec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", entry.exec.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
