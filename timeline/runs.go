/*
	Tracklore
	Copyright (c) 2025 Tracklore Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package timeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// RunKind identifies a migration operation.
type RunKind string

const (
	RunKindExport RunKind = "export"
	RunKindImport RunKind = "import"
	RunKindLegacy RunKind = "legacy_migration"
)

// runCoordinator enforces single-flight scheduling: at most one migration
// operation may be active process-wide. A second concurrent call fails
// immediately with ErrRunInProgress; it does not queue.
type runCoordinator struct {
	mu     sync.Mutex
	active *RunHandle
}

// begin atomically tests and sets the active run. config is hashed into
// the run's identity for logging; it must be JSON-encodable.
func (rc *runCoordinator) begin(ctx context.Context, kind RunKind, config any) (*RunHandle, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.active != nil {
		return nil, ErrRunInProgress
	}

	ctx, cancel := context.WithCancel(ctx)

	baseLogger := Log.Named(string(kind)).With(
		zap.String("run_hash", runHash(kind, config)),
		zap.Time("started", time.Now()))

	run := &RunHandle{
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		rc:        rc,
		kind:      kind,
		logger:    baseLogger,
		statusLog: Log.Named("migration.status").With(zap.String("kind", string(kind))),
	}
	rc.active = run

	run.statusLog.Info("started")

	return run, nil
}

func runHash(kind RunKind, config any) string {
	h := blake3.New()
	_, _ = h.WriteString(string(kind))
	if config != nil {
		if b, err := json.Marshal(config); err == nil {
			_, _ = h.Write(b)
		}
	}
	sum := h.Sum(nil)
	const short = 8
	return hex.EncodeToString(sum[:short])
}

// RunHandle represents an in-flight migration operation. It carries the
// run's context and reports discrete phase + fractional progress for UI
// consumption via the unsampled migration.status logger. A RunHandle must
// not be copied.
type RunHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	rc     *runCoordinator
	kind   RunKind

	logger    *zap.Logger
	statusLog *zap.Logger

	mu sync.Mutex

	// protected by mu
	currentPhase    string
	currentProgress int
	currentTotal    int
	currentMessage  string
	lastFlush       time.Time
}

// Context returns the context the run is being executed in. Per-phase and
// per-batch loops check it between units of work.
func (r *RunHandle) Context() context.Context { return r.ctx }

// Logger returns a logger for the run.
func (r *RunHandle) Logger() *zap.Logger { return r.logger }

// Kind returns which migration operation this run is.
func (r *RunHandle) Kind() RunKind { return r.kind }

// Done is closed when the run has finished and released the coordinator.
func (r *RunHandle) Done() <-chan struct{} { return r.done }

// Cancel requests cooperative cancellation of the run.
func (r *RunHandle) Cancel() { r.cancel() }

// SetPhase resets progress for a new phase of the run.
func (r *RunHandle) SetPhase(phase string, total int) {
	r.mu.Lock()
	r.currentPhase = phase
	r.currentProgress = 0
	r.currentTotal = total
	r.flushProgress(r.statusLog)
	r.mu.Unlock()
}

// SetTotal sets the expected number of units for the current phase. Set
// it once the total is properly known rather than accumulating as you go,
// since progress displays rely on it.
func (r *RunHandle) SetTotal(total int) {
	r.mu.Lock()
	r.currentTotal = total
	r.flushProgress(nil)
	r.mu.Unlock()
}

// Progress adds delta units of completed work within the current phase.
func (r *RunHandle) Progress(delta int) {
	r.mu.Lock()
	r.currentProgress += delta
	r.flushProgress(nil)
	r.mu.Unlock()
}

// Message updates the current status line to show the user.
func (r *RunHandle) Message(message string) {
	r.mu.Lock()
	r.currentMessage = message
	r.flushProgress(nil)
	r.mu.Unlock()
}

// flushProgress writes a log that UIs use to update run progress, if it
// has been enough time since the last flush. To force a flush, pass in a
// logger, even if it's the default statusLog.
// MUST BE CALLED IN A LOCK ON THE RUN MUTEX.
func (r *RunHandle) flushProgress(logger *zap.Logger) {
	if logger == nil && time.Since(r.lastFlush) < runFlushInterval {
		return
	}
	if logger == nil {
		logger = r.statusLog
	}
	var fraction float64
	if r.currentTotal > 0 {
		fraction = float64(r.currentProgress) / float64(r.currentTotal)
	}
	logger.Info("progress",
		zap.String("phase", r.currentPhase),
		zap.Int("progress", r.currentProgress),
		zap.Int("total", r.currentTotal),
		zap.Float64("fraction", fraction),
		zap.String("message", r.currentMessage))
	r.lastFlush = time.Now()
}

// finish releases the coordinator and logs the final state. It is
// idempotent in effect but must only be called once, by the operation
// that owns the run.
func (r *RunHandle) finish(err error) {
	r.cancel()

	r.mu.Lock()
	r.flushProgress(r.statusLog)
	r.mu.Unlock()

	switch {
	case err == nil:
		r.statusLog.Info("succeeded")
	case errors.Is(err, context.Canceled):
		r.statusLog.Warn("aborted", zap.Error(err))
	default:
		r.statusLog.Error("failed", zap.Error(err))
	}

	r.rc.mu.Lock()
	if r.rc.active == r {
		r.rc.active = nil
	}
	r.rc.mu.Unlock()

	close(r.done)
}

const runFlushInterval = 250 * time.Millisecond
