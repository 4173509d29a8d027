// Package runlog persists finalized sync runs and the marker of the pull run in flight.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/midastechnical/storefront-sync/internal/model"
)

// ErrNotFinalized is returned by Finish for runs still in a non-terminal state.
var ErrNotFinalized = errors.New("sync run is not finalized")

// Log records sync runs. Begin marks a run in flight; Finish appends the
// finalized record and clears the marker if it belongs to the same run.
type Log interface {
	Begin(ctx context.Context, run model.SyncRun) error
	Finish(ctx context.Context, run model.SyncRun) error
	Recent(ctx context.Context, n int) ([]model.SyncRun, error)
	InFlight(ctx context.Context) (model.SyncRun, bool, error)
}

// Memory keeps the newest limit runs in process memory.
type Memory struct {
	mu       sync.Mutex
	limit    int
	runs     []model.SyncRun // newest first
	inflight *model.SyncRun
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 200
	}
	return &Memory{limit: limit}
}

func (m *Memory) Begin(ctx context.Context, run model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := cloneRun(run)
	m.inflight = &r
	return nil
}

func (m *Memory) Finish(ctx context.Context, run model.SyncRun) error {
	if !run.Finalized() {
		return fmt.Errorf("%w: %s is %s", ErrNotFinalized, run.ID, run.State)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append([]model.SyncRun{cloneRun(run)}, m.runs...)
	if len(m.runs) > m.limit {
		m.runs = m.runs[:m.limit]
	}
	if m.inflight != nil && m.inflight.ID == run.ID {
		m.inflight = nil
	}
	return nil
}

func (m *Memory) Recent(ctx context.Context, n int) ([]model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.runs) {
		n = len(m.runs)
	}
	out := make([]model.SyncRun, 0, n)
	for _, r := range m.runs[:n] {
		out = append(out, cloneRun(r))
	}
	return out, nil
}

func (m *Memory) InFlight(ctx context.Context) (model.SyncRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight == nil {
		return model.SyncRun{}, false, nil
	}
	return cloneRun(*m.inflight), true, nil
}

func cloneRun(r model.SyncRun) model.SyncRun {
	r.Errors = append([]model.SyncError(nil), r.Errors...)
	return r
}
