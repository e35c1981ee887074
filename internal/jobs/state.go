package jobs

import (
	"context"
	"errors"
	"time"
)

// State is a job's position in its lifecycle. Transitions are monotonic:
// queued -> processing -> complete | error. A late result may still finish a
// job marked error (the work did complete); nothing ever leaves complete.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
	StateError      State = "error"
)

// ErrJobNotFound is returned for lifecycle messages referencing a job the
// store never saw.
var ErrJobNotFound = errors.New("job not found")

// Record is the stored state of one job.
type Record struct {
	JobKey    string    `json:"jobKey"`
	State     State     `json:"state"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Result    []byte    `json:"result,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch is a guarded, idempotent update to a job record. Guards make
// out-of-order and replayed messages harmless: a patch whose guard does not
// match the current state is skipped, not an error.
type Patch struct {
	// State to move to. Empty leaves the state untouched.
	State State
	// ProgressFloor raises the stored progress to this value; a lower or
	// equal report is ignored.
	ProgressFloor *float64
	// ErrorMessage to record.
	ErrorMessage string
	// Result payload to record.
	Result []byte
	// ClearError wipes a previously recorded error.
	ClearError bool
	// GuardStates restricts the patch to records currently in one of these
	// states. Empty means unguarded.
	GuardStates []State
}

// PatchForMessage translates a lifecycle message into its guarded patch:
//
//	begin     -> processing (raising any consolidated progress), only from
//	             queued or processing
//	progress  -> raise progress, only while queued or processing
//	error     -> error state, only from queued or processing
//	result    -> complete with full progress, from any non-complete state
func PatchForMessage(m Message) Patch {
	active := []State{StateQueued, StateProcessing}
	switch m.Type {
	case MessageBegin:
		p := Patch{State: StateProcessing, GuardStates: active}
		if m.Progress > 0 {
			prog := m.Progress
			p.ProgressFloor = &prog
		}
		return p
	case MessageProgress:
		p := m.Progress
		return Patch{ProgressFloor: &p, GuardStates: active}
	case MessageError:
		return Patch{State: StateError, ErrorMessage: m.Error, GuardStates: active}
	default: // MessageResult
		full := 100.0
		return Patch{
			State:         StateComplete,
			ProgressFloor: &full,
			Result:        m.Result,
			ClearError:    true,
			GuardStates:   []State{StateQueued, StateProcessing, StateError},
		}
	}
}

// applyPatch returns the patched record and whether anything was applied.
// It is pure; stores call it inside their own concurrency control.
func applyPatch(r Record, p Patch, now time.Time) (Record, bool) {
	if len(p.GuardStates) > 0 {
		ok := false
		for _, s := range p.GuardStates {
			if r.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return r, false
		}
	}

	applied := false
	if p.State != "" && p.State != r.State {
		r.State = p.State
		applied = true
	}
	if p.ProgressFloor != nil && *p.ProgressFloor > r.Progress {
		r.Progress = *p.ProgressFloor
		applied = true
	}
	if p.ErrorMessage != "" && p.ErrorMessage != r.Error {
		r.Error = p.ErrorMessage
		applied = true
	}
	if p.ClearError && r.Error != "" {
		r.Error = ""
		applied = true
	}
	if len(p.Result) > 0 {
		r.Result = p.Result
		applied = true
	}
	if applied {
		r.UpdatedAt = now
	}
	return r, applied
}

// Store persists job records.
type Store interface {
	// Create registers a job in the queued state. Creating an existing job
	// returns its current record unchanged.
	Create(ctx context.Context, jobKey string) (*Record, error)
	// Get fetches a job record, or ErrJobNotFound.
	Get(ctx context.Context, jobKey string) (*Record, error)
	// Apply atomically applies a guarded patch. The bool reports whether the
	// patch changed the record; a guard miss is (record, false, nil).
	Apply(ctx context.Context, jobKey string, p Patch) (*Record, bool, error)
}
