package jobs

import (
	"encoding/json"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func queuedRecord() Record {
	return Record{JobKey: "j1", State: StateQueued}
}

func apply(t *testing.T, r Record, m Message) (Record, bool) {
	t.Helper()
	return applyPatch(r, PatchForMessage(m), testNow)
}

func TestApplyPatch_BeginMovesToProcessing(t *testing.T) {
	r, applied := apply(t, queuedRecord(), Message{Type: MessageBegin, JobKey: "j1"})
	if !applied || r.State != StateProcessing {
		t.Fatalf("record = %+v applied=%v, want processing", r, applied)
	}

	// begin is idempotent while processing
	r2, applied := apply(t, r, Message{Type: MessageBegin, JobKey: "j1"})
	if applied {
		t.Fatalf("repeated begin applied = true, record %+v", r2)
	}
}

func TestApplyPatch_BeginCarriesBatchProgress(t *testing.T) {
	batch := Consolidate([]Message{
		{Type: MessageProgress, JobKey: "j1", Progress: 30},
		{Type: MessageProgress, JobKey: "j1", Progress: 10},
		{Type: MessageBegin, JobKey: "j1"},
	})

	r, applied := applyPatch(queuedRecord(), PatchForMessage(batch["j1"]), testNow)
	if !applied || r.State != StateProcessing || r.Progress != 30 {
		t.Fatalf("record = %+v, want processing at 30", r)
	}
}

func TestApplyPatch_ProgressIsMonotonic(t *testing.T) {
	r := Record{JobKey: "j1", State: StateProcessing, Progress: 40}

	r, applied := apply(t, r, Message{Type: MessageProgress, JobKey: "j1", Progress: 60})
	if !applied || r.Progress != 60 {
		t.Fatalf("progress = %v applied=%v, want 60", r.Progress, applied)
	}
	r, applied = apply(t, r, Message{Type: MessageProgress, JobKey: "j1", Progress: 55})
	if applied || r.Progress != 60 {
		t.Fatalf("stale progress applied: %v (progress %v)", applied, r.Progress)
	}
	_, applied = apply(t, r, Message{Type: MessageProgress, JobKey: "j1", Progress: 60})
	if applied {
		t.Fatal("equal progress must be a no-op")
	}
}

func TestApplyPatch_ErrorOnlyFromActiveStates(t *testing.T) {
	r, applied := apply(t, queuedRecord(), Message{Type: MessageError, JobKey: "j1", Error: "boom"})
	if !applied || r.State != StateError || r.Error != "boom" {
		t.Fatalf("record = %+v, want error state", r)
	}

	// a late error cannot undo completion
	done := Record{JobKey: "j1", State: StateComplete, Progress: 100}
	r2, applied := apply(t, done, Message{Type: MessageError, JobKey: "j1", Error: "late"})
	if applied || r2.State != StateComplete || r2.Error != "" {
		t.Fatalf("late error mutated a complete job: %+v", r2)
	}

	// nor can an error pile onto an existing error
	failed := Record{JobKey: "j1", State: StateError, Error: "boom"}
	_, applied = apply(t, failed, Message{Type: MessageError, JobKey: "j1", Error: "again"})
	if applied {
		t.Fatal("error applied on top of error state")
	}
}

func TestApplyPatch_ResultCompletesAndClearsError(t *testing.T) {
	failed := Record{JobKey: "j1", State: StateError, Error: "transient", Progress: 80}
	payload := json.RawMessage(`{"fragments":3}`)

	r, applied := apply(t, failed, Message{Type: MessageResult, JobKey: "j1", Result: payload})
	if !applied {
		t.Fatal("result did not apply")
	}
	if r.State != StateComplete || r.Progress != 100 || r.Error != "" {
		t.Fatalf("record = %+v, want complete/100/no error", r)
	}
	if string(r.Result) != string(payload) {
		t.Fatalf("result = %s, want payload", r.Result)
	}
	if !r.UpdatedAt.Equal(testNow) {
		t.Fatalf("updated_at = %v, want %v", r.UpdatedAt, testNow)
	}
}

func TestApplyPatch_CompleteIsFinal(t *testing.T) {
	done := Record{JobKey: "j1", State: StateComplete, Progress: 100, Result: []byte(`{}`)}
	for _, m := range []Message{
		{Type: MessageBegin, JobKey: "j1"},
		{Type: MessageProgress, JobKey: "j1", Progress: 10},
		{Type: MessageError, JobKey: "j1", Error: "boom"},
		{Type: MessageResult, JobKey: "j1", Result: []byte(`{"other":1}`)},
	} {
		r, applied := apply(t, done, m)
		if applied {
			t.Fatalf("%s applied to a complete job: %+v", m.Type, r)
		}
	}
}
