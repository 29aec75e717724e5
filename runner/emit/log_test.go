package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(Event{RunID: "run_1", TrialID: "trial_1", Step: 3, Msg: "trial_completed"})

	var decoded Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.RunID != "run_1" || decoded.TrialID != "trial_1" || decoded.Step != 3 {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(Event{RunID: "run_1", Msg: "trial_started", Meta: map[string]any{"variant": "a"}})

	out := buf.String()
	if !strings.Contains(out, "[trial_started]") || !strings.Contains(out, "run_id=run_1") || !strings.Contains(out, "variant=a") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestLogEmitterNilWriterDefaultsToStdout(t *testing.T) {
	e := NewLogEmitter(nil, true)
	if e.writer == nil {
		t.Fatal("expected non-nil default writer")
	}
}
