package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// LogEmitter writes events to an io.Writer, either as JSONL (one event per
// line) or as human-readable key=value text.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter builds a LogEmitter over writer. A nil writer defaults to
// os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one line describing event.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = l.writer.Write(append(b, '\n'))
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] run_id=%s", event.Msg, event.RunID)
	if event.TrialID != "" {
		fmt.Fprintf(l.writer, " trial_id=%s", event.TrialID)
	}
	if event.Step != 0 {
		fmt.Fprintf(l.writer, " step=%d", event.Step)
	}
	if len(event.Meta) > 0 {
		keys := make([]string, 0, len(event.Meta))
		for k := range event.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(l.writer, " %s=%v", k, event.Meta[k])
		}
	}
	fmt.Fprintln(l.writer)
}
