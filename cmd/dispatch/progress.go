package main

import (
	"fmt"
	"sync"
)

// ProgressSnapshot is a serializable view of how far a task has come. It is
// immutable once captured; the tracker hands out a fresh value each time.
type ProgressSnapshot struct {
	PercentComplete float64 `json:"percentComplete"`
	CurrentAction   string  `json:"currentAction,omitempty"`
	CompletedSteps  int     `json:"completedSteps"`
	TotalSteps      int     `json:"totalSteps"`
	FilesChanged    int     `json:"filesChanged"`
	CommandsRun     int     `json:"commandsRun"`
	Terminal        bool    `json:"terminal"`
}

const (
	itemTypeFileChange = "file_change"
	itemTypeCommand    = "command_execution"
)

// ProgressTracker infers progress from the event stream without the
// subprocess ever reporting a percentage. Turns are major steps; items are
// sub-steps within them. In-progress items count as half credit so observers
// see movement before anything fully completes, and the file/command counters
// move at item start so activity is visible immediately.
type ProgressTracker struct {
	mu          sync.Mutex
	itemState   map[string]string // item id -> in_progress | done
	total       int
	completed   int
	inProgress  int
	failedItems int
	turns       int
	turnsFailed int
	anomalies   int // unstructured lines on the structured stream
	diagnostics int // plain diagnostic output (stderr)
	filesSeen   int
	commandsRun int
	action      string
	threadID    string
	lastPercent float64
	terminal    bool
	succeeded   bool
	seq         int // synthesizes ids for items arriving without one
}

func newProgressTracker() *ProgressTracker {
	return &ProgressTracker{itemState: map[string]string{}}
}

// Observe folds one event into the model. It reports whether the snapshot
// changed, so callers can skip redundant persistence.
func (t *ProgressTracker) Observe(ev StreamEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case "thread.started":
		if id := ev.field("thread_id"); id != "" {
			t.threadID = id
		}
		return false
	case "turn.started":
		t.turns++
		t.action = fmt.Sprintf("turn %d in progress", t.turns)
		return true
	case "turn.completed":
		t.action = fmt.Sprintf("turn %d completed", t.turns)
		return true
	case "turn.failed":
		t.turnsFailed++
		t.action = fmt.Sprintf("turn %d failed", t.turns)
		return true
	case "item.started":
		id := t.itemID(ev)
		if t.itemState[id] != "" {
			return false
		}
		t.itemState[id] = "in_progress"
		t.total++
		t.inProgress++
		switch ev.field("item.item_type") {
		case itemTypeFileChange:
			t.filesSeen++
		case itemTypeCommand:
			t.commandsRun++
		}
		if action := itemAction(ev); action != "" {
			t.action = action
		}
		return true
	case "item.updated":
		if action := itemAction(ev); action != "" && action != t.action {
			t.action = action
			return true
		}
		return false
	case "item.completed", "item.failed":
		id := t.itemID(ev)
		state, seen := t.itemState[id]
		if !seen {
			// Completion without a matched start still counts as one step.
			t.itemState[id] = "done"
			t.total++
			t.completed++
		} else if state == "in_progress" {
			t.itemState[id] = "done"
			t.inProgress--
			t.completed++
		} else {
			return false
		}
		if ev.Kind == "item.failed" {
			t.failedItems++
		}
		return true
	case eventKindRaw:
		t.anomalies++
		return false
	default:
		return false
	}
}

func (t *ProgressTracker) itemID(ev StreamEvent) string {
	if id := ev.field("item.id"); id != "" {
		return id
	}
	t.seq++
	return fmt.Sprintf("anon-%d", t.seq)
}

func itemAction(ev StreamEvent) string {
	switch ev.field("item.item_type") {
	case itemTypeCommand:
		if cmd := ev.field("item.command"); cmd != "" {
			return "running: " + cmd
		}
		return "running a command"
	case itemTypeFileChange:
		if path := ev.field("item.path"); path != "" {
			return "editing " + path
		}
		return "editing files"
	case "agent_message":
		return "composing response"
	case "reasoning":
		return "thinking"
	default:
		return ""
	}
}

// Snapshot derives the current view. The percentage is clamped monotone:
// discovering new items grows the denominator, and without the clamp the
// ratio would dip.
func (t *ProgressTracker) Snapshot() ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	percent := t.lastPercent
	if t.terminal && t.succeeded {
		percent = 1
	} else if t.total > 0 {
		raw := (float64(t.completed) + 0.5*float64(t.inProgress)) / float64(t.total)
		if raw > percent {
			percent = raw
		}
	}
	t.lastPercent = percent

	return ProgressSnapshot{
		PercentComplete: percent,
		CurrentAction:   t.action,
		CompletedSteps:  t.completed,
		TotalSteps:      t.total,
		FilesChanged:    t.filesSeen,
		CommandsRun:     t.commandsRun,
		Terminal:        t.terminal,
	}
}

// MarkTerminal freezes the model. Successful completion pins the percentage
// to 100; failures keep the last observed value.
func (t *ProgressTracker) MarkTerminal(succeeded bool) {
	t.mu.Lock()
	t.terminal = true
	t.succeeded = succeeded
	t.mu.Unlock()
}

func (t *ProgressTracker) ThreadID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

func (t *ProgressTracker) FailedItems() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedItems
}

func (t *ProgressTracker) FailedTurns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turnsFailed
}

func (t *ProgressTracker) Anomalies() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anomalies
}

// NoteDiagnostic counts a line of plain diagnostic output. Diagnostics are
// routine and never affect the terminal classification.
func (t *ProgressTracker) NoteDiagnostic() {
	t.mu.Lock()
	t.diagnostics++
	t.mu.Unlock()
}
