package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	tailBytes       = 4000
	readChunkSize   = 8192
	waitCancelGrace = "canceling"
)

// tailBuffer keeps the last tailBytes of whatever is written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailBytes {
		t.buf = t.buf[len(t.buf)-tailBytes:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// taskRun is the in-memory supervision state for one task: the process, its
// stream parsers, the progress model, and the watchdog.
type taskRun struct {
	task *Task
	cmd  *exec.Cmd

	outMu     sync.Mutex // guards outParser: pump feeds, partial capture reads
	outParser *StreamParser
	errParser *StreamParser

	tracker  *ProgressTracker
	watchdog *Watchdog

	stdoutTail tailBuffer
	stderrTail tailBuffer

	done      chan struct{}
	finalized bool

	partialMu sync.Mutex
	partial   *TaskResult // captured just before a kill cascade
}

// Manager owns the FIFO queue and the running set, bounded by MaxParallel.
// Everything a task touches after Submit returns happens on manager-owned
// goroutines; callers observe through the registry and the notifier.
type Manager struct {
	cfg      Defaults
	reg      *Registry
	notifier *Notifier
	log      *zap.SugaredLogger

	mu      sync.Mutex
	queue   []*taskRun
	running map[string]*taskRun
	runs    map[string]*taskRun // every run this process has seen, by task id

	start func(*taskRun) error // process launcher, swappable in tests
}

func newManager(cfg Defaults, reg *Registry, notifier *Notifier, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		cfg:      cfg,
		reg:      reg,
		notifier: notifier,
		log:      log,
		running:  map[string]*taskRun{},
		runs:     map[string]*taskRun{},
	}
	m.start = m.startProcess
	return m
}

// Submit validates the spec, persists the pending row, enqueues the run, and
// returns immediately with the task id. Execution happens in the background.
func (m *Manager) Submit(spec TaskSpec) (*Task, error) {
	if spec.Cmd == "" {
		built, err := buildAgentSpec(spec)
		if err != nil {
			return nil, err
		}
		spec = built
	}
	if spec.IdleTimeoutMs <= 0 {
		spec.IdleTimeoutMs = m.cfg.IdleTimeoutMs
	}
	if spec.HardTimeoutMs <= spec.IdleTimeoutMs {
		spec.HardTimeoutMs = m.cfg.HardTimeoutMs
	}
	if spec.HardTimeoutMs <= spec.IdleTimeoutMs {
		spec.HardTimeoutMs = spec.IdleTimeoutMs * 2
	}
	if spec.EnvPolicy == "" {
		spec.EnvPolicy = EnvPolicy(m.cfg.EnvPolicy)
	}

	task := newTask(spec)
	run := &taskRun{
		task:      task,
		outParser: newStreamParser(),
		errParser: newStreamParser(),
		tracker:   newProgressTracker(),
		done:      make(chan struct{}),
	}
	run.watchdog = newWatchdog(
		time.Duration(spec.IdleTimeoutMs)*time.Millisecond,
		time.Duration(spec.HardTimeoutMs)*time.Millisecond,
		time.Duration(m.cfg.WarningMarginMs)*time.Millisecond,
		time.Duration(m.cfg.GraceMs)*time.Millisecond,
		func(margin time.Duration) { m.warn(run, margin) },
		func(verdict string) { m.capturePartial(run, verdict) },
	)

	if err := m.reg.CreateTask(task); err != nil {
		// Degraded registry: the task still runs, the warning is logged by
		// the retry wrapper.
		m.log.Warnw("task_create_degraded", "task", task.ID)
	}

	m.mu.Lock()
	m.runs[task.ID] = run
	m.queue = append(m.queue, run)
	queued := len(m.queue)
	m.mu.Unlock()

	m.log.Infow("task_submitted", "task", task.ID, "agent", spec.Agent, "cmd", spec.Cmd, "queued", queued)
	m.pump()
	return task, nil
}

// pump moves queued runs into the running set while capacity allows, in
// submission order.
func (m *Manager) pump() {
	for {
		m.mu.Lock()
		if len(m.running) >= m.cfg.MaxParallel || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		run := m.queue[0]
		m.queue = m.queue[1:]
		m.running[run.task.ID] = run
		m.mu.Unlock()

		if err := m.start(run); err != nil {
			m.finalize(run, StatusFailed, TaskResult{
				Outcome:  OutcomeSpawnError,
				ExitCode: -1,
				Error:    err.Error(),
			})
		}
	}
}

// startProcess launches the subprocess in its own process group with stdin
// closed, wires the output pumps, and arms the watchdog.
func (m *Manager) startProcess(run *taskRun) error {
	spec := run.task.Spec
	if !isCommandAvailable(spec.Cmd) {
		return fmt.Errorf("command not found on PATH: %s", spec.Cmd)
	}

	cmd := exec.Command(spec.Cmd, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnv(spec, m.cfg)
	cmd.Stdin = nil // a delegated task must never block on interactive input
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	run.cmd = cmd

	now := time.Now().UTC()
	m.mu.Lock()
	run.task.Status = StatusWorking
	run.task.StartedAt = now
	m.mu.Unlock()
	if err := m.reg.MarkWorking(run.task.ID, now); err == nil {
		m.log.Infow("task_started", "task", run.task.ID, "pid", cmd.Process.Pid)
	}

	run.watchdog.Arm(cmd.Process.Pid)

	g := new(errgroup.Group)
	g.Go(func() error {
		m.pumpStream(run, stdout, true)
		return nil
	})
	g.Go(func() error {
		m.pumpStream(run, stderr, false)
		return nil
	})
	go m.await(run, g)
	go m.progressTicks(run)
	return nil
}

// pumpStream reads one pipe to EOF. Every chunk resets the inactivity timer;
// structured events from stdout drive the progress model, stderr only counts
// as diagnostics.
func (m *Manager) pumpStream(run *taskRun, rc io.ReadCloser, structured bool) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			run.watchdog.Touch()
			if structured {
				run.stdoutTail.Write(buf[:n])
				run.outMu.Lock()
				events := run.outParser.Feed(buf[:n])
				run.outMu.Unlock()
				m.observe(run, events)
			} else {
				run.stderrTail.Write(buf[:n])
				for range run.errParser.Feed(buf[:n]) {
					run.tracker.NoteDiagnostic()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// observe folds structured events into the tracker and persists whatever
// changed.
func (m *Manager) observe(run *taskRun, events []StreamEvent) {
	changed := false
	for _, ev := range events {
		if run.tracker.Observe(ev) {
			changed = true
		}
	}
	if threadID := run.tracker.ThreadID(); threadID != "" && threadID != run.task.ThreadID {
		m.mu.Lock()
		run.task.ThreadID = threadID
		m.mu.Unlock()
		_ = m.reg.SetThreadID(run.task.ID, threadID)
	}
	if changed {
		snap := run.tracker.Snapshot()
		m.mu.Lock()
		run.task.Progress = snap
		m.mu.Unlock()
		_ = m.reg.UpdateProgress(run.task.ID, snap)
	}
}

// await blocks on process exit and classifies the terminal state. A watchdog
// verdict always wins over the exit code it caused.
func (m *Manager) await(run *taskRun, g *errgroup.Group) {
	_ = g.Wait()
	err := run.cmd.Wait()

	run.outMu.Lock()
	flushed := run.outParser.Flush()
	run.outMu.Unlock()
	m.observe(run, flushed)
	for range run.errParser.Flush() {
		run.tracker.NoteDiagnostic()
	}

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	status, result := classifyExit(run.watchdog.Verdict(), err, exitCode, run.task.Spec, run.tracker)
	m.attachCapture(run, &result)
	m.finalize(run, status, result)
}

// classifyExit maps the watchdog verdict, exit error, and stream evidence to
// the terminal status. A watchdog verdict always wins over the exit code it
// caused.
func classifyExit(verdict string, waitErr error, exitCode int, spec TaskSpec, tracker *ProgressTracker) (TaskStatus, TaskResult) {
	switch verdict {
	case VerdictInactivityTimeout:
		return StatusFailed, TaskResult{
			Outcome:  OutcomeInactivityTimeout,
			ExitCode: exitCode,
			Error:    fmt.Sprintf("no output for %dms", spec.IdleTimeoutMs),
		}
	case VerdictHardTimeout:
		return StatusFailed, TaskResult{
			Outcome:  OutcomeHardTimeout,
			ExitCode: exitCode,
			Error:    fmt.Sprintf("exceeded hard budget of %dms", spec.HardTimeoutMs),
		}
	case VerdictCanceled:
		return StatusCanceled, TaskResult{Outcome: OutcomeCanceled, ExitCode: exitCode}
	}
	if waitErr != nil {
		return StatusFailed, TaskResult{
			Outcome:  OutcomeNonZeroExit,
			ExitCode: exitCode,
			Error:    waitErr.Error(),
		}
	}
	status := StatusCompleted
	if tracker.FailedItems() > 0 {
		status = StatusCompletedWithErrors
	} else if tracker.FailedTurns() > 0 || tracker.Anomalies() > 0 {
		status = StatusCompletedWithWarnings
	}
	return status, TaskResult{Outcome: OutcomeSuccess}
}

// attachCapture fills the result's tails and recent events, preferring the
// snapshot taken right before a kill cascade.
func (m *Manager) attachCapture(run *taskRun, result *TaskResult) {
	run.partialMu.Lock()
	partial := run.partial
	run.partialMu.Unlock()
	if partial != nil {
		result.StdoutTail = partial.StdoutTail
		result.StderrTail = partial.StderrTail
		result.RecentEvents = partial.RecentEvents
		return
	}
	result.StdoutTail = run.stdoutTail.String()
	result.StderrTail = run.stderrTail.String()
	run.outMu.Lock()
	result.RecentEvents = run.outParser.Recent()
	run.outMu.Unlock()
}

// capturePartial runs inside the watchdog's fire path, before any signal is
// sent, so the terminal result can show what the task was doing when it hung.
func (m *Manager) capturePartial(run *taskRun, verdict string) {
	run.outMu.Lock()
	recent := run.outParser.Recent()
	run.outMu.Unlock()
	capture := &TaskResult{
		StdoutTail:   run.stdoutTail.String(),
		StderrTail:   run.stderrTail.String(),
		RecentEvents: recent,
	}
	run.partialMu.Lock()
	run.partial = capture
	run.partialMu.Unlock()
	m.log.Warnw("watchdog_fired", "task", run.task.ID, "verdict", verdict)
}

// warn publishes the pre-timeout notice so a caller can extend, nudge, or
// cancel before the cascade starts.
func (m *Manager) warn(run *taskRun, margin time.Duration) {
	snap := run.tracker.Snapshot()
	run.outMu.Lock()
	recent := run.outParser.Recent()
	run.outMu.Unlock()
	m.notifier.Publish(Notice{
		Kind:     NoticeWarning,
		TaskID:   run.task.ID,
		Status:   StatusWorking,
		Progress: snap,
		Message:  fmt.Sprintf("inactivity timeout in %s", margin),
		Result: &TaskResult{
			StdoutTail:   run.stdoutTail.String(),
			StderrTail:   run.stderrTail.String(),
			RecentEvents: recent,
		},
	})
	m.log.Warnw("task_stalling", "task", run.task.ID, "fires_in", margin.String())
}

// finalize applies the one terminal transition for a run. Safe to call from
// the await path and the cancel path concurrently; only the first wins.
func (m *Manager) finalize(run *taskRun, status TaskStatus, result TaskResult) {
	m.mu.Lock()
	if run.finalized {
		m.mu.Unlock()
		return
	}
	run.finalized = true
	delete(m.running, run.task.ID)
	for i, queued := range m.queue {
		if queued == run {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	run.watchdog.Disarm()
	succeeded := status == StatusCompleted || status == StatusCompletedWithWarnings || status == StatusCompletedWithErrors
	run.tracker.MarkTerminal(succeeded)
	snap := run.tracker.Snapshot()
	now := time.Now().UTC()

	m.mu.Lock()
	run.task.Status = status
	run.task.CompletedAt = now
	run.task.Progress = snap
	run.task.Result = &result
	m.mu.Unlock()

	won, err := m.reg.FinalizeTask(run.task.ID, status, result, snap, now)
	if err == nil && !won {
		m.log.Debugw("finalize_lost_race", "task", run.task.ID)
	}

	m.notifier.Publish(Notice{
		Kind:     NoticeTerminal,
		TaskID:   run.task.ID,
		Status:   status,
		Progress: snap,
		Result:   &result,
	})
	m.log.Infow("task_finalized",
		"task", run.task.ID,
		"status", status,
		"outcome", result.Outcome,
		"exit_code", result.ExitCode,
	)

	close(run.done)
	m.pump()
}

// progressTicks publishes periodic progress notices until the run ends.
func (m *Manager) progressTicks(run *taskRun) {
	ticker := time.NewTicker(time.Duration(m.cfg.ProgressTickMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-run.done:
			return
		case <-ticker.C:
			m.notifier.Publish(Notice{
				Kind:     NoticeProgress,
				TaskID:   run.task.ID,
				Status:   StatusWorking,
				Progress: run.tracker.Snapshot(),
			})
		}
	}
}

// Cancel requests termination. Queued runs finalize immediately; running ones
// go through the watchdog's kill cascade and finalize on process exit.
// Canceling an already-terminal task is a no-op.
func (m *Manager) Cancel(id, reason string) (string, error) {
	m.mu.Lock()
	run, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		_, found, err := m.reg.GetTask(id)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("unknown task: %s", id)
		}
		// Known only to the registry: either already terminal or left over
		// from a previous process, where reconciliation made it terminal.
		return "terminal", nil
	}

	m.mu.Lock()
	if run.finalized {
		m.mu.Unlock()
		return "terminal", nil
	}
	if _, isRunning := m.running[id]; isRunning {
		m.mu.Unlock()
		m.log.Infow("task_cancel_requested", "task", id, "reason", reason)
		run.watchdog.Cancel()
		return waitCancelGrace, nil
	}
	// Still queued: pull it out in the same critical section pump dequeues
	// under, so a canceled run can never be handed to the spawner.
	for i, queued := range m.queue {
		if queued == run {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.finalize(run, StatusCanceled, TaskResult{
		Outcome: OutcomeCanceled,
		Error:   reason,
	})
	return "canceled", nil
}

// Status reports the scheduler's live shape.
func (m *Manager) Status() (active, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running), len(m.queue)
}

// QueuedIDs lists queued task ids in dispatch order.
func (m *Manager) QueuedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queue))
	for _, run := range m.queue {
		out = append(out, run.task.ID)
	}
	return out
}

// buildEnv materializes the child environment per the task's policy. The
// default shares nothing: a non-nil empty slice keeps the parent environment
// out entirely.
func buildEnv(spec TaskSpec, cfg Defaults) []string {
	env := make([]string, 0, 8)
	switch spec.EnvPolicy {
	case EnvInheritAll:
		env = append(env, os.Environ()...)
	case EnvAllowList:
		allow := spec.EnvAllow
		if len(allow) == 0 {
			allow = cfg.EnvAllowlist
		}
		for _, key := range allow {
			if val, ok := os.LookupEnv(key); ok {
				env = append(env, key+"="+val)
			}
		}
	}
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+spec.Env[k])
		}
	}
	return env
}
