package main

import (
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Watchdog verdicts. Empty means the task is still running.
const (
	VerdictInactivityTimeout = "inactivity_timeout"
	VerdictHardTimeout       = "hard_timeout"
	VerdictCanceled          = "canceled"
)

// Watchdog is the per-task hang detector. It keeps two independent timers:
// an inactivity timer reset on every chunk of output, and a hard timer
// started at launch and never reset. A warning fires shortly before the
// inactivity timer would. Whichever terminal transition comes first disarms
// everything; timers can neither leak nor fire twice.
type Watchdog struct {
	idleTimeout time.Duration
	hardTimeout time.Duration
	warnMargin  time.Duration
	grace       time.Duration

	onWarn func(idle time.Duration)
	onFire func(verdict string)
	kill   func(pid int, grace time.Duration) // cascade runner, swappable in tests

	mu       sync.Mutex
	idle     *time.Timer
	warn     *time.Timer
	hard     *time.Timer
	pid      int
	verdict  string
	disarmed bool
}

func newWatchdog(idle, hard, warnMargin, grace time.Duration, onWarn func(time.Duration), onFire func(string)) *Watchdog {
	if warnMargin >= idle {
		warnMargin = idle / 2
	}
	return &Watchdog{
		idleTimeout: idle,
		hardTimeout: hard,
		warnMargin:  warnMargin,
		grace:       grace,
		onWarn:      onWarn,
		onFire:      onFire,
		kill:        terminateProcessTree,
	}
}

// Arm starts both timers against the given process group leader. A verdict
// can already exist here: a cancel that lands while the launch is still in
// flight fires before the pid is known. In that case the timers stay down and
// the cascade runs against the now-known pid, so the process cannot outlive
// its task unsupervised.
func (w *Watchdog) Arm(pid int) {
	w.mu.Lock()
	if w.disarmed {
		w.mu.Unlock()
		return
	}
	w.pid = pid
	if w.verdict != "" {
		kill, grace := w.kill, w.grace
		w.mu.Unlock()
		if pid > 0 {
			go kill(pid, grace)
		}
		return
	}
	w.idle = time.AfterFunc(w.idleTimeout, func() { w.fire(VerdictInactivityTimeout) })
	w.warn = time.AfterFunc(w.idleTimeout-w.warnMargin, w.warned)
	w.hard = time.AfterFunc(w.hardTimeout, func() { w.fire(VerdictHardTimeout) })
	w.mu.Unlock()
}

// Touch resets the inactivity and warning timers. Called on every chunk of
// subprocess output. The hard timer is deliberately left alone.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disarmed || w.verdict != "" || w.idle == nil {
		return
	}
	w.idle.Reset(w.idleTimeout)
	w.warn.Reset(w.idleTimeout - w.warnMargin)
}

// Cancel records a cooperative cancellation and starts the kill cascade
// without waiting for it. Idempotent: a task already timed out or disarmed is
// left alone.
func (w *Watchdog) Cancel() {
	w.fire(VerdictCanceled)
}

// Disarm stops every timer. Safe to call from any exit path, any number of
// times.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disarmed = true
	w.stopTimersLocked()
}

// Verdict reports which terminal classification, if any, the watchdog made.
func (w *Watchdog) Verdict() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.verdict
}

func (w *Watchdog) stopTimersLocked() {
	if w.idle != nil {
		w.idle.Stop()
	}
	if w.warn != nil {
		w.warn.Stop()
	}
	if w.hard != nil {
		w.hard.Stop()
	}
}

func (w *Watchdog) warned() {
	w.mu.Lock()
	if w.disarmed || w.verdict != "" {
		w.mu.Unlock()
		return
	}
	onWarn := w.onWarn
	margin := w.warnMargin
	w.mu.Unlock()
	if onWarn != nil {
		onWarn(margin)
	}
}

func (w *Watchdog) fire(verdict string) {
	w.mu.Lock()
	if w.disarmed || w.verdict != "" {
		w.mu.Unlock()
		return
	}
	w.verdict = verdict
	w.stopTimersLocked()
	pid := w.pid
	onFire := w.onFire
	kill, grace := w.kill, w.grace
	w.mu.Unlock()

	// Partial-result capture happens in the callback before termination. The
	// cascade itself runs detached; callers must not sit out the grace period.
	if onFire != nil {
		onFire(verdict)
	}
	if pid > 0 {
		go kill(pid, grace)
	}
}

// terminateProcessTree sends a graceful signal to the whole process group,
// waits out the grace period, then force-kills every remaining descendant so
// no orphaned children survive the task.
func terminateProcessTree(pid int, grace time.Duration) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(grace)
	for _, child := range collectDescendants(pid) {
		_ = syscall.Kill(int(child), syscall.SIGKILL)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// collectDescendants walks the tree below pid. The group kill usually
// suffices; this catches children that re-parented into their own group.
func collectDescendants(pid int) []int32 {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int32
	stack := []*process.Process{root}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			out = append(out, c.Pid)
			stack = append(stack, c)
		}
	}
	return out
}
