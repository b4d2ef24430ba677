package main

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdogInactivityFires(t *testing.T) {
	fired := make(chan string, 1)
	w := newWatchdog(40*time.Millisecond, time.Second, 10*time.Millisecond, time.Millisecond,
		nil,
		func(verdict string) { fired <- verdict },
	)
	w.Arm(0)

	select {
	case verdict := <-fired:
		if verdict != VerdictInactivityTimeout {
			t.Fatalf("expected inactivity verdict, got %q", verdict)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}
	if w.Verdict() != VerdictInactivityTimeout {
		t.Fatalf("verdict not recorded: %q", w.Verdict())
	}
}

func TestWatchdogTouchDefersInactivity(t *testing.T) {
	var fires int32
	w := newWatchdog(60*time.Millisecond, time.Second, 10*time.Millisecond, time.Millisecond,
		nil,
		func(string) { atomic.AddInt32(&fires, 1) },
	)
	w.Arm(0)

	for i := 0; i < 8; i++ {
		time.Sleep(20 * time.Millisecond)
		w.Touch()
	}
	if atomic.LoadInt32(&fires) != 0 {
		t.Fatal("watchdog fired despite steady activity")
	}
	time.Sleep(150 * time.Millisecond)
	if atomic.LoadInt32(&fires) != 1 {
		t.Fatalf("expected exactly one fire after activity stopped, got %d", fires)
	}
}

func TestWatchdogHardTimerIgnoresTouches(t *testing.T) {
	fired := make(chan string, 1)
	w := newWatchdog(80*time.Millisecond, 150*time.Millisecond, 10*time.Millisecond, time.Millisecond,
		nil,
		func(verdict string) { fired <- verdict },
	)
	w.Arm(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			time.Sleep(20 * time.Millisecond)
			w.Touch()
		}
	}()

	select {
	case verdict := <-fired:
		if verdict != VerdictHardTimeout {
			t.Fatalf("expected hard verdict, got %q", verdict)
		}
	case <-time.After(time.Second):
		t.Fatal("hard timer never fired")
	}
	<-done
}

func TestWatchdogWarningPrecedesFire(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	w := newWatchdog(100*time.Millisecond, time.Second, 40*time.Millisecond, time.Millisecond,
		func(time.Duration) {
			mu.Lock()
			order = append(order, "warn")
			mu.Unlock()
		},
		func(string) {
			mu.Lock()
			order = append(order, "fire")
			mu.Unlock()
			close(done)
		},
	)
	w.Arm(0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "warn" || order[1] != "fire" {
		t.Fatalf("expected warn then fire, got %v", order)
	}
}

func TestWatchdogDisarmStopsEverything(t *testing.T) {
	var fires int32
	var warns int32
	w := newWatchdog(30*time.Millisecond, 60*time.Millisecond, 10*time.Millisecond, time.Millisecond,
		func(time.Duration) { atomic.AddInt32(&warns, 1) },
		func(string) { atomic.AddInt32(&fires, 1) },
	)
	w.Arm(0)
	w.Disarm()
	w.Disarm()

	time.Sleep(120 * time.Millisecond)
	if atomic.LoadInt32(&fires) != 0 || atomic.LoadInt32(&warns) != 0 {
		t.Fatalf("disarmed watchdog still acted: fires=%d warns=%d", fires, warns)
	}
}

func TestWatchdogFiresOnce(t *testing.T) {
	var fires int32
	w := newWatchdog(time.Hour, time.Hour, time.Minute, time.Millisecond,
		nil,
		func(string) { atomic.AddInt32(&fires, 1) },
	)
	w.Arm(0)
	w.Cancel()
	w.Cancel()

	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Fatalf("expected a single fire, got %d", got)
	}
	if w.Verdict() != VerdictCanceled {
		t.Fatalf("expected canceled verdict, got %q", w.Verdict())
	}
}

func TestWatchdogCancelBeforeArmStillKills(t *testing.T) {
	killed := make(chan int, 1)
	w := newWatchdog(time.Hour, time.Hour, time.Minute, time.Millisecond, nil, nil)
	w.kill = func(pid int, grace time.Duration) { killed <- pid }

	w.Cancel()
	w.Arm(4242)

	select {
	case pid := <-killed:
		if pid != 4242 {
			t.Fatalf("cascade aimed at pid %d", pid)
		}
	case <-time.After(time.Second):
		t.Fatal("arming after a cancel must still start the kill cascade")
	}
	if w.Verdict() != VerdictCanceled {
		t.Fatalf("expected canceled verdict, got %q", w.Verdict())
	}
	w.mu.Lock()
	armed := w.idle != nil || w.warn != nil || w.hard != nil
	w.mu.Unlock()
	if armed {
		t.Fatal("timers must stay down once a verdict exists")
	}
}

func TestWatchdogCancelReturnsBeforeCascade(t *testing.T) {
	release := make(chan struct{})
	killed := make(chan int, 1)
	w := newWatchdog(time.Hour, time.Hour, time.Minute, time.Millisecond, nil, nil)
	w.kill = func(pid int, grace time.Duration) {
		<-release
		killed <- pid
	}
	w.Arm(4242)

	done := make(chan struct{})
	go func() {
		w.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel blocked on the kill cascade")
	}

	close(release)
	select {
	case pid := <-killed:
		if pid != 4242 {
			t.Fatalf("cascade aimed at pid %d", pid)
		}
	case <-time.After(time.Second):
		t.Fatal("cascade never ran")
	}
}

func TestWatchdogWarnMarginClamped(t *testing.T) {
	w := newWatchdog(100*time.Millisecond, time.Second, 200*time.Millisecond, time.Millisecond, nil, nil)
	if w.warnMargin != 50*time.Millisecond {
		t.Fatalf("expected margin clamped to half the idle budget, got %v", w.warnMargin)
	}
}
