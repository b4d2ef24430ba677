package main

import (
	"fmt"
	"testing"
)

func TestNotifierDelivers(t *testing.T) {
	n := newNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	n.Publish(Notice{Kind: NoticeProgress, TaskID: "task-1"})

	nt := <-ch
	if nt.TaskID != "task-1" || nt.Kind != NoticeProgress {
		t.Fatalf("unexpected notice: %+v", nt)
	}
	if nt.At.IsZero() {
		t.Error("publish should stamp the time")
	}
}

func TestNotifierDropOldest(t *testing.T) {
	n := newNotifier()
	ch, cancel := n.Subscribe()
	defer cancel()

	// Overfill the subscriber without draining it.
	for i := 0; i < noticeBuffer+10; i++ {
		n.Publish(Notice{Kind: NoticeProgress, TaskID: fmt.Sprintf("task-%d", i)})
	}

	first := <-ch
	if first.TaskID == "task-0" {
		t.Fatal("oldest notice should have been dropped")
	}

	drained := 1
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained != noticeBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", noticeBuffer, drained)
	}
}

func TestNotifierUnsubscribeCloses(t *testing.T) {
	n := newNotifier()
	ch, cancel := n.Subscribe()
	cancel()
	cancel() // safe twice

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// Publishing to no subscribers must not panic.
	n.Publish(Notice{Kind: NoticeTerminal, TaskID: "task-x"})
}

func TestNotifierIndependentSubscribers(t *testing.T) {
	n := newNotifier()
	a, cancelA := n.Subscribe()
	b, cancelB := n.Subscribe()
	defer cancelA()
	defer cancelB()

	n.Publish(Notice{Kind: NoticeTerminal, TaskID: "task-1"})

	if nt := <-a; nt.TaskID != "task-1" {
		t.Errorf("subscriber a missed the notice")
	}
	if nt := <-b; nt.TaskID != "task-1" {
		t.Errorf("subscriber b missed the notice")
	}
}
