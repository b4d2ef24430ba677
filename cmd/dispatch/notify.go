package main

import (
	"sync"
	"time"
)

type NoticeKind string

const (
	NoticeProgress NoticeKind = "progress"
	NoticeWarning  NoticeKind = "warning"
	NoticeTerminal NoticeKind = "terminal"
)

// Notice is one item on the upward notification surface: periodic progress
// ticks, pre-timeout warnings, and exactly one terminal result per task.
type Notice struct {
	Kind     NoticeKind       `json:"kind"`
	TaskID   string           `json:"task_id"`
	Status   TaskStatus       `json:"status"`
	Progress ProgressSnapshot `json:"progress"`
	Message  string           `json:"message,omitempty"`
	Result   *TaskResult      `json:"result,omitempty"`
	At       time.Time        `json:"at"`
}

const noticeBuffer = 32

// Notifier fans notices out to subscribers over bounded channels. A slow
// subscriber loses its oldest pending notice, never blocks a publisher.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Notice
	next int
}

func newNotifier() *Notifier {
	return &Notifier{subs: map[int]chan Notice{}}
}

// Subscribe returns a receive channel and an unsubscribe func. The channel
// is closed on unsubscribe.
func (n *Notifier) Subscribe() (<-chan Notice, func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	ch := make(chan Notice, noticeBuffer)
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *Notifier) Publish(nt Notice) {
	if nt.At.IsZero() {
		nt.At = time.Now().UTC()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- nt:
		default:
			// Drop-oldest: make room, then try once more.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- nt:
			default:
			}
		}
	}
}
