package main

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	eventKindRaw    = "raw"
	maxRecentEvents = 50
)

// StreamEvent is one structured record from an agent CLI's streaming output.
// Kind carries the record's type tag; Payload keeps the full line verbatim so
// unrecognized kinds pass through unmodified.
type StreamEvent struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// field reads a payload field by gjson path, empty string when absent.
func (e StreamEvent) field(path string) string {
	return gjson.Get(e.Payload, path).String()
}

// StreamParser converts a raw byte stream into events, tolerating line
// fragmentation across read boundaries. A line that is not a structured
// record becomes a raw diagnostic event; the stream never errors. The
// sequence lives for one subprocess and is not restartable.
type StreamParser struct {
	carry  []byte
	recent []StreamEvent
}

func newStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes a chunk and returns the events completed by it. Bytes after
// the last newline are carried over to the next call.
func (p *StreamParser) Feed(chunk []byte) []StreamEvent {
	p.carry = append(p.carry, chunk...)
	var events []StreamEvent
	for {
		idx := bytes.IndexByte(p.carry, '\n')
		if idx < 0 {
			break
		}
		line := string(p.carry[:idx])
		p.carry = p.carry[idx+1:]
		if ev, ok := parseEventLine(line); ok {
			events = append(events, ev)
		}
	}
	p.remember(events)
	return events
}

// Flush emits any carried-over trailing content as a final event.
func (p *StreamParser) Flush() []StreamEvent {
	if len(p.carry) == 0 {
		return nil
	}
	line := string(p.carry)
	p.carry = nil
	ev, ok := parseEventLine(line)
	if !ok {
		return nil
	}
	events := []StreamEvent{ev}
	p.remember(events)
	return events
}

// Recent returns a copy of the last events seen, bounded, for partial-result
// capture when a task stalls.
func (p *StreamParser) Recent() []StreamEvent {
	out := make([]StreamEvent, len(p.recent))
	copy(out, p.recent)
	return out
}

func (p *StreamParser) remember(events []StreamEvent) {
	p.recent = append(p.recent, events...)
	if len(p.recent) > maxRecentEvents {
		p.recent = p.recent[len(p.recent)-maxRecentEvents:]
	}
}

func parseEventLine(line string) (StreamEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return StreamEvent{}, false
	}
	if gjson.Valid(trimmed) {
		// codex tags records "type"; some streams use "kind".
		for _, tag := range []string{"type", "kind"} {
			if kind := gjson.Get(trimmed, tag); kind.Exists() && kind.String() != "" {
				return StreamEvent{Kind: kind.String(), Payload: trimmed}, true
			}
		}
	}
	return StreamEvent{Kind: eventKindRaw, Payload: trimmed}, true
}
