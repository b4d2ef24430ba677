package main

import (
	"errors"
	"time"
)

const (
	waitPollInterval   = 500 * time.Millisecond
	defaultWaitTimeout = 60 * time.Second
	maxWaitTimeout     = 10 * time.Minute
)

var errTaskNotFound = errors.New("not_found")

// waitForTask polls the registry until the task reaches a terminal status or
// the timeout elapses. A timeout is not an error; the caller gets the latest
// view either way and can call again.
func waitForTask(reg *Registry, id string, timeout time.Duration, tail int) (map[string]interface{}, error) {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		rec, found, err := reg.GetTask(id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errTaskNotFound
		}
		if isTerminalStatus(TaskStatus(rec.Status)) || time.Now().After(deadline) {
			return taskView(rec, tail), nil
		}
		time.Sleep(waitPollInterval)
	}
}
