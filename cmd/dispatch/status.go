package main

import (
	"fmt"
	"os"
	"time"
)

// runStatusCmd prints a one-shot JSON view of CLI availability and the
// registry's current shape.
func runStatusCmd(args []string) int {
	_ = args

	configPath := resolveConfigPath("")
	cfg, err := loadConfigOrEmpty(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	defaults := normalizeDefaults(cfg.Defaults)
	regCfg := normalizeRegistry(cfg.Registry)

	log := newLogger(false)
	reg, err := openRegistry(
		regCfg.Path,
		defaults.WriteRetry,
		time.Duration(defaults.WriteBackoffMs)*time.Millisecond,
		log,
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	counts, err := reg.CountByStatus()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	recent, total, err := reg.ListTasks(TaskQuery{Limit: 10})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	countsPayload := map[string]interface{}{}
	for status, n := range counts {
		countsPayload[status] = n
	}
	views := make([]map[string]interface{}, 0, len(recent))
	for _, rec := range recent {
		views = append(views, taskView(rec, 0))
	}

	printJSON(map[string]interface{}{
		"cli": map[string]interface{}{
			"codex":  map[string]interface{}{"available": isCommandAvailable("codex")},
			"claude": map[string]interface{}{"available": isCommandAvailable("claude")},
			"gemini": map[string]interface{}{"available": isCommandAvailable("gemini")},
		},
		"registry": map[string]interface{}{
			"path":   regCfg.Path,
			"counts": countsPayload,
			"total":  total,
			"recent": views,
		},
	})
	return 0
}
