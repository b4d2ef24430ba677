package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const runtimeQueueResourceURI = "dispatch://runtime/queue"

// Input types for the dispatch tools.

// MCPRunInput for run_async. Either agent+prompt or an explicit cmd vector.
type MCPRunInput struct {
	Agent         string            `json:"agent,omitempty"`
	Prompt        string            `json:"prompt,omitempty"`
	Cmd           string            `json:"cmd,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Mode          string            `json:"mode,omitempty"`
	Origin        string            `json:"origin,omitempty"`
	ThreadID      string            `json:"thread_id,omitempty"`
	EnvID         string            `json:"env_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	EnvPolicy     string            `json:"env_policy,omitempty"`
	EnvAllowlist  []string          `json:"env_allowlist,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	IdleTimeoutMs int               `json:"idle_timeout_ms,omitempty"`
	HardTimeoutMs int               `json:"hard_timeout_ms,omitempty"`
}

// MCPStatusInput for run_status
type MCPStatusInput struct {
	TaskID string `json:"task_id"`
	Tail   int    `json:"tail,omitempty"`
}

// MCPWaitInput for run_wait
type MCPWaitInput struct {
	TaskID    string `json:"task_id"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
	Tail      int    `json:"tail,omitempty"`
}

// MCPCancelInput for run_cancel
type MCPCancelInput struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// MCPListInput for run_list
type MCPListInput struct {
	Origin     string `json:"origin,omitempty"`
	Status     string `json:"status,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	EnvID      string `json:"env_id,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Since      string `json:"since,omitempty"`
	Until      string `json:"until,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

func runMCPServer(args []string) int {
	_ = args

	configPath := resolveConfigPath("")
	cfg, err := loadConfigOrEmpty(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	defaults := normalizeDefaults(cfg.Defaults)
	regCfg := normalizeRegistry(cfg.Registry)

	log := newLogger(os.Getenv("DISPATCH_DEBUG") != "")
	defer log.Sync()

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

	notifier := newNotifier()
	mgr := newManager(defaults, reg, notifier, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pruneLoop(ctx, reg, regCfg)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "dispatch-mcp-server",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: "run_async",
		Description: `Submit a task for background execution. Returns immediately with a task_id.

Parameters:
- agent: "codex", "claude", "gemini" (or give cmd/args for an explicit command)
- prompt: The task prompt (required with agent)
- cmd, args: Explicit command vector, bypasses the agent builders
- cwd: Working directory
- mode: "read-only" (default), "write", "full-access"
- origin: "local" (default) or "cloud"
- thread_id: Resume an earlier agent thread
- env_policy: "inherit-none" (default), "inherit-all", "allow-list"
- env_allowlist: Variable names passed through under allow-list
- env: Extra variables, set regardless of policy
- idle_timeout_ms / hard_timeout_ms: Supervision budgets`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPRunInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		if input.Cmd == "" && input.Prompt == "" {
			return nil, nil, fmt.Errorf("prompt is required")
		}
		task, err := mgr.Submit(taskSpecFromInput(input))
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]interface{}{
			"task_id":    task.ID,
			"status":     string(task.Status),
			"created_at": task.CreatedAt.Format(time.RFC3339),
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "run_status",
		Description: `Get the current status and progress of a task.

Parameters:
- task_id (required)
- tail: Cap on the recent events included in the result`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPStatusInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		if input.TaskID == "" {
			return nil, nil, fmt.Errorf("task_id is required")
		}
		rec, found, err := reg.GetTask(input.TaskID)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, nil, fmt.Errorf("unknown task: %s", input.TaskID)
		}
		return nil, taskView(rec, input.Tail), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "run_wait",
		Description: `Block until a task reaches a terminal status or the timeout elapses.
Returns the latest task view either way; a timeout is not an error.

Parameters:
- task_id (required)
- timeout_ms: Wait budget, default 60000, capped at 600000
- tail: Cap on the recent events included in the result`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPWaitInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		if input.TaskID == "" {
			return nil, nil, fmt.Errorf("task_id is required")
		}
		view, err := waitForTask(reg, input.TaskID, time.Duration(input.TimeoutMs)*time.Millisecond, input.Tail)
		if err == errTaskNotFound {
			return nil, nil, fmt.Errorf("unknown task: %s", input.TaskID)
		}
		if err != nil {
			return nil, nil, err
		}
		return nil, view, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "run_cancel",
		Description: `Cancel a task. Queued tasks finalize immediately; running tasks go
through a graceful termination cascade. Canceling a finished task is a no-op.

Parameters:
- task_id (required)
- reason: Recorded on the task`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPCancelInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		if input.TaskID == "" {
			return nil, nil, fmt.Errorf("task_id is required")
		}
		state, err := mgr.Cancel(input.TaskID, input.Reason)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]interface{}{
			"task_id": input.TaskID,
			"status":  state,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "run_list",
		Description: `List tasks, newest first. All filters are optional and combine.

Parameters:
- origin, status, working_dir, env_id, thread_id, user_id: Exact-match filters
- since, until: RFC3339 bounds on creation time
- limit: Page size, default 50, max 200
- offset: Page start`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input MCPListInput) (*mcp.CallToolResult, map[string]interface{}, error) {
		q := TaskQuery{
			Origin:     input.Origin,
			Status:     input.Status,
			WorkingDir: input.WorkingDir,
			EnvID:      input.EnvID,
			ThreadID:   input.ThreadID,
			UserID:     input.UserID,
			Limit:      input.Limit,
			Offset:     input.Offset,
		}
		if input.Since != "" {
			t, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid since: %w", err)
			}
			q.Since = t
		}
		if input.Until != "" {
			t, err := time.Parse(time.RFC3339, input.Until)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid until: %w", err)
			}
			q.Until = t
		}
		recs, total, err := reg.ListTasks(q)
		if err != nil {
			return nil, nil, err
		}
		views := make([]map[string]interface{}, 0, len(recs))
		for _, rec := range recs {
			views = append(views, taskView(rec, 0))
		}
		return nil, map[string]interface{}{
			"total": total,
			"count": len(views),
			"tasks": views,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "run_counts",
		Description: `Count tasks grouped by status.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, map[string]interface{}, error) {
		counts, err := reg.CountByStatus()
		if err != nil {
			return nil, nil, err
		}
		payload := map[string]interface{}{}
		for status, n := range counts {
			payload[status] = n
		}
		return nil, map[string]interface{}{"counts": payload}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "status",
		Description: `Report agent CLI availability and the scheduler's live shape.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, map[string]interface{}, error) {
		active, queued := mgr.Status()
		return nil, map[string]interface{}{
			"cli": map[string]interface{}{
				"codex":  map[string]interface{}{"available": isCommandAvailable("codex")},
				"claude": map[string]interface{}{"available": isCommandAvailable("claude")},
				"gemini": map[string]interface{}{"available": isCommandAvailable("gemini")},
			},
			"scheduler": map[string]interface{}{
				"active":       active,
				"queued":       queued,
				"max_parallel": defaults.MaxParallel,
			},
		}, nil
	})

	server.AddResource(&mcp.Resource{
		URI:      runtimeQueueResourceURI,
		Name:     "runtime-queue",
		MIMEType: "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if req.Params.URI != runtimeQueueResourceURI {
			return nil, fmt.Errorf("unknown resource: %s", req.Params.URI)
		}
		payload, err := json.Marshal(queueSnapshot(mgr, reg, defaults))
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{
					URI:      runtimeQueueResourceURI,
					MIMEType: "application/json",
					Text:     string(payload),
				},
			},
		}, nil
	})

	// Surface task lifecycle on the logger and mark the queue resource dirty
	// so subscribed clients re-read it.
	notices, unsubscribe := notifier.Subscribe()
	defer unsubscribe()
	go func() {
		for nt := range notices {
			switch nt.Kind {
			case NoticeWarning:
				log.Warnw("notice", "task", nt.TaskID, "message", nt.Message)
			case NoticeTerminal:
				log.Infow("notice", "task", nt.TaskID, "status", nt.Status)
			}
			server.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{
				URI: runtimeQueueResourceURI,
			})
		}
	}()

	transport := mcp.NewStdioTransport()
	session, err := server.Connect(context.Background(), transport, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if err := session.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

func taskSpecFromInput(input MCPRunInput) TaskSpec {
	return TaskSpec{
		Agent:         input.Agent,
		Prompt:        input.Prompt,
		Cmd:           input.Cmd,
		Args:          input.Args,
		Cwd:           input.Cwd,
		Mode:          SandboxMode(input.Mode),
		Origin:        TaskOrigin(input.Origin),
		EnvPolicy:     EnvPolicy(input.EnvPolicy),
		EnvAllow:      input.EnvAllowlist,
		Env:           input.Env,
		EnvID:         input.EnvID,
		UserID:        input.UserID,
		ThreadID:      input.ThreadID,
		IdleTimeoutMs: input.IdleTimeoutMs,
		HardTimeoutMs: input.HardTimeoutMs,
	}
}

// taskView renders a registry row as a tool payload. tail > 0 caps the recent
// events carried in the result.
func taskView(rec TaskRecord, tail int) map[string]interface{} {
	view := map[string]interface{}{
		"task_id":     rec.ID,
		"origin":      rec.Origin,
		"status":      rec.Status,
		"agent":       rec.Agent,
		"mode":        rec.Mode,
		"working_dir": rec.WorkingDir,
		"env_id":      rec.EnvID,
		"thread_id":   rec.ThreadID,
		"user_id":     rec.UserID,
		"created_at":  rec.CreatedAt.Format(time.RFC3339),
		"started_at":  formatTimePtr(rec.StartedAt),
		"ended_at":    formatTimePtr(rec.CompletedAt),
	}
	if rec.Progress != "" {
		var progress map[string]interface{}
		if err := json.Unmarshal([]byte(rec.Progress), &progress); err == nil {
			view["progress"] = progress
		}
	}
	if rec.Result != "" {
		var result map[string]interface{}
		if err := json.Unmarshal([]byte(rec.Result), &result); err == nil {
			if tail > 0 {
				if events, ok := result["recent_events"].([]interface{}); ok && len(events) > tail {
					result["recent_events"] = events[len(events)-tail:]
				}
			}
			view["result"] = result
		}
		view["outcome"] = rec.Outcome
		view["exit_code"] = rec.ExitCode
	}
	return view
}

func formatTimePtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// queueSnapshot is the live scheduler view exposed as an MCP resource.
func queueSnapshot(mgr *Manager, reg *Registry, defaults Defaults) map[string]interface{} {
	active, queued := mgr.Status()
	snapshot := map[string]interface{}{
		"status":       "ok",
		"active":       active,
		"queued":       queued,
		"queue":        mgr.QueuedIDs(),
		"max_parallel": defaults.MaxParallel,
		"updated_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if counts, err := reg.CountByStatus(); err == nil {
		snapshot["counts"] = counts
	}
	return snapshot
}

// pruneLoop trims terminal rows past the retention window on a fixed cadence.
func pruneLoop(ctx context.Context, reg *Registry, cfg RegistryConfig) {
	retention := time.Duration(cfg.PruneAfterDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Duration(cfg.PruneIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = reg.Prune(retention)
		}
	}
}
