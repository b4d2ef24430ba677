package main

import "fmt"

// Argument builders for the supported agent CLIs. Every builder produces an
// explicit argv with streaming JSON output enabled; prompts ride as a single
// argv element, never through a shell.

func buildAgentSpec(spec TaskSpec) (TaskSpec, error) {
	switch spec.Agent {
	case "codex":
		spec.Cmd = "codex"
		spec.Args = buildCodexArgs(spec)
	case "claude":
		spec.Cmd = "claude"
		spec.Args = buildClaudeArgs(spec)
	case "gemini":
		spec.Cmd = "gemini"
		spec.Args = buildGeminiArgs(spec)
	default:
		return spec, fmt.Errorf("unknown agent: %s", spec.Agent)
	}
	return spec, nil
}

func buildCodexArgs(spec TaskSpec) []string {
	args := []string{"exec"}
	if spec.ThreadID != "" {
		args = append(args, "resume", spec.ThreadID)
	}
	args = append(args, "--json")
	switch spec.Mode {
	case ModeWrite:
		args = append(args, "--sandbox", "workspace-write")
	case ModeFullAccess:
		args = append(args, "--sandbox", "danger-full-access")
	default:
		args = append(args, "--sandbox", "read-only")
	}
	if spec.Cwd != "" {
		args = append(args, "--cwd", spec.Cwd)
	}
	args = append(args, spec.Prompt)
	return args
}

func buildClaudeArgs(spec TaskSpec) []string {
	args := []string{"-p", spec.Prompt, "--output-format", "stream-json", "--verbose"}
	switch spec.Mode {
	case ModeWrite:
		args = append(args, "--permission-mode", "acceptEdits")
	case ModeFullAccess:
		args = append(args, "--permission-mode", "bypassPermissions")
	default:
		args = append(args, "--permission-mode", "default")
	}
	if spec.ThreadID != "" {
		args = append(args, "--resume", spec.ThreadID)
	}
	return args
}

func buildGeminiArgs(spec TaskSpec) []string {
	args := []string{"-p", spec.Prompt, "--output-format", "stream-json"}
	switch spec.Mode {
	case ModeWrite:
		args = append(args, "--approval-mode", "auto_edit")
	case ModeFullAccess:
		args = append(args, "--yolo")
	}
	return args
}
