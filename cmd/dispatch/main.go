package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	cmd, rest := resolveCommand(os.Args[1:])
	switch cmd {
	case "mcp":
		os.Exit(runMCPServer(rest))
	case "status":
		os.Exit(runStatusCmd(rest))
	case "watch":
		os.Exit(runWatch(rest))
	default:
		printHelp()
		os.Exit(1)
	}
}

func resolveCommand(args []string) (string, []string) {
	subcommands := map[string]bool{
		"mcp":    true,
		"status": true,
		"watch":  true,
	}

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		if subcommands[args[0]] {
			return args[0], args[1:]
		}
	}

	alias := map[string]string{
		"dispatch":         "",
		"dispatch-mcp":     "mcp",
		"dispatch-mcp.exe": "mcp",
	}

	exe := filepath.Base(os.Args[0])
	if mapped, ok := alias[exe]; ok {
		if mapped == "" {
			return "", args
		}
		return mapped, args
	}

	return "", args
}

func printHelp() {
	fmt.Print(`dispatch

Usage:
  dispatch <command> [options]

Commands:
  mcp                  Run MCP server (stdio)
  status               Print CLI availability and task counts
  watch                Live task view (TTY) or JSON snapshot

Aliases:
  dispatch-mcp
`)
}
