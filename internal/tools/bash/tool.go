package bash

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/pi/internal/agent"
)

type toolArgs struct {
	Command string `json:"command" jsonschema:"required,description=The shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Seconds to wait before the command is killed"`
}

// NewTool returns the bash tool backed by the runner. Output streams to
// onUpdate while the command runs; the final content is stdout then stderr,
// with a trailing exit-code line when the command failed.
func NewTool(runner *Runner) agent.Tool {
	return agent.MustTool("bash",
		"Executes a bash command in the current workspace and returns its output. Use for running builds, tests, and other shell operations.",
		func(ctx context.Context, _ string, args toolArgs, onUpdate agent.UpdateFunc) (*agent.ToolOutput, error) {
			var notify NotifyFunc
			if onUpdate != nil {
				notify = func(stdout, stderr string) {
					onUpdate(agent.TextOutput(renderOutput(stdout, stderr)))
				}
			}
			timeout := time.Duration(args.Timeout) * time.Second
			result, err := runner.Run(ctx, args.Command, timeout, notify)
			if err != nil {
				return nil, err
			}
			// A turn abort kills the command; report the cancellation so the
			// caller records an aborted result instead of a -1 exit.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("command killed: %w", context.Canceled)
			}
			text := renderOutput(result.Stdout, result.Stderr)
			if result.ExitCode != 0 {
				if text != "" {
					text += "\n"
				}
				text += fmt.Sprintf("Exit code: %d", result.ExitCode)
			}
			out := agent.TextOutput(text)
			out.Details = result
			out.IsError = result.ExitCode != 0
			return out, nil
		})
}

func renderOutput(stdout, stderr string) string {
	var parts []string
	if stdout != "" {
		parts = append(parts, strings.TrimRight(stdout, "\n"))
	}
	if stderr != "" {
		parts = append(parts, strings.TrimRight(stderr, "\n"))
	}
	return strings.Join(parts, "\n")
}
