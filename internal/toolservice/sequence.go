package toolservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/ahma-mcp/ahma/internal/catalog"
)

// runSequence executes a ToolConfig's sequence steps serially via the
// Execution Adapter's sync path, aggregating each step's output and
// short-circuiting on the first failure. Grounded on
// original_source/ahma_core/src/mcp_service/mod.rs's sequence runner, which
// the distilled spec names but does not detail the short-circuit behavior
// for.
func (s *Service) runSequence(ctx context.Context, tool *catalog.ToolConfig, baseArgs map[string]interface{}) (string, error) {
	var out strings.Builder
	for i, step := range tool.Sequence {
		target, ok := s.catalog.Get(step.Tool)
		if !ok {
			return "", fmt.Errorf("sequence step %d: unknown tool %q", i, step.Tool)
		}
		if !target.Enabled {
			return "", fmt.Errorf("sequence step %d: tool %q is disabled", i, step.Tool)
		}

		args := map[string]interface{}{}
		for k, v := range step.Args {
			args[k] = v
		}
		if step.Subcommand != "" {
			args["subcommand"] = step.Subcommand
		}
		for k, v := range baseArgs {
			if _, exists := args[k]; !exists {
				args[k] = v
			}
		}

		leaf, chain, err := s.resolveSubcommand(target, args)
		if err != nil {
			return "", fmt.Errorf("sequence step %d (%s): %w", i, step.Tool, err)
		}
		if err := checkRequiredArgs(leaf, args); err != nil {
			return "", fmt.Errorf("sequence step %d (%s): %w", i, step.Tool, err)
		}
		cwd := s.resolveWorkingDirectory(args)
		commandChain := buildCommandChain(target, chain)
		timeout := resolveTimeout(target, leaf)

		stepOut, err := s.adapter.ExecuteSync(ctx, target.Name, commandChain, leaf, args, cwd, timeout, target.UsePool)
		if err != nil {
			return "", fmt.Errorf("sequence step %d (%s) failed: %w", i, step.Tool, err)
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(stepOut)
	}
	return out.String(), nil
}
