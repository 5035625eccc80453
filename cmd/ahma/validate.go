package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ahma-mcp/ahma/internal/catalog"
)

// ValidateCmd validates every tool-definition file in a directory against
// the tool-definition format contract, without starting the adapter.
type ValidateCmd struct {
	ToolsDir string `arg:"" name:"tools-dir" help:"Directory containing tool-definition JSON files." type:"path"`
	Strict   bool   `help:"Report unknown fields in tool definitions as errors instead of warnings."`
	Format   string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
}

type fileReport struct {
	Path   string      `json:"path"`
	Issues []issueJSON `json:"issues,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type issueJSON struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	entries, err := os.ReadDir(c.ToolsDir)
	if err != nil {
		return fmt.Errorf("reading tools directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	reports := make([]fileReport, 0, len(names))
	anyErrors := false

	for _, name := range names {
		path := filepath.Join(c.ToolsDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			reports = append(reports, fileReport{Path: path, Error: err.Error()})
			anyErrors = true
			continue
		}

		var tc catalog.ToolConfig
		if err := json.Unmarshal(data, &tc); err != nil {
			reports = append(reports, fileReport{Path: path, Error: err.Error()})
			anyErrors = true
			continue
		}

		issues := catalog.Validate(&tc, c.Strict, json.RawMessage(data))
		report := fileReport{Path: path}
		for _, iss := range issues {
			report.Issues = append(report.Issues, issueJSON{Severity: iss.Severity.String(), Message: iss.Message})
		}
		if catalog.HasErrors(issues) {
			anyErrors = true
		}
		reports = append(reports, report)
	}

	c.print(reports)
	if anyErrors {
		return fmt.Errorf("validation failed")
	}
	return nil
}

func (c *ValidateCmd) print(reports []fileReport) {
	switch c.Format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reports)

	case "verbose":
		for _, r := range reports {
			fmt.Printf("%s\n", r.Path)
			if r.Error != "" {
				fmt.Printf("  error: %s\n", r.Error)
				continue
			}
			if len(r.Issues) == 0 {
				fmt.Println("  OK: no issues")
				continue
			}
			for _, iss := range r.Issues {
				fmt.Printf("  [%s] %s\n", iss.Severity, iss.Message)
			}
		}

	default: // compact
		for _, r := range reports {
			if r.Error != "" {
				fmt.Printf("%s: load error: %s\n", r.Path, r.Error)
				continue
			}
			if len(r.Issues) == 0 {
				fmt.Printf("%s: valid\n", r.Path)
				continue
			}
			for _, iss := range r.Issues {
				fmt.Printf("%s: [%s] %s\n", r.Path, iss.Severity, iss.Message)
			}
		}
	}
}
