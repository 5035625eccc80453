package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity distinguishes strict-mode errors from permissive-mode warnings.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Issue is one validation finding against a ToolConfig.
type Issue struct {
	Severity Severity
	Message  string
}

var validOptionTypes = map[string]bool{
	"boolean": true,
	"string":  true,
	"integer": true,
	"array":   true,
}

// typoSuggestions maps common misspellings of option types to the correct
// value, surfaced as part of the validation message.
var typoSuggestions = map[string]string{
	"bool":    "boolean",
	"str":     "string",
	"int":     "integer",
	"number":  "integer",
	"list":    "array",
	"strings": "array",
}

// asyncBehaviorWords are the terms whose presence in a subcommand
// description is taken as evidence the author considered the tool's
// asynchronous behavior.
var asyncBehaviorWords = []string{"async", "asynchronous", "background", "operation_id", "long-running", "long running"}

// Validate checks a ToolConfig against every rule in the tool-definition
// format contract. raw, if non-nil, is the raw top-level JSON object
// for the same file, used to detect unknown fields.
func Validate(t *ToolConfig, strict bool, raw json.RawMessage) []Issue {
	var issues []Issue

	if strings.TrimSpace(t.Command) == "" {
		issues = append(issues, Issue{SeverityError, "command must not be empty"})
	}

	if t.TimeoutSeconds != nil {
		if *t.TimeoutSeconds < 1 || *t.TimeoutSeconds > 3600 {
			issues = append(issues, Issue{SeverityError,
				fmt.Sprintf("timeout_seconds must be in [1, 3600], got %d", *t.TimeoutSeconds)})
		}
	}

	validateSubcommands(t.Subcommand, t.Enabled, t.GuidanceKey, &issues)

	if raw != nil {
		issues = append(issues, unknownFieldIssues(raw, toolConfigFields, strict)...)
	}

	return issues
}

func validateSubcommands(nodes []*SubcommandConfig, toolEnabled bool, toolGuidanceKey string, issues *[]Issue) {
	for _, n := range nodes {
		if n.Enabled && !toolEnabled {
			*issues = append(*issues, Issue{SeverityError,
				fmt.Sprintf("subcommand %q is enabled under a disabled tool", n.Name)})
		}

		if n.TimeoutSeconds != nil {
			if *n.TimeoutSeconds < 1 || *n.TimeoutSeconds > 3600 {
				*issues = append(*issues, Issue{SeverityError,
					fmt.Sprintf("subcommand %q: timeout_seconds must be in [1, 3600], got %d", n.Name, *n.TimeoutSeconds)})
			}
		}

		for _, o := range append(append([]OptionConfig{}, n.Options...), n.PositionalArgs...) {
			validateOption(n.Name, o, issues)
		}

		isAsync := n.Synchronous == nil || !*n.Synchronous
		if isAsync && toolGuidanceKey == "" && !hasAsyncWording(n.Description) {
			*issues = append(*issues, Issue{SeverityWarning,
				fmt.Sprintf("subcommand %q looks asynchronous but its description doesn't mention async behavior; set guidance_key to suppress", n.Name)})
		}

		validateSubcommands(n.Subcommand, n.Enabled, toolGuidanceKey, issues)
	}
}

func hasAsyncWording(desc string) bool {
	lower := strings.ToLower(desc)
	for _, w := range asyncBehaviorWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func validateOption(subcommandName string, o OptionConfig, issues *[]Issue) {
	if o.Name == "" {
		*issues = append(*issues, Issue{SeverityError,
			fmt.Sprintf("subcommand %q: option missing name", subcommandName)})
		return
	}
	if validOptionTypes[o.Type] {
		return
	}
	if suggestion, ok := typoSuggestions[strings.ToLower(o.Type)]; ok {
		*issues = append(*issues, Issue{SeverityError,
			fmt.Sprintf("subcommand %q: option %q has invalid type %q, did you mean %q?", subcommandName, o.Name, o.Type, suggestion)})
		return
	}
	*issues = append(*issues, Issue{SeverityError,
		fmt.Sprintf("subcommand %q: option %q has invalid type %q (must be one of boolean, string, integer, array)", subcommandName, o.Name, o.Type)})
}

// toolConfigFields is the set of recognized top-level keys in a tool
// definition file, used for unknown-field detection.
var toolConfigFields = map[string]bool{
	"name": true, "description": true, "command": true, "enabled": true,
	"synchronous": true, "timeout_seconds": true, "guidance_key": true,
	"subcommand": true, "sequence": true, "use_pool": true,
}

func unknownFieldIssues(raw json.RawMessage, known map[string]bool, strict bool) []Issue {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	var issues []Issue
	sev := SeverityWarning
	if strict {
		sev = SeverityError
	}
	for k := range m {
		if !known[k] {
			issues = append(issues, Issue{sev, fmt.Sprintf("unknown field %q", k)})
		}
	}
	return issues
}

// HasErrors reports whether any issue in issues is SeverityError.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
