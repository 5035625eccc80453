package toolservice

import (
	"encoding/json"
	"sort"

	"github.com/ahma-mcp/ahma/internal/catalog"
	"github.com/invopop/jsonschema"
)

// Typed inputs for the three built-in meta-tools. Their schemas are
// synthesized via reflection since they are fixed Go shapes, unlike the
// per-ToolConfig schema below which is data-driven.
type statusInput struct {
	Tools       string `json:"tools,omitempty" jsonschema:"description=Comma-separated tool name prefixes to filter by"`
	OperationID string `json:"operation_id,omitempty" jsonschema:"description=A specific operation id to report on"`
}

type awaitInput struct {
	Tools       string `json:"tools,omitempty" jsonschema:"description=Comma-separated tool name prefixes to wait on"`
	OperationID string `json:"operation_id,omitempty" jsonschema:"description=A specific operation id to wait on"`
}

type cancelInput struct {
	OperationID string `json:"operation_id" jsonschema:"required,description=The operation id to cancel"`
	Reason      string `json:"reason,omitempty" jsonschema:"description=Human-readable cancellation reason"`
}

func reflectSchema(v interface{}) json.RawMessage {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(v)
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

var (
	statusSchema = reflectSchema(&statusInput{})
	awaitSchema  = reflectSchema(&awaitInput{})
	cancelSchema = reflectSchema(&cancelInput{})
)

// buildToolSchema hand-assembles the input schema for a ToolConfig, since
// its shape is entirely data-driven from the catalog rather than a fixed Go
// struct: subcommand enum, the transport meta-keys, and the union of
// options across the tool's enabled subcommand paths.
func buildToolSchema(t *catalog.ToolConfig) json.RawMessage {
	properties := map[string]interface{}{
		"working_directory": map[string]interface{}{
			"type":        "string",
			"description": "Directory the command runs in; defaults to the session sandbox root.",
		},
		"execution_mode": map[string]interface{}{
			"type": "string",
			"enum": []string{"Synchronous", "AsyncResultPush"},
		},
		"timeout_seconds": map[string]interface{}{
			"type": "integer",
		},
		"args": map[string]interface{}{
			"type":        "array",
			"items":       map[string]interface{}{"type": "string"},
			"description": "Additional positional arguments appended after named options.",
		},
	}

	if len(t.Subcommand) > 0 {
		var names []string
		for _, sc := range t.Subcommand {
			if sc.Enabled {
				names = append(names, sc.Name)
			}
		}
		sort.Strings(names)
		properties["subcommand"] = map[string]interface{}{
			"type": "string",
			"enum": names,
		}
	}

	seen := map[string]bool{"subcommand": true, "working_directory": true, "execution_mode": true, "timeout_seconds": true, "args": true}
	var required []string
	for _, sc := range t.Subcommand {
		if !sc.Enabled {
			continue
		}
		for _, opt := range append(append([]catalog.OptionConfig{}, sc.PositionalArgs...), sc.Options...) {
			if seen[opt.Name] {
				continue
			}
			seen[opt.Name] = true
			properties[opt.Name] = optionProperty(opt)
			if opt.Required {
				required = append(required, opt.Name)
			}
		}
	}
	sort.Strings(required)

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// optionProperty builds the JSON-schema property for one option from its
// type, format and description.
func optionProperty(opt catalog.OptionConfig) map[string]interface{} {
	prop := map[string]interface{}{}
	switch opt.Type {
	case "boolean":
		prop["type"] = "boolean"
	case "integer":
		prop["type"] = "integer"
	case "array":
		prop["type"] = "array"
		prop["items"] = map[string]interface{}{"type": "string"}
	default:
		prop["type"] = "string"
	}
	if opt.Format != "" {
		prop["format"] = opt.Format
	}
	if opt.Description != "" {
		prop["description"] = opt.Description
	}
	return prop
}
