package exec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ahma-mcp/ahma/internal/catalog"
)

// reservedKeys are transport meta-keys and the positional-args bucket,
// never treated as named options during marshalling.
var reservedKeys = map[string]bool{
	"args":              true,
	"working_directory": true,
	"execution_mode":    true,
	"timeout_seconds":   true,
	"subcommand":        true,
}

// fileWriter writes a value to a temp file and returns its path. Injected
// so tests can avoid real disk I/O; TempFileManager.Write satisfies it.
type fileWriter func(toolName, optionName, value string) (string, error)

// BuildArgs implements the argument-marshalling algorithm from spec: given
// the resolved command chain (program + seed subcommand tokens), the leaf
// SubcommandConfig, and structured args, produce the final argv.
func BuildArgs(commandChain []string, leaf *catalog.SubcommandConfig, args map[string]interface{}, writeFile fileWriter, toolName string) ([]string, error) {
	if len(commandChain) == 0 {
		return nil, fmt.Errorf("exec: empty command")
	}

	argv := append([]string{}, commandChain...)

	// Stable order: sort named-option keys for deterministic tests,
	// excluding reserved keys, the "args" bucket (handled last), and
	// positional args — those are handled afterward in leaf.PositionalArgs'
	// declared order, since the data model calls positional_args "an
	// ordered list" and alphabetical sorting would scramble it.
	keys := make([]string, 0, len(args))
	for k := range args {
		if reservedKeys[k] || leaf.IsPositional(k) {
			continue
		}
		keys = append(keys, k)
	}
	sortStrings(keys)

	for _, name := range keys {
		val := args[name]
		if val == nil {
			continue
		}
		opt, known := leaf.OptionByName(name)
		var err error
		if argv, err = appendArgValue(argv, name, val, opt, known, false, writeFile, toolName); err != nil {
			return nil, err
		}
	}

	for _, opt := range leaf.PositionalArgs {
		val, ok := args[opt.Name]
		if !ok || val == nil {
			continue
		}
		var err error
		if argv, err = appendArgValue(argv, opt.Name, val, opt, true, true, writeFile, toolName); err != nil {
			return nil, err
		}
	}

	if rawArgs, ok := args["args"]; ok {
		if arr, ok := rawArgs.([]interface{}); ok {
			for _, v := range arr {
				if v == nil {
					continue
				}
				if s, ok := stringify(v); ok {
					argv = append(argv, s)
				}
			}
		}
	}

	return argv, nil
}

// appendArgValue emits one marshalled argument (file_arg, boolean flag,
// positional token, or "--name value" pair) onto argv. positional is true
// only when called from the positional-args pass, where order is already
// dictated by the caller's iteration rather than this function.
func appendArgValue(argv []string, name string, val interface{}, opt catalog.OptionConfig, known, positional bool, writeFile fileWriter, toolName string) ([]string, error) {
	if known && opt.FileArg {
		s, ok := stringify(val)
		if !ok || s == "" {
			return argv, nil
		}
		path, err := writeFile(toolName, name, s)
		if err != nil {
			return nil, fmt.Errorf("exec: writing file arg %q: %w", name, err)
		}
		if opt.FileFlag != "" {
			argv = append(argv, opt.FileFlag)
		}
		return append(argv, path), nil
	}

	if isBoolean(opt, known, val) {
		if !truthy(val) {
			return argv, nil
		}
		if known && opt.Alias != "" {
			return append(argv, "-"+opt.Alias), nil
		}
		return append(argv, "--"+name), nil
	}

	if positional {
		s, ok := stringify(val)
		if !ok {
			return argv, nil
		}
		return append(argv, s), nil
	}

	s, ok := stringify(val)
	if !ok {
		return argv, nil
	}
	return append(argv, "--"+name, s), nil
}

func isBoolean(opt catalog.OptionConfig, known bool, val interface{}) bool {
	if known && opt.Type == "boolean" {
		return true
	}
	if !known {
		if _, ok := val.(bool); ok {
			return true
		}
	}
	return false
}

// truthy interprets a value as boolean, including "true"/"false" strings
// case-insensitively.
func truthy(val interface{}) bool {
	switch v := val.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true
		case "false":
			return false
		}
		return v != ""
	case float64:
		return v != 0
	default:
		return false
	}
}

// stringify converts a JSON-decoded value to its command-line token form.
// Objects are rejected (omitted, reported via ok=false). Arrays are
// space-joined from their non-null elements.
func stringify(val interface{}) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			if e == nil {
				continue
			}
			if s, ok := stringify(e); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " "), true
	case map[string]interface{}:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
