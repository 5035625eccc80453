package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }
func boolPtr(v bool) *bool { return &v }

func TestValidateEmptyCommand(t *testing.T) {
	tc := &ToolConfig{Name: "t", Enabled: true}
	issues := Validate(tc, false, nil)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityError, issues[0].Severity)
	assert.Contains(t, issues[0].Message, "command must not be empty")
}

func TestValidateTimeoutBounds(t *testing.T) {
	cases := []struct {
		name    string
		timeout int
		wantErr bool
	}{
		{"too low", 0, true},
		{"too high", 3601, true},
		{"minimum ok", 1, false},
		{"maximum ok", 3600, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tc := &ToolConfig{Name: "t", Command: "echo", Enabled: true, TimeoutSeconds: intPtr(c.timeout)}
			issues := Validate(tc, false, nil)
			assert.Equal(t, c.wantErr, HasErrors(issues))
		})
	}
}

func TestValidateEnabledSubcommandUnderDisabledTool(t *testing.T) {
	tc := &ToolConfig{
		Name:    "t",
		Command: "echo",
		Enabled: false,
		Subcommand: []*SubcommandConfig{
			{Name: "child", Enabled: true, Synchronous: boolPtr(true)},
		},
	}
	issues := Validate(tc, false, nil)
	require.True(t, HasErrors(issues))
	assert.Contains(t, issues[0].Message, `enabled under a disabled tool`)
}

func TestValidateOptionTypes(t *testing.T) {
	cases := []struct {
		name       string
		optionType string
		wantErr    bool
		wantHint   string
	}{
		{"valid boolean", "boolean", false, ""},
		{"valid string", "string", false, ""},
		{"valid integer", "integer", false, ""},
		{"valid array", "array", false, ""},
		{"typo bool", "bool", true, "boolean"},
		{"typo str", "str", true, "string"},
		{"typo list", "list", true, "array"},
		{"unknown type", "object", true, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tc := &ToolConfig{
				Name: "t", Command: "echo", Enabled: true,
				Subcommand: []*SubcommandConfig{
					{
						Name: "run", Enabled: true, Synchronous: boolPtr(true),
						Options: []OptionConfig{{Name: "verbose", Type: c.optionType}},
					},
				},
			}
			issues := Validate(tc, false, nil)
			assert.Equal(t, c.wantErr, HasErrors(issues))
			if c.wantHint != "" {
				require.NotEmpty(t, issues)
				assert.Contains(t, issues[len(issues)-1].Message, c.wantHint)
			}
		})
	}
}

func TestValidateOptionMissingName(t *testing.T) {
	tc := &ToolConfig{
		Name: "t", Command: "echo", Enabled: true,
		Subcommand: []*SubcommandConfig{
			{Name: "run", Enabled: true, Synchronous: boolPtr(true), Options: []OptionConfig{{Type: "string"}}},
		},
	}
	issues := Validate(tc, false, nil)
	require.True(t, HasErrors(issues))
	assert.Contains(t, issues[0].Message, "option missing name")
}

func TestValidateAsyncWordingWarning(t *testing.T) {
	tc := &ToolConfig{
		Name: "t", Command: "echo", Enabled: true,
		Subcommand: []*SubcommandConfig{
			{Name: "build", Enabled: true, Description: "compiles the project"},
		},
	}
	issues := Validate(tc, false, nil)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityWarning, issues[0].Severity)

	tc.Subcommand[0].Description = "runs an asynchronous build"
	assert.Empty(t, Validate(tc, false, nil))
}

func TestValidateAsyncWordingSuppressedByGuidanceKey(t *testing.T) {
	tc := &ToolConfig{
		Name: "t", Command: "echo", Enabled: true, GuidanceKey: "cargo",
		Subcommand: []*SubcommandConfig{
			{Name: "build", Enabled: true, Description: "compiles the project"},
		},
	}
	assert.Empty(t, Validate(tc, false, nil))
}

func TestValidateNestedSubcommands(t *testing.T) {
	tc := &ToolConfig{
		Name: "t", Command: "echo", Enabled: true,
		Subcommand: []*SubcommandConfig{
			{
				Name: "remote", Enabled: true, Synchronous: boolPtr(true),
				Subcommand: []*SubcommandConfig{
					{Name: "add", Enabled: true, Synchronous: boolPtr(true), Options: []OptionConfig{{Name: "url", Type: "bogus"}}},
				},
			},
		},
	}
	issues := Validate(tc, false, nil)
	require.True(t, HasErrors(issues))
	assert.Contains(t, issues[0].Message, `subcommand "add"`)
}

func TestValidateUnknownFieldWarnsByDefaultErrorsStrict(t *testing.T) {
	raw := json.RawMessage(`{"name":"t","command":"echo","enabled":true,"not_a_field":true}`)
	tc := &ToolConfig{Name: "t", Command: "echo", Enabled: true}

	issues := Validate(tc, false, raw)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityWarning, issues[0].Severity)
	assert.Contains(t, issues[0].Message, `unknown field "not_a_field"`)

	strictIssues := Validate(tc, true, raw)
	require.Len(t, strictIssues, 1)
	assert.Equal(t, SeverityError, strictIssues[0].Severity)
}

func TestValidateUsePoolIsAKnownField(t *testing.T) {
	raw := json.RawMessage(`{"name":"t","command":"echo","enabled":true,"use_pool":true}`)
	tc := &ToolConfig{Name: "t", Command: "echo", Enabled: true, UsePool: true}
	assert.Empty(t, Validate(tc, true, raw))
}

func TestHasErrorsAllWarnings(t *testing.T) {
	issues := []Issue{{SeverityWarning, "a"}, {SeverityWarning, "b"}}
	assert.False(t, HasErrors(issues))
}
