// Package catalog loads and validates the JSON tool-definition files that
// describe the CLI tools ahma exposes as Protocol tools.
package catalog

// OptionConfig describes one named option (flag) or positional argument
// accepted by a subcommand.
type OptionConfig struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // boolean | string | integer | array
	Alias       string `json:"alias,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Format      string `json:"format,omitempty"`
	FileArg     bool   `json:"file_arg,omitempty"`
	FileFlag    string `json:"file_flag,omitempty"`
}

// SequenceStep is one (tool, subcommand, args) triple run in order by a
// sequence tool.
type SequenceStep struct {
	Tool       string                 `json:"tool"`
	Subcommand string                 `json:"subcommand,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

// SubcommandConfig is one node in the recursive subcommand tree.
type SubcommandConfig struct {
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	Enabled         bool                `json:"enabled"`
	Synchronous     *bool               `json:"synchronous,omitempty"`
	TimeoutSeconds  *int                `json:"timeout_seconds,omitempty"`
	PositionalArgs  []OptionConfig      `json:"positional_args,omitempty"`
	Options         []OptionConfig      `json:"options,omitempty"`
	Subcommand      []*SubcommandConfig `json:"subcommand,omitempty"`
	Sequence        []SequenceStep      `json:"sequence,omitempty"`
}

// OptionByName returns the OptionConfig named n, checking options first
// then positional_args, and whether it was found.
func (s *SubcommandConfig) OptionByName(n string) (OptionConfig, bool) {
	for _, o := range s.Options {
		if o.Name == n {
			return o, true
		}
	}
	for _, o := range s.PositionalArgs {
		if o.Name == n {
			return o, true
		}
	}
	return OptionConfig{}, false
}

// IsPositional reports whether n is a positional arg (not a named option)
// for this subcommand.
func (s *SubcommandConfig) IsPositional(n string) bool {
	for _, o := range s.PositionalArgs {
		if o.Name == n {
			return true
		}
	}
	return false
}

// EnabledSubcommandNames returns the names of direct enabled children, used
// to build the "subcommand" enum in schema synthesis.
func (s *SubcommandConfig) EnabledSubcommandNames() []string {
	var names []string
	for _, c := range s.Subcommand {
		if c.Enabled {
			names = append(names, c.Name)
		}
	}
	return names
}

// ToolConfig is a single tool's catalog entry, one per JSON file.
type ToolConfig struct {
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Command        string              `json:"command"`
	Enabled        bool                `json:"enabled"`
	Synchronous    *bool               `json:"synchronous,omitempty"`
	TimeoutSeconds *int                `json:"timeout_seconds,omitempty"`
	GuidanceKey    string              `json:"guidance_key,omitempty"`
	Subcommand     []*SubcommandConfig `json:"subcommand,omitempty"`
	Sequence       []SequenceStep      `json:"sequence,omitempty"`

	// UsePool opts this tool's invocations into the shell pool, when the
	// adapter was constructed with one attached. Off by default; most
	// tools never set it.
	UsePool bool `json:"use_pool,omitempty"`

	// SourceFile records the originating path, set by the loader, not
	// part of the wire format.
	SourceFile string `json:"-"`
}

// FindSubcommand looks up name among the tool's top-level subcommands only,
// returning the matching node and a one-element chain holding it. Nested
// subcommands are not searched; ResolveChain walks deeper chains.
func (t *ToolConfig) FindSubcommand(name string) (*SubcommandConfig, []*SubcommandConfig, bool) {
	for _, c := range t.Subcommand {
		if c.Name == name {
			return c, []*SubcommandConfig{c}, true
		}
	}
	return nil, nil, false
}

// ResolveChain walks nested subcommand names (e.g. a leaf under a leaf,
// expressed as successive "subcommand" selections already stripped from
// args elsewhere) and returns the full chain and ordered leaf.
func (t *ToolConfig) ResolveChain(names ...string) (*SubcommandConfig, []*SubcommandConfig, error) {
	if len(names) == 0 {
		return nil, nil, errNoSubcommand
	}
	var chain []*SubcommandConfig
	var cur []*SubcommandConfig = t.Subcommand
	var leaf *SubcommandConfig
	for _, n := range names {
		var next *SubcommandConfig
		for _, c := range cur {
			if c.Name == n {
				next = c
				break
			}
		}
		if next == nil {
			return nil, chain, &unknownSubcommandError{name: n, available: availableNames(cur)}
		}
		chain = append(chain, next)
		leaf = next
		cur = next.Subcommand
	}
	return leaf, chain, nil
}

func availableNames(nodes []*SubcommandConfig) []string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Enabled {
			names = append(names, n.Name)
		}
	}
	return names
}
