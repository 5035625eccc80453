package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var errNoSubcommand = errors.New("catalog: no subcommand chain given")

// unknownSubcommandError enumerates available subcommands, per spec: errors
// resolving a subcommand chain must list what is available.
type unknownSubcommandError struct {
	name      string
	available []string
}

func (e *unknownSubcommandError) Error() string {
	if len(e.available) == 0 {
		return fmt.Sprintf("unknown subcommand %q (no subcommands available)", e.name)
	}
	return fmt.Sprintf("unknown subcommand %q (available: %s)", e.name, strings.Join(e.available, ", "))
}

// IsUnknownSubcommand reports whether err is an unknown-subcommand error and
// returns its available-names list.
func IsUnknownSubcommand(err error) ([]string, bool) {
	var u *unknownSubcommandError
	if errors.As(err, &u) {
		return u.available, true
	}
	return nil, false
}
