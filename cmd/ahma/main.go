// Command ahma adapts a directory of CLI tool definitions into an MCP
// server, speaking either newline-delimited JSON-RPC over stdio or
// multi-session JSON-RPC over HTTP.
//
// Usage:
//
//	ahma serve --tools-dir ./tools
//	ahma serve --tools-dir ./tools --http --addr :8080
//	ahma validate ./tools
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/ahma-mcp/ahma/internal/envconfig"
	"github.com/ahma-mcp/ahma/internal/logging"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the MCP adapter."`
	Validate ValidateCmd `cmd:"" help:"Validate a tool-definitions directory."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFile   string `help:"Log file path (empty = stderr)." type:"path"`
	LogFormat string `help:"Log format (text or json)." default:"text" enum:"text,json"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("ahma version %s\n", version)
	return nil
}

func main() {
	if err := envconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "ahma: %v\n", err)
		os.Exit(1)
	}

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("ahma"),
		kong.Description("ahma - CLI-to-MCP tool adapter"),
		kong.UsageOnError(),
	)

	logger, cleanup, err := logging.New(logging.Options{
		Level:  cli.LogLevel,
		File:   cli.LogFile,
		Format: cli.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ahma: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = kctx.Run(&cli, logger)
	kctx.FatalIfErrorf(err)
}
