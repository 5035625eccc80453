// Package envconfig reads AHMA_* environment variables with documented
// defaults, mirroring the env-var-with-default idiom the rest of the
// ahma stack uses for CLI flag fallbacks.
package envconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// EnvHandshakeTimeoutSecs bounds how long a session may remain
	// unlocked before the HTTP Session Manager declares a handshake
	// timeout.
	EnvHandshakeTimeoutSecs = "AHMA_HANDSHAKE_TIMEOUT_SECS"
	// EnvHTTPBridgeRequestTimeoutSecs bounds generic request/response
	// round trips to a session's subprocess.
	EnvHTTPBridgeRequestTimeoutSecs = "AHMA_HTTP_BRIDGE_REQUEST_TIMEOUT_SECS"
	// EnvHTTPBridgeToolCallTimeoutSecs bounds tools/call round trips
	// specifically, shorter than the generic timeout to avoid
	// head-of-line blocking on slow tools.
	EnvHTTPBridgeToolCallTimeoutSecs = "AHMA_HTTP_BRIDGE_TOOL_CALL_TIMEOUT_SECS"
	// EnvTestMode is stripped from spawned HTTP session subprocess
	// environments (see StripTestEnv).
	EnvTestMode = "AHMA_TEST_MODE"
	// EnvShellPoolEnabled opts into the optional prewarmed shell pool.
	// Off unless explicitly set, per spec: implementers SHOULD spawn
	// children directly and MAY add a shell pool only if they can
	// demonstrate correctness.
	EnvShellPoolEnabled = "AHMA_SHELL_POOL_ENABLED"

	DefaultHandshakeTimeoutSecs          = 30
	DefaultHTTPBridgeRequestTimeoutSecs  = 60
	DefaultHTTPBridgeToolCallTimeoutSecs = 25
)

// DurationSecs reads an integer-seconds env var, falling back to def.
func DurationSecs(name string, def int) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return time.Duration(def) * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(n) * time.Second
}

// HandshakeTimeout returns AHMA_HANDSHAKE_TIMEOUT_SECS or its default.
func HandshakeTimeout() time.Duration {
	return DurationSecs(EnvHandshakeTimeoutSecs, DefaultHandshakeTimeoutSecs)
}

// HTTPBridgeRequestTimeout returns AHMA_HTTP_BRIDGE_REQUEST_TIMEOUT_SECS or its default.
func HTTPBridgeRequestTimeout() time.Duration {
	return DurationSecs(EnvHTTPBridgeRequestTimeoutSecs, DefaultHTTPBridgeRequestTimeoutSecs)
}

// HTTPBridgeToolCallTimeout returns AHMA_HTTP_BRIDGE_TOOL_CALL_TIMEOUT_SECS or its default.
func HTTPBridgeToolCallTimeout() time.Duration {
	return DurationSecs(EnvHTTPBridgeToolCallTimeoutSecs, DefaultHTTPBridgeToolCallTimeoutSecs)
}

// ShellPoolEnabled reports whether AHMA_SHELL_POOL_ENABLED asks for the
// optional shell pool. Defaults to false: direct spawning is the norm.
func ShellPoolEnabled() bool {
	v := os.Getenv(EnvShellPoolEnabled)
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// LoadDotEnv loads .env.local then .env from the current directory,
// letting AHMA_* variables (and any tool-specific credentials a spawned
// command needs) be set without exporting them in the shell. Missing
// files are not an error; a malformed one is.
func LoadDotEnv() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}

// StripTestEnv filters out test-mode and CI-runner variables from a process
// environment slice (as returned by os.Environ), used when spawning HTTP
// session subprocesses so client test harnesses don't leak into children.
func StripTestEnv(env []string) []string {
	deny := map[string]bool{
		"AHMA_TEST_MODE": true,
		"CI":             true,
		"GITHUB_ACTIONS": true,
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key := kv
		for i, c := range kv {
			if c == '=' {
				key = kv[:i]
				break
			}
		}
		if deny[key] {
			continue
		}
		out = append(out, kv)
	}
	return out
}
