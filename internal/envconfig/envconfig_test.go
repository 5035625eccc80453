package envconfig

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationSecsFallsBackOnMissingOrInvalid(t *testing.T) {
	const name = "AHMA_TEST_DURATION_SECS"
	os.Unsetenv(name)
	assert.Equal(t, 30*time.Second, DurationSecs(name, 30))

	t.Setenv(name, "not-a-number")
	assert.Equal(t, 30*time.Second, DurationSecs(name, 30))

	t.Setenv(name, "0")
	assert.Equal(t, 30*time.Second, DurationSecs(name, 30))

	t.Setenv(name, "45")
	assert.Equal(t, 45*time.Second, DurationSecs(name, 30))
}

func TestShellPoolEnabledDefaultsFalse(t *testing.T) {
	os.Unsetenv(EnvShellPoolEnabled)
	assert.False(t, ShellPoolEnabled())

	t.Setenv(EnvShellPoolEnabled, "true")
	assert.True(t, ShellPoolEnabled())

	t.Setenv(EnvShellPoolEnabled, "garbage")
	assert.False(t, ShellPoolEnabled())
}

func TestStripTestEnvRemovesDenylistedVars(t *testing.T) {
	in := []string{
		"AHMA_TEST_MODE=1",
		"CI=true",
		"GITHUB_ACTIONS=true",
		"PATH=/usr/bin",
		"HOME=/root",
	}
	out := StripTestEnv(in)
	assert.ElementsMatch(t, []string{"PATH=/usr/bin", "HOME=/root"}, out)
}

func TestLoadDotEnvToleratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	assert.NoError(t, LoadDotEnv())
}

func TestLoadDotEnvSetsVariablesFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/.env", []byte("AHMA_TEST_DOTENV_VAR=fromfile\n"), 0644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)
	defer os.Unsetenv("AHMA_TEST_DOTENV_VAR")

	require.NoError(t, LoadDotEnv())
	assert.Equal(t, "fromfile", os.Getenv("AHMA_TEST_DOTENV_VAR"))
}
