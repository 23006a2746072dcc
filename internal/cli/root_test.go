package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(nil)
	require.NotNil(t, cmd)
	assert.Equal(t, "fieldtest", cmd.Use)
	assert.Contains(t, cmd.Long, "acceptance")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(nil)
	commands := []string{"run", "devices", "cache", "rules"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand(nil)

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand(nil)
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"manifest", "db", "rules", "app", "grant", "max-devices", "concurrency", "no-cache"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
}

func TestCacheCommandFlags(t *testing.T) {
	cmd := NewRootCommand(nil)
	cacheCmd, _, err := cmd.Find([]string{"cache"})
	require.NoError(t, err)

	dbFlag := cacheCmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)

	pruneCmd, _, err := cmd.Find([]string{"cache", "prune"})
	require.NoError(t, err)
	olderFlag := pruneCmd.Flags().Lookup("older-than")
	require.NotNil(t, olderFlag)
	assert.Equal(t, "168h0m0s", olderFlag.DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand(nil)
	cmd.SetArgs([]string{"--format", "invalid", "rules", "show"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
