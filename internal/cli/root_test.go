package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "solo version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Solo")
		assert.Contains(t, output, "worker")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		for _, name := range []string{"config", "log-level", "root", "name"} {
			flag := cmd.PersistentFlags().Lookup(name)
			require.NotNil(t, flag, name)
			assert.Equal(t, "", flag.DefValue, name)
		}
	})

	t.Run("subcommands", func(t *testing.T) {
		for _, name := range []string{"run", "worker", "call", "status", "stop", "migrate", "configure", "payloads"} {
			assert.True(t, hasCommand(name), "%s command should exist", name)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
