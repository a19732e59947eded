package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/marketbot/core/buildinfo"
)

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	assert.Equal(t, DefaultConfigPath, ResolveConfigPath(""))

	t.Setenv(ConfigEnvVar, "/etc/marketbot.yaml")
	assert.Equal(t, "/etc/marketbot.yaml", ResolveConfigPath(""))
	assert.Equal(t, "local.yaml", ResolveConfigPath("local.yaml"))
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, buildinfo.String(), strings.TrimSpace(out.String()))
}

func TestMigrateFailsOnMissingConfig(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"migrate", "--config", "/nonexistent/config.yaml"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestSubcommands(t *testing.T) {
	root := NewRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "version"})
}
