package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommandPrintsYAML(t *testing.T) {
	t.Setenv("IMPROV_CONFIG_FILE", "")
	t.Setenv("AGENT_TIMEOUT", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "agent_timeout: 30s")
	assert.Contains(t, out.String(), "coach_turn: 15")
	assert.False(t, strings.Contains(out.String(), "sk-test"))
}

func TestConfigCommandReportsInvalidConfig(t *testing.T) {
	t.Setenv("IMPROV_CONFIG_FILE", "")
	t.Setenv("AGENT_TIMEOUT", "2s")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"config"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config error")
}
