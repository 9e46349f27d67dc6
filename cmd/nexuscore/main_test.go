package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRootCmd_RegistersServeAndStatus(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["status"])
}

func TestResolveConfigPath_DefaultsWhenUnset(t *testing.T) {
	require.Equal(t, "nexuscore.yaml", resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}
