package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentflow/internal/platform/config"
)

func TestInitAppReleasesResourcesOnFailure(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	dir := t.TempDir()
	t.Setenv("JWT_SIGNING_KEY", "test-signing-key")
	t.Setenv("LOG_FILE", filepath.Join(dir, "consentflow.log"))
	t.Setenv("CONNECTORS_FILE", filepath.Join(dir, "missing.yaml"))
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	a := &app{cfg: cfg}
	released := false
	a.onClose(func(context.Context) error {
		released = true
		return nil
	})

	got, err := initApp(context.Background(), a)
	require.ErrorContains(t, err, "read connectors file")
	assert.Nil(t, got)
	assert.True(t, released)
	assert.Empty(t, a.closers)
}
