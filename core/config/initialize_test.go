package config

import (
	"io"
	"log"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeCreatesConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := log.New(io.Discard, "", 0)

	cfg, err := Initialize(fs, ".", logger)
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	exists, _ := afero.Exists(fs, ConfigurationName)
	assert.True(t, exists)
}

func TestInitializeKeepsExistingConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := log.New(io.Discard, "", 0)
	require.NoError(t, afero.WriteFile(fs, ConfigurationName, []byte("thread_type: interrupt\n"), 0644))

	cfg, err := Initialize(fs, ".", logger)
	require.NoError(t, err)
	assert.Equal(t, "interrupt", cfg.ThreadType)
}
