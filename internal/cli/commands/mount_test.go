package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memfs/internal/daemon"
)

func TestResolveLimits(t *testing.T) {
	t.Parallel()
	settings := &daemon.GlobalSettings{MaxFileSizeMB: 1}

	maxFile, err := resolveLimits(512, 0, settings)
	require.NoError(t, err)
	assert.EqualValues(t, 1, maxFile)

	maxFile, err = resolveLimits(512, 64, settings)
	require.NoError(t, err)
	assert.EqualValues(t, 64, maxFile)

	_, err = resolveLimits(0, 64, settings)
	assert.Error(t, err)
	_, err = resolveLimits(-1, 64, settings)
	assert.Error(t, err)
	_, err = resolveLimits(512, -1, settings)
	assert.Error(t, err)

	// The per-file cap may not exceed the global budget.
	_, err = resolveLimits(10, 100, settings)
	assert.Error(t, err)

	maxFile, err = resolveLimits(10, 10, settings)
	require.NoError(t, err)
	assert.EqualValues(t, 10, maxFile)
}
