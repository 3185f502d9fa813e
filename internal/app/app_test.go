package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mongodb-sink/internal/config"
)

func TestNewAppDryRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	a, err := NewApp(ctx, cfg, true)
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.NotNil(t, a.Logger())
	assert.NotNil(t, a.Store())
	assert.NotNil(t, a.Blobs())
	assert.NotNil(t, a.Notifier())
	assert.Equal(t, config.DefaultCollection, a.Config().Collection)
}
