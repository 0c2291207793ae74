package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeStatus(t *testing.T) {
	got, err := ParseNodeStatus(" Draining ")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusDraining, got)

	for _, raw := range []string{"", "  ", "sleeping"} {
		_, err := ParseNodeStatus(raw)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "raw %q", raw)
		assert.Equal(t, "status", verr.Field)
	}
}

func TestNodeStatusConnected(t *testing.T) {
	assert.True(t, NodeStatusOnline.Connected())
	assert.True(t, NodeStatusBusy.Connected())
	assert.False(t, NodeStatusDraining.Connected())
	assert.False(t, NodeStatusOffline.Connected())
	assert.False(t, NodeStatusPending.Connected())
}
