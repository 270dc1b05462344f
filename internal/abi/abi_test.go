package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffers_Accounting(t *testing.T) {
	b := NewBuffers(64)

	u, err := b.Uint32s(1, 4)
	require.NoError(t, err)
	assert.Len(t, u, 4)
	f, err := b.Float32s(1, 8)
	require.NoError(t, err)
	assert.Len(t, f, 8)
	assert.Equal(t, 48, b.Total())

	_, err = b.Float32s(2, 8)
	assert.Error(t, err, "over the limit")
	assert.Equal(t, 48, b.Total())

	b.Release(1)
	assert.Zero(t, b.Total())
	b.Release(1)
	assert.Zero(t, b.Total(), "release is idempotent")

	_, err = b.Float32s(2, 16)
	assert.NoError(t, err)
}

func TestBuffers_Empty(t *testing.T) {
	b := NewBuffers(MaxTotalAllocations)
	s, err := b.Uint32s(7, 0)
	require.NoError(t, err)
	assert.Empty(t, s)
	assert.Zero(t, b.Total())
}
