package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasherEnforcesMinimumCost(t *testing.T) {
	_, err := NewHasher(4)
	assert.ErrorIs(t, err, ErrCostTooLow)

	_, err = NewHasher(12)
	assert.NoError(t, err)
}

func TestHashAndVerify(t *testing.T) {
	hasher, err := NewHasher(12)
	require.NoError(t, err)

	hash, err := hasher.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, hasher.Verify(hash, "correct horse battery staple"))
	assert.False(t, hasher.Verify(hash, "wrong password"))
	assert.False(t, hasher.Verify("not-a-bcrypt-hash", "anything"))
	assert.False(t, hasher.Verify("", "anything"))
}
