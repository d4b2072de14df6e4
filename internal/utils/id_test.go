package utils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSubscriptionIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := GenerateSubscriptionID()
		_, err := uuid.Parse(id)
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestDefaultAlias(t *testing.T) {
	assert.Equal(t, "x", DefaultAlias("http://x/good.yaml"))
	assert.Equal(t, "sub.example.com", DefaultAlias(" https://sub.example.com:8443/api?token=1 "))
	assert.Equal(t, "not a url", DefaultAlias("not a url"))
}
