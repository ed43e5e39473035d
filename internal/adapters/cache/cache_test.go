package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKey_NamespacesByInbox(t *testing.T) {
	require.Equal(t, "core:association_state:inbox-1", cacheKey("inbox-1"))
	require.NotEqual(t, cacheKey("inbox-1"), cacheKey("inbox-2"))
}
