package repositories

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChangesSinceQuery(t *testing.T) {
	query, args, err := buildChangesSinceQuery(10, 0)
	require.NoError(t, err)

	assert.Contains(t, query, "FROM change_log")
	assert.Contains(t, query, "sequence_id > $1")
	assert.Contains(t, query, "ORDER BY sequence_id ASC")
	assert.NotContains(t, query, "LIMIT")
	assert.Equal(t, []any{int64(10)}, args)
}

func TestBuildChangesSinceQueryWithLimit(t *testing.T) {
	query, args, err := buildChangesSinceQuery(0, 50)
	require.NoError(t, err)

	assert.Contains(t, query, "LIMIT 50")
	assert.Equal(t, []any{int64(0)}, args)
}
