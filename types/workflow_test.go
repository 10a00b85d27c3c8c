package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMap_ValueScan(t *testing.T) {
	m := JSONMap{"message": "hi", "count": float64(3)}

	v, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(v))
	assert.Equal(t, m, out)

	var fromBytes JSONMap
	require.NoError(t, fromBytes.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, float64(1), fromBytes["a"])

	var empty JSONMap
	require.NoError(t, empty.Scan(nil))
	assert.Nil(t, empty)

	assert.Error(t, empty.Scan(42))
}

func TestJSONMap_NilValue(t *testing.T) {
	var m JSONMap
	v, err := m.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNodeType_Valid(t *testing.T) {
	assert.True(t, NodeStart.Valid())
	assert.True(t, NodeAgent.Valid())
	assert.True(t, NodeCondition.Valid())
	assert.True(t, NodeEnd.Valid())
	assert.False(t, NodeType("teleport").Valid())
	assert.False(t, NodeType("").Valid())
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}
