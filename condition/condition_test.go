package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprCondition(t *testing.T) {
	cond, err := New("flag == 1 && amount > 10")
	require.NoError(t, err)

	assert.True(t, cond.Evaluate(map[string]interface{}{"flag": int64(1), "amount": 25.0}))
	assert.False(t, cond.Evaluate(map[string]interface{}{"flag": int64(0), "amount": 25.0}))
	assert.False(t, cond.Evaluate(map[string]interface{}{"flag": int64(1), "amount": 5.0}))
}

func TestNullFieldsDoNotMatch(t *testing.T) {
	cond, err := New("flag == 1")
	require.NoError(t, err)
	assert.False(t, cond.Evaluate(map[string]interface{}{"flag": nil}))
	assert.False(t, cond.Evaluate(map[string]interface{}{}))
}

func TestCompileError(t *testing.T) {
	_, err := New("flag ==")
	assert.Error(t, err)
}
