package toolclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeResultStructured(t *testing.T) {
	res := normalizeResult(callToolResult{
		Content: []contentItem{{Type: "text", Text: `{"value":[{"id":"u1"},{"id":"u2"}]}`}},
	})

	require.Equal(t, KindStructured, res.Kind)
	m, ok := res.Structured.(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, m["value"], 2)
}

func TestNormalizeResultPlainText(t *testing.T) {
	res := normalizeResult(callToolResult{
		Content: []contentItem{
			{Type: "text", Text: "first chunk"},
			{Type: "text", Text: "second chunk"},
		},
	})

	assert.Equal(t, KindText, res.Kind)
	assert.Equal(t, "first chunk\nsecond chunk", res.Text)
	assert.False(t, res.IsError())
}

func TestNormalizeResultError(t *testing.T) {
	res := normalizeResult(callToolResult{
		Content: []contentItem{{Type: "text", Text: "tool blew up"}},
		IsError: true,
	})

	assert.Equal(t, KindError, res.Kind)
	assert.True(t, res.IsError())
	assert.Equal(t, "Error: tool blew up", res.String())
}

func TestResultStringRendersStructuredJSON(t *testing.T) {
	res := Result{
		Kind:       KindStructured,
		Structured: map[string]interface{}{"count": 3.0},
	}
	assert.Contains(t, res.String(), `"count": 3`)
}
