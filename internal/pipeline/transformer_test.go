package pipeline_test

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-pipeline/internal/pipeline"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

func tok(s string) dispatch.DeviceToken {
	return dispatch.DeviceToken{Token: s, UserID: "u1", DeviceType: dispatch.DeviceAndroid}
}

func TestPrepareTokens(t *testing.T) {
	long1 := strings.Repeat("a", 21)
	long2 := strings.Repeat("b", 64)
	exactly20 := strings.Repeat("c", 20)

	t.Run("filters short tokens and dedupes in order", func(t *testing.T) {
		got := pipeline.PrepareTokens([]dispatch.DeviceToken{
			tok(long2), tok("short"), tok(long1), tok(exactly20), tok(long2), tok(""),
		}, 0)
		assert.Equal(t, []string{long2, long1}, got)
	})

	t.Run("custom minimum", func(t *testing.T) {
		got := pipeline.PrepareTokens([]dispatch.DeviceToken{tok("abcd"), tok("abc")}, 4)
		assert.Equal(t, []string{"abcd"}, got)
	})

	t.Run("nothing survives", func(t *testing.T) {
		got := pipeline.PrepareTokens([]dispatch.DeviceToken{tok("x")}, 0)
		assert.Empty(t, got)
	})
}

func TestStringifyData(t *testing.T) {
	t.Run("strings pass through and others become json", func(t *testing.T) {
		got, err := pipeline.StringifyData(map[string]any{
			"postId":  "p-1",
			"count":   3,
			"ratio":   1.5,
			"flag":    true,
			"missing": nil,
			"nested":  map[string]any{"a": []int{1, 2}},
			"quoted":  `he said "hi"`,
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"postId":  "p-1",
			"count":   "3",
			"ratio":   "1.5",
			"flag":    "true",
			"missing": "null",
			"nested":  `{"a":[1,2]}`,
			"quoted":  `he said "hi"`,
		}, got)
	})

	t.Run("nested values keep html characters", func(t *testing.T) {
		got, err := pipeline.StringifyData(map[string]any{
			"link": map[string]any{"url": "a&b<c>"},
		})
		require.NoError(t, err)
		assert.Equal(t, `{"url":"a&b<c>"}`, got["link"])
	})

	t.Run("empty data yields empty map", func(t *testing.T) {
		got, err := pipeline.StringifyData(nil)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("unserializable value is an error", func(t *testing.T) {
		_, err := pipeline.StringifyData(map[string]any{"bad": math.Inf(1)})
		assert.Error(t, err)
	})
}

func TestBuildMessage(t *testing.T) {
	body := strings.Repeat("x", 500)
	msg, err := pipeline.BuildMessage(&dispatch.NotificationJob{
		RecipientID: "u1",
		Title:       "New comment",
		Body:        body,
		Data:        map[string]any{"type": "comment", "postId": 42},
	})
	require.NoError(t, err)
	assert.Equal(t, "New comment", msg.Title)
	assert.Equal(t, body, msg.Body, "body must never be re-truncated")
	assert.Equal(t, map[string]string{"type": "comment", "postId": "42"}, msg.Data)
}
