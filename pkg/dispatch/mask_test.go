package dispatch_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

func TestMaskToken(t *testing.T) {
	t.Run("long token keeps only the ends", func(t *testing.T) {
		token := "abcdef" + strings.Repeat("SECRET", 10) + "uvwxyz"
		masked := dispatch.MaskToken(token)

		assert.True(t, strings.HasPrefix(masked, "abcdef"))
		assert.True(t, strings.HasSuffix(masked, "uvwxyz"))
		assert.NotContains(t, masked, "SECRET")
	})

	t.Run("masked form does not reveal the token length", func(t *testing.T) {
		long := "abcdef" + strings.Repeat("x", 140) + "uvwxyz"
		shorter := "abcdef" + strings.Repeat("y", 20) + "uvwxyz"

		assert.Equal(t, "abcdef...uvwxyz", dispatch.MaskToken(long))
		assert.Equal(t, "abcdef...uvwxyz", dispatch.MaskToken(shorter))
	})

	t.Run("short token is fully hidden", func(t *testing.T) {
		masked := dispatch.MaskToken("abcdefuvwxyz")
		assert.NotEmpty(t, masked)
		assert.NotContains(t, masked, "abc")
		assert.NotContains(t, masked, "xyz")
		assert.Equal(t, "***", dispatch.MaskToken(""))
	})
}

func TestMaskedTokens_LogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	secret := "tok123" + strings.Repeat("HIDDEN", 5) + "end456"
	logger.Info("pruning", "tokens", dispatch.MaskedTokens{secret, "short"})

	out := buf.String()
	assert.NotContains(t, out, "HIDDEN")
	assert.NotContains(t, out, "short")
	assert.Contains(t, out, "tok123")
}
