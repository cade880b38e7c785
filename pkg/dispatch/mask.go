package dispatch

import (
	"log/slog"
	"strings"

	masker "github.com/goliatone/go-masker"
)

const maskKeep = 6

// MaskToken renders a token safe for logs as its first and last six
// characters around "...", whatever the token's length. Tokens too short to
// keep both ends get a fixed-width mask.
func MaskToken(token string) string {
	runes := []rune(token)
	if len(runes) > 2*maskKeep {
		return string(runes[:maskKeep]) + "..." + string(runes[len(runes)-maskKeep:])
	}
	if token != "" {
		if masked, err := masker.Default.MaskFixedString("", token); err == nil && masked != token {
			return masked
		}
	}
	return "***"
}

// MaskedTokens is a slog value that logs a token list in masked form.
type MaskedTokens []string

func (m MaskedTokens) LogValue() slog.Value {
	masked := make([]string, len(m))
	for i, t := range m {
		masked[i] = MaskToken(t)
	}
	return slog.StringValue(strings.Join(masked, ","))
}
