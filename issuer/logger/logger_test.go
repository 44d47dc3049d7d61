package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hackcert/hackcert-node/issuer/config"
)

func TestNewVariants(t *testing.T) {
	t.Run("json format logs expected fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newWithWriter(&buf, int(zerolog.InfoLevel), "json", false)

		logger.Info().Str("key", "value").Msg("json_test")

		require.Contains(t, buf.String(), `"message":"json_test"`)
		require.Contains(t, buf.String(), `"key":"value"`)
	})

	t.Run("console format logs human readable output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newWithWriter(&buf, int(zerolog.DebugLevel), "console", false)

		logger.Debug().Str("env", "test").Msg("console_log")

		out := stripANSI(buf.String())
		require.Contains(t, out, "console_log")
		require.Contains(t, out, "env=test")
	})

	t.Run("level filters lower severities", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newWithWriter(&buf, int(zerolog.WarnLevel), "json", false)

		logger.Info().Msg("hidden")
		logger.Warn().Msg("shown")

		require.NotContains(t, buf.String(), "hidden")
		require.Contains(t, buf.String(), "shown")
	})

	t.Run("sampler reduces output frequency", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newWithWriter(&buf, int(zerolog.InfoLevel), "json", true)

		for i := 0; i < 20; i++ {
			logger.Info().Int("count", i).Msg("sampled")
		}

		lines := strings.Count(buf.String(), "\n")
		require.Less(t, lines, 20)
		require.Greater(t, lines, 0)
	})
}

func TestInitWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hcertd.log")
	logger := Init(config.Config{
		LogLevel:      int(zerolog.InfoLevel),
		LogFormat:     "console",
		LogFile:       path,
		LogMaxSizeMB:  1,
		LogMaxBackups: 1,
	})

	logger.Info().Str("component", "test").Msg("to_file")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"message":"to_file"`)
	require.Contains(t, string(raw), `"component":"test"`)
}

func TestExtraWriterGetsJSON(t *testing.T) {
	var console, file bytes.Buffer
	logger := newWithWriter(&console, int(zerolog.InfoLevel), "console", false, &file)

	logger.Info().Msg("both")

	require.Contains(t, stripANSI(console.String()), "both")
	require.Contains(t, file.String(), `"message":"both"`)
}

func stripANSI(input string) string {
	re := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return re.ReplaceAllString(input, "")
}
