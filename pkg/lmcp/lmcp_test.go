package lmcp

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(LMCPOpts{LogDir: dir, Level: zerolog.InfoLevel}, io.Discard)
	require.NoError(t, err)

	logger.Info().Msg("hello")
	logger.Debug().Msg("filtered")
	require.NoError(t, closer())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "lmcp."))

	data, err := os.ReadFile(dir + "/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"mode":"stdio"`)
	assert.NotContains(t, string(data), "filtered")
}

func TestNewLoggerStdioNeedsFile(t *testing.T) {
	_, _, err := NewLogger(LMCPOpts{DisableLogFile: true}, io.Discard)
	require.Error(t, err)

	var console bytes.Buffer
	logger, _, err := NewLogger(LMCPOpts{HTTPMode: true, DisableLogFile: true, Level: zerolog.InfoLevel}, &console)
	require.NoError(t, err)
	logger.Info().Msg("to console")
	assert.Contains(t, console.String(), "to console")
}

func TestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.TraceLevel)

	var body string
	var sawLogger bool
	h := loggerMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		sawLogger = zerolog.Ctx(r.Context()).GetLevel() == zerolog.TraceLevel
		w.WriteHeader(http.StatusTeapot)
	}), logger)

	req := httptest.NewRequest(http.MethodPost, "/v1/tools", strings.NewReader(`{"name":"list"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, `{"name":"list"}`, body, "the handler still sees the body after curl rendering")
	assert.True(t, sawLogger)
	assert.Contains(t, buf.String(), "curl -X 'POST'")
	assert.Contains(t, buf.String(), `"status":418`)
}

func TestLogWriter(t *testing.T) {
	var buf bytes.Buffer
	std := log.New(&logWriter{logger: zerolog.New(&buf)}, "", 0)

	std.Println("stdio read failed")
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), `"message":"stdio read failed"`)
}
