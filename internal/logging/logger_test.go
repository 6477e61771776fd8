package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn", Component: "bot", JSONFormat: true}, &buf)

	l.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	l.Warn().Str("k", "v").Msg("kept")
	m := decodeLine(t, &buf)
	assert.Equal(t, "kept", m["message"])
	assert.Equal(t, "bot", m["service"])
	assert.Equal(t, "v", m["k"])
	assert.Contains(t, m, "time")
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	l, closer, err := New(Config{Level: "info", Output: path, JSONFormat: true})
	require.NoError(t, err)
	l.Info().Msg("to file")
	require.NoError(t, closer.Close())

	_, _, err = New(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestTraceContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(Config{Level: "debug", JSONFormat: true}, &buf)

	ctx, l := WithTraceContext(context.Background(), base)
	fromCtx := FromContext(ctx)
	fromCtx.Info().Msg("from ctx")
	m := decodeLine(t, &buf)
	require.NotEmpty(t, m["trace_id"])
	assert.Len(t, m["trace_id"], 8)

	buf.Reset()
	l.Info().Msg("direct")
	assert.Equal(t, m["trace_id"], decodeLine(t, &buf)["trace_id"])
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	defer SetDefault(prev)
	SetDefault(NewWithWriter(Config{JSONFormat: true}, &buf))

	fallback := FromContext(context.Background())
	fallback.Info().Msg("default")
	assert.Equal(t, "default", decodeLine(t, &buf)["message"])
}

func TestDomainContexts(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(Config{JSONFormat: true}, &buf)

	plog := PositionContext(base, "p-1", "BTCUSDT", "LONG")
	plog.Info().Msg("x")
	m := decodeLine(t, &buf)
	assert.Equal(t, "p-1", m["position_id"])
	assert.Equal(t, "LONG", m["side"])

	buf.Reset()
	olog := OrderContext(base, 42, "MB-0a1b2c3d-SL", "STOP_MARKET")
	olog.Info().Msg("x")
	m = decodeLine(t, &buf)
	assert.Equal(t, float64(42), m["order_id"])

	buf.Reset()
	tlog := TradeContext(base, "BTCUSDT", "BUY", decimal.RequireFromString("0.225"), decimal.NewFromInt(100))
	tlog.Info().Msg("x")
	m = decodeLine(t, &buf)
	assert.Equal(t, "0.225", m["quantity"])
	assert.Equal(t, "100", m["price"])
}
