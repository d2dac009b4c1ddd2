package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/fyrsmithlabs/swarmd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_DefaultConfig(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = false

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithAgentID(context.Background(), "agent-42")
	ctx = WithRequestID(ctx, "req-7")
	tl.Info(ctx, "spawn validated", zap.String("level", "L2"))

	tl.AssertLogged(t, zapcore.InfoLevel, "spawn validated")
	tl.AssertField(t, "spawn validated", "agent.id", "agent-42")
	tl.AssertField(t, "spawn validated", "request.id", "req-7")
	tl.AssertField(t, "spawn validated", "level", "L2")
}

func TestWithAgentID_RejectsInvalid(t *testing.T) {
	assert.Panics(t, func() { WithAgentID(context.Background(), "") })
	assert.Panics(t, func() { WithAgentID(context.Background(), "agent id with spaces") })
	assert.NotPanics(t, func() { WithAgentID(context.Background(), "main") })
}

func TestFromContext_Fallback(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

// encodeEntry runs a single entry through a redacting JSON encoder and
// returns the serialized line.
func encodeEntry(t *testing.T, cfg RedactionConfig, fields ...zapcore.Field) string {
	t.Helper()

	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, fields)
	require.NoError(t, err)
	defer buf.Free()

	var out bytes.Buffer
	out.Write(buf.Bytes())
	return out.String()
}

func TestRedactingEncoder_FieldNames(t *testing.T) {
	cfg := NewDefaultConfig().Redaction

	line := encodeEntry(t, cfg, zap.String("token", "ghp_abcdef"), zap.String("task", "T1"))
	assert.NotContains(t, line, "ghp_abcdef")
	assert.Contains(t, line, "[REDACTED]")
	assert.Contains(t, line, "T1")
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	cfg := NewDefaultConfig().Redaction

	out := "deploy finished, used Bearer s3cr3t-value for auth"
	line := encodeEntry(t, cfg, zap.String("output", out))
	assert.NotContains(t, line, "s3cr3t-value")
	assert.Contains(t, line, "[REDACTED:pattern]")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	line := encodeEntry(t, RedactionConfig{Enabled: false}, zap.String("token", "visible"))
	assert.Contains(t, line, "visible")
}

func TestRedactingEncoder_InvalidPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{"("},
	})
	require.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "tracker configured",
		Secret("token", config.Secret("ghp_realtoken1234")))

	entries := tl.FilterMessage("tracker configured").All()
	require.Len(t, entries, 1)
	// Object marshaling keeps only the redacted form.
	for _, f := range entries[0].Context {
		assert.NotContains(t, f.String, "realtoken")
	}
}

func TestLogger_Sync(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	// EINVAL/ENOTTY from stdout are swallowed.
	assert.NoError(t, logger.Sync())
}
