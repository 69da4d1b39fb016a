// Package wslog builds a zap.Logger suitable for the server and client
// Config.Logger, with an env-driven level switch, plus structured
// helpers for the connection and frame events the protocol state
// machine emits. Those packages default Config.Logger to zap.NewNop()
// and do not call New themselves.
package wslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnvVar controls verbosity when level is passed as "".
const LevelEnvVar = "WSREACTOR_LOG_LEVEL"

// New builds a console-encoded zap.Logger at the given level ("debug",
// "info", "warn", "error"). An empty level falls back to LevelEnvVar,
// and if that is also unset, returns zap.NewNop() so library consumers
// get silence by default.
func New(level string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv(LevelEnvVar)
	}
	if level == "" {
		return zap.NewNop(), nil
	}

	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Connection returns fields describing a connection lifecycle event,
// meant to be passed straight to a *zap.Logger call.
func Connection(remoteAddr, event string) []zap.Field {
	return []zap.Field{
		zap.String("remote_addr", remoteAddr),
		zap.String("event", event),
	}
}

// Frame returns fields describing one decoded frame: direction, opcode
// and payload length. The payload itself is not logged.
func Frame(direction string, opcode byte, n int) []zap.Field {
	return []zap.Field{
		zap.String("direction", direction),
		zap.Uint8("opcode", opcode),
		zap.Int("length", n),
	}
}
