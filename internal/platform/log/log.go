// Package log wraps zap behind a narrow interface so the rest of the engine
// depends on a contract instead of a concrete logging library.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging contract consumed by every other package. Handles
// are constructor-injected (never a package-level singleton) so tests can
// substitute a no-op or observed logger.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	// WithFields returns a derived logger that always includes the given
	// key/value pairs, e.g. WithFields("repo", id, "ref", name).
	WithFields(fields ...any) Logger

	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a production or development zap logger depending on env.
func New(envName, level string) (Logger, error) {
	var cfg zap.Config
	if envName == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.Set(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &zapLogger{s: logger.Sugar()}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

// NewTee builds a logger over the given core only (nothing goes to stderr);
// used by tests that want to assert on emitted log lines without standing up
// a full zap config.
func NewTee(core zapcore.Core) Logger {
	logger := zap.New(core, zap.AddCallerSkip(1))
	_ = os.Stderr

	return &zapLogger{s: logger.Sugar()}
}

func (l *zapLogger) Debug(msg string, fields ...any) { l.s.Debugw(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...any)  { l.s.Infow(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...any)  { l.s.Warnw(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...any) { l.s.Errorw(msg, fields...) }

func (l *zapLogger) WithFields(fields ...any) Logger {
	return &zapLogger{s: l.s.With(fields...)}
}

func (l *zapLogger) Sync() error {
	return l.s.Sync()
}
