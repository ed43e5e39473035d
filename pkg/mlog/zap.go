package mlog

import "go.uber.org/zap"

// ZapLogger is the go.uber.org/zap-backed implementation of Logger, adapted
// from the teacher's otelzap wrapper but without a mandatory collector
// dependency: spans are attached by the caller (see internal/telemetry)
// rather than by the logger itself.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a ZapLogger at the given level. env selects the
// encoder: "production" gets JSON, anything else gets the readable
// development console encoder.
func NewZapLogger(level LogLevel, env string) (*ZapLogger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = toZapLevel(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &ZapLogger{sugar: logger.Sugar()}, nil
}

func toZapLevel(l LogLevel) zap.AtomicLevel {
	switch l {
	case DebugLevel:
		return zap.NewAtomicLevelAt(-1)
	case WarnLevel:
		return zap.NewAtomicLevelAt(1)
	case ErrorLevel:
		return zap.NewAtomicLevelAt(2)
	default:
		return zap.NewAtomicLevelAt(0)
	}
}

func (l *ZapLogger) Info(args ...any)              { l.sugar.Info(args...) }
func (l *ZapLogger) Infof(format string, a ...any)  { l.sugar.Infof(format, a...) }
func (l *ZapLogger) Error(args ...any)              { l.sugar.Error(args...) }
func (l *ZapLogger) Errorf(format string, a ...any) { l.sugar.Errorf(format, a...) }
func (l *ZapLogger) Warn(args ...any)               { l.sugar.Warn(args...) }
func (l *ZapLogger) Warnf(format string, a ...any)  { l.sugar.Warnf(format, a...) }
func (l *ZapLogger) Debug(args ...any)              { l.sugar.Debug(args...) }
func (l *ZapLogger) Debugf(format string, a ...any) { l.sugar.Debugf(format, a...) }

// WithFields adds structured context to the logger. It returns a new
// logger and leaves the original unchanged.
//
//nolint:ireturn
func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{sugar: l.sugar.With(fields...)}
}

func (l *ZapLogger) Sync() error { return l.sugar.Sync() }
