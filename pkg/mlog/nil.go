package mlog

// NoneLogger discards everything. Used as the default logger in tests and
// in any code path that runs before a real logger has been wired in.
type NoneLogger struct{}

func (NoneLogger) Info(args ...any)             {}
func (NoneLogger) Infof(format string, a ...any) {}
func (NoneLogger) Error(args ...any)            {}
func (NoneLogger) Errorf(format string, a ...any) {}
func (NoneLogger) Warn(args ...any)             {}
func (NoneLogger) Warnf(format string, a ...any) {}
func (NoneLogger) Debug(args ...any)            {}
func (NoneLogger) Debugf(format string, a ...any) {}

//nolint:ireturn
func (l NoneLogger) WithFields(fields ...any) Logger { return l }

func (NoneLogger) Sync() error { return nil }
