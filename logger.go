package isrcache

// Fields carries structured context for a log line. Keys are snake_case;
// "err" holds an error value.
type Fields map[string]any

// Logger is the leveled sink the engine writes to. Adapters for zap, logrus
// and log/slog live under log/.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// LoggerOrNop returns l, or NopLogger when l is nil.
func LoggerOrNop(l Logger) Logger {
	return coalesce[Logger](l, NopLogger{})
}
