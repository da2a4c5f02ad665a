package engine

// Field is one structured key/value pair attached to a log line, such
// as the provider and ledger id of a webhook or the name and counters
// of a job run.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the engine's structured logging interface. The engine logs
// webhook outcomes, state transitions and job runs through it; the
// zerolog adapter in logger/zerolog is the production implementation.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards all log output. Default when no Logger is
// configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
