package telemetry

import (
	"go.uber.org/zap"
)

// LogEmitter mirrors events onto the process log. By default only the
// per-URL PAGE events and warnings/errors are written, one compact line
// per fetched URL. Verbose mode re-enables everything else.
type LogEmitter struct {
	logger  *zap.Logger
	verbose bool
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *zap.Logger, verbose bool) *LogEmitter {
	return &LogEmitter{logger: logger, verbose: verbose}
}

// Emit writes the event as one structured log line.
func (l *LogEmitter) Emit(event Event) {
	if !l.verbose && !l.interesting(event) {
		return
	}

	fields := make([]zap.Field, 0, 8)
	fields = append(fields, zap.String("target", event.Target))
	if event.Scope != "" {
		fields = append(fields, zap.String("scope", event.Scope))
	}
	if event.HTTPStatus != 0 {
		fields = append(fields, zap.Int("status", event.HTTPStatus))
	}
	if event.Duration != 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	if event.ItemCount != 0 {
		fields = append(fields, zap.Int64("items", event.ItemCount))
	}
	for k, v := range event.Payload {
		fields = append(fields, zap.Any(k, v))
	}

	switch event.Severity {
	case SeverityError:
		l.logger.Error(event.Type, fields...)
	case SeverityWarn:
		l.logger.Warn(event.Type, fields...)
	default:
		l.logger.Info(event.Type, fields...)
	}
}

func (l *LogEmitter) interesting(event Event) bool {
	if event.Severity == SeverityWarn || event.Severity == SeverityError {
		return true
	}
	switch event.Type {
	case EventPageFetched, EventPageFailed, EventStalled,
		EventDomainLearned, EventHubDepthProbed:
		return true
	}
	return false
}

// Close implements Emitter.
func (l *LogEmitter) Close() error { return nil }
