package logger

import (
	"go.uber.org/zap/zapcore"
)

// DBCore is a Zap Core that tees every entry into the DB writer
type DBCore struct {
	zapcore.Core
	writer *DBLogWriter
	fields []zapcore.Field
}

// NewDBCore wraps an existing core (like console logger) and adds DB logging
func NewDBCore(baseCore zapcore.Core, writer *DBLogWriter) zapcore.Core {
	return &DBCore{
		Core:   baseCore,
		writer: writer,
	}
}

// With keeps the DB tee when child loggers are created with zap.Logger.With.
func (c *DBCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &DBCore{
		Core:   c.Core.With(fields),
		writer: c.writer,
		fields: merged,
	}
}

// Write is called for every log entry
func (c *DBCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	logEntry := LogEntry{
		Level:   entry.Level,
		Message: entry.Message,
		Caller:  entry.Caller.Function,
	}

	// Pull the sync-specific fields we index on
	for _, set := range [][]zapcore.Field{c.fields, fields} {
		for _, f := range set {
			if f.Type != zapcore.StringType {
				continue
			}
			switch f.Key {
			case "job_id":
				logEntry.JobID = f.String
			case "connection_id":
				logEntry.ConnectionID = f.String
			case "event":
				logEntry.Event = f.String
			}
		}
	}

	c.writer.AddLog(logEntry)

	return c.Core.Write(entry, fields)
}

// Check decides if we should log this level
func (c *DBCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}
