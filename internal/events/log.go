package events

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes one structured log line per request.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	level := zapcore.InfoLevel
	if e.Status >= 500 {
		level = zapcore.WarnLevel
	}

	ce := s.logger.Check(level, "request completed")
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.String("request_id", e.RequestID),
		zap.String("identity", e.Identity),
		zap.String("method", e.Method),
		zap.String("path", e.Path),
		zap.Int("status", e.Status),
		zap.Duration("elapsed", e.Elapsed),
		zap.String("stage", e.Stage),
		zap.String("client_ip", e.ClientIP),
		zap.Int("bytes_out", e.BytesOut),
	}
	if e.Cache != "" {
		fields = append(fields, zap.String("cache", e.Cache))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	ce.Write(fields...)
}
