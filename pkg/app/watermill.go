package app

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// zapWatermill adapts a zap logger to watermill.LoggerAdapter. Watermill
// info messages are logged at debug level.
type zapWatermill struct {
	l *zap.SugaredLogger
}

var _ watermill.LoggerAdapter = zapWatermill{}

func fieldArgs(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (z zapWatermill) Error(msg string, err error, fields watermill.LogFields) {
	z.l.Errorw(msg, append(fieldArgs(fields), "error", err)...)
}

func (z zapWatermill) Info(msg string, fields watermill.LogFields) {
	z.l.Debugw(msg, fieldArgs(fields)...)
}

func (z zapWatermill) Debug(msg string, fields watermill.LogFields) {
	z.l.Debugw(msg, fieldArgs(fields)...)
}

func (z zapWatermill) Trace(string, watermill.LogFields) {}

func (z zapWatermill) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zapWatermill{z.l.With(fieldArgs(fields)...)}
}
