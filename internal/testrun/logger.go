package testrun

import (
	"go.uber.org/zap"
)

// ProcessedData accompanies a Processed log call
type ProcessedData struct {
	Entry       Entry
	Output      *Output
	Evaluations []EvaluationResult
}

// TestRunLogger receives progress messages from a running test run
type TestRunLogger interface {
	Info(msg string)
	Error(msg string)
	Processed(msg string, data ProcessedData)
}

// ZapLogger is the default TestRunLogger
type ZapLogger struct {
	log *zap.Logger
}

// NewZapLogger wraps log. A nil log discards everything.
func NewZapLogger(log *zap.Logger) *ZapLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapLogger{log: log}
}

func (z *ZapLogger) Info(msg string)  { z.log.Info(msg) }
func (z *ZapLogger) Error(msg string) { z.log.Error(msg) }

func (z *ZapLogger) Processed(msg string, data ProcessedData) {
	z.log.Info(msg,
		zap.Int("entry", data.Entry.Index),
		zap.Int("evaluations", len(data.Evaluations)),
	)
}
