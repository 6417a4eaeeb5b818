// Package logger holds the process-wide zap logger. Daemons call Init
// once in main; tests that need a logger use zap.NewNop directly.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger = zap.NewNop()

// Init configures the package logger. With an empty file it writes a
// console encoding to stderr, otherwise JSON appended to the file.
func Init(level, file string) error {
	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	var sink zapcore.WriteSyncer
	if file == "" {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
		sink = zapcore.Lock(os.Stderr)
	} else {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		encoder = zapcore.NewJSONEncoder(cfg)
		sink = zapcore.AddSync(f)
	}

	Logger = zap.New(zapcore.NewCore(encoder, sink, atom), zap.AddCaller())
	return nil
}

// Sync flushes buffered entries. Safe to call on the nop logger.
func Sync() {
	_ = Logger.Sync()
}
