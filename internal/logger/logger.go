package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process-wide logger. It is a no-op until InitLogger runs.
var Log = zap.NewNop()

// InitLogger builds Log from a level name and an output format ("json" or
// "console").
func InitLogger(level, format string) error {
	return InitLoggerWithFile(level, format, "")
}

// InitLoggerWithFile is InitLogger plus an optional rotated log file that
// receives the same entries as stderr.
func InitLoggerWithFile(level, format, file string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	sink := zapcore.Lock(os.Stderr)
	if file != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
		sink = zapcore.NewMultiWriteSyncer(sink, rotated)
	}

	Log = zap.New(zapcore.NewCore(enc, sink, lvl), zap.AddCaller())
	return nil
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}
