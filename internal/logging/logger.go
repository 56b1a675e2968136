package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a config log level to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("log level %q: %w", level, err)
	}
	return l, nil
}

// New creates a zap logger that writes JSON to the given log file path
// and also writes to stderr. User id and PID are included as initial fields.
func New(logPath, userID, level string) (*zap.Logger, error) {
	return newLogger(logPath, userID, level, os.Stderr)
}

func newLogger(logPath, userID, level string, console io.Writer) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	fileCore := zapcore.NewCore(jsonEncoder, zapcore.AddSync(file), lvl)
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.AddSync(console), lvl)

	core := zapcore.NewTee(fileCore, consoleCore)

	logger := zap.New(core,
		zap.Fields(
			zap.String("user", userID),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, nil
}
