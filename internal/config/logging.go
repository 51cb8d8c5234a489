package config

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates the process logger: human-readable text on stderr,
// JSON appended to logFile for machine parsing. An empty logFile disables
// the file output. Returns the logger and a cleanup function that closes
// the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}
	stderrHandler := slog.NewTextHandler(os.Stderr, opts)
	noop := func() error { return nil }

	if logFile == "" {
		return slog.New(stderrHandler), noop
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return slog.New(stderrHandler), noop
	}

	logger := slog.New(slogmulti.Fanout(
		stderrHandler,
		slog.NewJSONHandler(file, opts),
	))
	return logger, file.Close
}
