package main

import (
	"log/slog"
	"os"

	"github.com/canstack/flexcanfd/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "flexcan-server")
	logging.Set(l)
	return l
}
