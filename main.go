package main

import (
	"log/slog"

	"github.com/vihu/tandem/cmd"
	"github.com/vihu/tandem/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init(slog.LevelError)
	cmd.Execute()
}
