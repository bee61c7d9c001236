package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"flapjack/internal/app"
	"flapjack/internal/clock"
	"flapjack/internal/config"
)

// Exit codes for the process wrapper.
const (
	exitOK          = 0
	exitConfigError = 1
	exitStoreError  = 2
	exitUsageError  = 64
)

// main starts the flapjack core using a file or directory config source.
// Params: CLI flags (--config-file or --config-dir).
// Returns: process exit code by startup/run result.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
	)
	flag.Parse()

	// Optional .env bootstrap for store URLs and gateway credentials.
	_ = godotenv.Load()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitUsageError)
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		switch {
		case errors.Is(err, app.ErrStoreUnavailable):
			os.Exit(exitStoreError)
		default:
			os.Exit(exitConfigError)
		}
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(exitConfigError)
	}
	os.Exit(exitOK)
}
