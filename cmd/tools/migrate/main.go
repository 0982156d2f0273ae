package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/noah-isme/training-booking/internal/config"
	"github.com/noah-isme/training-booking/internal/db"
	"github.com/noah-isme/training-booking/internal/obs"
)

func main() {
	steps := flag.Int("steps", 1, "number of migrations to roll back with down")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: migrate [-steps n] up|down|version\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "migrate").Logger()
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}

	switch flag.Arg(0) {
	case "up":
		if err := db.Up(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
	case "down":
		if err := db.Down(cfg.DatabaseURL, *steps); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
	case "version":
	default:
		flag.Usage()
		os.Exit(2)
	}

	version, dirty, err := db.Version(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("read schema version")
	}
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema version")
}
