package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lightfold/darkroom/internal"
	"github.com/lightfold/darkroom/pkg/logger"
	"github.com/mitchellh/go-homedir"
)

var log = logger.Get("Main")

// main is the entry point to the program. Configuration comes from the YAML
// file at -config (default ~/.config/darkroom/config.yaml), with environment
// variables overriding; when the default file is absent the environment
// alone is used.
func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.SetMinLoggingLevel(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := internal.New(*config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Darkroom exited: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Darkroom stopped\n")
}

// loadConfig resolves the config file path and loads it. An explicitly
// given path must exist; the default path falls back to environment-only
// loading when absent.
func loadConfig(configPath string) (*internal.DarkroomConfig, error) {
	explicit := configPath != ""
	if !explicit {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "darkroom", "config.yaml")
	}

	config := &internal.DarkroomConfig{}
	if _, err := os.Stat(configPath); err != nil {
		if explicit {
			return nil, fmt.Errorf("cannot read config file %s: %w", configPath, err)
		}

		log.Emit(logger.INFO, "No config file at %s, loading configuration from environment\n", configPath)
		if err := config.LoadFromEnv(); err != nil {
			return nil, err
		}
		return config, nil
	}

	log.Emit(logger.INFO, "Loading configuration from %s\n", configPath)
	if err := config.LoadFromFile(configPath); err != nil {
		return nil, err
	}
	return config, nil
}
