package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/configuration"
	"github.com/distribution/bundleupdate/fetch"
	"github.com/distribution/bundleupdate/retry"
	"github.com/distribution/bundleupdate/storagemgr"
	"github.com/distribution/bundleupdate/update"
)

// loadConfig reads and parses the configuration file at path, the way
// cmd/registry/main.go resolves its config path before constructing a
// server.
func loadConfig(path string) (*configuration.Configuration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg, err := configuration.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// configureLogging selects the formatter and level the same way
// cmd/registry/main.go does: logrus.JSONFormatter for "json", text
// otherwise.
func configureLogging(cfg *configuration.Configuration) {
	if cfg.Log.Formatter == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{})
	}

	level, err := logrus.ParseLevel(string(cfg.Log.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// buildEngine constructs the storage manager, fetch client, verifier and
// update.Engine that every bundlectl subcommand drives.
func buildEngine(cfg *configuration.Configuration) (*update.Engine, error) {
	platform, err := bundle.ParsePlatform(cfg.Platform)
	if err != nil {
		return nil, fmt.Errorf("parsing platform: %w", err)
	}

	storage, err := storagemgr.New(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("opening storage root: %w", err)
	}

	retryCfg := retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		Multiplier:   cfg.Retry.Multiplier,
		MaxDelay:     cfg.Retry.MaxDelay,
	}
	fetcher := fetch.NewClient(cfg.BaseURL, retryCfg)

	var verifier *bundle.Verifier
	if cfg.PublicKey != "" {
		verifier, err = bundle.NewVerifier(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("loading public key: %w", err)
		}
	}

	return update.New(storage, fetcher, verifier, platform, cfg.HostVersion, retryCfg), nil
}
