// Command bundleupdated runs the background update loop (C10) against a
// configuration file, the way cmd/registry/main.go runs the HTTP server
// against one: parse the config path, resolve configuration, configure
// logging, run until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/configuration"
	"github.com/distribution/bundleupdate/fetch"
	"github.com/distribution/bundleupdate/internal/dcontext"
	"github.com/distribution/bundleupdate/retry"
	"github.com/distribution/bundleupdate/storagemgr"
	"github.com/distribution/bundleupdate/update"
)

func main() {
	configPath := flag.String("config", "bundleupdate.yml", "path to the configuration file")
	flag.Parse()

	f, err := os.Open(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bundleupdated:", err)
		os.Exit(1)
	}
	cfg, err := configuration.Parse(f)
	f.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bundleupdated:", err)
		os.Exit(1)
	}

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

	platform, err := bundle.ParsePlatform(cfg.Platform)
	if err != nil {
		logrus.Fatalf("parsing platform: %v", err)
	}

	storage, err := storagemgr.New(cfg.Root)
	if err != nil {
		logrus.Fatalf("opening storage root: %v", err)
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
			logrus.Fatalf("loading public key: %v", err)
		}
	}

	engine := update.New(storage, fetcher, verifier, platform, cfg.HostVersion, retryCfg)

	sink := update.MetricsSink(func(ev update.Event) {
		log := dcontext.GetLogger(context.Background())
		switch ev.Kind {
		case update.KindError:
			log.WithField("kind", ev.ErrorKind).Error(ev.Message)
		default:
			log.Debugf("update event: %s", ev.Kind)
		}
	})

	loop := update.NewLoop(engine, cfg.CheckInterval, sink)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logrus.Infof("bundleupdated: starting background loop against %s (interval %s)", cfg.BaseURL, loop.CheckInterval)
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.Fatalf("background loop exited: %v", err)
	}
	logrus.Info("bundleupdated: shutting down")
}
