// Package configuration parses the YAML configuration file shared by the
// bundlectl and bundleupdated entrypoints. Grounded in the teacher's own
// configuration/configuration.go: a versioned top-level struct, parsed
// through the same Parser/VersionedParseInfo machinery (parser.go, kept
// as-is), with environment-variable overrides applied by the same
// reflection-based overlay (registry/... there, bundleupdate/... here).
package configuration

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"
)

// Configuration is a versioned bundleupdate client configuration, provided
// by a YAML file and optionally overridden by BUNDLEUPDATE_-prefixed
// environment variables (see Parser.Parse in parser.go).
type Configuration struct {
	// Version is the version which defines the format of the rest of the
	// configuration document.
	Version Version `yaml:"version"`

	// Root is the application-data root storagemgr.Manager owns: manifest.json,
	// cas/, versions/, temp/.
	Root string `yaml:"root"`

	// BaseURL is the fetch.Client root; http(s):// or file://.
	BaseURL string `yaml:"baseurl"`

	// Platform is this host's "<os>-<arch>" identifier, e.g. "linux-x64".
	Platform string `yaml:"platform"`

	// PublicKey is the base64 (or PEM) encoded X.509 SubjectPublicKeyInfo
	// bundle.NewVerifier decodes.
	PublicKey string `yaml:"publickey"`

	// HostVersion is this host application's own version, compared against
	// a manifest's minHostVersion by hostversion.TooOld.
	HostVersion string `yaml:"hostversion"`

	// CheckInterval is how often the background loop (C10) runs an update
	// cycle. Zero means use update.DefaultCheckInterval.
	CheckInterval time.Duration `yaml:"checkinterval,omitempty"`

	// Retry configures the backoff executor (C8) used by every network
	// fetch this client makes.
	Retry Retry `yaml:"retry,omitempty"`

	// Log configures the structured logger every component logs through.
	Log Log `yaml:"log,omitempty"`
}

// Retry mirrors retry.Config in YAML-friendly form.
type Retry struct {
	MaxAttempts  int           `yaml:"maxattempts,omitempty"`
	InitialDelay time.Duration `yaml:"initialdelay,omitempty"`
	Multiplier   float64       `yaml:"multiplier,omitempty"`
	MaxDelay     time.Duration `yaml:"maxdelay,omitempty"`
}

// Log represents logging configuration, matching the teacher's Log struct
// in shape (Level/Formatter) but trimmed of the registry-only AccessLog,
// Hooks and Fields this client has no use for.
type Log struct {
	// Level is the granularity at which components log.
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter overrides the default formatter. Options include "text"
	// and "json".
	Formatter string `yaml:"formatter,omitempty"`
}

// Loglevel is the level at which operations are logged.
type Loglevel string

// UnmarshalYAML implements the yaml.Unmarshaler interface, lowercasing and
// validating the configured level, matching the teacher's Loglevel.
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var levelString string
	if err := unmarshal(&levelString); err != nil {
		return err
	}

	levelString = strings.ToLower(levelString)
	switch levelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s Must be one of [error, warn, info, debug]", levelString)
	}

	*loglevel = Loglevel(levelString)
	return nil
}

// v0_1Configuration is the wire format of configuration schema version 0.1.
// A dedicated parse-as type (rather than parsing directly into
// Configuration) is what lets a future 0.2 schema version add a conversion
// function without breaking this one, per parser.go's VersionedParseInfo.
type v0_1Configuration Configuration

// Parse parses an input configuration YAML document into a Configuration,
// applying BUNDLEUPDATE_-prefixed environment variable overrides and
// schema defaults the same way the teacher's registry configuration does.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("bundleupdate", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				v0_1, ok := c.(*v0_1Configuration)
				if !ok {
					return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
				}

				if v0_1.Root == "" {
					return nil, errors.New("no root directory configured")
				}
				if v0_1.BaseURL == "" {
					return nil, errors.New("no baseurl configured")
				}
				if v0_1.Platform == "" {
					return nil, errors.New("no platform configured")
				}
				if v0_1.Log.Level == Loglevel("") {
					v0_1.Log.Level = Loglevel("info")
				}
				if v0_1.Retry.MaxAttempts <= 0 {
					v0_1.Retry.MaxAttempts = 3
				}
				if v0_1.Retry.InitialDelay <= 0 {
					v0_1.Retry.InitialDelay = time.Second
				}
				if v0_1.Retry.Multiplier <= 0 {
					v0_1.Retry.Multiplier = 2.0
				}
				if v0_1.Retry.MaxDelay <= 0 {
					v0_1.Retry.MaxDelay = 30 * time.Second
				}

				return (*Configuration)(v0_1), nil
			},
		},
	})

	config := new(Configuration)
	return config, p.Parse(in, config)
}
