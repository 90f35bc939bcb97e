package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/ticket-runner/pkg/config"
	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/diagnostics"
	"github.com/devicelab-dev/ticket-runner/pkg/driver/appium"
	"github.com/devicelab-dev/ticket-runner/pkg/inference"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
	"github.com/devicelab-dev/ticket-runner/pkg/scenario"
	"github.com/devicelab-dev/ticket-runner/pkg/supervisor"
)

// errInterrupted marks a run stopped by SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

// appFs is where reports and diagnostics are written.
var appFs = afero.NewOsFs()

// newSessionFactory creates Appium sessions for cfg. Tests swap it for mock
// sessions.
var newSessionFactory = func(cfg *config.Config) supervisor.SessionFactory {
	opts := appiumOptions(cfg)
	return func(ctx context.Context) (core.Session, error) {
		s, err := appium.NewSession(ctx, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// loadConfig reads the config file, the dotenv file, the environment and the
// global flag overrides, in increasing priority.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if err := config.LoadEnvFile(c.String("env-file")); err != nil {
		return nil, err
	}

	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrInvalidConfig.WithMessage("config file not found").WithCause(err)
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.ApplyEnv()
	if u := c.String("appium-url"); u != "" {
		cfg.Appium.URL = u
	}
	cfg.Normalize()
	return cfg, nil
}

// initLogger routes logs to the --log-file or <home>/logs/<name>.log.
func initLogger(c *cli.Context, name string) {
	path := c.String("log-file")
	if path == "" {
		path = config.ResolveHome().LogPath(name)
	}
	verbose := c.Bool("verbose")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		if err := logger.Init(path, verbose); err == nil {
			return
		}
	}
	fmt.Fprintf(os.Stderr, "warning: cannot write log file %s, logging to stderr\n", path)
	logger.InitWriter(os.Stderr, verbose)
}

// appiumOptions merges the configured capabilities and settings over the
// built-in profile.
func appiumOptions(cfg *config.Config) appium.Options {
	return appium.Options{
		ServerURL:    cfg.Appium.URL,
		Capabilities: mergeMaps(appium.DefaultCapabilities(), cfg.Appium.Capabilities),
		Settings:     mergeMaps(appium.DefaultSettings(), cfg.Appium.Settings),
		ImplicitWait: cfg.Appium.ImplicitWait,
	}
}

func mergeMaps(base, over map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// newInferer returns the inference client, or nil when inference is disabled.
func newInferer(cfg *config.Config) resolver.Inferer {
	if !cfg.Inference.IsEnabled() {
		return nil
	}
	return inference.New(inference.Config{
		Provider:            inference.Provider(cfg.Inference.Provider),
		Endpoint:            cfg.Inference.Endpoint,
		Model:               cfg.Inference.Model,
		APIKey:              cfg.Inference.APIKey,
		Timeout:             cfg.Inference.Timeout,
		ConfidenceThreshold: cfg.Inference.ConfidenceThreshold,
		SnapshotMaxChars:    cfg.Inference.SnapshotMaxChars,
	})
}

// resolverOptions maps the configured timeouts onto the resolver.
func resolverOptions(cfg *config.Config) resolver.Options {
	opts := resolver.Options{
		AITimeout:            cfg.Timeouts.AIFind,
		DeterministicTimeout: cfg.Timeouts.DeterministicFind,
		ConfidenceThreshold:  cfg.Inference.ConfidenceThreshold,
	}
	if cfg.Inference.CompactSnapshot {
		opts.Snapshot = compactSnapshot
	}
	return opts
}

// compactSnapshot shrinks the hierarchy sent to the model, keeping the raw
// source if it cannot be parsed.
func compactSnapshot(raw string) string {
	compact, err := appium.CompactSource(raw)
	if err != nil {
		logger.Debug("compact snapshot failed, sending raw hierarchy: %v", err)
		return raw
	}
	return compact
}

// loadCatalog returns the built-in target catalog with the configured
// overrides applied.
func loadCatalog(cfg *config.Config) (scenario.Catalog, error) {
	if cfg.Targets != "" {
		return scenario.Load(cfg.Targets)
	}
	return scenario.Default()
}

// newDiagnostics writes artifacts under dir and, when an object store is
// configured, uploads them under <prefix>/<runName>. An unreachable store
// only disables the upload.
func newDiagnostics(ctx context.Context, cfg *config.Config, dir, runName string) (core.DiagnosticsSink, *diagnostics.FileSink) {
	files := diagnostics.NewFileSink(appFs, dir)
	store := cfg.Diagnostics.ObjectStore
	if !store.Configured() {
		return files, files
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	objects, err := diagnostics.NewObjectSink(ctx, diagnostics.ObjectStoreConfig{
		Endpoint:  store.Endpoint,
		AccessKey: store.AccessKey,
		SecretKey: store.SecretKey,
		Bucket:    store.Bucket,
		Region:    store.Region,
		Prefix:    filepath.ToSlash(filepath.Join(store.Prefix, runName)),
		UseSSL:    store.UseSSL,
	})
	if err != nil {
		logger.Warn("object store disabled: %v", err)
		fmt.Printf("  %s⚠%s Object store unavailable, diagnostics stay local: %v\n", color(colorYellow), color(colorReset), err)
		return files, files
	}
	logger.Info("uploading diagnostics to %s/%s", store.Bucket, runName)
	return diagnostics.MultiSink{files, objects}, files
}

// resolveOutputDir determines the run directory.
// - No --output: <artifacts>/<timestamp>/
// - --output given: <output>/<timestamp>/
// - --output + --flatten: <output>/ (error if --output not given)
func resolveOutputDir(output, artifacts string, flatten bool) (string, error) {
	if flatten && output == "" {
		return "", core.ErrInvalidConfig.WithMessage("--flatten requires --output to be specified")
	}

	baseDir := output
	if baseDir == "" {
		baseDir = artifacts
	}
	if flatten {
		return filepath.Clean(baseDir), nil
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(baseDir, timestamp), nil
}
