package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration. Every option that takes a value
// can also come from a BUFFERLINK_* variable; a flag wins over the variable.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	OutDir          string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func newFlagSet(cfg *CLIConfig, getenv func(string) string) *flag.FlagSet {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	shutdown := 2 * time.Minute
	if d, err := time.ParseDuration(getenv("BUFFERLINK_SHUTDOWN_TIMEOUT")); err == nil {
		shutdown = d
	}

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	configPath := env("BUFFERLINK_CONFIG", "configs/bufferd.yaml")
	fs.StringVar(&cfg.ConfigPath, "config", configPath, "board and core configuration, YAML or JSON (env: BUFFERLINK_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", configPath, "shorthand for --config")
	fs.StringVar(&cfg.LogLevel, "log-level", env("BUFFERLINK_LOG_LEVEL", "info"), "debug, info, warn or error (env: BUFFERLINK_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", env("BUFFERLINK_LOG_FORMAT", "json"), "json or text (env: BUFFERLINK_LOG_FORMAT)")
	fs.StringVar(&cfg.OutDir, "out", env("BUFFERLINK_OUT", "recordings"), "where recovered regions are written (env: BUFFERLINK_OUT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", shutdown, "time allowed to drain recordings after a stop (env: BUFFERLINK_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print the version and exit")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "shorthand for --version")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "print this help and exit")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "shorthand for --help")
	fs.BoolVar(&cfg.Validate, "validate", false, "load and check the configuration, then exit")
	return fs
}

// parseFlags reads args, not including the program name.
func parseFlags(args []string, getenv func(string) string, out io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := newFlagSet(cfg, getenv)
	fs.SetOutput(out)
	fs.Usage = func() { printUsage(fs, out) }
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.OutDir == "" && !cfg.Validate {
		return errors.New("output directory is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printUsage(fs *flag.FlagSet, out io.Writer) {
	_, _ = fmt.Fprintf(out, "%s %s (%s): stream events to a board and recover what it records\n\nUsage: %s [options]\n\n",
		appName, Version, BuildTime, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(out, `
On SIGINT or SIGTERM every recorded region is drained and written to
<out>/<x>_<y>_<p>_<region>.bin.

Examples:
  %[1]s --config=/etc/bufferlink/run.yaml --out=./out
  %[1]s --validate -c run.yaml
`, appName)
}
