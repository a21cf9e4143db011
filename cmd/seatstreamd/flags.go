package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("SEATSTREAM_CONFIG", ""),
		"Path to JSON configuration file (defaults apply when empty)")
	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SEATSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SEATSTREAM_LOG_FORMAT", "json"),
		"Log format: json or text")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		10*time.Second,
		"Grace period for draining connections on shutdown")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func printVersion() {
	fmt.Printf("%s %s (built %s)\n", appName, Version, BuildTime)
}
