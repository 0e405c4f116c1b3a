package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/inferloop/rsimle/internal/config"
)

// Flags are command-line overrides applied on top of the loaded config
type Flags struct {
	ConfigFile string
	Host       string
	Port       int
	LogLevel   string
	LogFormat  string
	Storage    string
	Play       bool
	Version    bool

	set map[string]bool
}

func ParseFlags() *Flags {
	flags := &Flags{}

	flag.StringVar(&flags.ConfigFile, "config", "", "Path to configuration file")
	flag.StringVar(&flags.Host, "host", "0.0.0.0", "Server host")
	flag.IntVar(&flags.Port, "port", 8080, "Server port")
	flag.StringVar(&flags.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&flags.LogFormat, "log-format", "text", "Log format (json, text)")
	flag.StringVar(&flags.Storage, "storage", "file", "Weight storage backend (file, redis, s3)")
	flag.BoolVar(&flags.Play, "play", false, "Start training immediately")
	flag.BoolVar(&flags.Version, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nRS-IMLE training control server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flags.Version {
		info := GetBuildInfo()
		fmt.Printf("Version: %s\n", info.Version)
		fmt.Printf("Git Commit: %s\n", info.GitCommit)
		fmt.Printf("Build Date: %s\n", info.BuildDate)
		fmt.Printf("Go Version: %s\n", info.GoVersion)
		fmt.Printf("Platform: %s\n", info.Platform)
		os.Exit(0)
	}

	flags.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		flags.set[f.Name] = true
	})

	return flags
}

// Apply overrides cfg with the flags given explicitly on the command line
func (f *Flags) Apply(cfg *config.Config) error {
	if f.set["host"] {
		cfg.Server.Host = f.Host
	}
	if f.set["port"] {
		cfg.Server.Port = f.Port
	}
	if f.set["log-level"] {
		cfg.Log.Level = f.LogLevel
	}
	if f.set["log-format"] {
		cfg.Log.Format = f.LogFormat
	}
	if f.set["storage"] {
		cfg.Storage.Type = f.Storage
	}
	return cfg.Validate()
}
