package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	srv "github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/server"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to overlaying them onto
// server.Config. Only flags the user actually passed are applied, so the
// config file and environment keep their say for the rest.
type cliConfig struct {
	configFile    string
	port          int
	hostname      string
	logLevel      string
	recordingsDir string
	sessionTTL    time.Duration
	maxListeners  int
	publicDir     string
	showVersion   bool

	set map[string]bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("broadcast-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}

	fs.StringVar(&cfg.configFile, "config", "", "Path to a YAML config file")
	fs.IntVar(&cfg.port, "port", 3000, "HTTP/WebSocket listen port")
	fs.StringVar(&cfg.hostname, "hostname", "localhost", "Hostname announced in listener URLs")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.recordingsDir, "recordings-dir", "./recordings", "Directory to write broadcast recordings")
	fs.DurationVar(&cfg.sessionTTL, "session-ttl", 15*time.Minute, "Session lifetime from creation")
	fs.IntVar(&cfg.maxListeners, "max-listeners", 200, "Maximum listeners per session")
	fs.StringVar(&cfg.publicDir, "public-dir", "", "Directory of static pages served on the root path")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}
	if cfg.set["session-ttl"] && cfg.sessionTTL <= 0 {
		return nil, fmt.Errorf("session-ttl must be positive, got %s", cfg.sessionTTL)
	}

	return cfg, nil
}

// apply overlays the explicitly passed flags onto the server configuration.
func (c *cliConfig) apply(out *srv.Config) {
	if c.set["port"] {
		out.Port = c.port
	}
	if c.set["hostname"] {
		out.Hostname = c.hostname
	}
	if c.set["log-level"] {
		out.LogLevel = c.logLevel
	}
	if c.set["recordings-dir"] {
		out.RecordingsDir = c.recordingsDir
	}
	if c.set["session-ttl"] {
		out.SessionTTL = c.sessionTTL
	}
	if c.set["max-listeners"] {
		out.MaxListeners = c.maxListeners
	}
	if c.set["public-dir"] {
		out.PublicDir = c.publicDir
	}
}
