// Package config loads the process-level configuration: listener addresses,
// TLS, admin surface, logging, and where the initial route snapshot comes
// from. Route content itself is owned by routespec/routestore, not this
// package — this is the boot-time shape, not the data plane's.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	Logging LoggingConfig `yaml:"logging"`
	Routes  RouteSource   `yaml:"routes"`
}

// ServerConfig configures the ingress listener.
type ServerConfig struct {
	Addr                string    `yaml:"addr"`
	ReadTimeoutSeconds  int       `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int       `yaml:"write_timeout_seconds"`
	MaxInFlight         int       `yaml:"max_in_flight"`
	TLS                 TLSConfig `yaml:"tls"`
}

// TLSConfig configures the optional TLS/mTLS ingress per the minimum
// version 1.2 / configurable ciphers / optional client CA contract.
type TLSConfig struct {
	Enabled       bool     `yaml:"enabled"`
	CertFile      string   `yaml:"cert_file"`
	KeyFile       string   `yaml:"key_file"`
	ClientCAFile  string   `yaml:"client_ca_file,omitempty"`
	RequireMTLS   bool     `yaml:"require_mtls"`
	CipherSuites  []string `yaml:"cipher_suites,omitempty"`
	MinTLSVersion string   `yaml:"min_tls_version,omitempty"` // defaults to "1.2"
}

// AdminConfig configures the /health, /ready, /health/detailed and /metrics
// surface, served separately from the proxy listener.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig controls the process-wide zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// RouteSource tells the boot sequence where to build the initial
// routestore.Store from.
type RouteSource struct {
	Driver string `yaml:"driver"` // memory | file
	Path   string `yaml:"path,omitempty"`
}

// ---------------------------------------------------------------------------
// Loader + file watcher
// ---------------------------------------------------------------------------

// Watcher emits new configs when the process config file changes on disk.
// It only delivers the reloaded Config; cmd/harbor logs each reload and
// applies none of its fields, so every setting takes effect on restart.
type Watcher struct {
	updates chan *Config
	done    chan struct{}
	once    sync.Once
	fsw     *fsnotify.Watcher
}

func (w *Watcher) Updates() <-chan *Config { return w.updates }

func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

// LoadAndWatch reads the config file, starts watching for changes, and
// returns the initial config plus a Watcher whose channel delivers reloads.
func LoadAndWatch(path string, log *zap.SugaredLogger) (*Config, *Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		return nil, nil, fmt.Errorf("watch config file: %w", err)
	}

	w := &Watcher{
		updates: make(chan *Config, 1),
		done:    make(chan struct{}),
		fsw:     fsw,
	}

	go func() {
		var debounce <-chan time.Time
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					debounce = time.After(200 * time.Millisecond)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warnw("fsnotify error", "err", err)
			case <-debounce:
				debounce = nil
				newCfg, err := Load(path)
				if err != nil {
					log.Warnw("config reload failed, keeping old config", "err", err)
					continue
				}
				select {
				case w.updates <- newCfg:
				default:
				}
			}
		}
	}()

	return cfg, w, nil
}

// Load reads, expands, parses and validates the process config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9090"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 30
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}
	if cfg.Server.MaxInFlight == 0 {
		cfg.Server.MaxInFlight = 10000
	}
	if cfg.Server.TLS.MinTLSVersion == "" {
		cfg.Server.TLS.MinTLSVersion = "1.2"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Routes.Driver == "" {
		cfg.Routes.Driver = "memory"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("tls enabled but cert_file/key_file not set")
		}
		if cfg.Server.TLS.RequireMTLS && cfg.Server.TLS.ClientCAFile == "" {
			return fmt.Errorf("require_mtls set but client_ca_file not set")
		}
	}
	switch cfg.Routes.Driver {
	case "memory":
	case "file":
		if cfg.Routes.Path == "" {
			return fmt.Errorf("routes.driver=file requires routes.path")
		}
	default:
		return fmt.Errorf("unknown routes.driver %q", cfg.Routes.Driver)
	}
	return nil
}
