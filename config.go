package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/iwanhae/ssh-warden/ingest"
	"github.com/iwanhae/ssh-warden/reputation"
)

// Config is the full runtime configuration. Values are layered as
// defaults < YAML file < WARDEN_* environment < explicitly set flags.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Store    StoreConfig   `yaml:"store"`
	SSH      SSHConfig     `yaml:"ssh"`
	Ingest   IngestConfig  `yaml:"ingest"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

type StoreConfig struct {
	Path        string        `yaml:"path"`
	Memory      bool          `yaml:"memory"`
	Threshold   int           `yaml:"threshold"`
	ResetWindow time.Duration `yaml:"reset_window"`
	RecentLimit int           `yaml:"recent_limit"`
	FailOpen    bool          `yaml:"fail_open"`
}

type SSHConfig struct {
	Addr               string        `yaml:"addr"`
	HostKey            string        `yaml:"host_key"`
	Accounts           []string      `yaml:"accounts"` // user:password
	BanDisconnectDelay time.Duration `yaml:"ban_disconnect_delay"`
	MaxConnPerMinute   int           `yaml:"max_conn_per_minute"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

type IngestConfig struct {
	Events        string        `yaml:"events"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetryMax      time.Duration `yaml:"retry_max"`
	KindField     string        `yaml:"kind_field"`
	AddressField  string        `yaml:"address_field"`
	FailureEvents []string      `yaml:"failure_events"`
	SuccessEvents []string      `yaml:"success_events"`
	Watch         bool          `yaml:"watch"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Path:        "warden.db",
			Threshold:   reputation.DefaultThreshold,
			ResetWindow: reputation.DefaultResetWindow,
			RecentLimit: reputation.DefaultRecentLimit,
		},
		SSH: SSHConfig{
			Addr:               ":2222",
			HostKey:            "host.key",
			BanDisconnectDelay: time.Second,
			MaxConnPerMinute:   0,
			ShutdownTimeout:    5 * time.Second,
		},
		Ingest: IngestConfig{
			PollInterval:  ingest.DefaultPollInterval,
			RetryMax:      ingest.DefaultRetryMax,
			KindField:     ingest.DefaultKindField,
			AddressField:  ingest.DefaultAddressField,
			FailureEvents: []string{ingest.DefaultFailureEvent},
			SuccessEvents: []string{ingest.DefaultSuccessEvent},
			Watch:         true,
		},
	}
}

// loadConfigFile merges the YAML file at path over cfg. Keys absent from the
// file keep their current values.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg with WARDEN_* variables that are set.
func applyEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("WARDEN_LOG_LEVEL", &cfg.LogLevel)
	str("WARDEN_DB", &cfg.Store.Path)
	boolean("WARDEN_MEMORY", &cfg.Store.Memory)
	integer("WARDEN_THRESHOLD", &cfg.Store.Threshold)
	duration("WARDEN_RESET_WINDOW", &cfg.Store.ResetWindow)
	integer("WARDEN_RECENT_LIMIT", &cfg.Store.RecentLimit)
	boolean("WARDEN_FAIL_OPEN", &cfg.Store.FailOpen)
	str("WARDEN_SSH_ADDR", &cfg.SSH.Addr)
	str("WARDEN_HOST_KEY", &cfg.SSH.HostKey)
	list("WARDEN_ACCOUNTS", &cfg.SSH.Accounts)
	integer("WARDEN_MAX_CONN_PER_MINUTE", &cfg.SSH.MaxConnPerMinute)
	str("WARDEN_EVENTS", &cfg.Ingest.Events)
	duration("WARDEN_POLL_INTERVAL", &cfg.Ingest.PollInterval)
	duration("WARDEN_RETRY_MAX", &cfg.Ingest.RetryMax)
	list("WARDEN_FAILURE_EVENTS", &cfg.Ingest.FailureEvents)
	str("WARDEN_METRICS_ADDR", &cfg.Metrics.Addr)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validate() error {
	if c.Store.Threshold < 1 {
		return fmt.Errorf("threshold must be >= 1, got %d", c.Store.Threshold)
	}
	if c.Store.ResetWindow <= 0 {
		return fmt.Errorf("reset window must be positive, got %s", c.Store.ResetWindow)
	}
	if !c.Store.Memory && c.Store.Path == "" {
		return fmt.Errorf("database path is required unless --memory is set")
	}
	if c.Ingest.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Ingest.PollInterval)
	}
	if c.Ingest.RetryMax < ingest.DefaultRetryMin {
		return fmt.Errorf("retry max must be at least %s, got %s", ingest.DefaultRetryMin, c.Ingest.RetryMax)
	}
	for _, acct := range c.SSH.Accounts {
		if user, _, ok := strings.Cut(acct, ":"); !ok || user == "" {
			return fmt.Errorf("account %q must look like user:password", acct)
		}
	}
	return nil
}

// captureFlags remembers the flags set on the command line so they can be
// re-applied after the file and environment layers.
func captureFlags(fs *pflag.FlagSet) func() error {
	type setFlag struct {
		name  string
		value string
		slice []string
	}
	var set []setFlag
	fs.Visit(func(f *pflag.Flag) {
		sf := setFlag{name: f.Name, value: f.Value.String()}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sf.slice = sv.GetSlice()
		}
		set = append(set, sf)
	})
	return func() error {
		for _, sf := range set {
			f := fs.Lookup(sf.name)
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				if err := sv.Replace(sf.slice); err != nil {
					return fmt.Errorf("flag --%s: %w", sf.name, err)
				}
				continue
			}
			if err := f.Value.Set(sf.value); err != nil {
				return fmt.Errorf("flag --%s: %w", sf.name, err)
			}
		}
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
