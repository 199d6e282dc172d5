// Package config provides configuration management for the droidfarm engine.
//
// Configuration lives in a droidfarm.yaml file next to the binary (or at a
// path given with --config). Every field has a working default so the engine
// runs with no file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up in the working directory when
// no explicit path is given.
const DefaultFileName = "droidfarm.yaml"

// Config is the root configuration for the engine.
type Config struct {
	// Target describes the Android app driven by workflows.
	Target TargetConfig `yaml:"target" json:"target"`

	// Devices controls device discovery and per-command behavior.
	Devices DeviceConfig `yaml:"devices" json:"devices"`

	// Batch controls the multi-device account batch run.
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// Store holds filesystem/database locations.
	Store StoreConfig `yaml:"store" json:"store"`

	// Server configures the HTTP/WebSocket surface.
	Server ServerConfig `yaml:"server" json:"server"`
}

// TargetConfig identifies the app under automation and where its account
// state lives on the device.
type TargetConfig struct {
	// Package is the Android package name to launch and force-stop.
	Package string `yaml:"package" json:"package"`

	// Activity is the optional explicit launch activity. When empty the
	// launcher activity is resolved on the device.
	Activity string `yaml:"activity,omitempty" json:"activity,omitempty"`

	// RemoteAccountPath is the path of the account preference file the app
	// reads, typically under /data/data/<pkg>/shared_prefs.
	RemoteAccountPath string `yaml:"remote_account_path" json:"remote_account_path"`

	// RemoteStagingPath is the world-writable path account files are pushed
	// to before the root copy into RemoteAccountPath.
	RemoteStagingPath string `yaml:"remote_staging_path" json:"remote_staging_path"`

	// ColdStartWait bounds the smart wait for the app to become ready after
	// a (re)start.
	ColdStartWait Duration `yaml:"cold_start_wait" json:"cold_start_wait"`

	// ReadyTemplates are template names polled for during the cold-start
	// wait; the app counts as ready when any of them is visible.
	ReadyTemplates []string `yaml:"ready_templates,omitempty" json:"ready_templates,omitempty"`
}

// DeviceConfig controls the registry poll and adb invocation limits.
type DeviceConfig struct {
	// PollInterval is how often `adb devices -l` is re-run.
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`

	// CommandTimeout bounds a single input/shell command.
	CommandTimeout Duration `yaml:"command_timeout" json:"command_timeout"`

	// TransferTimeout bounds push/pull/screenshot commands.
	TransferTimeout Duration `yaml:"transfer_timeout" json:"transfer_timeout"`

	// CommandRetries is the retry bound for transient adb failures.
	CommandRetries int `yaml:"command_retries" json:"command_retries"`
}

// BatchConfig holds the defaults for account batch runs.
type BatchConfig struct {
	// AccountExtension selects which files are picked up by a folder scan.
	AccountExtension string `yaml:"account_extension" json:"account_extension"`

	// MoveOnComplete moves successful account files to the done folder.
	MoveOnComplete bool `yaml:"move_on_complete" json:"move_on_complete"`

	// DoneFolder receives completed files. Empty means a done/ subfolder of
	// the source folder.
	DoneFolder string `yaml:"done_folder,omitempty" json:"done_folder,omitempty"`

	// DelayBetweenAccounts is the pause a worker takes between accounts.
	DelayBetweenAccounts Duration `yaml:"delay_between_accounts" json:"delay_between_accounts"`
}

// StoreConfig holds filesystem and database locations.
type StoreConfig struct {
	// DatabasePath is the SQLite file holding workflows and template rows.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// TemplateDir is the directory template PNGs are written to.
	TemplateDir string `yaml:"template_dir" json:"template_dir"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8099".
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns a Config with every field set to its working default.
func Default() *Config {
	return &Config{
		Target: TargetConfig{
			Package:           "com.linecorp.LGRGS",
			RemoteAccountPath: "/data/data/com.linecorp.LGRGS/shared_prefs/_LINE_COCOS_PREF_KEY.xml",
			RemoteStagingPath: "/sdcard/_droidfarm_account.xml",
			ColdStartWait:     Duration(60 * time.Second),
		},
		Devices: DeviceConfig{
			PollInterval:    Duration(5 * time.Second),
			CommandTimeout:  Duration(5 * time.Second),
			TransferTimeout: Duration(30 * time.Second),
			CommandRetries:  3,
		},
		Batch: BatchConfig{
			AccountExtension:     ".xml",
			MoveOnComplete:       true,
			DelayBetweenAccounts: Duration(2 * time.Second),
		},
		Store: StoreConfig{
			DatabasePath: "droidfarm.db",
			TemplateDir:  "templates",
		},
		Server: ServerConfig{
			Addr: ":8099",
		},
	}
}

// Load reads the config at path, merging it over the defaults. A missing file
// is not an error when path is the default location.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Target.Package == "" {
		return fmt.Errorf("target.package must not be empty")
	}
	if c.Devices.PollInterval <= 0 {
		return fmt.Errorf("devices.poll_interval must be positive")
	}
	if c.Devices.CommandRetries < 0 {
		return fmt.Errorf("devices.command_retries must not be negative")
	}
	if c.Batch.AccountExtension == "" {
		return fmt.Errorf("batch.account_extension must not be empty")
	}
	return nil
}
