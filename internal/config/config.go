package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"cbak-go/internal/model"
)

// Config represents the main configuration for cbak.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	Log        LogConfig        `toml:"log"`
	Database   DatabaseConfig   `toml:"database"`
	Engine     EngineConfig     `toml:"engine"`
	Sources    []SourceConfig   `toml:"sources"`
	Providers  []ProviderConfig `toml:"providers"`
	Encryption EncryptionConfig `toml:"encryption"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Watch      WatchConfig      `toml:"watch"`
}

// LogConfig controls the rotating log file.
type LogConfig struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"` // debug, info, warn or error
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// DatabaseConfig represents configuration for the file index.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type        string `toml:"type"`                   // "sqlite" or "memory"
	DataDir     string `toml:"data_dir,omitempty"`     // only used for type=sqlite
	SnapshotDir string `toml:"snapshot_dir,omitempty"` // scheduled index snapshots; empty disables
}

// EngineConfig holds the engine tunables.
type EngineConfig struct {
	BlockSizeBytes int64    `toml:"block_size_bytes"`
	MaxPathLength  int      `toml:"max_path_length"`
	Instances      int      `toml:"instances"`
	ScanInterval   Duration `toml:"scan_interval"`
	IdleInterval   Duration `toml:"idle_interval"`
	ClaimLease     Duration `toml:"claim_lease"`
}

// SourceConfig is one backup root.
type SourceConfig struct {
	ID              int64    `toml:"id"`
	Path            string   `toml:"path"`
	FileMatchFilter string   `toml:"file_match_filter"`
	Exclusions      []string `toml:"exclusions,omitempty"`
	Priority        string   `toml:"priority"` // Low, Medium, High or Meta
	RevisionCount   int      `toml:"revision_count"`
	Providers       []string `toml:"providers"`
}

// ProviderConfig represents configuration for a storage provider.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ProviderConfig struct {
	Type    string      `toml:"type"` // "memory", "filesystem", "s3" or "azure"
	Name    string      `toml:"name"`
	Encrypt bool        `toml:"encrypt,omitempty"`
	Retry   RetryConfig `toml:"retry"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket       string `toml:"s3_bucket,omitempty"`
	S3Prefix       string `toml:"s3_prefix,omitempty"`
	S3Region       string `toml:"s3_region,omitempty"`
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3StorageClass string `toml:"s3_storage_class,omitempty"`
	S3AccessKeyID  string `toml:"s3_access_key_id,omitempty"`
	S3SecretKey    string `toml:"s3_secret_access_key,omitempty"`

	// Azure-specific fields (only used when Type == "azure")
	AzureAccountURL       string `toml:"azure_account_url,omitempty"`
	AzureConnectionString string `toml:"azure_connection_string,omitempty"`
	AzureArchiveTier      string `toml:"azure_archive_tier,omitempty"`

	// Filesystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// RetryConfig bounds the exponential backoff applied to provider calls.
// Zero MaxAttempts disables retries.
type RetryConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
}

// EncryptionConfig holds paths to the age key pair used for block encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// MetricsConfig enables the prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr,omitempty"`
}

// WatchConfig controls filesystem watching of source roots.
type WatchConfig struct {
	Enabled  bool     `toml:"enabled"`
	Debounce Duration `toml:"debounce"`
}

// Duration is a time.Duration that reads and writes TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults written by NewConfig.
const (
	DefaultBlockSizeBytes = 4 * 1024 * 1024
	DefaultMaxPathLength  = 260
	DefaultInstances      = 1
	DefaultScanInterval   = time.Hour
	DefaultIdleInterval   = 30 * time.Second
	DefaultClaimLease     = time.Hour
	DefaultWatchDebounce  = 5 * time.Second
	DefaultLogMaxSizeMB   = 50
	DefaultLogMaxBackups  = 5
)

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		Log: LogConfig{
			Dir:        filepath.Join(baseDir, "log"),
			Level:      "info",
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
		},
		Database: DatabaseConfig{
			Type:        "sqlite",
			DataDir:     filepath.Join(baseDir, "db"),
			SnapshotDir: filepath.Join(baseDir, "snapshots"),
		},
		Engine: EngineConfig{
			BlockSizeBytes: DefaultBlockSizeBytes,
			MaxPathLength:  DefaultMaxPathLength,
			Instances:      DefaultInstances,
			ScanInterval:   Duration{DefaultScanInterval},
			IdleInterval:   Duration{DefaultIdleInterval},
			ClaimLease:     Duration{DefaultClaimLease},
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "cbak.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "cbak.key"),
		},
		Watch: WatchConfig{Debounce: Duration{DefaultWatchDebounce}},
	}
}

// SourceLocation converts a source section into the model type.
func (s SourceConfig) SourceLocation() (*model.SourceLocation, error) {
	priority := model.PriorityMedium
	if s.Priority != "" {
		p, err := model.ParsePriority(s.Priority)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", s.ID, err)
		}
		priority = p
	}
	loc := &model.SourceLocation{
		ID:              s.ID,
		Path:            filepath.Clean(s.Path),
		FileMatchFilter: s.FileMatchFilter,
		Exclusions:      s.Exclusions,
		Priority:        priority,
		RevisionCount:   s.RevisionCount,
		Providers:       s.Providers,
	}
	if loc.RevisionCount == 0 {
		loc.RevisionCount = 1
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return loc, nil
}

// Validate checks cross-section consistency: unique provider names, valid
// sources that reference only known providers, and a positive block size.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.BlockSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("engine.block_size_bytes must be positive, got %d", c.Engine.BlockSizeBytes))
	}
	if c.Engine.Instances < 0 {
		errs = append(errs, fmt.Errorf("engine.instances must not be negative, got %d", c.Engine.Instances))
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("provider of type %q has no name", p.Type))
		case providers[p.Name]:
			errs = append(errs, fmt.Errorf("duplicate provider name %q", p.Name))
		}
		providers[p.Name] = true
	}

	ids := make(map[int64]bool, len(c.Sources))
	for _, s := range c.Sources {
		if ids[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate source id %d", s.ID))
		}
		ids[s.ID] = true
		if _, err := s.SourceLocation(); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, name := range s.Providers {
			if !providers[name] {
				errs = append(errs, fmt.Errorf("source %d references unknown provider %q", s.ID, name))
			}
		}
	}
	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
