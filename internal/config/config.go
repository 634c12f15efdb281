package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for pv. Once loaded it is treated
// as an immutable snapshot by the orchestrators.
type Config struct {
	HostID      string             `toml:"host_id"`
	BaseDir     string             `toml:"base_dir"`
	LogDir      string             `toml:"log_dir"`
	Transport   TransportConfig    `toml:"transport"`
	StateStore  StateStoreConfig   `toml:"state_store"`
	Staging     StagingConfig      `toml:"staging"`
	Digest      DigestConfig       `toml:"digest"`
	Container   ContainerConfig    `toml:"container"`
	Collections []CollectionConfig `toml:"collections"`
	Encryption  EncryptionConfig   `toml:"encryption"`
	Import      ImportConfig       `toml:"import"`
	Retry       RetryConfig        `toml:"retry"`
}

// Duration is a time.Duration written as a string such as "2s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// TransportConfig represents configuration for the message transport.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type TransportConfig struct {
	Type string `toml:"type"` // "nats" or "memory"

	PreservationQueue   string   `toml:"preservation_queue"`
	ImportQueue         string   `toml:"import_queue"`
	ImportResponseQueue string   `toml:"import_response_queue"`
	PollInterval        Duration `toml:"poll_interval"`

	// NATS-specific fields (only used when Type == "nats")
	URL            string   `toml:"url,omitempty"`
	Stream         string   `toml:"stream,omitempty"`
	SubjectPrefix  string   `toml:"subject_prefix,omitempty"`
	ConnectTimeout Duration `toml:"connect_timeout,omitempty"`
}

// StateStoreConfig represents configuration for the request state store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StateStoreConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory" or "redis"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite

	// Redis-specific fields (only used when Type == "redis")
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
	RedisPrefix   string `toml:"redis_prefix,omitempty"`
}

// StagingConfig represents configuration for the staging area.
type StagingConfig struct {
	StagingDir string `toml:"staging_dir"`
	MaxSize    int64  `toml:"max_size"` // max total size in bytes; 0 means unlimited
}

// DigestConfig selects the digest used for record blocks and verification.
type DigestConfig struct {
	Algorithm string `toml:"algorithm"` // MD5, SHA1, SHA256, SHA512 or BLAKE3
	Encoding  string `toml:"encoding"`  // "hex" or "base32"
}

// ContainerConfig holds container packaging settings.
type ContainerConfig struct {
	Compress bool   `toml:"compress"` // store each record as its own gzip member
	Software string `toml:"software,omitempty"`
}

// CollectionConfig is one bit-repository collection and its pillars.
type CollectionConfig struct {
	Name        string         `toml:"name"`
	MaxFailures int            `toml:"max_failures"`
	Pillars     []PillarConfig `toml:"pillars"`
}

// PillarConfig represents configuration for a pillar backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type PillarConfig struct {
	Type      string `toml:"type"` // "memory", "filesystem" or "s3"
	ID        string `toml:"id"`
	Encrypted bool   `toml:"encrypted,omitempty"` // age-encrypt files at rest

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3UsePathStyle    bool   `toml:"s3_use_path_style,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used by encrypted pillars.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ImportConfig holds import security and delivery settings.
type ImportConfig struct {
	TokenSecret       string   `toml:"token_secret,omitempty"` // HMAC secret for bearer tokens; empty disables JWT checks
	DeliveryAttempts  int      `toml:"delivery_attempts"`
	DeliveryTimeout   Duration `toml:"delivery_timeout"`
	AllowFileDelivery bool     `toml:"allow_file_delivery"`
}

// RetryConfig bounds the retries of repository calls.
type RetryConfig struct {
	UploadAttempts    int      `toml:"upload_attempts"`
	RetrievalAttempts int      `toml:"retrieval_attempts"`
	Delay             Duration `toml:"delay"`
	ReceiveBackoff    Duration `toml:"receive_backoff"`
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else: sqlite state, NATS on localhost, a single filesystem
// collection.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Transport: TransportConfig{
			Type:                "nats",
			URL:                 "nats://127.0.0.1:4222",
			Stream:              "PV",
			SubjectPrefix:       "pv",
			PreservationQueue:   "preservation",
			ImportQueue:         "import",
			ImportResponseQueue: "import-responses",
			PollInterval:        Duration{2 * time.Second},
			ConnectTimeout:      Duration{5 * time.Second},
		},
		StateStore: StateStoreConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "state")},
		Staging:    StagingConfig{StagingDir: filepath.Join(baseDir, "staging")},
		Digest:     DigestConfig{Algorithm: "SHA1", Encoding: "base32"},
		Collections: []CollectionConfig{
			{
				Name:        "default",
				MaxFailures: 0,
				Pillars: []PillarConfig{
					{Type: "filesystem", ID: "local", FSRoot: filepath.Join(baseDir, "pillars", "local")},
				},
			},
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "pv.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "pv.key"),
		},
		Import: ImportConfig{
			DeliveryAttempts: 3,
			DeliveryTimeout:  Duration{time.Minute},
		},
		Retry: RetryConfig{
			UploadAttempts:    3,
			RetrievalAttempts: 3,
			Delay:             Duration{5 * time.Second},
			ReceiveBackoff:    Duration{2 * time.Second},
		},
	}
}

// Collection returns the named collection, or nil.
func (c *Config) Collection(name string) *CollectionConfig {
	for i := range c.Collections {
		if c.Collections[i].Name == name {
			return &c.Collections[i]
		}
	}
	return nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, col := range c.Collections {
		if col.Name == "" {
			return fmt.Errorf("collection without a name")
		}
		if seen[col.Name] {
			return fmt.Errorf("duplicate collection %q", col.Name)
		}
		seen[col.Name] = true
		if len(col.Pillars) == 0 {
			return fmt.Errorf("collection %q has no pillars", col.Name)
		}
		if col.MaxFailures < 0 || col.MaxFailures >= len(col.Pillars) {
			return fmt.Errorf("collection %q: max_failures %d must be between 0 and %d",
				col.Name, col.MaxFailures, len(col.Pillars)-1)
		}
		ids := make(map[string]bool)
		for _, p := range col.Pillars {
			if p.ID == "" {
				return fmt.Errorf("collection %q: pillar without an id", col.Name)
			}
			if ids[p.ID] {
				return fmt.Errorf("collection %q: duplicate pillar %q", col.Name, p.ID)
			}
			ids[p.ID] = true
		}
	}
	if c.Transport.PreservationQueue == "" || c.Transport.ImportQueue == "" {
		return fmt.Errorf("transport: preservation_queue and import_queue are required")
	}
	return nil
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold S3 credentials and the token secret.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
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
