package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"ledgercore/crypto"
	"ledgercore/storage"
)

const (
	DefaultDataDir      = "./ledger-data"
	DefaultBackend      = storage.BackendLevelDB
	DefaultMaxCallDepth = 8
)

type Config struct {
	DataDir             string    `toml:"DataDir"`
	Backend             string    `toml:"Backend"`
	SyncWrites          bool      `toml:"SyncWrites"`
	LevelDBCacheMB      int       `toml:"LevelDBCacheMB"`
	BoltInitialMmapSize int       `toml:"BoltInitialMmapSize"`
	BoltOpenTimeoutSecs int       `toml:"BoltOpenTimeoutSecs"`
	MaxCallDepth        int       `toml:"MaxCallDepth"`
	ValidatorID         uint32    `toml:"ValidatorID"`
	KeystorePath        string    `toml:"KeystorePath"`
	LogLevel            string    `toml:"LogLevel"`
	LogFile             string    `toml:"LogFile"`
	Environment         string    `toml:"Environment"`
	MetricsEnabled      bool      `toml:"MetricsEnabled"`
	MetricsAddress      string    `toml:"MetricsAddress"`
	Telemetry           Telemetry `toml:"telemetry"`
	Mempool             Mempool   `toml:"mempool"`
	Services            Services  `toml:"services"`
	API                 API       `toml:"api"`
}

// ErrKeystorePassphraseRequired is returned when Load has to create a
// keystore but no passphrase was supplied.
var ErrKeystorePassphraseRequired = errors.New("config: keystore passphrase required to create operator keystore")

type loadOptions struct {
	passphrase string
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase sets the passphrase used when Load creates the
// operator keystore.
func WithKeystorePassphrase(passphrase string) LoadOption {
	return func(o *loadOptions) { o.passphrase = passphrase }
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default configuration, which is written back together with a
// fresh operator keystore.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, o.passphrase)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := ensureKeystore(path, cfg, o.passphrase); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = DefaultBackend
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
}

// StorageOptions maps the storage settings onto storage.Open options.
func (c *Config) StorageOptions() storage.Options {
	path := c.DataDir
	if c.Backend == storage.BackendBolt {
		path = filepath.Join(c.DataDir, "ledger.db")
	}
	return storage.Options{
		Backend:         c.Backend,
		Path:            path,
		Sync:            c.SyncWrites,
		CacheMB:         c.LevelDBCacheMB,
		BoltMmapSize:    c.BoltInitialMmapSize,
		BoltOpenTimeout: time.Duration(c.BoltOpenTimeoutSecs) * time.Second,
	}
}

func ensureKeystore(configPath string, cfg *Config, passphrase string) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		if passphrase == "" {
			return ErrKeystorePassphraseRequired
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path, passphrase string) (*Config, error) {
	if passphrase == "" {
		return nil, ErrKeystorePassphraseRequired
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:        DefaultDataDir,
		Backend:        DefaultBackend,
		MaxCallDepth:   DefaultMaxCallDepth,
		LogLevel:       "info",
		MetricsAddress: "127.0.0.1:9464",
		KeystorePath:   keystorePath,
		Telemetry:      Telemetry{Endpoint: "localhost:4318", Insecure: true},
		Services:       Services{IssueEpochBlocks: 100},
		API:            API{SubmitPerMinute: 600, SubmitBurst: 20},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
