// Package config loads the YAML configuration shared by the ringoram
// binaries.
//
// The file is named by the --config flag or, failing that, the
// RINGORAM_CONFIG environment variable. Fields absent from the file keep
// the values from Default.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	ringoram "github.com/etclab/ringoram-go"
	"github.com/etclab/ringoram-go/wire"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "RINGORAM_CONFIG"

// Config is the top-level configuration.
type Config struct {
	// ORAM sizes the tree. Both binaries must agree on it.
	ORAM ringoram.Config `yaml:"oram"`

	Server  ServerConfig  `yaml:"server"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig locates the storage server.
type ServerConfig struct {
	// Address is dialed by the client.
	Address string `yaml:"address"`

	// Listen is the server's listen address.
	Listen string `yaml:"listen"`
}

// CryptoConfig selects the block cipher and its key.
type CryptoConfig struct {
	// Cipher is "aes-cbc", "aes-gcm" or "none".
	Cipher string `yaml:"cipher"`

	// KeySize is the AES key length in bytes: 16, 24 or 32.
	KeySize int `yaml:"key_size"`

	// MasterSecretHex and MasterSecretFile supply the secret the block key
	// is derived from. At most one may be set; with neither a random key
	// is generated per process.
	MasterSecretHex  string `yaml:"master_secret_hex"`
	MasterSecretFile string `yaml:"master_secret_file"`
}

// StoreConfig selects the server's physical bucket store.
type StoreConfig struct {
	// Backend is "memory" or "bolt".
	Backend string `yaml:"backend"`

	// Path is the bolt database file.
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen serves /metrics when not empty.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used before a file is applied.
func Default() *Config {
	return &Config{
		ORAM: ringoram.Config{
			NumBlocks:  1024,
			BlockSize:  1024,
			RealSlots:  ringoram.DefaultRealSlots,
			DummySlots: ringoram.DefaultDummySlots,
			EvictRound: ringoram.DefaultEvictRound,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:12345",
			Listen:  ":12345",
		},
		Crypto: CryptoConfig{
			Cipher:  "aes-cbc",
			KeySize: 16,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
	}
}

// Load loads the file named by path, or by RINGORAM_CONFIG when path is
// empty. With neither, the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate applies ORAM defaults and checks the remaining sections.
func (c *Config) Validate() error {
	oram, err := c.ORAM.Validate()
	if err != nil {
		return err
	}
	c.ORAM = oram

	switch c.Crypto.KeySize {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: key_size %d", ringoram.ErrInvalidConfig, c.Crypto.KeySize)
	}
	if c.Crypto.MasterSecretHex != "" && c.Crypto.MasterSecretFile != "" {
		return fmt.Errorf("%w: master_secret_hex and master_secret_file are exclusive", ringoram.ErrInvalidConfig)
	}
	enc, err := ringoram.NewEncryptor(c.Crypto.Cipher, make([]byte, c.Crypto.KeySize))
	if err != nil {
		return err
	}
	if limit := wire.MaxPathPayload; c.ORAM.BlockSize+enc.Overhead() > limit {
		return fmt.Errorf("%w: block_size %d plus %d bytes of %s overhead exceeds the %d byte path payload",
			ringoram.ErrInvalidConfig, c.ORAM.BlockSize, enc.Overhead(), c.Crypto.Cipher, limit)
	}

	switch c.Store.Backend {
	case "memory":
	case "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: bolt store needs a path", ringoram.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ringoram.ErrInvalidConfig, c.Store.Backend)
	}
	return nil
}

// BlockKey returns the block cipher key. generated reports that no master
// secret was configured and the key is random.
func (c *CryptoConfig) BlockKey() (key []byte, generated bool, err error) {
	var master []byte
	switch {
	case c.MasterSecretHex != "":
		if master, err = hex.DecodeString(c.MasterSecretHex); err != nil {
			return nil, false, fmt.Errorf("%w: master_secret_hex: %w", ringoram.ErrInvalidConfig, err)
		}
	case c.MasterSecretFile != "":
		raw, err := os.ReadFile(c.MasterSecretFile)
		if err != nil {
			return nil, false, fmt.Errorf("read master secret: %w", err)
		}
		master = []byte(strings.TrimSpace(string(raw)))
	default:
		key, err = ringoram.RandomKey(c.KeySize)
		return key, true, err
	}
	key, err = ringoram.DeriveKey(master, c.KeySize)
	return key, false, err
}
