package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	ringoram "github.com/etclab/ringoram-go"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "ringoram.yaml", `
oram:
  num_blocks: 16
  block_size: 256
  dummy_slots: 8
  constant_time: true
server:
  address: storage.internal:9000
crypto:
  cipher: aes-gcm
  key_size: 32
store:
  backend: bolt
  path: /var/lib/ringoram/buckets.db
metrics:
  listen: :9100
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	want := Default()
	want.ORAM = ringoram.Config{
		NumBlocks:    16,
		BlockSize:    256,
		RealSlots:    ringoram.DefaultRealSlots,
		DummySlots:   8,
		EvictRound:   ringoram.DefaultEvictRound,
		ConstantTime: true,
	}
	want.Server.Address = "storage.internal:9000"
	want.Crypto = CryptoConfig{Cipher: "aes-gcm", KeySize: 32}
	want.Store = StoreConfig{Backend: "bolt", Path: "/var/lib/ringoram/buckets.db"}
	want.Metrics.Listen = ":9100"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadFile() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvVar(t *testing.T) {
	path := writeFile(t, "env.yaml", "oram:\n  num_blocks: 32\n")
	t.Setenv(EnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 32, cfg.ORAM.NumBlocks)

	// An explicit path wins over the environment.
	other := writeFile(t, "flag.yaml", "oram:\n  num_blocks: 64\n")
	cfg, err = Load(other)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.ORAM.NumBlocks)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().ORAM, cfg.ORAM)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero blocks", func(c *Config) { c.ORAM.NumBlocks = 0 }},
		{"bad key size", func(c *Config) { c.Crypto.KeySize = 20 }},
		{"unknown cipher", func(c *Config) { c.Crypto.Cipher = "rot13" }},
		{"block too large for path payload", func(c *Config) { c.ORAM.BlockSize = 4080 }},
		{"bolt without path", func(c *Config) { c.Store.Backend = "bolt" }},
		{"unknown store", func(c *Config) { c.Store.Backend = "s3" }},
		{"two secrets", func(c *Config) {
			c.Crypto.MasterSecretHex = "00"
			c.Crypto.MasterSecretFile = "/dev/null"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ringoram.ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	cfg := Default()
	cfg.Crypto.Cipher = "none"
	cfg.ORAM.BlockSize = 4095
	require.NoError(t, cfg.Validate())
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadFile(writeFile(t, "bad.yaml", "oram: [unclosed"))
	require.Error(t, err)

	_, err = LoadFile(writeFile(t, "invalid.yaml", "oram:\n  block_size: -1\n"))
	require.ErrorIs(t, err, ringoram.ErrInvalidConfig)
}

func TestBlockKey(t *testing.T) {
	hexCfg := CryptoConfig{KeySize: 16, MasterSecretHex: "736563726574"}
	k1, generated, err := hexCfg.BlockKey()
	require.NoError(t, err)
	require.False(t, generated)
	require.Len(t, k1, 16)

	fileCfg := CryptoConfig{KeySize: 16, MasterSecretFile: writeFile(t, "secret", "secret\n")}
	k2, _, err := fileCfg.BlockKey()
	require.NoError(t, err)
	require.Equal(t, k1, k2, "hex and file forms of the same secret derive the same key")

	random := CryptoConfig{KeySize: 32}
	k3, generated, err := random.BlockKey()
	require.NoError(t, err)
	require.True(t, generated)
	require.Len(t, k3, 32)

	_, _, err = (&CryptoConfig{KeySize: 16, MasterSecretHex: "zz"}).BlockKey()
	require.ErrorIs(t, err, ringoram.ErrInvalidConfig)
}
