package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustframe/keryx/pkg/crypto"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"KERYX_STORE", "KERYX_STORE_DSN", "KERYX_LOG_LEVEL", "KERYX_DIGEST", "KERYX_ESCROW_TTL", "KERYX_SWEEP_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, time.Hour, cfg.EscrowTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	require.NoError(t, cfg.Validate())

	alg, err := cfg.Digest()
	require.NoError(t, err)
	assert.Equal(t, crypto.Blake3_256, alg)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("KERYX_STORE", "sqlite")
	t.Setenv("KERYX_STORE_DSN", "keryx.db")
	t.Setenv("KERYX_DIGEST", "blake2b-256")
	t.Setenv("KERYX_ESCROW_TTL", "30m")
	t.Setenv("KERYX_SWEEP_INTERVAL", "garbage")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "keryx.db", cfg.StoreDSN)
	assert.Equal(t, 30*time.Minute, cfg.EscrowTTL)
	// Unparseable durations fall back.
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	require.NoError(t, cfg.Validate())

	alg, err := cfg.Digest()
	require.NoError(t, err)
	assert.Equal(t, crypto.Blake2b_256, alg)
}

func TestValidate_Rejections(t *testing.T) {
	cfg := Load()
	cfg.StoreBackend = "postgres"
	cfg.StoreDSN = ""
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.StoreBackend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.DigestAlg = "md5"
	assert.Error(t, cfg.Validate())
}

func TestLoadWitnessProfile(t *testing.T) {
	dir := t.TempDir()
	content := `name: mainnet
witnesses:
  - BWit1AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA
  - BWit2AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA
  - BWit3AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA
toad: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "witness_mainnet.yaml"), []byte(content), 0o644))

	p, err := LoadWitnessProfile(dir, "mainnet")
	require.NoError(t, err)
	assert.Equal(t, "mainnet", p.Name)
	assert.Len(t, p.Witnesses, 3)
	assert.Equal(t, uint64(2), p.Toad)

	_, err = LoadWitnessProfile(dir, "absent")
	assert.Error(t, err)
}

func TestLoadWitnessProfile_InvalidToad(t *testing.T) {
	dir := t.TempDir()
	content := `witnesses: [BOnlyOne]
toad: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "witness_tiny.yaml"), []byte(content), 0o644))

	_, err := LoadWitnessProfile(dir, "tiny")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toad")
}

func TestLoadAllWitnessProfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "witness_a.yaml"),
		[]byte("witnesses: [Bw1]\ntoad: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "witness_b.yaml"),
		[]byte("witnesses: [Bw1, Bw2]\ntoad: 2\n"), 0o644))

	profiles, err := LoadAllWitnessProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "a", profiles["a"].Name)
	assert.Equal(t, uint64(2), profiles["b"].Toad)
}
