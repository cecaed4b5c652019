package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mooncakelabs/transfer-engine/internal/metadata"
	"github.com/mooncakelabs/transfer-engine/internal/rdmactx"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkersPerCtx)
	assert.Equal(t, 256, cfg.MaxWRDepth)
	assert.Equal(t, "fifo", cfg.EndpointPolicy)
	assert.Equal(t, rdmactx.PolicyFIFO, cfg.ParsedEndpointPolicy())
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers_per_ctx: 16\nendpoint_policy: sieve\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.WorkersPerCtx)
	assert.Equal(t, rdmactx.PolicySIEVE, cfg.ParsedEndpointPolicy())
	// Untouched keys keep their defaults.
	assert.Equal(t, 256, cfg.MaxWRDepth)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers_per_ctx: 16\n"), 0o644))

	t.Setenv("MOONCAKE_WORKERS_PER_CTX", "32")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.WorkersPerCtx)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/path/engine.yaml")
	assert.Error(t, err)
}

func TestMatrixWatcherLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matrix.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cpu:0":{"preferred":["nic0"],"fallback":["nic1"]}}`), 0o644))

	w, err := NewMatrixWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	matrix := w.Current()
	require.Contains(t, matrix, "cpu:0")
	assert.Equal(t, []string{"nic0"}, matrix["cpu:0"].Preferred)

	notified := make(chan struct{}, 1)
	w.Subscribe(func(metadata.PriorityMatrix) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	// Subscribe fires once immediately; drain that before the real change.
	<-notified

	require.NoError(t, os.WriteFile(path, []byte(`{"cpu:0":{"preferred":["nic1"],"fallback":["nic0"]}}`), 0o644))

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload notification")
	}

	updated := w.Current()
	assert.Equal(t, []string{"nic1"}, updated["cpu:0"].Preferred)
}

func TestMatrixWatcherRejectsMissingFile(t *testing.T) {
	_, err := NewMatrixWatcher("/nonexistent/matrix.json")
	assert.Error(t, err)
}
