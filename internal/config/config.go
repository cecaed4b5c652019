// Package config loads engine tunables from defaults, an optional YAML file,
// and environment variables (SPEC_FULL.md §10.2), replacing the teacher's
// flag-only cmd/ublk-mem approach with github.com/spf13/viper. The priority
// matrix file is watched with github.com/fsnotify/fsnotify (arriving
// transitively through viper) and hot-reloaded, since NIC addition/removal is
// the one config surface the original system expects to change without a
// restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mooncakelabs/transfer-engine/internal/constants"
	"github.com/mooncakelabs/transfer-engine/internal/logging"
	"github.com/mooncakelabs/transfer-engine/internal/metadata"
	"github.com/mooncakelabs/transfer-engine/internal/rdmactx"
)

// Config holds every tunable named in SPEC_FULL.md §6 ("Configuration
// keys"), loadable from a YAML file, environment variables, or left at its
// default.
type Config struct {
	WorkersPerCtx         int    `mapstructure:"workers_per_ctx"`
	NumQPPerEndpoint      int    `mapstructure:"num_qp_per_ep"`
	MaxSGEPerWR           int    `mapstructure:"max_sge_per_wr"`
	MaxWRDepth            int    `mapstructure:"max_wr_depth"`
	MaxInlineBytes        int    `mapstructure:"max_inline"`
	SliceSize             int    `mapstructure:"slice_size"`
	EndpointCacheCapacity int    `mapstructure:"endpoint_cache_capacity"`
	MaxRetryCount         int    `mapstructure:"max_retry_cnt"`
	FragmentLimit         int    `mapstructure:"fragment_limit"`
	EndpointPolicy        string `mapstructure:"endpoint_policy"`
	MetadataBackend       string `mapstructure:"metadata_backend"`
	PriorityMatrixPath    string `mapstructure:"priority_matrix_path"`
}

// ParsedEndpointPolicy parses the EndpointPolicy string into its rdmactx enum,
// defaulting to PolicyFIFO for an unrecognized or empty value.
func (c *Config) ParsedEndpointPolicy() rdmactx.EndpointPolicy {
	switch strings.ToLower(c.EndpointPolicy) {
	case "sieve":
		return rdmactx.PolicySIEVE
	default:
		return rdmactx.PolicyFIFO
	}
}

// defaults seeds viper with SPEC_FULL.md §6's defaults, mirroring
// internal/constants so a fresh deployment behaves identically whether or
// not a config file is present.
func defaults(v *viper.Viper) {
	v.SetDefault("workers_per_ctx", constants.DefaultWorkersPerCtx)
	v.SetDefault("num_qp_per_ep", constants.DefaultNumQPPerEndpoint)
	v.SetDefault("max_sge_per_wr", constants.DefaultMaxSGEPerWR)
	v.SetDefault("max_wr_depth", constants.DefaultMaxWRDepth)
	v.SetDefault("max_inline", constants.DefaultMaxInlineBytes)
	v.SetDefault("slice_size", constants.DefaultSliceSize)
	v.SetDefault("endpoint_cache_capacity", constants.DefaultEndpointCacheCapacity)
	v.SetDefault("max_retry_cnt", constants.DefaultMaxRetryCount)
	v.SetDefault("fragment_limit", 0)
	v.SetDefault("endpoint_policy", "fifo")
	v.SetDefault("metadata_backend", "memory")
	v.SetDefault("priority_matrix_path", "")
}

// Load reads defaults, then (if non-empty) the YAML file at path, then
// MOONCAKE_-prefixed environment variables, in that order of increasing
// precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("MOONCAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// MatrixWatcher hot-reloads a priority matrix JSON file, notifying every
// subscriber on change. This is the one config surface the original system
// lets change at runtime without restarting the engine.
type MatrixWatcher struct {
	mu       sync.RWMutex
	path     string
	watcher  *fsnotify.Watcher
	matrix   metadata.PriorityMatrix
	subs     []func(metadata.PriorityMatrix)
	done     chan struct{}
	closeMu  sync.Mutex
	isClosed bool
}

// NewMatrixWatcher loads path once synchronously, then starts watching it
// for writes. Callers that only want a one-shot load may ignore the
// returned watcher after reading Current() and call Close immediately.
func NewMatrixWatcher(path string) (*MatrixWatcher, error) {
	m := &MatrixWatcher{path: path, done: make(chan struct{})}
	if err := m.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: priority matrix watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	m.watcher = w

	go m.run()
	return m, nil
}

// Current returns the most recently loaded matrix.
func (m *MatrixWatcher) Current() metadata.PriorityMatrix {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matrix
}

// Subscribe registers fn to be called, with the new matrix, every time the
// file changes. fn is also called once immediately with the current matrix.
func (m *MatrixWatcher) Subscribe(fn func(metadata.PriorityMatrix)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	current := m.matrix
	m.mu.Unlock()
	fn(current)
}

func (m *MatrixWatcher) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("config: read priority matrix %s: %w", m.path, err)
	}
	var matrix metadata.PriorityMatrix
	if err := json.Unmarshal(data, &matrix); err != nil {
		return fmt.Errorf("config: parse priority matrix %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.matrix = matrix
	subs := append([]func(metadata.PriorityMatrix){}, m.subs...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(matrix)
	}
	return nil
}

func (m *MatrixWatcher) run() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.reload(); err != nil {
				logging.Error("priority matrix reload failed", "path", m.path, "err", err)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("priority matrix watcher error", "path", m.path, "err", err)
		case <-m.done:
			return
		}
	}
}

// Close stops watching and releases the underlying inotify/kqueue handle.
func (m *MatrixWatcher) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.isClosed {
		return nil
	}
	m.isClosed = true
	close(m.done)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
