// Package mooncake implements the Mooncake Transfer Engine: a one-sided
// RDMA (and NVMe-oF) transfer execution engine built from a Transport
// Front-End, per-device RDMA Contexts, a sharded worker pool, and an
// Endpoint Store cache, fronted by the Engine facade in this file.
//
// Grounded on the teacher's backend.go CreateAndServe/StopAndDelete
// lifecycle shape: construct subsystems, start workers, hand back a live
// handle; tear down in reverse order.
package mooncake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mooncakelabs/transfer-engine/internal/config"
	"github.com/mooncakelabs/transfer-engine/internal/logging"
	"github.com/mooncakelabs/transfer-engine/internal/metadata"
	"github.com/mooncakelabs/transfer-engine/internal/obs"
	"github.com/mooncakelabs/transfer-engine/internal/transport"
	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
	"github.com/mooncakelabs/transfer-engine/internal/xfer"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineOptions configures a new Engine. ServerName and Store are required;
// everything else falls back to a sensible default.
type EngineOptions struct {
	// Context governs the lifetime of background goroutines started by the
	// engine (handshake daemon, worker pools, matrix watcher). If nil,
	// context.Background() is used.
	Context context.Context

	// ServerName identifies this process's Segment in the metadata service,
	// e.g. "node-07". Required.
	ServerName string

	// Store is the metadata backend (in-process map or Redis-backed,
	// SPEC_FULL.md §6). Required.
	Store metadata.Store

	// Logger receives engine lifecycle messages; defaults to
	// logging.Default() if nil.
	Logger *logging.Logger

	// Observer, if set, additionally receives every slice-completion event
	// alongside the engine's own Metrics and Prometheus exporter.
	Observer Observer

	// PrometheusRegisterer, if set, registers the engine's Prometheus
	// collectors against it instead of the default registry. Leave nil to
	// skip Prometheus export entirely.
	PrometheusRegisterer prometheus.Registerer

	// Config carries the typed tunables resolved by config.Load
	// (SPEC_FULL.md §10.2's Open Question (a) resolution). If nil,
	// defaults are used for every transport installed later.
	Config *config.Config

	// MatrixPath, if non-empty, starts a config.MatrixWatcher over this
	// priority-matrix JSON file and pushes every reload into every
	// installed RDMA transport via UpdatePriorityMatrix, without requiring
	// a restart.
	MatrixPath string
}

// Engine is the top-level facade SPEC_FULL.md §4.7 describes:
// installOrGetTransport/uninstallTransport/openSegment/syncSegmentCache,
// plus the per-transport capability-set operations delegated by protocol
// name.
type Engine struct {
	ctx        context.Context
	serverName string
	logger     *logging.Logger

	segments *metadata.SegmentCache
	cfg      *config.Config

	metrics  *Metrics
	observer *MultiObserver

	matrixWatcher *config.MatrixWatcher

	mu         sync.RWMutex
	transports map[string]transport.Capability
}

// NewEngine constructs an Engine but installs no transport; call
// InstallOrGetTransport for each protocol the caller needs.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.ServerName == "" {
		return nil, NewError("newEngine", ErrInvalidArg, "ServerName is required")
	}
	if opts.Store == nil {
		return nil, NewError("newEngine", ErrInvalidArg, "Store is required")
	}

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	observers := []Observer{NewMetricsObserver(metrics)}
	if opts.PrometheusRegisterer != nil {
		observers = append(observers, obs.NewPrometheusObserver(opts.PrometheusRegisterer))
	}
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}

	e := &Engine{
		ctx:        ctx,
		serverName: opts.ServerName,
		logger:     logger,
		segments:   metadata.NewSegmentCache(opts.Store),
		cfg:        opts.Config,
		metrics:    metrics,
		observer:   NewMultiObserver(observers...),
		transports: make(map[string]transport.Capability),
	}

	if opts.MatrixPath != "" {
		watcher, err := config.NewMatrixWatcher(opts.MatrixPath)
		if err != nil {
			return nil, WrapError("newEngine", ErrInvalidArg, err)
		}
		e.matrixWatcher = watcher
		watcher.Subscribe(e.onMatrixReload)
	}

	logger.Info("engine created", "server", opts.ServerName)
	return e, nil
}

// engineObserver adapts the root package's Observer to internal/worker's
// structurally-identical one without internal/worker importing this
// package (see internal/worker/pool.go's Observer doc comment).
type engineObserver struct{ e *Engine }

func (o engineObserver) ObserveRead(bytes, latencyNs uint64, success bool)  { o.e.observer.ObserveRead(bytes, latencyNs, success) }
func (o engineObserver) ObserveWrite(bytes, latencyNs uint64, success bool) { o.e.observer.ObserveWrite(bytes, latencyNs, success) }
func (o engineObserver) ObserveRetry()                                     { o.e.observer.ObserveRetry() }
func (o engineObserver) ObserveQPDepth(depth uint32)                       { o.e.observer.ObserveQPDepth(depth) }

func (e *Engine) onMatrixReload(matrix metadata.PriorityMatrix) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for proto, c := range e.transports {
		rdma, ok := c.(*transport.RDMA)
		if !ok {
			continue
		}
		if err := rdma.UpdatePriorityMatrix(e.ctx, matrix); err != nil {
			e.logger.Error("priority matrix reload failed", "proto", proto, "err", err)
		}
	}
}

// RDMATransportArgs bundles the arguments InstallOrGetTransport needs to
// bring up an "rdma" transport: the ordered device list and the concrete
// verbs devices backing it. A real deployment enumerates devices from
// libibverbs; this engine's verbs layer is a pure-Go simulation
// (internal/verbsq), so callers supply the device set directly.
type RDMATransportArgs struct {
	DeviceOrder    []string
	Devices        map[string]verbsq.Device
	HandshakeAddr  string
	PriorityMatrix metadata.PriorityMatrix
}

// InstallOrGetTransport returns the already-installed Capability for proto
// if one exists, or installs a new one from args and returns it
// (SPEC_FULL.md §4.7). proto is "rdma" or "nvmeof"; args is *RDMATransportArgs
// for "rdma" and a []byte/json.RawMessage of simulated targets (see
// transport.NVMeoF.Install) for "nvmeof".
func (e *Engine) InstallOrGetTransport(proto string, args any) (transport.Capability, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.transports[proto]; ok {
		return c, nil
	}

	var c transport.Capability
	var installArgs json.RawMessage

	switch proto {
	case "rdma":
		rdmaArgs, ok := args.(*RDMATransportArgs)
		if !ok || rdmaArgs == nil {
			return nil, NewError("installOrGetTransport", ErrInvalidArg, "rdma requires *RDMATransportArgs")
		}
		rdmaCfg := transport.RDMAConfig{
			HandshakeAddr: rdmaArgs.HandshakeAddr,
			Observer:      engineObserver{e},
		}
		if e.cfg != nil {
			rdmaCfg.WorkersPerCtx = e.cfg.WorkersPerCtx
			rdmaCfg.NumQPPerEndpoint = e.cfg.NumQPPerEndpoint
			rdmaCfg.MaxWRDepth = e.cfg.MaxWRDepth
			rdmaCfg.SliceSize = uint64(e.cfg.SliceSize)
			rdmaCfg.EndpointCacheCapacity = e.cfg.EndpointCacheCapacity
			rdmaCfg.MaxRetryCnt = e.cfg.MaxRetryCount
			rdmaCfg.FragmentLimit = uint64(e.cfg.FragmentLimit)
			rdmaCfg.EndpointPolicy = e.cfg.ParsedEndpointPolicy()
		}
		rdma, err := transport.NewRDMA(e.serverName, rdmaArgs.DeviceOrder, rdmaArgs.Devices, e.segments, rdmaCfg)
		if err != nil {
			return nil, WrapError("installOrGetTransport", ErrInvalidArg, err)
		}
		c = rdma
		if rdmaArgs.PriorityMatrix != nil {
			matrix, err := json.Marshal(rdmaArgs.PriorityMatrix)
			if err != nil {
				return nil, WrapError("installOrGetTransport", ErrInvalidArg, err)
			}
			installArgs = matrix
		} else if e.matrixWatcher != nil {
			matrix, err := json.Marshal(e.matrixWatcher.Current())
			if err != nil {
				return nil, WrapError("installOrGetTransport", ErrInvalidArg, err)
			}
			installArgs = matrix
		}
	case "nvmeof":
		c = transport.NewNVMeoF()
		if raw, ok := args.(json.RawMessage); ok {
			installArgs = raw
		} else if raw, ok := args.([]byte); ok {
			installArgs = raw
		}
	default:
		return nil, NewError("installOrGetTransport", ErrInvalidArg, fmt.Sprintf("unknown transport %q", proto))
	}

	if err := c.Install(e.ctx, installArgs); err != nil {
		return nil, WrapError("installOrGetTransport", ErrFabricError, err)
	}

	e.transports[proto] = c
	e.logger.Info("transport installed", "proto", proto)
	return c, nil
}

// UninstallTransport tears down the named transport and removes it from the
// engine. Per spec.md §9 Open Question (b), callers are responsible for
// calling FreeBatchID on every outstanding batch first; the worker-pool
// teardown path drains queues regardless, so no slice is silently dropped.
func (e *Engine) UninstallTransport(proto string) error {
	e.mu.Lock()
	c, ok := e.transports[proto]
	if ok {
		delete(e.transports, proto)
	}
	e.mu.Unlock()

	if !ok {
		return NewError("uninstallTransport", ErrInvalidArg, fmt.Sprintf("transport %q not installed", proto))
	}
	if err := c.Shutdown(); err != nil {
		return WrapError("uninstallTransport", ErrFabricError, err)
	}
	e.logger.Info("transport uninstalled", "proto", proto)
	return nil
}

// transportFor resolves proto to its installed Capability, or a structured
// CONTEXT_INACTIVE error if none is installed.
func (e *Engine) transportFor(op, proto string) (transport.Capability, error) {
	e.mu.RLock()
	c, ok := e.transports[proto]
	e.mu.RUnlock()
	if !ok {
		return nil, NewError(op, ErrContextInactive, fmt.Sprintf("transport %q not installed", proto))
	}
	return c, nil
}

// OpenSegment resolves name to its process-local SegmentID, fetching and
// caching its descriptor from the metadata service on first use
// (SPEC_FULL.md §4.7).
func (e *Engine) OpenSegment(ctx context.Context, name string) (int64, error) {
	id, err := e.segments.IDOf(ctx, name)
	if err != nil {
		return 0, WrapError("openSegment", ErrInvalidArg, err)
	}
	return id, nil
}

// SyncSegmentCache invalidates every cached segment descriptor so the next
// access re-fetches from the metadata service (SPEC_FULL.md §4.7).
func (e *Engine) SyncSegmentCache() {
	e.segments.Invalidate()
}

// RegisterLocalMemory registers one memory region against proto's transport.
func (e *Engine) RegisterLocalMemory(proto string, spec transport.MemoryRegionSpec, updateMetadata bool) error {
	c, err := e.transportFor("registerLocalMemory", proto)
	if err != nil {
		return err
	}
	if err := c.RegisterLocalMemory(spec, updateMetadata); err != nil {
		return WrapError("registerLocalMemory", ErrInvalidArg, err)
	}
	return nil
}

// RegisterLocalMemoryBatch registers many memory regions against proto's
// transport in one call.
func (e *Engine) RegisterLocalMemoryBatch(proto string, specs []transport.MemoryRegionSpec, updateMetadata bool) error {
	c, err := e.transportFor("registerLocalMemoryBatch", proto)
	if err != nil {
		return err
	}
	if err := c.RegisterLocalMemoryBatch(specs, updateMetadata); err != nil {
		return WrapError("registerLocalMemoryBatch", ErrInvalidArg, err)
	}
	return nil
}

// UnregisterLocalMemoryBatch unregisters memory regions from proto's
// transport.
func (e *Engine) UnregisterLocalMemoryBatch(proto string, addrs []uintptr, updateMetadata bool) error {
	c, err := e.transportFor("unregisterLocalMemoryBatch", proto)
	if err != nil {
		return err
	}
	if err := c.UnregisterLocalMemoryBatch(addrs, updateMetadata); err != nil {
		return WrapError("unregisterLocalMemoryBatch", ErrInvalidArg, err)
	}
	return nil
}

// AllocateBatchID allocates a new fixed-capacity batch on proto's transport.
func (e *Engine) AllocateBatchID(proto string, capacity int) (uint64, error) {
	c, err := e.transportFor("allocateBatchID", proto)
	if err != nil {
		return 0, err
	}
	id, err := c.AllocateBatchID(capacity)
	if err != nil {
		return 0, WrapError("allocateBatchID", ErrInvalidArg, err)
	}
	return id, nil
}

// SubmitTransfer submits requests against an already-allocated batch on
// proto's transport, returning one Task per request.
func (e *Engine) SubmitTransfer(proto string, batchID uint64, requests []transport.TransferRequest) ([]*xfer.Task, error) {
	c, err := e.transportFor("submitTransfer", proto)
	if err != nil {
		return nil, err
	}
	tasks, err := c.SubmitTransfer(batchID, requests)
	if err != nil {
		return nil, WrapError("submitTransfer", ErrInvalidArg, err)
	}
	return tasks, nil
}

// GetTransferStatus reports a task's aggregate state and transferred byte
// count.
func (e *Engine) GetTransferStatus(proto string, batchID uint64, taskIndex int) (xfer.State, int64, error) {
	c, err := e.transportFor("getTransferStatus", proto)
	if err != nil {
		return xfer.StatePending, 0, err
	}
	state, bytes, err := c.GetTransferStatus(batchID, taskIndex)
	if err != nil {
		return xfer.StatePending, 0, WrapError("getTransferStatus", ErrInvalidArg, err)
	}
	return state, bytes, nil
}

// FreeBatchID releases a batch, failing BUSY if any task is not terminal.
func (e *Engine) FreeBatchID(proto string, batchID uint64) error {
	c, err := e.transportFor("freeBatchID", proto)
	if err != nil {
		return err
	}
	if err := c.FreeBatchID(batchID); err != nil {
		return WrapError("freeBatchID", ErrBusy, err)
	}
	return nil
}

// ReadLocalMemory copies [addr, addr+length) out of proto's registered
// region backing it, for transports that implement LocalMemoryAccessor.
func (e *Engine) ReadLocalMemory(proto string, addr uintptr, length uint64) ([]byte, error) {
	c, err := e.transportFor("readLocalMemory", proto)
	if err != nil {
		return nil, err
	}
	accessor, ok := c.(transport.LocalMemoryAccessor)
	if !ok {
		return nil, NewError("readLocalMemory", ErrInvalidArg, fmt.Sprintf("transport %q has no local memory access", proto))
	}
	data, err := accessor.ReadLocalMemory(addr, length)
	if err != nil {
		return nil, WrapError("readLocalMemory", ErrInvalidArg, err)
	}
	return data, nil
}

// WriteLocalMemory copies data into proto's registered region backing
// [addr, addr+len(data)), for transports that implement LocalMemoryAccessor.
func (e *Engine) WriteLocalMemory(proto string, addr uintptr, data []byte) error {
	c, err := e.transportFor("writeLocalMemory", proto)
	if err != nil {
		return err
	}
	accessor, ok := c.(transport.LocalMemoryAccessor)
	if !ok {
		return NewError("writeLocalMemory", ErrInvalidArg, fmt.Sprintf("transport %q has no local memory access", proto))
	}
	if err := accessor.WriteLocalMemory(addr, data); err != nil {
		return WrapError("writeLocalMemory", ErrInvalidArg, err)
	}
	return nil
}

// Metrics returns the engine's homegrown atomic metrics instance.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the engine's metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Shutdown tears down every installed transport (in arbitrary order, joined
// via errgroup, SPEC_FULL.md §5) and stops the priority-matrix watcher, if
// any. Grounded on the teacher's StopAndDelete: cancel/stop first, report
// the first error, never panic on cleanup.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	transports := e.transports
	e.transports = make(map[string]transport.Capability)
	e.mu.Unlock()

	var g errgroup.Group
	for proto, c := range transports {
		proto, c := proto, c
		g.Go(func() error {
			if err := c.Shutdown(); err != nil {
				return fmt.Errorf("shutdown %s: %w", proto, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if e.matrixWatcher != nil {
		if closeErr := e.matrixWatcher.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	e.metrics.Stop()
	e.logger.Info("engine shut down")
	if err != nil {
		return WrapError("shutdown", ErrFabricError, err)
	}
	return nil
}
