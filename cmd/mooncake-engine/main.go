// Command mooncake-engine runs a Mooncake Transfer Engine process: it
// installs a transport, exposes its metrics, and serves until signaled to
// stop. Restructures the teacher's stdlib-flag cmd/ublk-mem/main.go under
// cobra subcommands (serve, version) per SPEC_FULL.md §10.3, keeping the
// same construct-subsystems / signal-driven graceful shutdown /
// SIGUSR1-goroutine-dump shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	mooncake "github.com/mooncakelabs/transfer-engine"
	"github.com/mooncakelabs/transfer-engine/internal/config"
	"github.com/mooncakelabs/transfer-engine/internal/logging"
	"github.com/mooncakelabs/transfer-engine/internal/metadata"
	"github.com/mooncakelabs/transfer-engine/internal/verbsq"
)

// version is overridden at release-build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mooncake-engine",
		Short: "Mooncake Transfer Engine process",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		serverName  string
		configPath  string
		matrixPath  string
		devices     []string
		handshake   string
		redisAddr   string
		redisPrefix string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Install a transport and serve transfer requests until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveOptions{
				serverName:  serverName,
				configPath:  configPath,
				matrixPath:  matrixPath,
				devices:     devices,
				handshake:   handshake,
				redisAddr:   redisAddr,
				redisPrefix: redisPrefix,
				verbose:     verbose,
			})
		},
	}

	cmd.Flags().StringVar(&serverName, "server-name", "", "this process's Segment name (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (SPEC_FULL.md §6)")
	cmd.Flags().StringVar(&matrixPath, "priority-matrix", "", "path to the NIC priority matrix JSON file, hot-reloaded if set")
	cmd.Flags().StringSliceVar(&devices, "device", []string{"mlx5_0"}, "simulated verbs device names to bring up, in preference order")
	cmd.Flags().StringVar(&handshake, "handshake-addr", "127.0.0.1:0", "address the handshake daemon listens on")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for the metadata backend; empty uses the in-process store")
	cmd.Flags().StringVar(&redisPrefix, "redis-prefix", "mooncake:segments:", "key prefix for the Redis metadata backend")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.MarkFlagRequired("server-name")

	return cmd
}

type serveOptions struct {
	serverName  string
	configPath  string
	matrixPath  string
	devices     []string
	handshake   string
	redisAddr   string
	redisPrefix string
	verbose     bool
}

func runServe(opts serveOptions) error {
	logConfig := logging.DefaultConfig()
	if opts.verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openStore(opts, cfg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := mooncake.NewEngine(mooncake.EngineOptions{
		Context:    ctx,
		ServerName: opts.serverName,
		Store:      store,
		Logger:     logger,
		Config:     cfg,
		MatrixPath: opts.matrixPath,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	deviceSet := make(map[string]verbsq.Device, len(opts.devices))
	for i, name := range opts.devices {
		var gid [16]byte
		gid[0] = byte(i + 1)
		deviceSet[name] = verbsq.NewSimDevice(name, gid, uint16(i+1))
	}

	if _, err := engine.InstallOrGetTransport("rdma", &mooncake.RDMATransportArgs{
		DeviceOrder:   opts.devices,
		Devices:       deviceSet,
		HandshakeAddr: opts.handshake,
	}); err != nil {
		logger.Error("failed to install rdma transport", "error", err)
		return err
	}

	logger.Info("engine serving",
		"server_name", opts.serverName,
		"devices", strings.Join(opts.devices, ","),
		"handshake_addr", opts.handshake)
	fmt.Printf("Mooncake engine %q serving on devices [%s]\n", opts.serverName, strings.Join(opts.devices, ", "))
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpGoroutineStacks(logger)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	cleanupDone := make(chan struct{})
	go func() {
		if err := engine.Shutdown(); err != nil {
			logger.Error("error shutting down engine", "error", err)
		} else {
			logger.Info("engine shut down successfully")
		}
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
	case <-time.After(5 * time.Second):
		logger.Info("shutdown timeout, forcing exit")
	}

	return nil
}

func openStore(opts serveOptions, cfg *config.Config) (metadata.Store, error) {
	backend := cfg.MetadataBackend
	if opts.redisAddr != "" {
		backend = "redis"
	}

	switch backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		return metadata.NewRedisStore(client, opts.redisPrefix), nil
	default:
		return metadata.NewMemoryStore(), nil
	}
}

func dumpGoroutineStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n")
	fmt.Fprintf(os.Stderr, "%s\n", buf[:n])
	fmt.Fprintf(os.Stderr, "=== END STACK DUMP ===\n\n")

	filename := fmt.Sprintf("mooncake-engine-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
	f.Write(buf[:n])

	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)

	logger.Info("stack trace written to file", "file", filename)
}
