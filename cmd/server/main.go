package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CraftWorksMC/Chora-sub000/api"
	"github.com/CraftWorksMC/Chora-sub000/api/handlers"
	"github.com/CraftWorksMC/Chora-sub000/internal/app"
	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
	"github.com/CraftWorksMC/Chora-sub000/internal/infrastructure"
	"github.com/CraftWorksMC/Chora-sub000/pkg/eventbus"
	"github.com/CraftWorksMC/Chora-sub000/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	daemonize  bool
	rootCmd    = &cobra.Command{
		Use:   "chora-server",
		Short: "Chora library sync and offline download server",
		Long: `Keeps a local copy of a remote music library in sync and downloads
tracks for offline playback. The HTTP API on server.host:server.port
controls sync, the download queue and playback resolution.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonize {
				return startAsDaemon()
			}
			return runServer(cmd.Context())
		},
	}
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(os.Getenv("HOME"), ".chora", "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := app.SaveConfig(domain.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.Flags().BoolVarP(&daemonize, "daemon", "d", false, "Detach and run in the background")
	rootCmd.AddCommand(initConfigCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// startAsDaemon re-executes the server without --daemon in a new session
func startAsDaemon() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(execPath, args...)
	cmd.Env = os.Environ()
	if cwd, err := os.Getwd(); err == nil {
		cmd.Dir = cwd
	}
	setSysProcAttr(cmd)

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	fmt.Printf("Server started as daemon (PID: %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func runServer(ctx context.Context) error {
	config, err := app.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := createDirectories(config); err != nil {
		return err
	}

	general, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// One file per category and day: queue, sync, error
	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{
		Level:   config.Logging.Level,
		LogsDir: config.Storage.LogsDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize category logs: %w", err)
	}
	defer multiLog.Close()

	logs := logger.NewLoggerAdapter(multiLog, general)
	defer logs.Sync()
	log := logs.General()

	log.Info("Starting Chora server",
		zap.String("version", handlers.Version),
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.String("remote", config.Remote.BaseURL),
		zap.String("database", config.Storage.DatabasePath))

	bus := eventbus.New(log)
	defer bus.Close()

	store, err := infrastructure.NewSQLiteStore(config.Storage.DatabasePath, bus)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	fetcher := infrastructure.NewHTTPMediaFetcher(config.Remote, log)
	engine, err := app.NewEngine(config, app.Dependencies{
		Store:    store,
		Source:   infrastructure.NewLibraryClient(config.Remote, log),
		Fetcher:  fetcher,
		Locator:  fetcher,
		Monitor:  infrastructure.NewConnectivityMonitor(config.Remote, config.Network, log),
		Notifier: infrastructure.NewNotificationService(&config.Notification, log),
		Bus:      bus,
		Logs:     logs,
	})
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.SetupRouter(engine, logs, config.Storage.LogsDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logs.LogAppError("Server exited with error", zap.Error(err))
		return err
	}
	log.Info("Server exited")
	return nil
}

func createDirectories(config *domain.Config) error {
	dirs := []string{
		filepath.Dir(config.Storage.DatabasePath),
		config.Storage.CacheDir,
		config.Storage.LogsDir,
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
