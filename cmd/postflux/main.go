package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postflux/postflux/internal/api"
	"github.com/postflux/postflux/internal/cache"
	"github.com/postflux/postflux/internal/config"
	"github.com/postflux/postflux/internal/delivery"
	"github.com/postflux/postflux/internal/logging"
	"github.com/postflux/postflux/internal/queue"
	"github.com/postflux/postflux/internal/spool"
	"github.com/postflux/postflux/internal/throttle"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "postflux",
		Short: "Postflux - outbound mail delivery scheduler",
		Long: `Postflux is an outbound Mail Transfer Agent: it spools messages,
schedules per-domain delivery attempts with retry backoff, and delivers
them over SMTP.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the delivery scheduler",
	Long:  "Start the spool scheduler, delivery workers and admin API",
	RunE:  runServer,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	serverCmd.Flags().String("hostname", "", "server hostname (overrides config)")
	serverCmd.Flags().String("api-listen", "", "admin API listen address (overrides config)")

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK. Hostname: %s, spool: %s\n",
				cfg.Server.Hostname, cfg.Spool.Type)
			return nil
		},
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		cfg.Server.Hostname = hostname
	}
	if listen, _ := cmd.Flags().GetString("api-listen"); listen != "" {
		cfg.API.Listen = listen
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	store, err := openSpool(cfg)
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}
	defer store.Close()

	// Counter backend for the outbound throttle.
	var th *throttle.Throttle
	if cfg.Throttle.Enabled {
		counterCache := cache.New(cfg.Cache)
		if err := counterCache.Connect(); err != nil {
			return fmt.Errorf("failed to connect throttle counter backend: %w", err)
		}
		defer counterCache.Close()
		th = throttle.New(counterCache, cfg.Throttle)
	}

	transport := delivery.NewSMTPTransport(cfg.Server.Hostname)
	transport.RelayHost = cfg.Delivery.RelayHost
	transport.RelayPort = cfg.Delivery.RelayPort

	outbound := queue.NewLimiter("outbound", cfg.Scheduler.MaxOutbound)

	// The pool resolves attempts back into the scheduler's control channel;
	// break the cycle by constructing the scheduler around a late binding.
	var scheduler *queue.Scheduler
	pool := delivery.NewPool(store, transport, queue.NotifierFunc(func(ev queue.Event) {
		scheduler.Notify(ev)
	}), th, cfg.DeliveryConfig())

	scheduler = queue.NewScheduler(store, pool, queue.SchedulerConfig{
		RefreshInterval: time.Duration(cfg.Scheduler.RefreshInterval) * time.Second,
		ChannelBuffer:   cfg.Scheduler.ChannelBuffer,
		Global:          []*queue.Limiter{outbound},
	})

	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start delivery pool: %w", err)
	}
	scheduler.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			Enabled:      true,
			ListenAddr:   cfg.API.Listen,
			Username:     cfg.API.Username,
			PasswordHash: cfg.API.PasswordHash,
		}, store, scheduler)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin API: %w", err)
		}
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Stop(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping admin API: %v\n", err)
		}
		cancel()
	}
	scheduler.Stop()
	if err := pool.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping delivery pool: %v\n", err)
	}

	return nil
}

// openSpool constructs the configured spool backend.
func openSpool(cfg *config.Config) (spool.Store, error) {
	switch cfg.Spool.Type {
	case "file":
		if err := cfg.EnsureSpoolDirectory(); err != nil {
			return nil, err
		}
		return spool.NewFileStore(cfg.Spool.Dir)
	case "sqlite", "mysql", "postgres":
		return spool.NewSQLStore(cfg.Spool.Type, cfg.Spool.DSN)
	default:
		return nil, fmt.Errorf("unknown spool type: %q", cfg.Spool.Type)
	}
}
