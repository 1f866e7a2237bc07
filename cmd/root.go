package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"hls-liberator/work/buffer"
	"hls-liberator/work/channels"
	"hls-liberator/work/client"
	"hls-liberator/work/config"
	"hls-liberator/work/handlers"
	"hls-liberator/work/logger"
	"hls-liberator/work/proxy"
)

// Version is set at build time.
var Version = "v0.1.0"

var (
	configPath   string
	channelsPath string
	port         int
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "hls-liberator",
	Short: "Reverse proxy that re-serves origin HLS channels with open CORS",
	Long: `hls-liberator scrapes each channel's origin page for its signed .m3u8 URL,
caches it, rewrites the manifest so every segment and key goes back through the
proxy, and relays the media to any client.`,
	SilenceUsage: true,
	RunE:         runServer,
}

// Execute runs the root command. It is called once by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "JSON config file (default $CONFIG_FILE or /settings/config.json)")
	rootCmd.PersistentFlags().StringVar(&channelsPath, "channels", "", "Channel list file (overrides CHANNELS_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (overrides LOG_LEVEL)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides PORT)")
}

// loadConfig resolves the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath == "" {
		cfg = config.LoadConfig()
	} else {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", configPath, err)
		}
	}

	if channelsPath != "" {
		cfg.ChannelsFile = channelsPath
	}
	if port > 0 {
		cfg.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "DEBUG"
	}
	logger.SetLogLevel(level)
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := channels.LoadFile(cfg.ChannelsFile)
	if err != nil {
		return err
	}
	if registry.Len() == 0 {
		logger.Warn("{cmd/root - runServer} No channels configured in %s", cfg.ChannelsFile)
	}

	httpClient := client.NewHeaderSettingClient(cfg)
	defer httpClient.Close()

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer workerPool.Release()

	sp := proxy.New(cfg, registry, httpClient, buffer.NewBufferPool(0), workerPool)

	router := mux.NewRouter()
	handlers.SetupRoutes(router, sp, time.Now())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("{cmd/root - runServer} Starting HLS Liberator %s", Version)
	logger.Info("{cmd/root - runServer} Server configuration:")
	logger.Info("{cmd/root - runServer}   - Listen: %s", srv.Addr)
	logger.Info("{cmd/root - runServer}   - Channels: %d (%s)", registry.Len(), cfg.ChannelsFile)
	logger.Info("{cmd/root - runServer}   - Cache TTL: %s", cfg.CacheTTL)
	logger.Info("{cmd/root - runServer}   - Refresh Interval: %s", cfg.RefreshInterval)
	logger.Info("{cmd/root - runServer}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{cmd/root - runServer}   - Max Relays: %d", cfg.MaxConnectionsToApp)
	logger.Info("{cmd/root - runServer}   - Gzip: %v", cfg.EnableGzip)
	logger.Info("{cmd/root - runServer}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sp.StartRefresh()
	defer sp.StopRefresh()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("{cmd/root - runServer} Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{cmd/root - runServer} Graceful shutdown incomplete: %v", err)
	}
	return nil
}
