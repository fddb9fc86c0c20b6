package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JoeMarian/water-tank/internal/cache"
	"github.com/JoeMarian/water-tank/internal/channel"
	"github.com/JoeMarian/water-tank/internal/coap"
	"github.com/JoeMarian/water-tank/internal/config"
	"github.com/JoeMarian/water-tank/internal/mqtt"
	"github.com/JoeMarian/water-tank/internal/resilience"
	"github.com/JoeMarian/water-tank/internal/storage"
	"github.com/JoeMarian/water-tank/internal/web"
	"github.com/JoeMarian/water-tank/pkg/api"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

// server bundles the running components so shutdown can walk them in
// order.
type server struct {
	cfg      *config.Config
	store    storage.Store
	cache    *cache.LatestCache
	manager  *channel.Manager
	web      *web.Server
	coap     *coap.Server
	ingestor *mqtt.Ingestor
	logger   *logrus.Logger
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	rootCmd := &cobra.Command{
		Use:   "water-tank",
		Short: "Water tank telemetry hub",
		Long: `water-tank collects tank telemetry over HTTP, CoAP, and MQTT,
stores it in MongoDB or SQLite, and serves the channel API plus a
dashboard. Every flag can also be set through a WATERTANK_ environment
variable (for example WATERTANK_HTTP_ADDR).`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				log.Fatalf("Invalid configuration: %v", err)
			}
			log.SetLevel(cfg.ParseLogLevel())
			log.Infof("Starting water-tank %s (built at %s)", Version, BuildTime)
			runServer(log, cfg)
		},
	}
	addConfigFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("water-tank %s (built at %s)\n", Version, BuildTime)
		},
	})
	rootCmd.AddCommand(newSimulateCommand(log))
	rootCmd.AddCommand(newCheckCommand(log))

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.String("http-addr", ":8000", "HTTP listen address")
	flags.String("coap-addr", ":5684", "CoAP (UDP) listen address")
	flags.String("store", config.StoreMongo, "Storage backend (mongo or sqlite)")
	flags.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	flags.String("mongo-db", "water_tank_db", "MongoDB database name")
	flags.String("data-dir", "/var/lib/water-tank", "Data directory for the sqlite store")
	flags.String("mqtt-broker", "", "MQTT broker URL; empty disables the ingestor")
	flags.String("mqtt-username", "", "MQTT broker username")
	flags.String("mqtt-password", "", "MQTT broker password")
	flags.String("mqtt-topic", mqtt.DefaultTopic, "MQTT subscription topic")
	flags.String("redis-addr", "", "Redis address for the latest-value cache; empty disables it")
	flags.String("redis-password", "", "Redis password")
	flags.Duration("cache-ttl", 24*time.Hour, "Lifetime of cached latest values")
	flags.String("static-dir", "static", "Directory with the dashboard files")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.Duration("monitor-interval", 10*time.Minute, "Integrity sweep interval; 0 disables it")
	flags.Duration("shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
}

func runServer(log *logrus.Logger, cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := createServer(ctx, log, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("water-tank server is running. Press Ctrl+C to stop.")

	sig := <-sigCh
	log.Infof("Received signal %v, shutting down...", sig)

	cancel()

	if err := shutdownServer(srv); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}

	log.Info("Shutdown complete")
}

func createServer(ctx context.Context, log *logrus.Logger, cfg *config.Config) (*server, error) {
	zapLog, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create resilience logger: %w", err)
	}

	srv := &server{cfg: cfg, logger: log}

	store, err := connectStore(ctx, cfg, log, zapLog)
	if err != nil {
		return nil, err
	}
	srv.store = store

	manager, err := channel.NewManager(store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel manager: %w", err)
	}
	manager.WithResilience(resilience.NewManager("store", resilience.WithLogger(zapLog)))

	if cfg.RedisAddr != "" {
		srv.cache = cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.CacheTTL, log)
		manager.WithCache(srv.cache)
	}
	srv.manager = manager

	srv.web = web.NewServer(manager, log,
		web.WithAddr(cfg.HTTPAddr),
		web.WithStaticDir(cfg.StaticDir),
		web.WithVersion(Version),
		web.WithHealth(srv.healthStatus),
	)

	coapServer, err := coap.NewServer(manager, log, coap.WithAddr(cfg.CoAPAddr))
	if err != nil {
		return nil, fmt.Errorf("failed to create CoAP server: %w", err)
	}
	srv.coap = coapServer

	if cfg.MQTTBroker != "" {
		opts := []mqtt.Option{
			mqtt.WithTopic(cfg.MQTTTopic),
			mqtt.WithConnectRetry(resilience.NewRetryPolicy("mqtt-connect", resilience.DefaultRetryConfig(), zapLog)),
		}
		if cfg.MQTTUsername != "" {
			opts = append(opts, mqtt.WithCredentials(cfg.MQTTUsername, cfg.MQTTPassword))
		}
		ingestor, err := mqtt.NewIngestor(cfg.MQTTBroker, manager, log, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT ingestor: %w", err)
		}
		srv.ingestor = ingestor
	}

	manager.StartMonitoring(cfg.MonitorInterval)

	if err := srv.web.Start(); err != nil {
		return nil, fmt.Errorf("failed to start web server: %w", err)
	}
	if err := srv.coap.Start(); err != nil {
		return nil, fmt.Errorf("failed to start CoAP server: %w", err)
	}
	if srv.ingestor != nil {
		if err := srv.ingestor.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start MQTT ingestor: %w", err)
		}
	}

	return srv, nil
}

// connectStore opens the configured backend. MongoDB connections are
// retried with backoff so the server survives a store that comes up
// after it.
func connectStore(ctx context.Context, cfg *config.Config, log *logrus.Logger, zapLog *zap.Logger) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		store, err := storage.NewSQLiteStore(cfg.DataDir, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		return store, nil
	case config.StoreMongo:
		retry := resilience.NewRetryPolicy("mongo-connect", resilience.DefaultRetryConfig(), zapLog)
		var store *storage.MongoStore
		err := retry.Do(ctx, func(ctx context.Context) error {
			s, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB, log)
			if err != nil {
				return err
			}
			store = s
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func (s *server) healthStatus(ctx context.Context) api.HealthStatus {
	components := make(map[string]api.ComponentState, 4)

	storeState := api.ComponentUp
	if err := s.store.Ping(ctx); err != nil {
		storeState = api.ComponentDown
	}
	components["store"] = storeState

	components["cache"] = api.ComponentDisabled
	if s.cache != nil {
		components["cache"] = s.cache.State()
	}

	components["mqtt"] = api.ComponentDisabled
	if s.ingestor != nil {
		components["mqtt"] = api.ComponentDown
		if s.ingestor.Connected() {
			components["mqtt"] = api.ComponentUp
		}
	}

	components["coap"] = api.ComponentDown
	if s.coap.Running() {
		components["coap"] = api.ComponentUp
	}

	status := "ok"
	if storeState != api.ComponentUp {
		status = "degraded"
	}

	return api.HealthStatus{
		Status:     status,
		Components: components,
	}
}

func shutdownServer(srv *server) error {
	if srv.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.web.Stop(ctx); err != nil {
			srv.logger.Errorf("Failed to stop web server: %v", err)
		}
	}

	if srv.coap != nil {
		if err := srv.coap.Stop(); err != nil {
			srv.logger.Errorf("Failed to stop CoAP server: %v", err)
		}
	}

	if srv.ingestor != nil {
		srv.ingestor.Stop()
	}

	if srv.manager != nil {
		if err := srv.manager.Close(); err != nil {
			srv.logger.Errorf("Failed to close channel manager: %v", err)
		}
	}

	if srv.cache != nil {
		if err := srv.cache.Close(); err != nil {
			srv.logger.Errorf("Failed to close cache: %v", err)
		}
	}

	if srv.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.store.Close(ctx); err != nil {
			srv.logger.Errorf("Failed to close store: %v", err)
		}
	}

	return nil
}
