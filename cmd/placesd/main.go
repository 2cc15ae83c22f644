// placesd - browsing history storage daemon
//
// placesd owns one places database. It brokers every connection to it,
// syncs history with a remote storage node on a schedule and on demand,
// and exposes an admin API for inspection and manual syncs. Sync results
// are published to MQTT and recorded in InfluxDB when those are enabled.
//
// Usage:
//
//	placesd                  run the daemon (config from $PLACESD_CONFIG)
//	placesd hash-password    read a password on stdin, print its Argon2id hash
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/places-core/internal/api"
	"github.com/nerrad567/places-core/internal/auth"
	"github.com/nerrad567/places-core/internal/historysync"
	"github.com/nerrad567/places-core/internal/infrastructure/config"
	"github.com/nerrad567/places-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/places-core/internal/infrastructure/logging"
	"github.com/nerrad567/places-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/places-core/internal/places"
	"github.com/nerrad567/places-core/internal/syncworker"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// dataDirPermissions is used when creating the database directory.
const dataDirPermissions = 0o750

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := runHashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup sequence: one block per component
	log := logging.Default()
	log.Info("starting placesd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.PathFromEnv()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Every broker built from here on gets the history sync store.
	places.SetDefaultOptions(places.Options{
		Logger: log.Component("places"),
		SyncStoreFactory: historysync.NewFactory(historysync.Options{
			HTTPClient: &http.Client{Timeout: cfg.GetSyncTimeout()},
			Logger:     log.Component("historysync"),
		}),
		BusyTimeout: cfg.Database.BusyTimeout,
		WALMode:     cfg.Database.WALMode,
	})

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("releasing database")
		db.Release()
	}()
	label := databaseLabel(cfg.Database)
	log.Info("database ready",
		"database", db.Identity().Name(),
		"label", label,
		"broker_id", db.ID(),
	)

	if err := checkDatabase(ctx, db); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	syncSvc, err := newSyncService(db, label, cfg.Sync)
	if err != nil {
		return err
	}
	syncSvc.SetLogger(log.Component("syncworker"))

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.Component("mqtt"))
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		syncSvc.AddSink(&mqttSink{client: mqttClient, log: log})
		if syncSvc.Enabled() {
			if err := mqttClient.OnSyncCommand(label, func(cmd mqtt.SyncCommand) {
				log.Info("sync requested over MQTT", "request_id", cmd.RequestID)
				syncSvc.Trigger()
			}); err != nil {
				return fmt.Errorf("subscribing to sync commands: %w", err)
			}
		}
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		syncSvc.AddSink(&influxSink{client: influxClient, database: label})
	} else {
		log.Info("InfluxDB disabled")
	}

	operators, err := newAuthenticator(cfg.Security.Operators)
	if err != nil {
		return fmt.Errorf("loading operators: %w", err)
	}
	if operators.Len() == 0 {
		log.Warn("no operators configured, the admin API will reject every login")
	}

	apiLog := log.Component("api")
	hub := api.NewHub(cfg.WebSocket, apiLog)
	syncSvc.AddSink(hub)

	var wg sync.WaitGroup
	defer wg.Wait()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(hubCtx)
	}()

	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    apiLog,
		Registry:  places.Default(),
		Database:  db,
		Sync:      syncSvc,
		Operators: operators,
		Hub:       hub,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := syncSvc.Run(ctx); err != nil {
			log.Error("sync worker stopped", "error", err)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal", "api", server.Addr())

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, hub and sync worker,
	// InfluxDB, MQTT, then the database reference.
	return nil
}

// openDatabase resolves the configured database through the default
// registry.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*places.API, error) {
	if cfg.MemoryName != "" {
		return places.OpenMemory(ctx, cfg.MemoryName, cfg.EncryptionKey)
	}

	// Create the directory first so the identity resolves symlinks in it.
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return places.Open(ctx, cfg.Path, cfg.EncryptionKey)
}

// databaseLabel is the short name used in MQTT topics and metrics: the
// memory name, or the file name without its extension.
func databaseLabel(cfg config.DatabaseConfig) string {
	if cfg.MemoryName != "" {
		return cfg.MemoryName
	}
	base := filepath.Base(cfg.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// checkDatabase opens and pings a read-only connection.
func checkDatabase(ctx context.Context, db *places.API) error {
	conn, err := db.OpenConnection(ctx, places.ReadOnlyAccess)
	if err != nil {
		return err
	}
	defer db.CloseConnection(conn) //nolint:errcheck // read-only close

	return conn.HealthCheck(ctx)
}

// newSyncService builds the sync worker. With sync disabled the keys are
// not decoded and the worker stays idle.
func newSyncService(db syncworker.Syncer, label string, cfg config.SyncConfig) (*syncworker.Service, error) {
	svcCfg := syncworker.Config{
		Database: label,
		Enabled:  cfg.Enabled,
	}
	if cfg.Enabled {
		keys, err := places.KeyBundleFromBase64(cfg.EncKey, cfg.HMACKey)
		if err != nil {
			return nil, fmt.Errorf("decoding sync keys: %w", err)
		}
		svcCfg.Interval = time.Duration(cfg.Interval) * time.Second
		svcCfg.Init = places.ClientInit{
			StorageURL:  cfg.StorageURL,
			AccessToken: cfg.AccessToken,
			KeyID:       cfg.KeyID,
		}
		svcCfg.Keys = keys
	}
	return syncworker.New(db, svcCfg), nil
}

// newAuthenticator converts configured operators.
func newAuthenticator(cfgs []config.OperatorConfig) (*auth.Authenticator, error) {
	ops := make([]auth.Operator, 0, len(cfgs))
	for _, c := range cfgs {
		ops = append(ops, auth.Operator{
			Username:     c.Username,
			PasswordHash: c.PasswordHash,
			Role:         auth.Role(c.Role),
		})
	}
	return auth.NewAuthenticator(ops)
}

// runHashPassword reads one password line from in and writes its PHC hash
// to out, for pasting into security.operators.
func runHashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
