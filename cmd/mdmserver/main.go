// Command mdmserver runs the master-data platform: event store, entity
// graph, projection engine, and intent pipeline, exposed over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcarvalho21/mdmplatform/internal/entitygraph"
	"github.com/mcarvalho21/mdmplatform/internal/eventstore"
	"github.com/mcarvalho21/mdmplatform/internal/eventtype"
	"github.com/mcarvalho21/mdmplatform/internal/housekeeping"
	"github.com/mcarvalho21/mdmplatform/internal/httpapi"
	"github.com/mcarvalho21/mdmplatform/internal/intent"
	"github.com/mcarvalho21/mdmplatform/internal/metrics"
	"github.com/mcarvalho21/mdmplatform/internal/platform/config"
	"github.com/mcarvalho21/mdmplatform/internal/platform/database"
	"github.com/mcarvalho21/mdmplatform/internal/platform/migrations"
	"github.com/mcarvalho21/mdmplatform/internal/projection"
	"github.com/mcarvalho21/mdmplatform/internal/snapshot"
	"github.com/mcarvalho21/mdmplatform/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to $PORT or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides DB_* environment variables)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup")
	flag.Parse()

	env := config.LoadEnvFile()
	log := logger.NewFromEnv("mdmserver")
	log.WithField("env", env).Info("configuration loaded")

	rootCtx := context.Background()
	dbCfg := config.DatabaseConfigFromEnv()
	srvCfg := config.ServerConfigFromEnv()

	dsnVal := resolveDSN(*dsn, dbCfg)

	db, err := database.Open(rootCtx, dsnVal)
	if err != nil {
		log.WithField("error", err).Fatal("connect to postgres")
	}
	defer db.Close()
	database.ConfigurePool(db, dbCfg)

	if *runMigrations {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.WithField("error", err).Fatal("apply migrations")
		}
	}

	eventTypes := eventtype.New(db)
	entities := entitygraph.New(db)
	events := eventstore.New(db,
		eventstore.WithSchemaValidator(eventTypes),
		eventstore.WithEntityVersionChecker(entities),
	)
	projections := projection.New(db, events)
	projections.RegisterHandler(projection.NewVendorListHandler(db, entities))
	projections.RegisterHandler(projection.NewItemListHandler(db, entities))

	snapshots := snapshot.New(db,
		snapshot.TableSpec{ProjectionType: "vendor_list", TableName: "vendor_list", PrimaryKey: "vendor_id", LastEventColumn: "last_event_id"},
		snapshot.TableSpec{ProjectionType: "item_list", TableName: "item_list", PrimaryKey: "item_id", LastEventColumn: "last_event_id"},
	)

	pipeline := intent.New(db, events, entities, projections)
	intent.RegisterDefaultHandlers(pipeline)

	snapshotSchedule := housekeeping.New(snapshots, []string{"vendor_list", "item_list"}, log)
	if err := snapshotSchedule.Start(housekeeping.DefaultSchedule); err != nil {
		log.WithField("error", err).Fatal("start snapshot scheduler")
	}

	var validator httpapi.JWTValidator
	if srvCfg.JWTSecret != "" {
		validator = httpapi.NewHMACValidator(srvCfg.JWTSecret)
	} else {
		log.Warn("JWT_SECRET not set; authentication disabled (development mode)")
	}

	healthCheck := func(ctx context.Context) error {
		return database.Ping(ctx, db, 3*time.Second)
	}

	router := httpapi.NewRouter(pipeline, events, eventTypes, projections, snapshots, healthCheck, validator, log)

	top := http.NewServeMux()
	top.Handle("/metrics", metrics.Handler())
	top.Handle("/", router)

	listenAddr := determineAddr(*addr, srvCfg)
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           metrics.InstrumentHandler(top),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       srvCfg.RequestTimeout,
		WriteTimeout:      srvCfg.RequestTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", listenAddr).Info("mdm platform listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := snapshotSchedule.Stop(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("snapshot scheduler did not stop cleanly")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Fatal("shutdown")
	}
}

func determineAddr(flagAddr string, cfg config.ServerConfig) string {
	if flagAddr != "" {
		return flagAddr
	}
	if cfg.Port != "" {
		return ":" + cfg.Port
	}
	return ":8080"
}

func resolveDSN(flagDSN string, cfg config.DatabaseConfig) string {
	if flagDSN != "" {
		return flagDSN
	}
	if envDSN := os.Getenv("DATABASE_URL"); envDSN != "" {
		return envDSN
	}
	return cfg.DSN()
}
