package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/geofmureithi/broker/internal/bus"
	"github.com/geofmureithi/broker/internal/clock"
	"github.com/geofmureithi/broker/internal/handlers"
	"github.com/geofmureithi/broker/internal/projection"
	"github.com/geofmureithi/broker/internal/scheduler"
	"github.com/geofmureithi/broker/internal/store"
	"github.com/geofmureithi/broker/pkg/config"
	"github.com/geofmureithi/broker/pkg/logging"
	"github.com/geofmureithi/broker/pkg/monitoring"
	"github.com/geofmureithi/broker/pkg/server"
	"github.com/geofmureithi/broker/pkg/version"
)

func main() {
	app := &cli.App{
		Name:    "broker",
		Usage:   "multi-tenant time-scheduled event broker",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: 8080, Usage: "listen port", EnvVars: []string{"PORT"}},
			&cli.Int64Flag{Name: "expiry", Value: 3600, Usage: "token lifetime in seconds", EnvVars: []string{"JWT_EXPIRY"}},
			&cli.StringFlag{Name: "origin", Value: "http://localhost:3000", Usage: "CORS allow-origin, * allows any", EnvVars: []string{"CORS_ORIGIN"}},
			&cli.StringFlag{Name: "secret", Value: "secret", Usage: "token signing key", EnvVars: []string{"JWT_SECRET"}},
			&cli.StringFlag{Name: "connection", Value: "http", Usage: "http or https", EnvVars: []string{"CONNECTION"}},
			&cli.StringFlag{Name: "key-path", Value: "./broker.rsa", Usage: "TLS key when https", EnvVars: []string{"TLS_KEY_PATH"}},
			&cli.StringFlag{Name: "cert-path", Value: "./broker.pem", Usage: "TLS cert when https", EnvVars: []string{"TLS_CERT_PATH"}},
			&cli.StringFlag{Name: "save-path", Value: "./tmp/broker_data", Usage: "store directory", EnvVars: []string{"SAVE_PATH"}},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("Broker exited with error")
	}
}

func run(cliCtx *cli.Context) error {
	logger := logging.NewLoggerWithService("broker")
	config.LoadEnv(logger)

	cfg := config.Config{
		Port:       cliCtx.Int("port"),
		Expiry:     cliCtx.Int64("expiry"),
		Origin:     cliCtx.String("origin"),
		Secret:     cliCtx.String("secret"),
		Connection: cliCtx.String("connection"),
		KeyPath:    cliCtx.String("key-path"),
		CertPath:   cliCtx.String("cert-path"),
		SavePath:   cliCtx.String("save-path"),
	}

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting broker")

	st, err := store.Open(cfg.SavePath)
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.New(logger)
	eventBus := bus.New(bus.DefaultCapacity)
	projector := projection.New(st, logger)

	dispatcher := scheduler.New(scheduler.Config{
		Store:  st,
		Clock:  clk,
		Bus:    eventBus,
		Logger: logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Start(ctx)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("broker", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("broker", version.Version, version.GitCommit)

	healthChecker.AddCheck("store", monitoring.StoreHealthCheck(st))
	healthChecker.AddCheck("time_source", monitoring.TimeSourceHealthCheck(clk, 5*time.Minute))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"secret":    cfg.Secret,
		"save-path": cfg.SavePath,
	}))

	handlers.Init(st, clk, eventBus, projector, cfg, logger)

	router := server.SetupServiceRouter(logger, "broker", cfg.Origin, healthChecker, metricsCollector)
	handlers.SetupRoutes(router)

	serverCfg := server.DefaultConfig("broker", strconv.Itoa(cfg.Port))
	if cfg.Connection == "https" {
		serverCfg.TLS = true
		serverCfg.CertPath = cfg.CertPath
		serverCfg.KeyPath = cfg.KeyPath
	}

	err = server.Start(serverCfg, router, logger)

	cancel()
	dispatcher.Stop()
	return err
}
