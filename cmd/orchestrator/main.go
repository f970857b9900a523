package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-dev/workspace-node/internal/driver"
	"github.com/atelier-dev/workspace-node/internal/driver/dockercli"
	"github.com/atelier-dev/workspace-node/internal/driver/mockdriver"
	"github.com/atelier-dev/workspace-node/internal/events"
	"github.com/atelier-dev/workspace-node/internal/metrics"
	"github.com/atelier-dev/workspace-node/internal/opsserver"
	"github.com/atelier-dev/workspace-node/internal/orchestrator"
	"github.com/atelier-dev/workspace-node/internal/pool"
	"github.com/atelier-dev/workspace-node/internal/reaper"
	"github.com/atelier-dev/workspace-node/internal/sessionstore/inmemory"
	"github.com/atelier-dev/workspace-node/internal/sessionstore/postgres"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	NodeID      string `envconfig:"WS_NODE_ID"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL"`

	// SessionStore selects the durable store backend: postgres | inmemory
	SessionStore     string `envconfig:"SESSION_STORE,default=postgres"`
	DatabaseHost     string `envconfig:"DATABASE_HOST,optional"`
	DatabaseUser     string `envconfig:"DATABASE_USER,optional"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD,optional"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT,optional"`

	// Driver selects the compute backend: docker | mock
	Driver        string `envconfig:"COMPUTE_DRIVER,default=docker"`
	UnitImage     string `envconfig:"UNIT_IMAGE"`
	UnitEnv       string `envconfig:"UNIT_ENV,optional"`
	UnitAgentPort uint16 `envconfig:"UNIT_AGENT_PORT,default=7070"`

	EventsEnabled bool          `envconfig:"EVENTS_ENABLED,default=false"`
	QueueAddr     string        `envconfig:"QUEUE_ADDR,optional"`
	QueueTopic    string        `envconfig:"QUEUE_UNIT_EVENTS_TOPIC,optional"`
	EventsBuffer  int           `envconfig:"EVENTS_BUFFER,default=1024"`
	ResendEvents  time.Duration `envconfig:"EVENTS_RESEND_INTERVAL,default=30s"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`

	OpsServerAddr string `envconfig:"OPS_SERVER_ADDR,default=0.0.0.0:8080"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	log.Warn().Msgf("running workspace node %s", appCfg.NodeID)

	poolCfg := pool.Config{}
	if err := envconfig.Init(&poolCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read pool config")
	}
	orchCfg := orchestrator.Config{}
	if err := envconfig.Init(&orchCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read orchestrator config")
	}
	reaperCfg := reaper.Config{}
	if err := envconfig.Init(&reaperCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read reaper config")
	}

	var sessions orchestrator.SessionRepository
	switch appCfg.SessionStore {
	case "inmemory":
		sessions = inmemory.New()
	default:
		repo, err := postgres.NewRepo(
			ctx,
			appCfg.DatabaseUser,
			appCfg.DatabasePassword,
			appCfg.DatabaseHost,
			appCfg.DatabasePort,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init postgres session repository")
		}
		sessions = repo
	}

	var drv driver.Driver
	switch appCfg.Driver {
	case "mock":
		drv = mockdriver.New()
	default:
		driverCfg := dockercli.Config{}
		if err := envconfig.Init(&driverCfg); err != nil {
			log.Fatal().Err(err).Msg("failed to read driver config")
		}
		drv = dockercli.New(driverCfg)
	}

	mtr := metrics.NewNop()
	if appCfg.StatsdAddr != "" {
		mtr = metrics.NewStatsd(appCfg.NodeID, appCfg.StatsdAddr)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	var notifier *events.Notifier
	if appCfg.EventsEnabled {
		notifier = events.NewNotifier(appCfg.EventsBuffer)
		sink := events.NewKafkaSink(appCfg.QueueAddr, appCfg.QueueTopic)
		publisher := events.NewPublisher(notifier.GetEventChan(), sink, appCfg.ResendEvents)
		group.Go(func() error {
			return publisher.Run(groupCtx)
		})
	}

	spec := driver.CreateSpec{
		Image:     appCfg.UnitImage,
		AgentPort: appCfg.UnitAgentPort,
		Labels: map[string]string{
			"workspace-node.owner": appCfg.NodeID,
		},
	}
	if appCfg.UnitEnv != "" {
		spec.Env = strings.Split(appCfg.UnitEnv, ",")
	}

	var poolNotifier pool.Notifier
	var orchNotifier orchestrator.Notifier
	if notifier != nil {
		poolNotifier = notifier
		orchNotifier = notifier
	}

	units := pool.NewManager(poolCfg, drv, spec, poolNotifier, mtr)
	workspaces := orchestrator.New(orchCfg, units, sessions, drv, nil, orchNotifier)

	if err := workspaces.Reconcile(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to reconcile sessions against the backend")
	}

	group.Go(func() error {
		return units.RunReplenisher(groupCtx)
	})
	group.Go(func() error {
		return units.RunDestroyer(groupCtx)
	})
	group.Go(func() error {
		return reaper.New(reaperCfg, workspaces).Run(groupCtx)
	})

	srv := http.Server{
		Handler: opsserver.New(workspaces).Routes(),
		Addr:    appCfg.OpsServerAddr,
	}
	group.Go(func() error {
		log.Info().Msgf("ops server listening on %s", appCfg.OpsServerAddr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if notifier != nil {
		notifier.Close()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("workspace node exited with error")
	}
	log.Info().Msg("workspace node stopped")
}
