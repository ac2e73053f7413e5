package main

import (
	"errors"
	"os"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livemeet-sfu/internal/config"
	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/engine"
	"github.com/isqad/livemeet-sfu/internal/eventbus"
	"github.com/isqad/livemeet-sfu/internal/rtc"
	"github.com/isqad/livemeet-sfu/internal/transcode"
	"github.com/isqad/livemeet-sfu/internal/ws"
)

func main() {
	app := &cli.App{
		Name:        "livemeet-server",
		Usage:       "Conference session control plane",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':80' for listen on 0.0.0.0:80",
				Value: ":3001",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	db, err := sqlx.Connect("pgx", conf.Postgres.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: conf.Redis.Addr,
		DB:   conf.Redis.DB,
	})
	defer rdb.Close()

	nc, err := nats.Connect(conf.Nats.URL)
	if err != nil {
		return err
	}
	defer nc.Drain()

	// mediasoup-go picks the worker binary up from the environment.
	if conf.Engine.WorkerBin != "" {
		os.Setenv("MEDIASOUP_WORKER_BIN", conf.Engine.WorkerBin)
	}

	mediaEngine, err := engine.NewMediasoupEngine(engine.MediasoupOptions{
		WorkerLogLevel: conf.Engine.WorkerLogLevel,
		RtcMinPort:     conf.Engine.RtcMinPort,
		RtcMaxPort:     conf.Engine.RtcMaxPort,
		ListenIP:       conf.Engine.ListenIP,
		AnnouncedIP:    conf.Engine.AnnouncedIP,
	})
	if err != nil {
		return err
	}

	bus := eventbus.RedisPubSub(rdb)

	bridge := transcode.NewBridge(transcode.BridgeOptions{
		Engine:     mediaEngine,
		Runner:     transcode.NewFfmpegRunner(conf.Egress.FfmpegBin, conf.Egress.Capacity),
		Notifier:   transcode.NewNotifier(nc),
		Recordings: core.NewRecordingsRepository(db),
		Plan:       transcode.NewPortPlan(conf.Egress.PortBase),
		Capacity:   conf.Egress.Capacity,
		EgressIP:   conf.Egress.IP,
		OutputDir:  conf.Egress.OutputDir,
		Trigger:    transcode.TriggerPolicy(conf.Egress.Trigger),
	})
	if err := bridge.Provision(); err != nil {
		return err
	}

	control := transcode.NewControlSubscriber(nc)
	if err := control.Listen(bridge); err != nil {
		return err
	}
	defer control.Close()

	room := rtc.NewRoom(rtc.RoomOptions{
		Registry: rtc.NewRegistry(),
		Engine:   mediaEngine,
		Bridge:   bridge,
		RpcSink:  bus,
	})
	room.Start()

	gateway := ws.New(ws.AppOptions{
		Env:        core.Environment(c.String("env")),
		Address:    c.String("address"),
		Room:       room,
		Bridge:     bridge,
		Publisher:  bus,
		Subscriber: bus,
	})

	// On a dead worker nothing media-related can be saved. Tear the session
	// down in order and let the process supervisor restart us.
	var engineFailed atomic.Bool
	mediaEngine.OnFatal(func(fatal error) {
		log.Error().Err(fatal).Msg("media engine failed, tearing the session down")
		engineFailed.Store(true)

		room.Close()
		if err := bridge.Stop(); err != nil {
			log.Error().Err(err).Msg("can't stop the bridge")
		}
		mediaEngine.Close()
		gateway.Stop()
	})

	serveErr := gateway.Start()

	room.Stop()
	room.Close()
	if err := bridge.Stop(); err != nil {
		log.Error().Err(err).Msg("can't stop the bridge")
	}
	mediaEngine.Close()

	if serveErr != nil {
		return serveErr
	}
	if engineFailed.Load() {
		return errors.New("media engine failed")
	}

	return nil
}
