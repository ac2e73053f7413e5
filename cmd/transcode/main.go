package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livemeet-sfu/internal/transcode"
)

func main() {
	app := &cli.App{
		Name:        "livemeet-transcode",
		Usage:       "Operator tooling for the egress transcoder",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "natsAddr",
				Value: nats.DefaultURL,
				Usage: "Address to connect to NATS server",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "watch",
				Usage:  "print bridge lifecycle events as they happen",
				Action: watch,
			},
			{
				Name:   "restart",
				Usage:  "restart a crashed transcoder",
				Action: restart,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func watch(c *cli.Context) error {
	nc, err := nats.Connect(c.String("natsAddr"))
	if err != nil {
		return err
	}
	defer nc.Drain()

	sub, err := nc.Subscribe(transcode.LifecycleSubject, func(msg *nats.Msg) {
		message := transcode.Message{}
		if err := json.Unmarshal(msg.Data, &message); err != nil {
			log.Error().Err(err).Msg("can't decode lifecycle message")
			return
		}

		event := log.Info().Str("state", string(message.State))
		if message.ExitCode != nil {
			event = event.Int("exitCode", *message.ExitCode)
		}
		if message.RecordingID != "" {
			event = event.Str("recordingID", message.RecordingID)
		}
		event.Msg("bridge")
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	return nil
}

func restart(c *cli.Context) error {
	nc, err := nats.Connect(c.String("natsAddr"))
	if err != nil {
		return err
	}
	defer nc.Drain()

	command, err := json.Marshal(transcode.Command{Action: transcode.RestartAction})
	if err != nil {
		return err
	}
	if err := nc.Publish(transcode.ControlSubject, command); err != nil {
		return err
	}
	if err := nc.Flush(); err != nil {
		return err
	}

	log.Info().Msg("restart requested")

	return nil
}
