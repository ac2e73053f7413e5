package main

import (
	"fmt"
	"os"

	"github.com/isqad/livemeet-sfu/internal/bot"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:        "livemeet-bot",
		Usage:       "Headless signaling client for smoke checks",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Value: "localhost:3001",
				Usage: "main host of server",
			},
		},
		Action: startBot,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func startBot(c *cli.Context) error {
	return bot.New(c.String("host")).Start()
}
