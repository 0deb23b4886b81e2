package main // Entry point package

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "academy",
		Usage: "class marketplace API: catalogue, cart, checkout and enrollment",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "migrate",
						Value: true,
						Usage: "Apply pending migrations before serving",
					},
					&cli.BoolFlag{
						Name:  "consume",
						Usage: "Also run the checkout event consumer in this process",
					},
					&cli.DurationFlag{
						Name:  "shutdown-timeout",
						Value: defaultShutdownTimeout,
						Usage: "Grace period for in-flight requests on shutdown",
					},
				},
				Action: serveCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending database migrations and exit",
				Action: migrateCommand,
			},
			{
				Name:   "consume",
				Usage:  "Append checkout events from the broker to the enrollment log",
				Action: consumeCommand,
			},
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
