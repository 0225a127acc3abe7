package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "edapipeline",
		Usage: "Distribute image upload events to batch consumers",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the bridge, queues and consumers",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "validate",
				Usage:  "Validate a topology file and print the resolved layout",
				Flags:  []cli.Flag{topologyFlag()},
				Action: validate,
			},
			{
				Name:   "publish",
				Usage:  "Send an object-created notification to a running pipeline",
				Flags:  publishFlags(),
				Action: publish,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
