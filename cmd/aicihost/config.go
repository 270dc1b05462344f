package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/reglet-dev/aici-sdk/go/config"
)

func configCmd() *cli.Command {
	var path string

	return &cli.Command{
		Name:  "config",
		Usage: "Work with the aicihost config file",
		Commands: []*cli.Command{
			{
				Name:  "schema",
				Usage: "Print the JSON schema of the config file",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					data, err := config.Schema()
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.Root().Writer, string(data))
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check a config file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "aicihost.yaml", Destination: &path},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if _, err := config.Load(path); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.Root().Writer, "%s: ok\n", path)
					return nil
				},
			},
		},
	}
}
