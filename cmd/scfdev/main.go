package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/samcharles93/scfdev/internal/logger"
	"github.com/samcharles93/scfdev/internal/offload"
	"github.com/urfave/cli/v3"
)

// fileConfig holds the loaded config file for subcommand-local flags.
var fileConfig Config

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "scfdev",
		Usage: "Device-resident J/K offload for SCF and CASSCF",
		Flags: append(loggingFlags(), deviceFlags()...),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, err
			}
			applyConfig(cmd, cfg)
			fileConfig = cfg
			if debug {
				logLevel = "debug"
			}
			log, err := logger.Setup(errWriter(cmd), logFormat, logLevel)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			devicesCmd(),
			verifyCmd(),
			benchCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// openFacade opens the devices selected by the global flags.
func openFacade(ctx context.Context) (*offload.Facade, error) {
	cfg, err := facadeConfig()
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 2)
	}
	f, err := offload.New(ctx, cfg, logger.FromContext(ctx))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: open devices: %v", err), 1)
	}
	return f, nil
}
