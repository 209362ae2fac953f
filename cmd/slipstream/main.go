package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ironbelly/slipstream/internal/config"
	"github.com/ironbelly/slipstream/internal/slipstream"
	"github.com/ironbelly/slipstream/internal/staging"
	"github.com/ironbelly/slipstream/pkg/executor"
	"github.com/ironbelly/slipstream/pkg/executor/dism"
	"github.com/ironbelly/slipstream/pkg/logger"
	"github.com/ironbelly/slipstream/pkg/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.TelemetryEnabled {
		tel, err := telemetry.Initialize("slipstream")
		if err != nil {
			log.Error("failed to initialize telemetry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	app := &cli.App{
		Name:                 "slipstream",
		Usage:                "Rebuild Windows installation media with injected drivers",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "build",
				Usage: "Build a driver-injected copy of an installation ISO",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "iso",
						Aliases:  []string{"i"},
						Usage:    "Source installation ISO",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "drivers",
						Aliases:  []string{"d"},
						Usage:    "Directory of driver packages, searched recursively",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "output",
						Aliases:  []string{"o"},
						Usage:    "Output ISO path",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "scratch",
						Usage: "Scratch directory; must not exist yet (default: fresh directory under the system temp dir)",
					},
					&cli.StringFlag{
						Name:  "label",
						Usage: "Volume label for the output image",
					},
				},
				Action: func(cliCtx *cli.Context) error {
					builder := slipstream.NewBuilder(
						cfg,
						executor.NewLocal(log),
						staging.NewDiskfsExtractor(log),
						log,
					)
					return builder.Build(ctx, slipstream.Request{
						ISOPath:     cliCtx.String("iso"),
						DriverDir:   cliCtx.String("drivers"),
						OutputPath:  cliCtx.String("output"),
						ScratchDir:  cliCtx.String("scratch"),
						VolumeLabel: cliCtx.String("label"),
					})
				},
			},
			{
				Name:      "inspect",
				Usage:     "List the images contained in a WIM file",
				ArgsUsage: "<wim-file>",
				Action: func(cliCtx *cli.Context) error {
					wimFile := cliCtx.Args().First()
					if wimFile == "" {
						return errors.New("empty path to WIM file")
					}

					client := dism.NewClient(executor.NewLocal(log), cfg.DismPath)
					images, err := client.ImageInfo(ctx, wimFile)
					if err != nil {
						return err
					}

					output, err := json.MarshalIndent(images, "", "  ")
					if err != nil {
						return fmt.Errorf("unable to marshal image info: %w", err)
					}

					fmt.Println(string(output))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
