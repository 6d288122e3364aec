// Package main is the psuctrl command: it drives a programmable bench power
// supply through staged experiments and stores every sample as CSV.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/anodize-io/psuctrl/config"
	"github.com/anodize-io/psuctrl/data"
	"github.com/anodize-io/psuctrl/experiment"
	"github.com/anodize-io/psuctrl/modbus"
	"github.com/anodize-io/psuctrl/powersupply"
	"github.com/anodize-io/psuctrl/serial"
)

func main() {
	app := &cli.App{
		Name:            "psuctrl",
		Usage:           "drive a programmable power supply through staged experiments",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "ports",
				Usage:  "list candidate serial ports on this machine",
				Action: portsAction,
			},
			{
				Name:  "run",
				Usage: "run the experiment described by a config file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Required: true,
						Usage:    "load configuration from `FILE`",
					},
				},
				Action: runAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) golog.Logger {
	if c.Bool("debug") {
		return golog.NewDebugLogger("psuctrl")
	}
	return golog.NewDevelopmentLogger("psuctrl")
}

func portsAction(c *cli.Context) error {
	ports, err := serial.Search()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(c.App.Writer, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(c.App.Writer, p)
	}
	return nil
}

func runAction(c *cli.Context) error {
	logger := newLogger(c)
	cfg, err := config.Read(c.String("config"))
	if err != nil {
		return err
	}

	opts := serial.DefaultOptions()
	opts.BaudRate = cfg.BaudRate
	port, err := serial.Open(cfg.SerialPath, opts)
	if err != nil {
		return err
	}

	client, err := modbus.NewClient(port, cfg.Modbus, clock.New(), logger)
	if err != nil {
		goutils.UncheckedError(port.Close())
		return err
	}
	defer goutils.UncheckedErrorFunc(client.Close)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	supply, err := powersupply.New(client, cfg.Supply, logger)
	if err != nil {
		return err
	}
	if err := supply.Connect(ctx); err != nil {
		return err
	}

	dist := data.NewDistributor(logger)
	expCfg := cfg.Experiment.ToConfig()
	queueDepth := int(time.Minute / expCfg.Interval)
	if queueDepth < 16 {
		queueDepth = 16
	}
	storageQ, err := dist.Subscribe("storage", queueDepth)
	if err != nil {
		return err
	}

	outPath := cfg.Output
	if outPath == "" {
		outPath = fmt.Sprintf("experiment_%s.csv", time.Now().Format("20060102_150405"))
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	writer, err := data.NewCSVWriter(out, logger)
	if err != nil {
		goutils.UncheckedError(out.Close())
		return err
	}

	storageCtx, stopStorage := context.WithCancel(context.Background())
	defer stopStorage()
	var storageWorkers sync.WaitGroup
	storageWorkers.Add(1)
	goutils.ManagedGo(func() {
		if err := writer.Drain(storageCtx, storageQ, expCfg.Interval); err != nil {
			logger.Errorw("storage consumer failed", "error", err)
		}
	}, storageWorkers.Done)

	ctl := experiment.NewController(supply, dist, clock.New(), logger)
	if err := ctl.Start(ctx, expCfg); err != nil {
		return err
	}
	logger.Infow("experiment running", "output", outPath)

	for ctl.State() == experiment.StateRunning {
		if !goutils.SelectContextOrWait(ctx, expCfg.Interval) {
			break
		}
	}
	if err := ctl.Stop(ctx); err != nil {
		return err
	}

	stopStorage()
	storageWorkers.Wait()
	if err := writer.Close(); err != nil {
		return err
	}

	if reason := ctl.FaultReason(); reason != nil {
		return reason
	}
	logger.Infow("experiment finished", "state", ctl.State().String(), "samples_stored", outPath)
	return nil
}
