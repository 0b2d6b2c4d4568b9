package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/sandia-minimega/busd/internal/bus"
	"github.com/sandia-minimega/busd/internal/loop"
	"github.com/sandia-minimega/busd/internal/minilog"
	"github.com/sandia-minimega/busd/internal/oom"
	"github.com/sandia-minimega/busd/internal/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "busd"
	app.Usage = "a typed local message bus broker"
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name:  "listen",
			Usage: "network:address endpoint to accept connections on (e.g. tcp:127.0.0.1:6667 or unix:/var/run/busd.sock); may be repeated",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "path to a JSON policy config file",
		},
		cli.StringFlag{
			Name:  "level",
			Value: "warn",
			Usage: "set log level: [debug, info, warn, error, fatal]",
		},
		cli.DurationFlag{
			Name:  "oom-interval",
			Value: loop.DefaultOOMInterval,
			Usage: "back-off interval applied to a watch or connection after an out-of-memory result",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	*minilog.LevelFlag = c.String("level")
	minilog.Init()

	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	ctx := bus.NewContext(newConfigPolicy(cfg), nil, oom.NewProcMeminfoChecker(0))
	l := loop.New(c.Duration("oom-interval"), nil)
	srv := server.New(ctx, l)

	endpoints := c.StringSlice("listen")
	if len(endpoints) == 0 {
		endpoints = []string{"tcp:127.0.0.1:6667"}
	}
	for _, ep := range endpoints {
		if err := srv.Listen(ep); err != nil {
			return err
		}
	}
	srv.RetryOOMInterval(c.Duration("oom-interval"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		minilog.Info("caught signal %v, shutting down", s)
		l.Quit()
	}()

	minilog.Info("busd running")
	l.Run()
	return nil
}
