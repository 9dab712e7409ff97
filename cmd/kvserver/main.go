package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/health"
	"github.com/ddasdkimo/keyvalueserver/service"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML configuration",
		EnvVars: []string{"KVSERVER_CONFIG"},
	}

	preforkChild := &cli.BoolFlag{Name: "prefork-child", Hidden: true}

	app := &cli.App{
		Name:    "kvserver",
		Usage:   "Cache-backed key/value record service",
		Version: health.GetBuildInfo().String(),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP service",
				Flags: []cli.Flag{
					configFlag,
					preforkChild,
				},
				Action: serve,
			},
			{
				Name:  "healthcheck",
				Usage: "Probe a running instance; exits non-zero unless it reports healthy",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "url", Usage: "health endpoint, defaults to the configured port"},
					&cli.DurationFlag{Name: "timeout", Usage: "probe timeout, defaults to health.timeout"},
				},
				Action: healthcheck,
			},
		},
		// The prefork master re-executes itself with -prefork-child appended,
		// with or without an explicit subcommand.
		Flags:          []cli.Flag{preforkChild},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	svc, err := service.NewService(context.Background(), c.String("config"))
	if err != nil {
		return err
	}
	return svc.Start()
}

func healthcheck(c *cli.Context) error {
	cfg, _, err := config.NewLoader().LoadFromFile(c.Context, c.String("config"))
	if err != nil {
		return err
	}

	url := c.String("url")
	if url == "" {
		url = fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.HTTP.Port)
	}

	timeout := c.Duration("timeout")
	if timeout <= 0 {
		timeout = cfg.Health.Timeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	report, err := health.Probe(url, timeout)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	fmt.Fprintf(c.App.Writer, "%s (%d checks)\n", report.Status, report.Summary.Total)
	return nil
}
