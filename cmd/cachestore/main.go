package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/health"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/store"
	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

func main() {
	app := &cli.App{
		Name:    "cachestore",
		Usage:   "In-memory LRU cache store speaking RESP",
		Version: health.GetBuildInfo().String(),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the cache store",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "path to the YAML configuration",
						EnvVars: []string{"CACHESTORE_CONFIG", "KVSERVER_CONFIG"},
					},
					&cli.IntFlag{Name: "port", Usage: "override store.port"},
				},
				Action: serve,
			},
			{
				Name:  "check-aof",
				Usage: "Verify an append only file, optionally cutting a torn tail",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true},
					&cli.BoolFlag{Name: "fix", Usage: "truncate at the last complete command"},
				},
				Action: checkAOF,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, _, err := config.NewLoader().LoadFromFile(ctx, c.String("config"))
	if err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Store.Port = port
	}

	l, err := logger.NewDefaultLogger(cfg.Logger, cfg.Mode)
	if err != nil {
		return err
	}

	db, err := store.OpenDB(ctx, cfg.Store, l)
	if err != nil {
		l.ErrorWithErrStack("Failed to open cache store", err)
		return cli.Exit(err.Error(), 1)
	}

	if err := db.Start(); err != nil {
		_ = db.Close()
		return err
	}

	server := store.NewServer(ctx, db, cfg.Store, l)
	if err := server.Start(); err != nil {
		_ = db.Stop()
		return err
	}

	<-ctx.Done()
	l.Info("Shutdown signal received")

	if err := server.Stop(); err != nil && !errors.Is(err, types.ErrServerNotRunning) {
		l.Warn("Cache store server stop failed", zap.Error(err))
	}
	if err := db.Stop(); err != nil && !errors.Is(err, types.ErrServerNotRunning) {
		l.ErrorWithErrStack("Cache store stop failed", err)
		return err
	}

	return nil
}

func checkAOF(c *cli.Context) error {
	path := c.String("file")

	info, err := os.Stat(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	aof, err := store.OpenAOF(store.AOFConfig{Path: path, LoadTruncated: c.Bool("fix")}, logger.NewNop())
	if err != nil {
		return err
	}
	defer aof.Close()

	commands, err := aof.Replay(func([][]byte) error { return nil })
	if err != nil {
		if errors.Is(err, types.ErrAOFCorrupted) {
			return cli.Exit(fmt.Sprintf("%s: %v (rerun with --fix to truncate)", path, err), 1)
		}
		return err
	}

	size := uint64(info.Size())
	if c.Bool("fix") && uint64(aof.Size()) < size {
		fmt.Fprintf(c.App.Writer, "%s: truncated to %s, %d commands kept\n",
			path, utils.FormatSize(uint64(aof.Size())), commands)
		return nil
	}

	fmt.Fprintf(c.App.Writer, "%s: ok, %d commands, %s\n", path, commands, utils.FormatSize(size))
	return nil
}
