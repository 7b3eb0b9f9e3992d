/*
Notifq - multi-channel notification delivery queue.
Copyright © 2023-2024 Max Mazurov <fox.cpp@disroot.org>, Notifq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/foxcpp/notifq"
	"github.com/foxcpp/notifq/framework/hooks"
	"github.com/foxcpp/notifq/framework/log"
	"github.com/foxcpp/notifq/internal/processor"
	"github.com/foxcpp/notifq/internal/ratelimit"
	"github.com/foxcpp/notifq/internal/storage/sqlite"
	"github.com/foxcpp/notifq/notify"
)

func main() {
	app := &cli.App{
		Name:    "notifqd",
		Usage:   "notifq delivery queue daemon",
		Version: buildInfo(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the SQLite queue database; empty uses the in-memory store",
				EnvVars: []string{"NOTIFQ_DB"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				EnvVars: []string{"NOTIFQ_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the delivery loop with console handlers bound to all channels",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Maximum concurrent deliveries",
						Value: 4,
					},
					&cli.DurationFlag{
						Name:  "poll-interval",
						Usage: "Queue poll interval",
						Value: 1 * time.Second,
					},
					&cli.IntFlag{
						Name:  "max-attempts",
						Usage: "Default delivery attempt budget",
						Value: 3,
					},
					&cli.Float64Flag{
						Name:  "global-rate",
						Usage: "Global deliveries per second limit, 0 disables rate limiting",
					},
					&cli.StringFlag{
						Name:  "metrics",
						Usage: "Address to expose Prometheus metrics on, e.g. 127.0.0.1:9749; empty disables",
					},
				},
				Action: run,
			},
			{
				Name:   "stats",
				Usage:  "Print aggregate queue statistics from the database",
				Action: stats,
			},
			{
				Name:  "clear",
				Usage: "Remove queue items from the database",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "status",
						Usage: "Remove only items with this status (repeatable); empty removes everything",
					},
				},
				Action: clear,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func rootLogger(ctx *cli.Context) log.Logger {
	return log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Name:  "notifqd",
		Debug: ctx.Bool("debug"),
	}
}

func openStorage(ctx *cli.Context) (notify.Storage, error) {
	path := ctx.String("db")
	if path == "" {
		return nil, nil // facade default, in-memory
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func run(ctx *cli.Context) error {
	logger := rootLogger(ctx)

	store, err := openStorage(ctx)
	if err != nil {
		return err
	}

	cfg := notifq.Config{
		Storage: store,
		Processor: processor.Config{
			Concurrency:       ctx.Int("concurrency"),
			PollInterval:      ctx.Duration("poll-interval"),
			MaxAttempts:       ctx.Int("max-attempts"),
			DeadLetterEnabled: true,
		},
		Log: logger,
	}
	if rate := ctx.Float64("global-rate"); rate > 0 {
		cfg.RateLimit = ratelimit.Config{
			Enabled: true,
			Limits: map[ratelimit.Scope]ratelimit.Limit{
				ratelimit.ScopeGlobal: {
					MaxTokens:       rate,
					RefillPerSecond: rate,
				},
			},
		}
	}

	q := notifq.New(cfg)
	for _, ch := range notify.Channels() {
		handlerLog := logger
		handlerLog.Name = "notifqd/" + string(ch)
		q.RegisterHandler(ch, &consoleHandler{log: handlerLog})
	}

	if addr := ctx.String("metrics"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", err)
			}
		}()
		hooks.AddHook(hooks.EventShutdown, func() {
			srv.Close()
		})
		logger.Printf("serving metrics on %s", addr)
	}

	if err := q.Start(); err != nil {
		return err
	}
	logger.Printf("delivery loop started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Printf("signal received (%v), shutting down", s)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Close(stopCtx); err != nil {
		return err
	}
	hooks.RunHooks(hooks.EventShutdown)
	return nil
}

func stats(ctx *cli.Context) error {
	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return cli.Exit("stats requires --db", 1)
	}
	defer store.Close()

	stats, err := store.Stats(ctx.Context)
	if err != nil {
		return err
	}

	fmt.Println("total:", stats.Total)
	fmt.Println("queue depth:", stats.QueueDepth)
	fmt.Printf("success rate: %.2f\n", stats.SuccessRate)
	for _, status := range []notify.Status{
		notify.StatusPending, notify.StatusProcessing, notify.StatusSent,
		notify.StatusFailed, notify.StatusDeadLetter,
	} {
		if count := stats.ByStatus[status]; count != 0 {
			fmt.Printf("  %s: %d\n", status, count)
		}
	}
	for _, ch := range notify.Channels() {
		if count := stats.ByChannel[ch]; count != 0 {
			fmt.Printf("  %s: %d\n", ch, count)
		}
	}
	return nil
}

func clear(ctx *cli.Context) error {
	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return cli.Exit("clear requires --db", 1)
	}
	defer store.Close()

	var filter *notify.Filter
	if statuses := ctx.StringSlice("status"); len(statuses) != 0 {
		filter = &notify.Filter{}
		for _, s := range statuses {
			filter.Status = append(filter.Status, notify.Status(s))
		}
	}

	removed, err := store.Clear(ctx.Context, filter)
	if err != nil {
		return err
	}
	fmt.Println("removed", removed, "items")
	return nil
}
