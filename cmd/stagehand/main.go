// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/stagehand"
	"github.com/poiesic/stagehand/api"
	"github.com/poiesic/stagehand/batch"
	"github.com/poiesic/stagehand/config"
	"github.com/poiesic/stagehand/events"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/persist/duckdb"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultServer   = "http://localhost:8080"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	serverFlag := &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Base URL of the stagehand server",
		Value:   defaultServer,
		EnvVars: []string{"STAGEHAND_SERVER"},
	}

	return &cli.App{
		Name:  "stagehand",
		Usage: "Durable multi-stage pipeline orchestration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the engine and its HTTP API",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the YAML configuration file",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Override the configured listen address",
					},
				},
			},
			{
				Name:      "submit",
				Usage:     "Submit a single work item",
				ArgsUsage: "[input]",
				Action:    submitCommand,
				Flags: []cli.Flag{
					serverFlag,
					&cli.StringFlag{
						Name:  "id",
						Usage: "Item ID (generated when empty)",
					},
					&cli.StringFlag{
						Name:    "type",
						Aliases: []string{"t"},
						Usage:   "Item type naming a configured pipeline",
					},
					&cli.StringSliceFlag{
						Name:  "stage",
						Usage: "Explicit stage sequence, repeated in order",
					},
					&cli.StringFlag{
						Name:  "priority",
						Usage: "Queue lane (high, normal, low)",
						Value: "normal",
					},
					&cli.StringFlag{
						Name:    "input-file",
						Aliases: []string{"f"},
						Usage:   "Read the item input from a file instead of the argument",
					},
				},
			},
			{
				Name:   "submit-batch",
				Usage:  "Submit a batch with one item per input line",
				Action: submitBatchCommand,
				Flags: []cli.Flag{
					serverFlag,
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "File with one item input per line (- for stdin)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "type",
						Aliases:  []string{"t"},
						Usage:    "Item type naming a configured pipeline",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "priority",
						Usage: "Queue lane (high, normal, low)",
						Value: "normal",
					},
				},
			},
			{
				Name:      "status",
				Usage:     "Show the state of a work item",
				ArgsUsage: "<item-id>",
				Action:    statusCommand,
				Flags:     []cli.Flag{serverFlag},
			},
			{
				Name:      "progress",
				Usage:     "Show the progress of a batch",
				ArgsUsage: "<batch-id>",
				Action:    progressCommand,
				Flags: []cli.Flag{
					serverFlag,
					&cli.BoolFlag{
						Name:    "watch",
						Aliases: []string{"w"},
						Usage:   "Follow the batch until it completes",
					},
				},
			},
			{
				Name:      "abort",
				Usage:     "Abort a work item, or every item of a batch",
				ArgsUsage: "<id>",
				Action:    abortCommand,
				Flags: []cli.Flag{
					serverFlag,
					&cli.BoolFlag{
						Name:  "batch",
						Usage: "Treat the argument as a batch ID",
					},
				},
			},
			{
				Name:      "restart",
				Usage:     "Restart an aborted or failed work item from its current stage",
				ArgsUsage: "<item-id>",
				Action:    restartCommand,
				Flags:     []cli.Flag{serverFlag},
			},
		},
	}
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Listen = listen
	}

	logger := slog.Default()
	registry, err := cfg.BuildRegistry(&http.Client{}, logger)
	if err != nil {
		return fmt.Errorf("failed to build stage registry: %w", err)
	}

	m := metrics.New()
	opts := []stagehand.EngineOption{
		stagehand.WithConfig(cfg),
		stagehand.WithMetrics(m),
		stagehand.WithLogger(logger),
	}
	if cfg.Sink.DuckDB != "" {
		sink, err := duckdb.Open(ctx, cfg.Sink.DuckDB,
			duckdb.WithMaxPayload(cfg.Sink.MaxPayload),
			duckdb.WithMetrics(m),
			duckdb.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("failed to open sink: %w", err)
		}
		defer sink.Close()
		opts = append(opts, stagehand.WithSink(sink))
	}

	engine, err := stagehand.Open(cfg.StorePath, registry, opts...)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer engine.Close()

	server, err := api.NewServer(engine, api.WithLogger(logger))
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "Store: %s\n", cfg.StorePath)
	fmt.Fprintf(os.Stderr, "Listening on %s\n", cfg.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newClient(c *cli.Context) (*api.Client, error) {
	return api.NewClient(c.String("server"))
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one argument: %s", name)
	}
	return c.Args().First(), nil
}

func submitCommand(c *cli.Context) error {
	if c.String("type") == "" && len(c.StringSlice("stage")) == 0 {
		return fmt.Errorf("either --type or --stage is required")
	}

	var input string
	switch {
	case c.String("input-file") != "":
		data, err := os.ReadFile(c.String("input-file"))
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		input = string(data)
	case c.NArg() == 1:
		input = c.Args().First()
	case c.NArg() > 1:
		return fmt.Errorf("expected at most one input argument")
	}

	client, err := newClient(c)
	if err != nil {
		return err
	}
	id, err := client.SubmitItem(c.Context, api.ItemRequest{
		ItemID:   c.String("id"),
		Type:     c.String("type"),
		Stages:   c.StringSlice("stage"),
		Priority: c.String("priority"),
		Input:    input,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// readLines returns the non-empty lines of r.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func submitBatchCommand(c *cli.Context) error {
	var r io.Reader = os.Stdin
	if path := c.String("file"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		r = f
	}
	lines, err := readLines(r)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	if len(lines) == 0 {
		return fmt.Errorf("input file has no items")
	}

	req := api.BatchRequest{Priority: c.String("priority")}
	for _, line := range lines {
		req.Items = append(req.Items, api.ItemRequest{Type: c.String("type"), Input: line})
	}

	client, err := newClient(c)
	if err != nil {
		return err
	}
	id, err := client.SubmitBatch(c.Context, req)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCommand(c *cli.Context) error {
	id, err := requireArg(c, "item-id")
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	report, err := client.ItemStatus(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func progressCommand(c *cli.Context) error {
	id, err := requireArg(c, "batch-id")
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	progress, err := client.BatchProgress(c.Context, id)
	if err != nil {
		return err
	}
	if !c.Bool("watch") || progress.Complete {
		return printJSON(progress)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := batch.NewProgressTracker(os.Stderr, progress.Total)
	tracker.Start()
	tracker.Update(progress.Terminal)

	err = client.WatchBatch(ctx, id, func(e events.Event) error {
		switch e.Type {
		case events.TypeItemTerminal:
			current, err := client.BatchProgress(ctx, id)
			if err != nil {
				return err
			}
			tracker.Update(current.Terminal)
		case events.TypeBatchComplete:
			tracker.Update(progress.Total)
		}
		return nil
	})
	tracker.Finish()
	if err != nil {
		return err
	}

	final, err := client.BatchProgress(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(final)
}

func abortCommand(c *cli.Context) error {
	id, err := requireArg(c, "id")
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	if c.Bool("batch") {
		n, err := client.AbortBatch(c.Context, id)
		if err != nil {
			return err
		}
		fmt.Printf("aborted %d items\n", n)
		return nil
	}
	return client.AbortItem(c.Context, id)
}

func restartCommand(c *cli.Context) error {
	id, err := requireArg(c, "item-id")
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	return client.RestartItem(c.Context, id)
}

// setupLogger configures the global slog logger based on the log-level flag
func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
