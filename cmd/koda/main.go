package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jamespfennell/koda"
	"github.com/jamespfennell/koda/config"
	"github.com/jamespfennell/koda/feather"
	"github.com/jamespfennell/koda/internal/observability"
	"github.com/jamespfennell/koda/report"
	"github.com/jamespfennell/koda/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	keyFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "operator",
			Aliases:  []string{"o"},
			Usage:    "operator as named by the API, e.g. otraf or sl",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "feed",
			Aliases:  []string{"f"},
			Usage:    "feed: TripUpdates, VehiclePositions or ServiceAlerts",
			Required: true,
		},
	}
	app := &cli.App{
		Name:  "koda",
		Usage: "build and inspect cache units of the KoDa GTFS realtime archive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: config.DefaultPath,
				Usage: "path to the YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides the configured log level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "get the cache unit for one hour, building it if needed",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "date",
						Aliases:  []string{"d"},
						Usage:    "date in the form YYYY-MM-DD",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "hour",
						Usage: "hour of the day, 0 to 23",
					},
					&cli.BoolFlag{
						Name:  "rebuild",
						Usage: "build the unit even if it is already cached",
					},
				}, keyFlags...),
				Action: func(ctx *cli.Context) error {
					env, err := newEnvironment(ctx, nil)
					if err != nil {
						return err
					}
					key, err := parseKey(ctx)
					if err != nil {
						return err
					}
					var t *table.Table
					if ctx.Bool("rebuild") {
						t, err = env.builder.Build(ctx.Context, key)
					} else {
						t, err = env.builder.Get(ctx.Context, key)
					}
					if err != nil {
						return err
					}
					fmt.Printf("%s: %s rows, %s columns\n  %s\n",
						color.CyanString(key.String()),
						color.GreenString("%d", t.NumRows()),
						color.GreenString("%d", t.NumColumns()),
						env.builder.Path(key))
					return nil
				},
			},
			{
				Name:  "range",
				Usage: "build the cache units of a range of dates and hours",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "start",
						Usage:    "first date in the form YYYY-MM-DD",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "end",
						Usage: "last date in the form YYYY-MM-DD; defaults to the start date",
					},
					&cli.IntFlag{
						Name:  "start-hour",
						Value: 0,
					},
					&cli.IntFlag{
						Name:  "end-hour",
						Value: 23,
					},
					&cli.BoolFlag{
						Name:  "skip-existing",
						Value: true,
						Usage: "skip units that are already cached",
					},
					&cli.IntFlag{
						Name:  "retries",
						Value: 2,
						Usage: "additional attempts for units that fail with a transient error",
					},
					&cli.DurationFlag{
						Name:  "backoff",
						Value: 10 * time.Second,
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "if set, serve Prometheus metrics on this address, e.g. :9090",
					},
				}, keyFlags...),
				Action: runRange,
			},
			{
				Name:      "decode",
				Usage:     "decode a GTFS realtime message and print the unpacked table",
				ArgsUsage: "path",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "rows",
						Aliases: []string{"n"},
						Value:   10,
						Usage:   "number of rows to print",
					},
				},
				Action: func(ctx *cli.Context) error {
					if ctx.Args().Len() == 0 {
						return fmt.Errorf("a path to the GTFS realtime message was not provided")
					}
					path := ctx.Args().First()
					b, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("failed to read file %s: %w", path, err)
					}
					t, err := koda.Decode(b)
					if err != nil {
						return err
					}
					t, drift := koda.Unpack(t)
					for _, w := range drift {
						fmt.Println(color.YellowString("warning:"), w.Error())
					}
					fmt.Print(formatTable(t, ctx.Int("rows")))
					return nil
				},
			},
			{
				Name:      "inspect",
				Usage:     "summarize a cache unit file",
				ArgsUsage: "path",
				Action: func(ctx *cli.Context) error {
					if ctx.Args().Len() == 0 {
						return fmt.Errorf("a path to the cache unit was not provided")
					}
					path := ctx.Args().First()
					t, err := feather.ReadFile(path)
					if err != nil {
						return fmt.Errorf("failed to read cache unit %s: %w", path, err)
					}
					fmt.Print(formatSummary(t))
					return nil
				},
			},
			{
				Name:      "export",
				Usage:     "append cache units to a zipped CSV file",
				ArgsUsage: "unit.feather...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "zip",
						Value: report.DefaultZipName,
					},
					&cli.StringFlag{
						Name:  "csv",
						Value: report.DefaultCSVName,
						Usage: "name of the CSV file inside the zip archive",
					},
				},
				Action: func(ctx *cli.Context) error {
					if ctx.Args().Len() == 0 {
						return fmt.Errorf("no cache units provided")
					}
					var tables []*table.Table
					for _, path := range ctx.Args().Slice() {
						t, err := feather.ReadFile(path)
						if err != nil {
							return fmt.Errorf("failed to read cache unit %s: %w", path, err)
						}
						tables = append(tables, t)
					}
					merged, err := report.AppendToZip(ctx.String("zip"), ctx.String("csv"), tables...)
					if err != nil {
						return err
					}
					fmt.Printf("wrote %s rows to %s\n", color.GreenString("%d", merged.NumRows()), ctx.String("zip"))
					return nil
				},
			},
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Println(color.RedString("Error:"), err)
		stop()
		os.Exit(1)
	}
}

type environment struct {
	config  *config.Config
	logger  *slog.Logger
	builder *koda.Builder
}

func newEnvironment(ctx *cli.Context, reg prometheus.Registerer) (*environment, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if level := ctx.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	logger := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if cfg.APIVersion() == 1 {
		logger.Warn("no API key configured, using the legacy v1 API", "config", ctx.String("config"))
	}
	fetcher := koda.NewFetcher(koda.FetcherOptions{
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		Client:       &http.Client{Timeout: cfg.Timeout},
		Decompressor: cfg.Decompressor,
		ReleaseDelay: cfg.ReleaseDelay,
		Logger:       logger,
	})
	builder, err := koda.NewBuilder(koda.BuilderOptions{
		CacheDir:    cfg.CacheDir,
		Fetcher:     fetcher,
		Parallelism: cfg.NCPU,
		Logger:      logger,
		Metrics:     observability.NewMetrics(reg),
	})
	if err != nil {
		return nil, err
	}
	return &environment{config: cfg, logger: logger, builder: builder}, nil
}

func parseKey(ctx *cli.Context) (koda.CacheKey, error) {
	feed, err := koda.ParseFeed(ctx.String("feed"))
	if err != nil {
		return koda.CacheKey{}, err
	}
	date, err := koda.ParseDate(ctx.String("date"))
	if err != nil {
		return koda.CacheKey{}, err
	}
	key := koda.CacheKey{
		Operator: ctx.String("operator"),
		Feed:     feed,
		Date:     date,
		Hour:     ctx.Int("hour"),
	}
	return key, key.Validate()
}

func runRange(ctx *cli.Context) error {
	reg := prometheus.NewRegistry()
	env, err := newEnvironment(ctx, reg)
	if err != nil {
		return err
	}
	if addr := ctx.String("metrics-addr"); addr != "" {
		server := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.logger.Error("metrics server failed", "addr", addr, "error", err)
			}
		}()
		defer server.Close()
	}
	feed, err := koda.ParseFeed(ctx.String("feed"))
	if err != nil {
		return err
	}
	start, err := koda.ParseDate(ctx.String("start"))
	if err != nil {
		return err
	}
	end := start
	if s := ctx.String("end"); s != "" {
		if end, err = koda.ParseDate(s); err != nil {
			return err
		}
	}
	var built, skipped, failed int
	err = koda.BuildRange(ctx.Context, env.builder, koda.RangeOptions{
		Operator:     ctx.String("operator"),
		Feed:         feed,
		StartDate:    start,
		EndDate:      end,
		StartHour:    ctx.Int("start-hour"),
		EndHour:      ctx.Int("end-hour"),
		SkipExisting: ctx.Bool("skip-existing"),
		Retries:      ctx.Int("retries"),
		Backoff:      ctx.Duration("backoff"),
		OnUnit: func(key koda.CacheKey, skip bool, err error) {
			switch {
			case skip:
				skipped++
			case err != nil:
				failed++
				fmt.Printf("%s %s\n", color.RedString("failed "), key)
			default:
				built++
				fmt.Printf("%s %s\n", color.GreenString("built  "), key)
			}
		},
	})
	fmt.Printf("%d built, %d skipped, %d failed\n", built, skipped, failed)
	return err
}

func formatTable(t *table.Table, maxRows int) string {
	var b strings.Builder
	hc := color.New(color.FgCyan)
	fmt.Fprintf(&b, "%d rows, %d columns\n", t.NumRows(), t.NumColumns())
	for i := 0; i < t.NumRows() && i < maxRows; i++ {
		fmt.Fprintf(&b, "- row %d\n", i)
		for j, c := range t.Columns() {
			v := t.Row(i)[j]
			if v == nil {
				continue
			}
			fmt.Fprintf(&b, "    %s %v\n", hc.Sprint(c), v)
		}
	}
	if t.NumRows() > maxRows {
		fmt.Fprintf(&b, "... %d more rows (show with -n)\n", t.NumRows()-maxRows)
	}
	return b.String()
}

func formatSummary(t *table.Table) string {
	var b strings.Builder
	hc := color.New(color.FgCyan)
	vc := color.New(color.FgGreen)
	fmt.Fprintf(&b, "%d rows, %d columns\n", t.NumRows(), t.NumColumns())
	columns := append([]string(nil), t.Columns()...)
	sort.Strings(columns)
	for _, c := range columns {
		populated := 0
		distinct := map[string]bool{}
		for _, v := range t.Column(c) {
			if v == nil {
				continue
			}
			populated++
			if len(distinct) <= 1000 {
				distinct[fmt.Sprint(v)] = true
			}
		}
		fmt.Fprintf(&b, "  %s  populated %s  distinct %s\n", hc.Sprintf("%-32s", c), vc.Sprint(populated), vc.Sprint(distinctCount(len(distinct))))
	}
	return b.String()
}

func distinctCount(n int) string {
	if n > 1000 {
		return ">1000"
	}
	return fmt.Sprint(n)
}
