package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"calmat/internal/cache"
	"calmat/internal/config"
	"calmat/internal/ics"
	appLog "calmat/internal/log"
	"calmat/internal/metrics"
	"calmat/internal/model"
	"calmat/internal/refresh"
	"calmat/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	file       string
	url        string
	list       string
	start      string
	end        string
	days       int
	strict     bool
	sort       bool
	tz         string
	apple      bool
	logLevel   string
	noColor    bool
}

// adHoc reports whether the command materializes explicit sources instead
// of running the service.
func (f flagConfig) adHoc() bool {
	return f.file != "" || f.url != "" || f.list != ""
}

func main() {
	flags := parseFlags()
	os.Exit(run(flags))
}

func run(flags flagConfig) int {
	appLog.Setup(appLog.Options{Level: appLog.ParseLevel(flags.logLevel), NoColor: flags.noColor})

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if flags.adHoc() {
		if err := runAdHoc(ctx, flags, os.Stdout); err != nil {
			appLog.Error("materialize failed", err)
			return 1
		}
		return 0
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel == "" {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		return 1
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"strict", conf.Strict,
		"refresh", conf.RefreshCron,
		"default_span_days", conf.DefaultSpanDays,
		"backfill_days", conf.BackfillDays,
		"sources", len(conf.Sources),
		"once", flags.once,
	)

	m := metrics.NewMetrics(nil)
	fetcher := ics.NewFetcher(conf.CacheDir).WithObserver(m.ObserveFetch)
	svc := cache.New(fetcher, cache.WithMetrics(m))
	defer svc.Close()

	sched, err := refresh.New(conf, svc)
	if err != nil {
		appLog.Error("invalid refresh schedule", err)
		return 1
	}

	if flags.once {
		sched.Start(ctx)
		sched.Stop()
		status := 0
		for _, src := range conf.Sources {
			snap, err := svc.Wait(ctx, src.ID)
			if err == nil {
				err = snap.Err
			}
			if err != nil {
				appLog.Error("source failed", err, "source", src.ID)
				status = 1
				continue
			}
			printEvents(os.Stdout, src.Name, snap.Events)
		}
		return status
	}

	sched.Start(ctx)
	defer sched.Stop()

	srv := web.NewServer(conf, svc, m)
	if err := srv.Serve(ctx); err != nil {
		appLog.Error("http server failed", err)
		return 1
	}
	appLog.Info("calmat exiting")
	return 0
}

// runAdHoc materializes the sources named on the command line and prints
// the result.
func runAdHoc(ctx context.Context, flags flagConfig, w io.Writer) error {
	opts, err := flags.options(time.Now())
	if err != nil {
		return err
	}

	var sources []ics.Source
	switch {
	case flags.list != "":
		sources, err = readList(flags.list)
		if err != nil {
			return err
		}
	default:
		sources = []ics.Source{{
			ID:       "cli",
			Name:     firstNonEmpty(flags.url, flags.file),
			URL:      flags.url,
			File:     flags.file,
			FixApple: flags.apple,
		}}
	}

	fetcher := ics.NewFetcher(filepath.Join(os.TempDir(), "calmat-cache"))
	for _, src := range sources {
		body, err := fetcher.Fetch(ctx, src)
		if err != nil {
			return fmt.Errorf("%s: %w", src.Name, err)
		}
		events, err := ics.Materialize(body, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", src.Name, err)
		}
		printEvents(w, src.Name, events)
	}
	return nil
}

// options turns the window and policy flags into materialization options.
func (f flagConfig) options(now time.Time) (ics.Options, error) {
	opts := ics.Options{
		Strict: f.strict,
		Sort:   f.sort,
	}
	if f.days > 0 {
		opts.DefaultSpan = time.Duration(f.days) * 24 * time.Hour
	}
	if f.start != "" {
		t, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return opts, fmt.Errorf("-start: %w", err)
		}
		opts.Start = t
	}
	if f.end != "" {
		t, err := time.Parse(time.RFC3339, f.end)
		if err != nil {
			return opts, fmt.Errorf("-end: %w", err)
		}
		opts.End = t
	}
	if f.tz != "" {
		loc, err := time.LoadLocation(f.tz)
		if err != nil {
			return opts, fmt.Errorf("-tz: %w", err)
		}
		opts.TargetZone = loc
	}
	if _, err := opts.Window(now); err != nil {
		return opts, err
	}
	return opts, nil
}

// readList reads "name url" lines. Blank lines and lines starting with #
// are skipped; entries named icloud get the Apple fixups.
func readList(path string) ([]ics.Source, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var out []ics.Source
	sc := bufio.NewScanner(fh)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: expected \"name url\"", path, n)
		}
		name := fields[0]
		out = append(out, ics.Source{
			ID:       name,
			Name:     name,
			URL:      fields[1],
			FixApple: strings.EqualFold(name, "icloud"),
		})
	}
	return out, sc.Err()
}

func printEvents(w io.Writer, name string, events []model.Event) {
	fmt.Fprintf(w, "== %s (%d)\n", name, len(events))
	for _, ev := range events {
		fmt.Fprintln(w, ev.String())
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calmat/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh every configured source once, print and exit")
	flag.StringVar(&cfg.file, "file", "", "Materialize a local .ics file and exit")
	flag.StringVar(&cfg.url, "url", "", "Materialize a calendar URL and exit")
	flag.StringVar(&cfg.list, "list", "", "Materialize every \"name url\" line of a file and exit")
	flag.StringVar(&cfg.start, "start", "", "Window start (RFC 3339, default now)")
	flag.StringVar(&cfg.end, "end", "", "Window end (RFC 3339, default start + days)")
	flag.IntVar(&cfg.days, "days", 0, "Window length in days when -end is not set (default 7)")
	flag.BoolVar(&cfg.strict, "strict", false, "Keep dates, floating and zoned values apart")
	flag.BoolVar(&cfg.sort, "sort", false, "Sort events by start")
	flag.StringVar(&cfg.tz, "tz", "", "Reproject results into this IANA zone")
	flag.BoolVar(&cfg.apple, "apple", false, "Apply iCloud URL and offset fixups")
	flag.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flag.BoolVar(&cfg.noColor, "no-color", false, "Disable colored log output")

	flag.Parse()

	return cfg
}
