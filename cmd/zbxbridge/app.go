package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nicktill/zbxbridge/pkg/checkpoint"
	"github.com/nicktill/zbxbridge/pkg/config"
	"github.com/nicktill/zbxbridge/pkg/dispatch"
	"github.com/nicktill/zbxbridge/pkg/logging"
	"github.com/nicktill/zbxbridge/pkg/observability"
	"github.com/nicktill/zbxbridge/pkg/poller"
	"github.com/nicktill/zbxbridge/pkg/sink"
	"github.com/nicktill/zbxbridge/pkg/source"
	"github.com/nicktill/zbxbridge/pkg/status"
)

const usage = `usage: zbxbridge <command> [flags]

commands:
  run           poll the database and forward history
  validate      load and validate the configuration
  print-config  print the effective configuration (password redacted)
  checkpoints   show stored checkpoints, or move one with -set stream=timestamp
`

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return poller.ExitUsage
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	var set string
	if cmd == "checkpoints" {
		fs.StringVar(&set, "set", "", "store a checkpoint, as stream=unix-seconds")
	}

	switch cmd {
	case "run", "validate", "print-config", "checkpoints":
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return poller.ExitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return poller.ExitUsage
	}
	if err := fs.Parse(rest); err != nil {
		return poller.ExitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return poller.ExitConfig
	}

	switch cmd {
	case "validate":
		fmt.Fprintln(stdout, "configuration ok")
		return poller.ExitOK
	case "print-config":
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(stderr, "render configuration: %v\n", err)
			return poller.ExitUsage
		}
		stdout.Write(out)
		return poller.ExitOK
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return poller.ExitConfig
	}
	defer logger.Sync()
	defer zap.ReplaceGlobals(logger)()

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open checkpoint store", zap.Error(err))
		return poller.ExitConfig
	}
	defer store.Close()

	if cmd == "checkpoints" {
		return checkpoints(cfg, store, set, stdout, stderr)
	}
	return runBridge(ctx, cfg, store, logger, stdout)
}

func streams(cfg *config.Config) []source.Stream {
	return []source.Stream{
		{Name: "float", Kind: source.KindFloat, Table: cfg.Streams.Float.Table, CheckpointPath: cfg.Streams.Float.Checkpoint},
		{Name: "integer", Kind: source.KindInteger, Table: cfg.Streams.Integer.Table, CheckpointPath: cfg.Streams.Integer.Checkpoint},
	}
}

func openStore(cfg *config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendBadger:
		return checkpoint.OpenBadger(checkpoint.BadgerConfig{Dir: cfg.Checkpoint.BadgerDir}, logger)
	case config.BackendFile:
		return checkpoint.NewFileStore(logger), nil
	case config.BackendMemory:
		logger.Warn("memory checkpoint backend: progress is lost on exit")
		return checkpoint.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
}

// checkpoints lists the stored value of every stream, or stores one.
func checkpoints(cfg *config.Config, store checkpoint.Store, set string, stdout, stderr io.Writer) int {
	byName := map[string]source.Stream{}
	for _, s := range streams(cfg) {
		byName[s.Name] = s
	}

	if set != "" {
		name, value, ok := strings.Cut(set, "=")
		s, known := byName[name]
		ts, perr := strconv.ParseInt(value, 10, 64)
		if !ok || !known || perr != nil || ts < 0 {
			fmt.Fprintf(stderr, "invalid -set %q: want <float|integer>=<unix seconds>\n", set)
			return poller.ExitUsage
		}
		if err := store.Write(s.CheckpointPath, ts); err != nil {
			fmt.Fprintf(stderr, "write checkpoint: %v\n", err)
			return poller.ExitConfig
		}
		fmt.Fprintf(stdout, "%s %s %d\n", s.Name, s.CheckpointPath, ts)
		return poller.ExitOK
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		s := byName[n]
		ts, err := store.Read(s.CheckpointPath)
		if err != nil {
			fmt.Fprintf(stderr, "read checkpoint %s: %v\n", s.Name, err)
			return poller.ExitConfig
		}
		fmt.Fprintf(stdout, "%s %s %s %d\n", s.Name, s.Table, s.CheckpointPath, ts)
	}
	return poller.ExitOK
}

// runBridge wires the poll loop and serves until ctx is cancelled or a
// cycle fails.
func runBridge(ctx context.Context, cfg *config.Config, store checkpoint.Store, logger *zap.Logger, stdout io.Writer) int {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := observability.New(reg)
	tracker := dispatch.NewCardinalityTracker(dispatch.DefaultSeriesWarnThreshold)

	src, err := source.NewOpener(cfg.Database, cfg.QueryTimeout, logger)
	if err != nil {
		logger.Error("invalid database configuration", zap.Error(err))
		return poller.ExitConfig
	}
	sinks := sink.NewOpener(cfg.Send, cfg.Sink, stdout)

	// the status server outlives the poll loop so the shutdown flush stays observable
	statusCtx, stopStatus := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		stopStatus()
		wg.Wait()
	}()

	pcfg := poller.Config{
		Streams:        streams(cfg),
		Source:         src,
		Sink:           sinks,
		Store:          store,
		Dispatcher:     dispatch.New(cfg.Prefix, tracker, logger),
		Metrics:        m,
		Tracker:        tracker,
		Logger:         logger,
		Prefix:         cfg.Prefix,
		SourceName:     cfg.SourceName,
		PollInterval:   cfg.PollInterval,
		Limit:          cfg.Limit,
		CatchUp:        cfg.CatchUp,
		SelfMetrics:    cfg.SelfMetrics.Enabled,
		RuntimeMetrics: cfg.SelfMetrics.Runtime,
	}
	if cfg.AdaptiveLimit.Enabled {
		pcfg.LimitIncrement = cfg.AdaptiveLimit.Increment
		pcfg.LimitMax = cfg.AdaptiveLimit.Max
	}

	var hub *status.TailHub
	if cfg.Status.Enabled {
		hub = status.NewTailHub(logger)
		pcfg.Sink = sink.TapOpener(sinks, hub.Publish)
	}

	p, err := poller.New(pcfg)
	if err != nil {
		logger.Error("failed to create poller", zap.Error(err))
		return poller.ExitUsage
	}

	if cfg.Status.Enabled {
		srv := status.New(status.Config{
			Addr:       cfg.Status.Addr,
			Reporter:   p,
			Tracker:    tracker,
			Gatherer:   reg,
			Registerer: reg,
			Hub:        hub,
			Logger:     logger,
		})
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.Run(statusCtx)
		}()
		go func() {
			defer wg.Done()
			if err := srv.Run(statusCtx); err != nil {
				logger.Warn("status server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("zbxbridge starting",
		zap.String("database", cfg.Database.Driver),
		zap.Bool("send", cfg.Send),
		zap.String("sink", cfg.Sink.Address()),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend))

	err = p.Run(ctx)
	code := poller.ExitCode(err)
	var fe *poller.FatalError
	switch {
	case err == nil:
		logger.Info("zbxbridge stopped cleanly")
	case errors.As(err, &fe):
		logger.Error("zbxbridge stopped", zap.String("kind", string(fe.Kind)), zap.Error(fe.Err), zap.Int("exit_code", code))
	default:
		logger.Error("zbxbridge stopped", zap.Error(err), zap.Int("exit_code", code))
	}
	return code
}
