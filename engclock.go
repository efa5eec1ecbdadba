// Engineering clock

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"example.com/eng-clock/base/timebase"
	"example.com/eng-clock/benchmark"
	"example.com/eng-clock/core/client"
	"example.com/eng-clock/core/config"
	"example.com/eng-clock/core/estimator"
	"example.com/eng-clock/core/poll"
	"example.com/eng-clock/core/screen"
	"example.com/eng-clock/core/sync"
	"example.com/eng-clock/core/ticker"
	coretimebase "example.com/eng-clock/core/timebase"
	"example.com/eng-clock/driver/clock"
	"example.com/eng-clock/driver/display"
	"example.com/eng-clock/net/ntp"
)

const (
	monitorShutdownTimeout = 2 * time.Second
	toolTimeout            = 5 * time.Second
)

var (
	log *zap.Logger
)

func initLogger(verbose bool, path string) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	if path != "" {
		c.OutputPaths = []string{path}
		c.ErrorOutputPaths = []string{path}
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
}

func runMonitor(ctx context.Context, log *zap.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info("serving metrics", zap.String("address", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("failed to serve metrics: %w", err)
}

func newExchanger(log *zap.Logger, cfg config.Config) client.Exchanger {
	switch cfg.Transport {
	case config.TransportBeevik:
		return &client.BeevikClient{
			Log:       log,
			LocalAddr: cfg.LocalAddr,
			DSCP:      config.DSCP,
			Timeout:   cfg.ExchangeTimeout,
		}
	default:
		return &client.IPClient{
			Log:       log,
			LocalAddr: cfg.LocalAddr,
			DSCP:      config.DSCP,
			Timeout:   cfg.ExchangeTimeout,
		}
	}
}

func estimatorParams(cfg config.Config) estimator.Params {
	return estimator.Params{
		InitialOffsetStdDev: cfg.InitialOffsetStdDev,
		InitialDriftStdDev:  cfg.InitialDriftStdDev,
		Noise: estimator.Noise{
			Offset: cfg.OffsetProcessNoise,
			Drift:  cfg.DriftProcessNoise,
		},
		DelayNoiseFactor:     cfg.DelayNoiseFactor,
		MinMeasurementStdDev: cfg.MinMeasurementStdDev,
	}
}

func newSynchronizer(log *zap.Logger, lclk timebase.LocalClock, ex client.Exchanger,
	cfg config.Config) *sync.Synchronizer {
	ep := estimatorParams(cfg)
	est := estimator.New(log, ep, lclk.Now())
	scr := screen.New(log, screen.Params{
		HistoryLength:    cfg.HistoryLength,
		OutlierThreshold: cfg.OutlierThreshold,
		MinOutlierSpread: cfg.MinOutlierSpread,
		MaxDelay:         cfg.MaxDelay,
	})
	pool := poll.NewPool(cfg.Servers, poll.PoolParams{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.FailureCooldown,
		DelaySmoothing:   cfg.DelaySmoothing,
	})
	sched := poll.NewScheduler(log, poll.Params{
		TargetPrecision: cfg.TargetPrecision,
		MinInterval:     cfg.MinPollInterval,
		MaxInterval:     cfg.MaxPollInterval,
		Growth:          cfg.PollGrowth,
		Shrink:          cfg.PollShrink,
	}, ep.Noise, pool, cfg.ServersPerBurst)
	return sync.NewSynchronizer(log, lclk, ex, cfg.ProbesPerServer, scr, est, sched)
}

// displayMode resolves DisplayAuto to the TUI if stdout is a terminal.
func displayMode(mode string, isTerminal bool) string {
	if mode != config.DisplayAuto {
		return mode
	}
	if isTerminal {
		return config.DisplayTUI
	}
	return config.DisplayPlain
}

func runClock(configFile, mode string, verbose bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(log, configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if mode != "" {
		cfg.Display = mode
	}
	cfg.Display = displayMode(cfg.Display, term.IsTerminal(int(os.Stdout.Fd())))
	if cfg.Display == config.DisplayTUI {
		log.Info("logging to file while the display is active", zap.String("path", cfg.LogFile))
		initLogger(verbose, cfg.LogFile)
	}
	defer func() { _ = log.Sync() }()

	lclk := &clock.SystemClock{Log: log}
	coretimebase.RegisterClock(lclk)

	s := newSynchronizer(log, lclk, newExchanger(log, cfg), cfg)
	est := s.Estimator()
	ticks := make(chan ticker.Tick, 1)
	tk := ticker.New(log, lclk, est, est.Params().Noise, ticks)
	now := func() time.Time {
		return est.Snapshot().Corrected(lclk.Now())
	}

	var d display.Display
	switch cfg.Display {
	case config.DisplayTUI:
		d = &display.TUI{Log: log, Now: now}
	default:
		d = &display.Plain{Log: log, Out: os.Stdout, Now: now}
	}

	log.Info("starting engineering clock",
		zap.Strings("servers", cfg.Servers),
		zap.String("transport", cfg.Transport),
		zap.String("display", cfg.Display))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Run(ctx)
		return nil
	})
	g.Go(func() error {
		tk.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := d.Run(ctx, ticks)
		if err == nil && ctx.Err() == nil {
			err = display.ErrQuit
		}
		return err
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return runMonitor(ctx, log, cfg.MetricsAddr)
		})
	}
	err = g.Wait()
	if err != nil && !errors.Is(err, display.ErrQuit) {
		log.Fatal("engineering clock failed", zap.Error(err))
	}
	log.Info("stopped engineering clock")
}

func runTool(remote, transport string) {
	lclk := &clock.SystemClock{Log: log}
	coretimebase.RegisterClock(lclk)

	server, err := config.ServerAddress(remote, ntp.ServerPort)
	if err != nil {
		log.Fatal("unexpected remote address", zap.String("remote", remote), zap.Error(err))
	}
	cfg := config.Default()
	cfg.Transport = transport
	ex := newExchanger(log, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()
	s, err := ex.Exchange(ctx, server)
	if err != nil {
		log.Fatal("failed to measure clock offset", zap.String("to", server), zap.Error(err))
	}
	log.Info("measured clock offset",
		zap.String("from", server),
		zap.Duration("offset", s.Offset()),
		zap.Duration("delay", s.Delay()),
		zap.Object("sample", s))

	est := estimator.New(log, estimatorParams(cfg), s.Originate)
	b := est.UpdateSample(s)
	fmt.Printf("offset %+.6fs ±%.6fs delay %v stratum %d\n",
		b.Offset, b.OffsetStdDev(), s.Delay(), s.Stratum)
	raw, err := toml.Marshal(b)
	if err != nil {
		log.Fatal("failed to encode belief", zap.Error(err))
	}
	_, _ = os.Stdout.Write(raw)
}

func runBenchmark(remote string, n, concurrency int) {
	lclk := &clock.SystemClock{Log: zap.NewNop()}
	coretimebase.RegisterClock(lclk)

	server, err := config.ServerAddress(remote, ntp.ServerPort)
	if err != nil {
		log.Fatal("unexpected remote address", zap.String("remote", remote), zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := benchmark.Run(ctx, log, benchmark.Params{
		Remote:      server,
		Requests:    n,
		Concurrency: concurrency,
		DSCP:        config.DSCP,
	})
	if err != nil {
		log.Fatal("failed to run benchmark", zap.String("to", server), zap.Error(err))
	}
	err = res.Print(os.Stdout)
	if err != nil {
		log.Fatal("failed to print benchmark result", zap.Error(err))
	}
}

func exitWithUsage() {
	fmt.Fprintln(os.Stderr, `usage:
  engclock run [-config file] [-display auto|tui|plain] [-verbose]
  engclock tool -remote host[:port] [-transport native|beevik] [-verbose]
  engclock benchmark -remote host[:port] [-n count] [-c workers] [-verbose]`)
	os.Exit(1)
}

func main() {
	var (
		verbose     bool
		configFile  string
		mode        string
		remote      string
		transport   string
		count       int
		concurrency int
	)

	runFlags := flag.NewFlagSet("run", flag.ExitOnError)
	toolFlags := flag.NewFlagSet("tool", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	runFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	runFlags.StringVar(&configFile, "config", "", "Config file (TOML or YAML)")
	runFlags.StringVar(&mode, "display", "", "Display mode: auto, tui or plain")

	toolFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	toolFlags.StringVar(&remote, "remote", "", "Remote address")
	toolFlags.StringVar(&transport, "transport", config.TransportNative, "Transport: native or beevik")

	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&remote, "remote", "", "Remote address")
	benchmarkFlags.IntVar(&count, "n", 10_000, "Requests per worker")
	benchmarkFlags.IntVar(&concurrency, "c", 1, "Number of workers")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case runFlags.Name():
		err := runFlags.Parse(os.Args[2:])
		if err != nil || runFlags.NArg() != 0 {
			exitWithUsage()
		}
		if mode != "" && mode != config.DisplayAuto &&
			mode != config.DisplayTUI && mode != config.DisplayPlain {
			exitWithUsage()
		}
		initLogger(verbose, "")
		runClock(configFile, mode, verbose)
	case toolFlags.Name():
		err := toolFlags.Parse(os.Args[2:])
		if err != nil || toolFlags.NArg() != 0 || remote == "" {
			exitWithUsage()
		}
		if transport != config.TransportNative && transport != config.TransportBeevik {
			exitWithUsage()
		}
		initLogger(verbose, "")
		runTool(remote, transport)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 || remote == "" {
			exitWithUsage()
		}
		if count < 1 || concurrency < 1 {
			exitWithUsage()
		}
		initLogger(verbose, "")
		runBenchmark(remote, count, concurrency)
	default:
		exitWithUsage()
	}
}
