package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/virta/internal/delivery/pipeline"
	"github.com/yairfalse/virta/internal/producers/kernel"
	"github.com/yairfalse/virta/internal/producers/synthetic"
	"github.com/yairfalse/virta/pkg/config"
	"github.com/yairfalse/virta/pkg/export"
	"github.com/yairfalse/virta/pkg/sink"
	"github.com/yairfalse/virta/pkg/version"
)

const (
	defaultMetricsAddr  = ":9100"
	shutdownTimeout     = 10 * time.Second
	metricsStopTimeout  = 5 * time.Second
	snapshotBufferDepth = 8
)

var (
	configPath  string
	logLevel    string
	metricsAddr string
	producerSel string
	sinkSel     string
	natsURL     string
)

// producer is anything that feeds the pipeline until its context ends.
type producer interface {
	Run(ctx context.Context) error
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "virta",
		Short: "Loss-accounted kernel event delivery",
		Long: `Virta moves high-rate kernel telemetry into user space without
silent loss. Events are classified into priority lanes, admitted
through fixed-capacity ring buffers, and drained in strict priority
order. When a lane overflows, the drop is recorded with its exact
sequence range so every gap the consumer sees is attributable.`,
		Version: version.Version,
		RunE:    run,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", defaultMetricsAddr, "Prometheus listen address")
	rootCmd.PersistentFlags().StringVar(&producerSel, "producer", "", "Event producer (kernel, synthetic; overrides config)")
	rootCmd.PersistentFlags().StringVar(&sinkSel, "sink", "", "Event sink (stdout, nats; overrides config)")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", "", "NATS server URL (overrides config)")

	viper.SetEnvPrefix("VIRTA")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfiguration(logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	snk, err := buildSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build sink: %w", err)
	}

	pipe, err := pipeline.New(cfg, snk, logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	src, err := buildProducer(cfg, pipe, logger)
	if err != nil {
		return fmt.Errorf("failed to build producer: %w", err)
	}

	exporter := export.NewExporter(logger.Named("export"))
	metrics := export.NewServer(metricsAddr, exporter, logger.Named("export"))

	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	metrics.Start()

	build := version.Get()
	logger.Info("Virta started",
		zap.String("version", build.Version),
		zap.String("commit", build.GitCommit),
		zap.String("instance_id", pipe.InstanceID()),
		zap.String("producer", cfg.Producer.Type),
		zap.String("sink", cfg.Sink.Type),
		zap.String("metrics_addr", metricsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return src.Run(gctx)
	})
	g.Go(func() error {
		exporter.Run(gctx, pipe.Reporter().Subscribe(snapshotBufferDepth))
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Producer failed", zap.Error(err))
	} else {
		err = nil
	}

	if serr := pipe.Stop(shutdownTimeout); serr != nil {
		logger.Warn("Pipeline stop reported error", zap.Error(serr))
		if err == nil {
			err = serr
		}
	}
	if merr := metrics.Stop(metricsStopTimeout); merr != nil {
		logger.Warn("Metrics server stop reported error", zap.Error(merr))
	}

	return err
}

func buildLogger(level string) (*zap.Logger, error) {
	switch level {
	case "debug":
		return zap.NewDevelopment()
	default:
		cfg := zap.NewProductionConfig()
		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		return cfg.Build()
	}
}

// loadConfiguration layers the config file, VIRTA_* environment
// variables, and command-line flags, most specific last.
func loadConfiguration(logger *zap.Logger) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded configuration", zap.String("path", configPath))
	} else {
		cfg = config.Default()
		logger.Info("Using default configuration")
	}

	if v := viper.GetString("producer"); v != "" {
		cfg.Producer.Type = v
	}
	if v := viper.GetString("sink"); v != "" {
		cfg.Sink.Type = v
	}
	if v := viper.GetString("nats_url"); v != "" {
		cfg.Sink.NATS.URL = v
	}

	if producerSel != "" {
		cfg.Producer.Type = producerSel
	}
	if sinkSel != "" {
		cfg.Sink.Type = sinkSel
	}
	if natsURL != "" {
		cfg.Sink.NATS.URL = natsURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildSink(cfg *config.Config, logger *zap.Logger) (sink.Sink, error) {
	switch cfg.Sink.Type {
	case config.SinkStdout:
		return sink.NewStdoutSink(), nil
	case config.SinkNATS:
		return sink.NewNATSSink(cfg.Sink.NATS, logger.Named("sink"))
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}

func buildProducer(cfg *config.Config, pipe *pipeline.Pipeline, logger *zap.Logger) (producer, error) {
	switch cfg.Producer.Type {
	case config.ProducerSynthetic:
		return synthetic.NewProducer(cfg.Producer.Synthetic, pipe, logger.Named("synthetic")), nil
	case config.ProducerKernel:
		return kernel.NewProducer(cfg.Producer.Kernel, pipe, logger.Named("kernel")), nil
	default:
		return nil, fmt.Errorf("unknown producer type %q", cfg.Producer.Type)
	}
}
