package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"github.com/Perf-Org-5KRepos/data-broker/backend/redis"
	"github.com/Perf-Org-5KRepos/data-broker/backends"
	"github.com/Perf-Org-5KRepos/data-broker/pkg/buildversion"
	"github.com/Perf-Org-5KRepos/data-broker/pkg/webapi"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/Perf-Org-5KRepos/data-broker")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "dbbe",
	Short: "A client backend for sharded key-value stores",

	Run: func(cmd *cobra.Command, args []string) {
		startService()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	defaults := backend.DefaultConfig()

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("backend", "redis", "the backend implementation to use (redis or stub)")
	configFlags.String("seed", defaults.SeedAddress, "the store endpoint used for discovery")
	configFlags.Bool("clustered", defaults.Clustered, "discover the slot layout instead of sending everything to the seed")
	configFlags.Bool("replica-reads", defaults.ReplicaReads, "serve reads from replicas")
	configFlags.Int("queue-depth", defaults.WorkQueueDepth, "the maximum number of outstanding requests")
	configFlags.Int("buffer-size", defaults.BufferSize, "the size of each send buffer")
	configFlags.Duration("refresh-interval", defaults.RefreshInterval, "the period of background topology refreshes")
	configFlags.Duration("discovery-timeout", defaults.DiscoveryTimeout, "the time allowed for one discovery round trip")
	configFlags.Duration("op-timeout", 5*time.Second, "the time allowed for a single command issued from the cli")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9092, "the web metrics/health port")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all requests")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("dbbe")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(topologyCmd, putCmd, getCmd, delCmd, existsCmd, benchCmd)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			// the service name used to display traces in backends
			semconv.ServiceNameKey.String("data-broker-backend"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(
					metricExp,
				),
			),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExp)
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(bsp),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr        string
	backendKind        string
	seed               string
	clustered          bool
	replicaReads       bool
	queueDepth         int
	bufferSize         int
	refreshInterval    time.Duration
	discoveryTimeout   time.Duration
	opTimeout          time.Duration
	bindAddress        string
	webPort            int
	otlpEndpoint       string
	disableOtlpTraces  bool
	disableOtlpMetrics bool
	traceEverything    bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		backendKind:        viper.GetString("backend"),
		seed:               viper.GetString("seed"),
		clustered:          viper.GetBool("clustered"),
		replicaReads:       viper.GetBool("replica-reads"),
		queueDepth:         viper.GetInt("queue-depth"),
		bufferSize:         viper.GetInt("buffer-size"),
		refreshInterval:    viper.GetDuration("refresh-interval"),
		discoveryTimeout:   viper.GetDuration("discovery-timeout"),
		opTimeout:          viper.GetDuration("op-timeout"),
		bindAddress:        viper.GetString("bind-address"),
		webPort:            viper.GetInt("web-port"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpTraces:  viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
		traceEverything:    viper.GetBool("trace-everything"),
	}

	logger.Debug("parsed backend configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("backendKind", config.backendKind),
		zap.String("seed", config.seed),
		zap.Bool("clustered", config.clustered),
		zap.Bool("replicaReads", config.replicaReads),
		zap.Int("queueDepth", config.queueDepth),
		zap.Int("bufferSize", config.bufferSize),
		zap.Duration("refreshInterval", config.refreshInterval),
		zap.Duration("discoveryTimeout", config.discoveryTimeout),
		zap.Duration("opTimeout", config.opTimeout),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

func (c *config) backendConfig() backend.Config {
	return backend.Config{
		WorkQueueDepth:   c.queueDepth,
		BufferSize:       c.bufferSize,
		SeedAddress:      c.seed,
		Clustered:        c.clustered,
		ReplicaReads:     c.replicaReads,
		RefreshInterval:  c.refreshInterval,
		DiscoveryTimeout: c.discoveryTimeout,
	}
}

// app is what every command needs once configuration and telemetry are up.
type app struct {
	logger   *zap.Logger
	logLevel zap.AtomicLevel
	config   *config
	backend  backend.Backend
}

// setupApp loads configuration, installs telemetry and initializes the
// backend. Failures are fatal.
func setupApp(ctx context.Context) *app {
	logLevel, logger := getLogger()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(ctx,
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry tracing", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	kind, err := backend.ParseKind(config.backendKind)
	if err != nil {
		logger.Error("unknown backend kind", zap.String("backend", config.backendKind))
		os.Exit(1)
	}

	be, err := backends.Initialize(ctx, kind, backends.Options{
		Logger: logger,
		Config: config.backendConfig(),
	})
	if err != nil {
		logger.Error("failed to initialize the backend", zap.Error(err))
		os.Exit(1)
	}

	return &app{
		logger:   logger,
		logLevel: logLevel,
		config:   config,
		backend:  be,
	}
}

func (a *app) close() {
	if err := a.backend.Exit(); err != nil {
		a.logger.Warn("failed to shut the backend down", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func startService() {
	a := setupApp(context.Background())
	logger := a.logger
	logLevel := a.logLevel
	config := a.config

	logger.Info("starting dbbe", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
		HealthCheck:   func() error { return checkHealth(a.backend) },
		Topology:      func() string { return describeTopology(a.backend) },
	})

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		if newConfig.backendKind != config.backendKind ||
			newConfig.seed != config.seed ||
			newConfig.clustered != config.clustered {
			logger.Warn("config changes for backend, seed, or clustered require a restart")
		}

		if newConfig.queueDepth != config.queueDepth ||
			newConfig.bufferSize != config.bufferSize ||
			newConfig.refreshInterval != config.refreshInterval ||
			newConfig.discoveryTimeout != config.discoveryTimeout {
			logger.Warn("config changes for queueDepth, bufferSize, refreshInterval, or discoveryTimeout require a restart")
		}

		if newConfig.replicaReads != config.replicaReads {
			if applyReplicaReads(a.backend, newConfig.replicaReads) {
				logger.Info("updated replica reads",
					zap.Bool("replicaReads", newConfig.replicaReads))
			} else {
				logger.Warn("the configured backend does not support replica reads")
			}
		}

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.webPort != config.webPort {
			logger.Warn("config changes for bindAddress or webPort require a restart")
		}

		if newConfig.otlpEndpoint != config.otlpEndpoint ||
			newConfig.disableOtlpTraces != config.disableOtlpTraces ||
			newConfig.disableOtlpMetrics != config.disableOtlpMetrics ||
			newConfig.traceEverything != config.traceEverything {
			logger.Warn("config changes for otlpEndpoint, disableOtlpTraces, disableOtlpMetrics, or traceEverything require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	shutdownCh := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		var shutdownOnce sync.Once
		beginGracefulShutdown := func() {
			shutdownOnce.Do(func() { close(shutdownCh) })
		}

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					beginGracefulShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				beginGracefulShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	<-shutdownCh
	a.close()

	logger.Info("backend shutdown gracefully")
}

// applyReplicaReads switches replica reads on a running backend and reports
// whether the backend supports it.
func applyReplicaReads(be backend.Backend, enabled bool) bool {
	rb, ok := be.(*redis.Backend)
	if !ok {
		return false
	}
	rb.SetReplicaReads(enabled)
	return true
}

func checkHealth(be backend.Backend) error {
	if rb, ok := be.(*redis.Backend); ok && rb.Topology() == nil {
		return errors.New("no topology loaded")
	}
	return nil
}

func describeTopology(be backend.Backend) string {
	rb, ok := be.(*redis.Backend)
	if !ok {
		return "backend has no topology\n"
	}
	ci := rb.Topology()
	if ci == nil {
		return "no topology loaded\n"
	}
	return ci.String()
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
