// mqttlens - MQTT message inspector
//
// Subscribes to a broker, keeps a searchable history of traffic, evaluates
// SQL-like rules against every message and forwards matches to Kafka and
// Valkey. A REST API with live feeds drives the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mqttlens/config"
	"mqttlens/kafka"
	"mqttlens/logging"
	"mqttlens/mqtt"
	"mqttlens/session"
	"mqttlens/valkey"
	"mqttlens/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	broker      = flag.String("broker", "", "Broker host or host:port (overrides config)")
	rulesFile   = flag.String("rules", "", "Load rules from this file and save them back on exit")
	stepMode    = flag.Bool("step", false, "Start with step-through mode armed")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noWeb       = flag.Bool("no-web", false, "Disable the HTTP API (ephemeral)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	traceFile   = flag.String("trace", "", "Write hex dumps of raw traffic to this file")
	traceFilter = flag.String("trace-filter", "", "Trace components: mqtt, kafka, valkey, api")
)

// topicFlags collects repeated -topic flags.
type topicFlags []string

func (t *topicFlags) String() string { return strings.Join(*t, ",") }

func (t *topicFlags) Set(v string) error {
	*t = append(*t, v)
	return nil
}

var topics topicFlags

func main() {
	flag.Var(&topics, "topic", "Subscription filter, repeatable (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mqttlens %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := applyFlags(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyFlags overrides config from the command line. Nothing here is
// persisted.
func applyFlags(cfg *config.Config) error {
	if *broker != "" {
		host, port, err := config.SplitBroker(*broker, cfg.Broker.Port)
		if err != nil {
			return fmt.Errorf("-broker: %w", err)
		}
		cfg.Broker.Host = host
		cfg.Broker.Port = port
	}
	if len(topics) > 0 {
		cfg.Broker.Topics = topics
	}
	if *rulesFile != "" {
		if _, err := os.Stat(*rulesFile); err == nil {
			rules, err := config.LoadRules(*rulesFile)
			if err != nil {
				return err
			}
			cfg.Rules = rules
		}
	}
	if *stepMode {
		cfg.StepMode = true
	}
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noWeb {
		cfg.Web.Enabled = false
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *traceFile != "" {
		cfg.Log.TraceFile = *traceFile
	}
	if *traceFilter != "" {
		cfg.Log.TraceFilter = *traceFilter
	}
	return nil
}

// run wires the subscriber, session, sinks and web server, and blocks
// until SIGINT or SIGTERM.
func run(cfg *config.Config) error {
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	tracer, err := logging.NewTracer(cfg.Log)
	if err != nil {
		logCloser.Close()
		return err
	}
	defer logging.Closers{tracer, logCloser}.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kafkaMgr := kafka.NewManager(logger)
	kafkaMgr.LoadFromConfigs(cfg.Kafka, tracer)
	kafkaMgr.ConnectEnabled(ctx)
	defer kafkaMgr.StopAll()

	valkeyMgr := valkey.NewManager(cfg.Namespace, logger, tracer)
	valkeyMgr.LoadFromConfig(cfg.Valkey)
	if n := valkeyMgr.StartAll(ctx); n > 0 {
		logger.Info().Int("servers", n).Msg("valkey sinks started")
	}
	defer valkeyMgr.StopAll()

	sess, err := session.New(cfg,
		session.WithLogger(logger),
		session.WithSink(kafkaMgr),
		session.WithSink(valkeyMgr),
	)
	if err != nil {
		return err
	}
	logger.Info().Str("session", sess.ID()).Int("rules", len(sess.Rules())).Msg("session started")

	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, sess, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
	}

	sub, err := mqtt.NewSubscriber(cfg.Broker, logger, mqtt.WithTracer(tracer))
	if err != nil {
		return err
	}
	if err := sub.Start(ctx); err != nil {
		return err
	}
	defer sub.Stop()

	err = sess.Run(ctx, sub.Messages())
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("shutting down")

	if *rulesFile != "" {
		if err := sess.SaveRules(*rulesFile); err != nil {
			logger.Error().Err(err).Str("path", *rulesFile).Msg("failed to save rules")
		}
	}
	return err
}
