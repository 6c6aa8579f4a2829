package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aegisdx/deploymon/internal/cfg"
	"github.com/aegisdx/deploymon/internal/deploy"
	"github.com/aegisdx/deploymon/internal/devopsclt"
	"github.com/aegisdx/deploymon/internal/logfields"
	"github.com/aegisdx/deploymon/internal/monitor"
	"github.com/aegisdx/deploymon/internal/notify"
	"github.com/aegisdx/deploymon/internal/release"
)

const appName = "deploymon"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose      *bool
	ConfigFile   *string
	ShowVersion  *bool
	Pipeline     *string
	MonitorBuild *int
}

var args arguments

const defConfigFile = "/etc/deploymon/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the deploymon configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		Pipeline: pflag.StringP(
			"pipeline",
			"p",
			"",
			"only deploy the pipeline with this name, defaults to all configured pipelines",
		),
		MonitorBuild: pflag.Int(
			"monitor-build",
			0,
			"do not trigger a deployment, attach to the build with this ID and monitor it, requires --pipeline",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nTrigger deployment builds and monitor them until completion.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	err = config.Validate()
	exitOnErr(fmt.Sprintf("invalid configuration file: %s", *args.ConfigFile), err)

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// attachToBuild registers a monitoring session for an already running
// build instead of triggering a new deployment.
// The baseline and pull-request list are resolved the same way a
// triggered deployment would resolve them.
func attachToBuild(
	ctx context.Context,
	client *devopsclt.Client,
	resolver *release.Resolver,
	mon *monitor.Monitor,
	pipeline *cfg.Pipeline,
	buildID int,
) (*monitor.Session, error) {
	build, err := client.Build(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("fetching build %d failed: %w", buildID, err)
	}

	last, err := client.LastSuccessfulBuild(ctx, pipeline.DefinitionID, devopsclt.LastBuildOpts{
		RequireFullStack: pipeline.RequireFullStack,
	})
	if err != nil {
		return nil, fmt.Errorf("determining last successful build failed: %w", err)
	}

	prs, err := resolver.PullRequestsAfter(ctx, last.SourceCommit, pipeline.Branch)
	if err != nil {
		return nil, fmt.Errorf("resolving pull-requests failed: %w", err)
	}

	return mon.StartSession(ctx, monitor.SessionParams{
		Build:          build,
		BaselineCommit: last.SourceCommit,
		PullRequests:   prs,
		Pipeline:       pipeline.Name,
		Branch:         pipeline.Branch,
		MaxWait:        time.Duration(pipeline.MaxWaitMinutes) * time.Minute,
	})
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	patToken := os.Getenv(config.PATEnvVar)
	if patToken == "" {
		fmt.Fprintf(os.Stderr, "environment variable %s is unset or empty\n", config.PATEnvVar)
		os.Exit(1)
	}

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("organization_url", config.OrganizationURL),
		zap.String("project", config.Project),
		zap.String("repository", config.Repository),
		zap.String("pat_token", hide(patToken)),
		zap.String("card_webhook_url", hide(config.CardWebhookURL)),
		zap.String("flow_webhook_url", hide(config.FlowWebhookURL)),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.Int("pipeline_count", len(config.Pipelines)),
	)

	ctx := context.Background()

	client, err := devopsclt.New(ctx, config.OrganizationURL, config.Project, config.Repository, patToken)
	exitOnErr("could not create build provider client", err)

	resolver := release.NewResolver(client)
	tagMgr := release.NewTagManager(client, client)

	notifier, err := notify.NewTeamsNotifier(config.CardWebhookURL, config.FlowWebhookURL)
	exitOnErr("could not create notifier", err)

	mon := monitor.New(client, resolver, tagMgr, notifier)
	workflow := deploy.NewWorkflow(client, resolver, tagMgr, mon)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		mon.Stop()
	})

	if config.HTTPListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/sessions", mon.HTTPHandlerList)

		startHTTPServer(config.HTTPListenAddr, mux)
	}

	sessions := mustStartSessions(ctx, config, client, resolver, mon, workflow)

	exitCode := 0

	for _, session := range sessions {
		outcome, build, err := session.Wait(ctx)
		if err != nil {
			logger.Error(
				"monitoring session aborted",
				logfields.Event("monitoring_session_aborted"),
				zap.Error(err),
			)

			exitCode = 1

			continue
		}

		fields := []zapcore.Field{
			logfields.Event("monitoring_session_finished"),
			zap.String("outcome", outcome.String()),
		}
		if build != nil {
			fields = append(fields, logfields.BuildID(build.ID), logfields.BuildNumber(build.Number))
		}

		logger.Info("monitoring session finished", fields...)

		if outcome != monitor.OutcomeSucceeded {
			exitCode = 1
		}
	}

	goodbye.Exit(ctx, exitCode)
}

// mustStartSessions triggers deployments and returns the registered
// monitoring sessions.
// With --monitor-build it attaches to an existing build instead.
func mustStartSessions(
	ctx context.Context,
	config *cfg.Config,
	client *devopsclt.Client,
	resolver *release.Resolver,
	mon *monitor.Monitor,
	workflow *deploy.Workflow,
) []*monitor.Session {
	if *args.MonitorBuild != 0 {
		if *args.Pipeline == "" {
			fmt.Fprintln(os.Stderr, "--monitor-build requires --pipeline")
			os.Exit(1)
		}

		pipeline, err := config.Pipeline(*args.Pipeline)
		exitOnErr("unknown pipeline", err)

		session, err := attachToBuild(ctx, client, resolver, mon, pipeline, *args.MonitorBuild)
		exitOnErr("could not attach to build", err)

		return []*monitor.Session{session}
	}

	pipelines := config.Pipelines
	if *args.Pipeline != "" {
		pipeline, err := config.Pipeline(*args.Pipeline)
		exitOnErr("unknown pipeline", err)

		pipelines = []*cfg.Pipeline{pipeline}
	}

	var sessions []*monitor.Session

	for _, pipeline := range pipelines {
		session, err := workflow.Run(ctx, pipeline)
		if err != nil {
			if errors.Is(err, deploy.ErrUpToDate) || errors.Is(err, deploy.ErrDeploymentRunning) {
				continue
			}

			exitOnErr(fmt.Sprintf("deploying pipeline %s failed", pipeline.Name), err)
		}

		sessions = append(sessions, session)
	}

	if len(sessions) == 0 {
		logger.Info(
			"all pipelines are up to date, nothing to deploy",
			logfields.Event("nothing_to_deploy"),
		)
	}

	return sessions
}
