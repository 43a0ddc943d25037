package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/cachemachine/cache"
	"github.com/agentuity/cachemachine/config"
	"github.com/agentuity/cachemachine/logger"
	"github.com/agentuity/cachemachine/resilience"
	"github.com/agentuity/cachemachine/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app is the state shared by every subcommand once the root command has
// connected.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	client  *redis.Client
	machine *cache.Machine
	flush   telemetry.ShutdownFunc
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "cachemachine",
		Short:         "Cache, rate limit and delayed queue operations against a Redis compatible store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !needsStore(cmd) {
				return nil
			}
			return a.connect(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file (env "+config.EnvConfigPath+")")
	flags.String("redis-url", "", "redis connection url, e.g. redis://localhost:6379/0")
	flags.String("prefix", "", "namespace prepended to every key as <prefix>:")
	flags.String("codec", "", "value encoding: json or msgpack")
	flags.String("log-level", "", "trace, debug, info, warn, error or none")
	flags.Bool("json-logs", false, "log JSON lines instead of console text")
	flags.String("otlp-endpoint", "", "export spans and logs to this OTLP/HTTP collector, e.g. http://localhost:4318")

	root.AddCommand(
		a.getCommand(),
		a.setCommand(),
		a.getDelCommand(),
		a.rateLimitCommand(),
		a.queueCommand(),
		a.keysCommand(),
		a.consumeCommand(),
	)
	return root
}

// needsStore reports whether cmd talks to the store. Help, shell
// completion and bare command groups do not.
func needsStore(cmd *cobra.Command) bool {
	if !cmd.Runnable() {
		return false
	}
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return false
		}
	}
	return true
}

// connect loads configuration, applies flag overrides and opens the store.
func (a *app) connect(cmd *cobra.Command) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	overrides := []struct {
		flag   string
		target *string
	}{
		{"redis-url", &cfg.Redis.URL},
		{"prefix", &cfg.Cache.Prefix},
		{"codec", &cfg.Cache.Codec},
		{"log-level", &cfg.Logging.Level},
		{"otlp-endpoint", &cfg.Telemetry.Endpoint},
	}
	for _, o := range overrides {
		if flags.Changed(o.flag) {
			*o.target, _ = flags.GetString(o.flag)
		}
	}
	if flags.Changed("json-logs") {
		cfg.Logging.JSON, _ = flags.GetBool("json-logs")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.Logging.JSON {
		a.log = logger.NewJSONLogger(cfg.LogLevel())
	} else {
		a.log = logger.NewConsoleLogger(cfg.LogLevel())
	}
	if cfg.Telemetry.Endpoint != "" {
		if err := a.startTelemetry(cmd.Context()); err != nil {
			return err
		}
	}

	opts, err := cfg.RedisOptions()
	if err != nil {
		return err
	}
	a.client = redis.NewClient(opts)

	machineOpts, err := cfg.MachineOptions(a.log)
	if err != nil {
		return err
	}
	a.machine = cache.New(a.client, machineOpts...)

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		a.log.Warn("store not ready (attempt %d): %s, retrying in %s", attempt, err, backoff)
	}
	if err := resilience.Retry(cmd.Context(), retry, func() error {
		return a.machine.Ping(cmd.Context())
	}); err != nil {
		return errors.Wrapf(err, "connect to %s", opts.Addr)
	}
	a.log.Debug("connected to %s", opts.Addr)
	return nil
}

func (a *app) startTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	token := tc.Token
	if tc.Secret != "" {
		var err error
		if token, err = telemetry.GenerateOTLPBearerTokenWithExpiration(tc.Secret, time.Now().Add(tc.TokenTTL.Std())); err != nil {
			return errors.Wrap(err, "sign telemetry token")
		}
	}
	log, flush, err := telemetry.New(ctx, tc.ServiceName, token, tc.Endpoint, a.log)
	if err != nil {
		return err
	}
	a.log, a.flush = log, flush
	a.log.Debug("exporting telemetry to %s", tc.Endpoint)
	return nil
}

func (a *app) close() error {
	if a.flush != nil {
		a.flush()
	}
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
