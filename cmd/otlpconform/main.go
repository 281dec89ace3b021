// OTLP ingest conformance harness
// Exports fixed payloads, queries the backend for them and writes both views to disk
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/andrewh/otlpconform/pkg/artifact"
	"github.com/andrewh/otlpconform/pkg/harness"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "otlpconform",
		Short:        "OTLP ingest conformance harness",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(casesCmd())
	root.AddCommand(compareCmd())
	root.AddCommand(versionCmd())

	return root
}

type runOptions struct {
	configFile  string
	logLevel    string
	logFormat   string
	failOnError bool
	telemetry   telemetryOptions
}

// flagKeys binds run flags to configuration keys. Flags win over the
// environment, which wins over the config file.
var flagKeys = map[string]string{
	"endpoint":       harness.KeyExportEndpoint,
	"query-endpoint": harness.KeyQueryEndpoint,
	"account-id":     harness.KeyAccountID,
	"output-dir":     harness.KeyOutputDir,
	"obfuscate":      harness.KeyObfuscate,
	"ingest-wait":    harness.KeyIngestWait,
	"workers":        harness.KeyWorkers,
	"protocol":       harness.KeyProtocol,
	"query-timeout":  harness.KeyQueryTimeout,
	"signals":        harness.KeySignals,
}

func runCmd() *cobra.Command {
	var opts runOptions
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Export every test case, query the backend and write artifacts",
		Long: "Export every test case, query the backend and write artifacts.\n\n" +
			"Credentials are read from NEW_RELIC_LICENSE_KEY and NEW_RELIC_USER_API_KEY.\n" +
			"Other settings may come from flags, environment variables or --config.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for flag, key := range flagKeys {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("binding --%s: %w", flag, err)
				}
			}
			return runConformance(cmd.Context(), v, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	d := harness.DefaultConfig()
	f := cmd.Flags()
	f.String("endpoint", d.ExportEndpoint, "OTLP export endpoint ("+harness.EnvName(harness.KeyExportEndpoint)+")")
	f.String("query-endpoint", d.QueryEndpoint, "NerdGraph endpoint ("+harness.EnvName(harness.KeyQueryEndpoint)+")")
	f.String("account-id", "", "account to query ("+harness.EnvName(harness.KeyAccountID)+")")
	f.String("output-dir", "", "directory artifacts are written to ("+harness.EnvName(harness.KeyOutputDir)+")")
	f.Bool("obfuscate", d.Obfuscate, "replace volatile values in artifacts ("+harness.EnvName(harness.KeyObfuscate)+")")
	f.String("ingest-wait", fmt.Sprint(int(d.IngestWait/time.Second)), "seconds to wait before querying ("+harness.EnvName(harness.KeyIngestWait)+")")
	f.Int("workers", d.Workers, "concurrent query and persist tasks")
	f.String("protocol", d.Protocol, "OTLP protocol (grpc or http/protobuf)")
	f.Duration("query-timeout", d.QueryTimeout, "timeout for each backend query")
	f.String("signals", "traces,metrics,logs", "comma-separated signals to test: traces,metrics,logs")

	f.StringVar(&opts.configFile, "config", "", "YAML file of configuration keys")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "console", "log format (console or json)")
	f.BoolVar(&opts.failOnError, "fail-on-error", false, "exit non-zero when any test case fails")
	f.StringVar(&opts.telemetry.mode, "telemetry", "none", "self-telemetry destination (none, stdout or otlp)")
	f.StringVar(&opts.telemetry.endpoint, "telemetry-endpoint", "", "OTLP endpoint for --telemetry otlp")
	f.StringVar(&opts.telemetry.protocol, "telemetry-protocol", "http/protobuf", "OTLP protocol for --telemetry otlp (http/protobuf or grpc)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "otlpconform %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

func loadConfig(v *viper.Viper, path string) (harness.Config, error) {
	if err := harness.BindEnv(v); err != nil {
		return harness.Config{}, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return harness.Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return harness.FromViper(v)
}

func newLogger(w io.Writer, level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	var enc zapcore.Encoder
	switch format {
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "console":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, fmt.Errorf("unsupported --log-format %q, supported: console, json", format)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), lvl)), nil
}

func runConformance(ctx context.Context, v *viper.Viper, opts runOptions, stdout, stderr io.Writer) error {
	logger, err := newLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable

	cfg, err := loadConfig(v, opts.configFile)
	if err != nil {
		return err
	}

	tel, err := setupTelemetry(ctx, opts.telemetry, stderr)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer tel.shutdown()

	exporter, closeExporter, err := harness.NewExporter(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeExporter(); err != nil {
			logger.Warn("closing exporter", zap.Error(err))
		}
	}()
	querier, err := harness.NewQuerier(cfg)
	if err != nil {
		return err
	}

	runner := &harness.Runner{
		Config:    cfg,
		Exporter:  exporter,
		Querier:   querier,
		Store:     artifact.NewStore(cfg.OutputDir),
		Logger:    logger,
		Tracer:    tel.tracer,
		Observers: tel.observers,
	}

	// Handle OS signals for graceful shutdown
	ctx, stop := ossignal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(stdout, report)

	if opts.failOnError && report.Failures() > 0 {
		return fmt.Errorf("%d of %d test cases failed", report.Failures(), len(report.Outcomes()))
	}
	return nil
}

func printSummary(w io.Writer, report *harness.Report) {
	title := cases.Title(language.English)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Signal", "Test case", "State", "Records", "Queried", "Error"})
	for _, o := range report.Outcomes() {
		t.AppendRow(table.Row{title.String(string(o.Kind)), o.Name, o.State().String(), o.Records, o.Queried, firstError(o)})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Failures", report.Failures()})
	t.Render()
	_, _ = fmt.Fprintf(w, "%d test cases in %s\n", len(report.Outcomes()),
		report.Finished.Sub(report.Started).Round(time.Millisecond))
}

func firstError(o *harness.Outcome) string {
	for _, err := range []error{o.ExportErr, o.QueryErr, o.SaveErr} {
		if err != nil {
			return err.Error()
		}
	}
	if o.State() == harness.StateAbandoned {
		return "abandoned"
	}
	return ""
}
