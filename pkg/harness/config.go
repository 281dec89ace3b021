// Harness configuration resolved from flags, environment and an optional file
// Required values are checked up front; a missing one aborts the run before any export
package harness

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andrewh/otlpconform/pkg/query"
	"github.com/andrewh/otlpconform/pkg/signal"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// Configuration keys. Each is bound to the environment variable in envNames.
const (
	KeyExportEndpoint = "export_endpoint"
	KeyLicenseKey     = "license_key"
	KeyUserAPIKey     = "user_api_key"
	KeyAccountID      = "account_id"
	KeyQueryEndpoint  = "query_endpoint"
	KeyOutputDir      = "output_dir"
	KeyObfuscate      = "obfuscate_output"
	KeyIngestWait     = "ingest_wait_seconds"
	KeyWorkers        = "workers"
	KeyProtocol       = "protocol"
	KeyQueryTimeout   = "query_timeout"
	KeySignals        = "signals"
)

var envNames = map[string]string{
	KeyExportEndpoint: "OTEL_HOST",
	KeyLicenseKey:     "NEW_RELIC_LICENSE_KEY",
	KeyUserAPIKey:     "NEW_RELIC_USER_API_KEY",
	KeyAccountID:      "NEW_RELIC_ACCOUNT_ID",
	KeyQueryEndpoint:  "NEW_RELIC_GRAPHQL_ENDPOINT",
	KeyOutputDir:      "OUTPUT_DIR",
	KeyObfuscate:      "OBFUSCATE_OUTPUT",
	KeyIngestWait:     "INGEST_WAIT_SECONDS",
	KeyWorkers:        "OTLPCONFORM_WORKERS",
	KeyProtocol:       "OTLPCONFORM_PROTOCOL",
	KeyQueryTimeout:   "OTLPCONFORM_QUERY_TIMEOUT",
	KeySignals:        "OTLPCONFORM_SIGNALS",
}

// EnvName returns the environment variable bound to key.
func EnvName(key string) string { return envNames[key] }

// Defaults.
const (
	DefaultExportEndpoint = "https://staging-otlp.nr-data.net:4317"
	DefaultQueryEndpoint  = "https://staging-api.newrelic.com/graphql"
	DefaultIngestWait     = 20 * time.Second
	DefaultWorkers        = 5
	DefaultProtocol       = "grpc"
)

// Protocols supported for export.
var Protocols = []string{"grpc", "http/protobuf"}

// Config is everything a run needs. It is passed explicitly to the runner.
type Config struct {
	ExportEndpoint string
	LicenseKey     string
	UserAPIKey     string
	AccountID      int64
	QueryEndpoint  string
	OutputDir      string
	Obfuscate      bool
	IngestWait     time.Duration
	Workers        int
	Protocol       string
	QueryTimeout   time.Duration
	Signals        []signal.Kind
}

// DefaultConfig returns a Config with every optional value at its default.
func DefaultConfig() Config {
	return Config{
		ExportEndpoint: DefaultExportEndpoint,
		QueryEndpoint:  DefaultQueryEndpoint,
		Obfuscate:      true,
		IngestWait:     DefaultIngestWait,
		Workers:        DefaultWorkers,
		Protocol:       DefaultProtocol,
		QueryTimeout:   query.DefaultTimeout,
		Signals:        append([]signal.Kind(nil), signal.Kinds...),
	}
}

// ConfigError reports missing or invalid configuration. It is fatal to a run.
type ConfigError struct {
	Missing []string
	Err     error
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

type configErrors struct {
	missing []string
	errs    *multierror.Error
}

func (c *configErrors) require(key string, present bool) {
	if present {
		return
	}
	c.missing = append(c.missing, envNames[key])
	c.errs = multierror.Append(c.errs, fmt.Errorf("%s is required", envNames[key]))
}

func (c *configErrors) add(err error) {
	c.errs = multierror.Append(c.errs, err)
}

func (c *configErrors) result() error {
	if c.errs.ErrorOrNil() == nil {
		return nil
	}
	c.errs.ErrorFormat = func(es []error) string {
		msgs := make([]string, len(es))
		for i, e := range es {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return &ConfigError{Missing: c.missing, Err: c.errs}
}

// Validate checks required values and bounds.
func (c Config) Validate() error {
	var ce configErrors
	ce.require(KeyLicenseKey, c.LicenseKey != "")
	ce.require(KeyUserAPIKey, c.UserAPIKey != "")
	ce.require(KeyAccountID, c.AccountID != 0)
	ce.require(KeyOutputDir, c.OutputDir != "")
	ce.require(KeyExportEndpoint, c.ExportEndpoint != "")
	ce.require(KeyQueryEndpoint, c.QueryEndpoint != "")

	if c.AccountID < 0 {
		ce.add(fmt.Errorf("%s must be positive, got %d", envNames[KeyAccountID], c.AccountID))
	}
	if c.IngestWait < 0 {
		ce.add(fmt.Errorf("%s must not be negative, got %s", envNames[KeyIngestWait], c.IngestWait))
	}
	if c.Workers < 1 {
		ce.add(fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if !validProtocol(c.Protocol) {
		ce.add(fmt.Errorf("unsupported protocol %q, supported: %s", c.Protocol, strings.Join(Protocols, ", ")))
	}
	if c.QueryTimeout <= 0 {
		ce.add(fmt.Errorf("query timeout must be positive, got %s", c.QueryTimeout))
	}
	if len(c.Signals) == 0 {
		ce.add(errors.New("no signals selected"))
	}
	return ce.result()
}

func validProtocol(p string) bool {
	for _, v := range Protocols {
		if p == v {
			return true
		}
	}
	return false
}

// BindEnv registers every key's environment variable and default on v.
func BindEnv(v *viper.Viper) error {
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("binding %s: %w", env, err)
		}
	}
	d := DefaultConfig()
	v.SetDefault(KeyExportEndpoint, d.ExportEndpoint)
	v.SetDefault(KeyQueryEndpoint, d.QueryEndpoint)
	v.SetDefault(KeyObfuscate, d.Obfuscate)
	v.SetDefault(KeyIngestWait, int(d.IngestWait/time.Second))
	v.SetDefault(KeyWorkers, d.Workers)
	v.SetDefault(KeyProtocol, d.Protocol)
	v.SetDefault(KeyQueryTimeout, d.QueryTimeout)
	v.SetDefault(KeySignals, "traces,metrics,logs")
	return nil
}

// FromViper reads a Config from v and validates it. Parse failures and
// missing values are reported together as a *ConfigError.
func FromViper(v *viper.Viper) (Config, error) {
	var ce configErrors
	cfg := Config{
		ExportEndpoint: v.GetString(KeyExportEndpoint),
		LicenseKey:     v.GetString(KeyLicenseKey),
		UserAPIKey:     v.GetString(KeyUserAPIKey),
		QueryEndpoint:  v.GetString(KeyQueryEndpoint),
		OutputDir:      v.GetString(KeyOutputDir),
		Obfuscate:      v.GetBool(KeyObfuscate),
		Workers:        v.GetInt(KeyWorkers),
		Protocol:       v.GetString(KeyProtocol),
		QueryTimeout:   v.GetDuration(KeyQueryTimeout),
	}

	if raw := v.GetString(KeyAccountID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ce.add(fmt.Errorf("%s must be an integer, got %q", envNames[KeyAccountID], raw))
		}
		cfg.AccountID = id
	}

	waitRaw := v.GetString(KeyIngestWait)
	wait, err := strconv.Atoi(waitRaw)
	if err != nil {
		ce.add(fmt.Errorf("%s must be an integer number of seconds, got %q", envNames[KeyIngestWait], waitRaw))
	}
	cfg.IngestWait = time.Duration(wait) * time.Second

	kinds, err := signal.ParseKinds(v.GetString(KeySignals))
	if err != nil {
		ce.add(err)
	}
	cfg.Signals = kinds

	if err := ce.result(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
