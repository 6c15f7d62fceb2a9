// Package config loads controller settings from the environment and lets
// command line flags override them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	SourceCRD  = "crd"
	SourceFile = "file"
)

type Config struct {
	InstanceID string
	// Namespace is where the controller runs and keeps its desired-state resources.
	Namespace      string
	WildcardSecret string
	Template       string
	TemplateDir    string
	Organization   string
	LogLevel       string

	Resync       time.Duration
	Workers      int
	ItemTimeout  time.Duration
	CycleTimeout time.Duration

	Source     string
	SourceFile string

	DatabaseURL   string
	RedisAddr     string
	EventSinkURL  string
	BatchInterval time.Duration
	BatchMaxItems int

	OTLPEndpoint string
	JWTKey       string
	RequireAuth  bool

	HTTPAddr    string
	MetricsAddr string
	ProbeAddr   string
	LeaderElect bool
}

// FromEnv returns the configuration described by the environment, with defaults.
func FromEnv() Config {
	return Config{
		InstanceID:     getenv("NOVASPACE_INSTANCE_ID", "novaspace"),
		Namespace:      getenv("NOVASPACE_NAMESPACE", "novaspace-system"),
		WildcardSecret: getenv("NOVASPACE_WILDCARD_SECRET", ""),
		Template:       getenv("NOVASPACE_TEMPLATE", "standard"),
		TemplateDir:    getenv("NOVASPACE_TEMPLATE_DIR", ""),
		Organization:   getenv("NOVASPACE_CERT_ORGANIZATION", ""),
		LogLevel:       getenv("NOVASPACE_LOG_LEVEL", "info"),
		Resync:         seconds("NOVASPACE_RESYNC_SECONDS", 30),
		Workers:        getenvInt("NOVASPACE_WORKERS", 4),
		ItemTimeout:    seconds("NOVASPACE_ITEM_TIMEOUT_SECONDS", 30),
		CycleTimeout:   seconds("NOVASPACE_CYCLE_TIMEOUT_SECONDS", 300),
		Source:         getenv("NOVASPACE_SOURCE", SourceCRD),
		SourceFile:     getenv("NOVASPACE_SOURCE_FILE", ""),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		RedisAddr:      getenv("REDIS_ADDR", ""),
		EventSinkURL:   getenv("EVENT_SINK_URL", ""),
		BatchInterval:  seconds("BATCH_INTERVAL_SECONDS", 10),
		BatchMaxItems:  getenvInt("BATCH_MAX_ITEMS", 100),
		OTLPEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		JWTKey:         getenv("JWT_SIGNING_KEY", ""),
		RequireAuth:    parseBool(os.Getenv("NOVASPACE_REQUIRE_AUTH")),
		HTTPAddr:       getenv("NOVASPACE_HTTP_ADDR", ":8080"),
		MetricsAddr:    getenv("NOVASPACE_METRICS_ADDR", ":8081"),
		ProbeAddr:      getenv("NOVASPACE_PROBE_ADDR", ":8082"),
		LeaderElect:    getenvBool("NOVASPACE_LEADER_ELECT", true),
	}
}

// BindFlags registers flags whose defaults are the current values of c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.InstanceID, "instance-id", c.InstanceID, "controller instance id stamped on owned resources (env NOVASPACE_INSTANCE_ID)")
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "controller namespace (env NOVASPACE_NAMESPACE)")
	fs.StringVar(&c.WildcardSecret, "wildcard-secret", c.WildcardSecret, "wildcard certificate secret as namespace/name (env NOVASPACE_WILDCARD_SECRET)")
	fs.StringVar(&c.Template, "template", c.Template, "default resource template (env NOVASPACE_TEMPLATE)")
	fs.StringVar(&c.TemplateDir, "template-dir", c.TemplateDir, "directory overriding the built-in templates (env NOVASPACE_TEMPLATE_DIR)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level debug|info|warn|error (env NOVASPACE_LOG_LEVEL)")
	fs.DurationVar(&c.Resync, "resync", c.Resync, "interval between reconcile cycles")
	fs.IntVar(&c.Workers, "workers", c.Workers, "address spaces reconciled concurrently (env NOVASPACE_WORKERS)")
	fs.DurationVar(&c.ItemTimeout, "item-timeout", c.ItemTimeout, "time limit for one address space")
	fs.DurationVar(&c.CycleTimeout, "cycle-timeout", c.CycleTimeout, "time limit for a whole cycle")
	fs.StringVar(&c.Source, "source", c.Source, "desired state source crd|file (env NOVASPACE_SOURCE)")
	fs.StringVar(&c.SourceFile, "file", c.SourceFile, "desired state YAML file (env NOVASPACE_SOURCE_FILE)")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "status API listen address, empty disables it")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "metrics listen address")
	fs.StringVar(&c.ProbeAddr, "probe-addr", c.ProbeAddr, "health probe listen address")
	fs.BoolVar(&c.LeaderElect, "leader-elect", c.LeaderElect, "enable leader election")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance id must not be empty"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Resync <= 0 {
		errs = append(errs, fmt.Errorf("resync must be positive, got %s", c.Resync))
	}
	if c.ItemTimeout <= 0 {
		errs = append(errs, fmt.Errorf("item timeout must be positive, got %s", c.ItemTimeout))
	}
	if c.CycleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("cycle timeout must be positive, got %s", c.CycleTimeout))
	}
	if c.WildcardSecret != "" {
		if _, _, err := c.WildcardRef(); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Source {
	case SourceCRD:
	case SourceFile:
		if c.SourceFile == "" {
			errs = append(errs, errors.New("file source needs a file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
	}
	if c.RequireAuth && c.JWTKey == "" {
		errs = append(errs, errors.New("JWT_SIGNING_KEY is required when auth is required"))
	}
	return errors.Join(errs...)
}

// WildcardRef splits WildcardSecret into namespace and name. A bare name
// lives in the controller namespace.
func (c Config) WildcardRef() (namespace, name string, err error) {
	ref := strings.TrimSpace(c.WildcardSecret)
	if ref == "" {
		return "", "", nil
	}
	parts := strings.Split(ref, "/")
	switch {
	case len(parts) == 1:
		return c.Namespace, parts[0], nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], nil
	}
	return "", "", fmt.Errorf("wildcard secret %q must be name or namespace/name", ref)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return d
}

func getenvBool(k string, d bool) bool {
	if v := os.Getenv(k); v != "" {
		return parseBool(v)
	}
	return d
}

func seconds(k string, d int) time.Duration {
	return time.Duration(getenvInt(k, d)) * time.Second
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	default:
		return false
	}
}
