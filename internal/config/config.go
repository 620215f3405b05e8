package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"

	"github.com/katasec/dstream-anonymizer/internal/anonymize"
)

// DefaultConfigFile is read when ANONYMIZER_CONFIG is not set
const DefaultConfigFile = "anonymizer.hcl"

// Config is the runtime configuration of the anonymizer
type Config struct {
	DBURI    string
	DBDriver string
	// Feed selects the live change source: native (database CDC) or kafka (Debezium)
	Feed  string
	Kafka KafkaConfig

	BatchSize       int
	FlushInterval   time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxFlushRetries int
	RetainFields    []string

	Lock LockConfig

	MetricsAddr  string
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// KafkaConfig locates the Debezium topic for dbo.customers
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// LockConfig represents the configuration for distributed locking
type LockConfig struct {
	Type             string // Lock provider type ("none" or "azure_blob")
	ConnectionString string // Connection string for the lock provider
	ContainerName    string // Name of the container used for lock files
}

// fileConfig is the HCL file layout. Every attribute is optional.
type fileConfig struct {
	DBURI           string     `hcl:"db_uri,optional"`
	DBDriver        string     `hcl:"db_driver,optional"`
	Feed            string     `hcl:"feed,optional"`
	BatchSize       int        `hcl:"batch_size,optional"`
	FlushInterval   string     `hcl:"flush_interval,optional"`
	PollInterval    string     `hcl:"poll_interval,optional"`
	MaxPollInterval string     `hcl:"max_poll_interval,optional"`
	MaxFlushRetries *int       `hcl:"max_flush_retries,optional"`
	RetainFields    []string   `hcl:"retain_fields,optional"`
	MetricsAddr     string     `hcl:"metrics_addr,optional"`
	OTLPEndpoint    string     `hcl:"otlp_endpoint,optional"`
	LogLevel        string     `hcl:"log_level,optional"`
	LogFormat       string     `hcl:"log_format,optional"`
	Kafka           *fileKafka `hcl:"kafka,block"`
	Lock            *fileLock  `hcl:"lock,block"`
}

type fileKafka struct {
	Brokers []string `hcl:"brokers,optional"`
	Topic   string   `hcl:"topic,optional"`
	GroupID string   `hcl:"group_id,optional"`
}

type fileLock struct {
	Type             string `hcl:"type"`
	ConnectionString string `hcl:"connection_string,optional"`
	ContainerName    string `hcl:"container_name,optional"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		DBDriver:        "sqlserver",
		Feed:            "native",
		Kafka:           KafkaConfig{Topic: "dbserver1.dbo.customers", GroupID: "dstream-anonymizer"},
		BatchSize:       1000,
		FlushInterval:   time.Second,
		PollInterval:    500 * time.Millisecond,
		MaxPollInterval: 5 * time.Second,
		MaxFlushRetries: 10,
		Lock:            LockConfig{Type: "none", ContainerName: "locks"},
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load builds the configuration from defaults, an optional HCL file and the
// environment (including a .env file in the working directory), in that order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	path, explicit := os.LookupEnv("ANONYMIZER_CONFIG")
	if !explicit {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	setString(&c.DBURI, fc.DBURI)
	setString(&c.DBDriver, fc.DBDriver)
	setString(&c.Feed, fc.Feed)
	setString(&c.MetricsAddr, fc.MetricsAddr)
	setString(&c.OTLPEndpoint, fc.OTLPEndpoint)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	if fc.BatchSize != 0 {
		c.BatchSize = fc.BatchSize
	}
	if fc.MaxFlushRetries != nil {
		c.MaxFlushRetries = *fc.MaxFlushRetries
	}
	if fc.RetainFields != nil {
		c.RetainFields = fc.RetainFields
	}
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"flush_interval", fc.FlushInterval, &c.FlushInterval},
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"max_poll_interval", fc.MaxPollInterval, &c.MaxPollInterval},
	} {
		if err := setDuration(d.dst, d.value); err != nil {
			return fmt.Errorf("%s: %s: %w", path, d.name, err)
		}
	}
	if fc.Kafka != nil {
		if len(fc.Kafka.Brokers) > 0 {
			c.Kafka.Brokers = fc.Kafka.Brokers
		}
		setString(&c.Kafka.Topic, fc.Kafka.Topic)
		setString(&c.Kafka.GroupID, fc.Kafka.GroupID)
	}
	if fc.Lock != nil {
		setString(&c.Lock.Type, fc.Lock.Type)
		setString(&c.Lock.ConnectionString, fc.Lock.ConnectionString)
		setString(&c.Lock.ContainerName, fc.Lock.ContainerName)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DBURI, os.Getenv("DB_URI"))
	setString(&c.DBDriver, os.Getenv("DB_DRIVER"))
	setString(&c.Feed, os.Getenv("FEED"))
	setString(&c.Kafka.Topic, os.Getenv("KAFKA_TOPIC"))
	setString(&c.Kafka.GroupID, os.Getenv("KAFKA_GROUP_ID"))
	setString(&c.Lock.Type, os.Getenv("LOCK_TYPE"))
	setString(&c.Lock.ConnectionString, os.Getenv("LOCK_CONNECTION_STRING"))
	setString(&c.Lock.ContainerName, os.Getenv("LOCK_CONTAINER_NAME"))
	setString(&c.MetricsAddr, os.Getenv("METRICS_ADDR"))
	setString(&c.OTLPEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	setString(&c.LogFormat, os.Getenv("LOG_FORMAT"))

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := os.LookupEnv("RETAIN_FIELDS"); ok {
		c.RetainFields = splitList(v)
	}

	for _, i := range []struct {
		key string
		dst *int
	}{
		{"BATCH_SIZE", &c.BatchSize},
		{"MAX_FLUSH_RETRIES", &c.MaxFlushRetries},
	} {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", i.key, v)
			}
			*i.dst = n
		}
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"FLUSH_INTERVAL", &c.FlushInterval},
		{"POLL_INTERVAL", &c.PollInterval},
		{"MAX_POLL_INTERVAL", &c.MaxPollInterval},
	} {
		if err := setDuration(d.dst, os.Getenv(d.key)); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}
	return nil
}

// Validate ensures all required configuration is present and valid
func (c *Config) Validate() error {
	if c.DBURI == "" {
		return errors.New("DB_URI is required")
	}
	switch c.DBDriver {
	case "sqlserver", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want sqlserver or sqlite)", c.DBDriver)
	}
	switch c.Feed {
	case "native":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when FEED=kafka")
		}
		if c.Kafka.Topic == "" {
			return errors.New("KAFKA_TOPIC must not be empty")
		}
	default:
		return fmt.Errorf("unsupported FEED %q (want native or kafka)", c.Feed)
	}
	switch c.Lock.Type {
	case "", "none":
	case "azure_blob":
		if c.Lock.ConnectionString == "" {
			return errors.New("LOCK_CONNECTION_STRING is required for azure_blob locking")
		}
	default:
		return fmt.Errorf("unsupported LOCK_TYPE %q", c.Lock.Type)
	}
	if c.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if c.FlushInterval <= 0 || c.PollInterval <= 0 || c.MaxPollInterval <= 0 {
		return errors.New("intervals must be positive")
	}
	if c.MaxFlushRetries < 0 {
		return errors.New("max flush retries cannot be negative")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// Policy returns the field retention policy named by RetainFields
func (c *Config) Policy() (anonymize.Policy, error) {
	return anonymize.ParsePolicy(c.RetainFields)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
