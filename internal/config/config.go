package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Config is the top-level configuration for ribd: the ingress transport, the
// per-family route pipelines, the audit database, and the FIB->MRIB
// redistributor.
type Config struct {
	Service   ServiceConfig           `koanf:"service"`
	Kafka     KafkaConfig             `koanf:"kafka"`
	Postgres  PostgresConfig          `koanf:"postgres"`
	Peers     map[string]PeerConfig   `koanf:"peers"`
	Fib2mrib  Fib2mribConfig          `koanf:"fib2mrib"`
	Retention RetentionConfig         `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	LocalAS                uint32 `koanf:"local_as"`
	RouterID               string `koanf:"router_id"`
}

// PeerConfig describes one BGP peer's pipeline attachment point: which
// address families it carries and whether it is treated as internal (iBGP)
// for the eBGP-over-iBGP decision step.
type PeerConfig struct {
	Name         string   `koanf:"name"`
	RemoteAS     uint32   `koanf:"remote_as"`
	RouterID     string   `koanf:"router_id"`
	Internal     bool     `koanf:"internal"`
	Families     []string `koanf:"families"` // "ipv4", "ipv6"
	Topics       []string `koanf:"topics"`   // Kafka topics carrying this peer's decoded updates; defaults to "ribd.peer.<name>" if unset
	ExportPolicy []string `koanf:"export_policy"`
	ImportPolicy []string `koanf:"import_policy"`
}

type KafkaConfig struct {
	Brokers       []string       `koanf:"brokers"`
	ClientID      string         `koanf:"client_id"`
	TLS           TLSConfig      `koanf:"tls"`
	SASL          SASLConfig     `koanf:"sasl"`
	Ingress       ConsumerConfig `koanf:"ingress"`
	FetchMaxBytes int32          `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type ConsumerConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// Fib2mribConfig configures the FIB->MRIB redistributor: which protocols'
// routes are eligible for redistribution and how snapshots are persisted.
type Fib2mribConfig struct {
	Enabled              bool     `koanf:"enabled"`
	TargetProtocols      []string `koanf:"target_protocols"`
	SnapshotIntervalSecs int      `koanf:"snapshot_interval_secs"`
	SnapshotCompress     bool     `koanf:"snapshot_compress"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: RIBD_KAFKA__BROKERS -> kafka.brokers
	if err := k.Load(env.Provider("RIBD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RIBD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "ribd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "ribd",
			FetchMaxBytes: 52428800,
			Ingress: ConsumerConfig{
				GroupID: "ribd-ingress",
			},
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Fib2mrib: Fib2mribConfig{
			SnapshotIntervalSecs: 60,
			SnapshotCompress:     true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.Ingress.Topics) == 1 && strings.Contains(cfg.Kafka.Ingress.Topics[0], ",") {
		cfg.Kafka.Ingress.Topics = strings.Split(cfg.Kafka.Ingress.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Kafka.Ingress.GroupID == "" {
		return fmt.Errorf("config: kafka.ingress.group_id is required")
	}
	if len(c.Kafka.Ingress.Topics) == 0 {
		return fmt.Errorf("config: kafka.ingress.topics is required")
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Service.LocalAS == 0 {
		return fmt.Errorf("config: service.local_as is required")
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if c.Fib2mrib.Enabled && c.Fib2mrib.SnapshotIntervalSecs <= 0 {
		return fmt.Errorf("config: fib2mrib.snapshot_interval_secs must be > 0 when fib2mrib is enabled")
	}
	for name, p := range c.Peers {
		if len(p.Families) == 0 {
			return fmt.Errorf("config: peers.%s.families is required", name)
		}
		for _, f := range p.Families {
			if f != "ipv4" && f != "ipv6" {
				return fmt.Errorf("config: peers.%s.families contains unsupported family %q", name, f)
			}
		}
		if p.RouterID == "" {
			return fmt.Errorf("config: peers.%s.router_id is required", name)
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
