// Package config loads broker configuration from flags, environment and
// config files.
package config

import (
	"errors"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-broker/internal/queue"
	"github.com/gezibash/arc-broker/internal/transport"
)

// EnvPrefix prefixes environment overrides, e.g. ARC_BROKER_ACCEPTOR_PORT.
const EnvPrefix = "ARC_BROKER"

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Acceptor      TransportConfig     `mapstructure:"acceptor"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	Journal       BackendConfig       `mapstructure:"journal"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	Observability ObservabilityConfig `mapstructure:"observability"`

	// Policy is a CEL admission expression over method, session, peer and
	// tls. Empty admits every call.
	Policy string `mapstructure:"policy"`
}

// TransportConfig is the file form of transport.Configuration. It is used
// for the serve acceptor and for client connectors.
type TransportConfig struct {
	Name           string            `mapstructure:"name"`
	Kind           string            `mapstructure:"kind"`
	Host           string            `mapstructure:"host"`
	Port           int               `mapstructure:"port"`
	TLSEnabled     bool              `mapstructure:"tls_enabled"`
	InVMDisabled   bool              `mapstructure:"invm_disabled"`
	NeedClientAuth bool              `mapstructure:"need_client_auth"`
	Params         map[string]string `mapstructure:"params"`
}

type GRPCConfig struct {
	MaxRecvMsgSize   int  `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize   int  `mapstructure:"max_send_msg_size"`
	EnableReflection bool `mapstructure:"enable_reflection"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type DeliveryConfig struct {
	MaxRedeliveries int           `mapstructure:"max_redeliveries"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	OTLPInsecure     bool    `mapstructure:"otlp_insecure"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

// DefaultDataDir returns ~/.arc-broker, or a relative .arc-broker when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc-broker"
	}
	return filepath.Join(home, ".arc-broker")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("acceptor.name", "broker")
	v.SetDefault("acceptor.kind", string(transport.KindRemote))
	v.SetDefault("acceptor.host", "0.0.0.0")
	v.SetDefault("acceptor.port", 50051)
	v.SetDefault("acceptor.tls_enabled", false)
	v.SetDefault("acceptor.invm_disabled", false)
	v.SetDefault("acceptor.need_client_auth", false)

	v.SetDefault("grpc.max_recv_msg_size", 4*1024*1024)
	v.SetDefault("grpc.max_send_msg_size", 4*1024*1024)
	v.SetDefault("grpc.enable_reflection", false)

	v.SetDefault("journal.backend", "badger")
	v.SetDefault("policy", "")

	v.SetDefault("delivery.max_redeliveries", queue.DefaultMaxRedeliveries)
	v.SetDefault("delivery.ack_timeout", queue.DefaultAckTimeout)
	v.SetDefault("delivery.reap_interval", queue.ReapInterval)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "auto")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.otlp_insecure", true)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.service_name", "arc-broker")
	v.SetDefault("observability.service_version", "dev")
}

// Load reads config from flags, env, and file, returning the merged Config.
// A missing config file is only an error when configFile names it.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("broker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arc-broker")
		v.AddConfigPath("/etc/arc-broker")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ToTransport converts and validates the endpoint.
func (t TransportConfig) ToTransport() (*transport.Configuration, error) {
	kind, err := transport.ParseKind(t.Kind)
	if err != nil {
		return nil, err
	}
	cfg := &transport.Configuration{
		Name:           t.Name,
		Kind:           kind,
		Host:           t.Host,
		Port:           t.Port,
		TLSEnabled:     t.TLSEnabled,
		InVMDisabled:   t.InVMDisabled,
		NeedClientAuth: t.NeedClientAuth,
		Params:         maps.Clone(t.Params),
	}
	if err := transport.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// QueueOptions returns the queue delivery policy.
func (d DeliveryConfig) QueueOptions() queue.Options {
	return queue.Options{
		MaxRedeliveries: d.MaxRedeliveries,
		AckTimeout:      d.AckTimeout,
	}
}

// JournalParams returns the journal backend parameters. File-backed
// backends without an explicit path are placed under the data directory.
func (c Config) JournalParams() map[string]string {
	p := maps.Clone(c.Journal.Config)
	if p == nil {
		p = make(map[string]string)
	}
	if p["path"] != "" || c.DataDir == "" {
		return p
	}
	switch c.Journal.Backend {
	case "badger":
		p["path"] = filepath.Join(c.DataDir, "journal")
	case "sqlite":
		p["path"] = filepath.Join(c.DataDir, "journal.db")
	}
	return p
}
