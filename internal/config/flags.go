package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BindServeFlags binds cobra flags to viper for the serve command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.arc-broker)")
	f.String("config", "", "config file path")
	f.String("name", "", "acceptor name")
	f.String("transport", "", "acceptor transport (invm, remote)")
	f.String("host", "", "acceptor listen host")
	f.Int("port", 0, "acceptor listen port")
	f.Bool("tls", false, "enable TLS on the acceptor")
	f.Bool("need-client-auth", false, "require a verified client certificate")
	f.Bool("invm-disabled", false, "do not serve the in-process acceptor")
	f.String("keystore", "", "PEM or PKCS12 keystore path")
	f.String("truststore", "", "PEM or PKCS12 truststore path")
	f.String("journal", "", "journal backend (memory, badger, sqlite, redis)")
	f.Int("max-redeliveries", 0, "cancelled deliveries a message survives before dead-lettering")
	f.Duration("ack-timeout", 0, "in-flight time before a delivery is cancelled (0 disables)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (auto, json, text, pretty)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.String("otlp-endpoint", "", "OTLP collector endpoint (tracing off when empty)")
	f.Bool("reflection", false, "enable gRPC reflection")
	f.String("policy", "", "CEL admission policy, e.g. 'tls && peer.startsWith(\"svc-\")'")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("acceptor.name", f.Lookup("name"))
	_ = v.BindPFlag("acceptor.kind", f.Lookup("transport"))
	_ = v.BindPFlag("acceptor.host", f.Lookup("host"))
	_ = v.BindPFlag("acceptor.port", f.Lookup("port"))
	_ = v.BindPFlag("acceptor.tls_enabled", f.Lookup("tls"))
	_ = v.BindPFlag("acceptor.need_client_auth", f.Lookup("need-client-auth"))
	_ = v.BindPFlag("acceptor.invm_disabled", f.Lookup("invm-disabled"))
	_ = v.BindPFlag("acceptor.params.keystore_path", f.Lookup("keystore"))
	_ = v.BindPFlag("acceptor.params.truststore_path", f.Lookup("truststore"))
	_ = v.BindPFlag("journal.backend", f.Lookup("journal"))
	_ = v.BindPFlag("delivery.max_redeliveries", f.Lookup("max-redeliveries"))
	_ = v.BindPFlag("delivery.ack_timeout", f.Lookup("ack-timeout"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("observability.otlp_endpoint", f.Lookup("otlp-endpoint"))
	_ = v.BindPFlag("grpc.enable_reflection", f.Lookup("reflection"))
	_ = v.BindPFlag("policy", f.Lookup("policy"))
}

// BindConnectFlags binds the connector flags of client commands. They land
// under the acceptor keys so one config file serves broker and clients.
func BindConnectFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("config", "", "config file path")
	f.String("name", "", "endpoint name (in-process transport)")
	f.String("transport", "", "transport (invm, remote)")
	f.String("host", "", "broker host")
	f.Int("port", 0, "broker port")
	f.Bool("tls", false, "connect with TLS")
	f.String("keystore", "", "client PEM or PKCS12 keystore path")
	f.String("truststore", "", "PEM or PKCS12 truststore path")
	f.String("server-name", "", "TLS server name override")
	f.String("log-level", "", "log level (debug, info, warn, error)")

	_ = v.BindPFlag("acceptor.name", f.Lookup("name"))
	_ = v.BindPFlag("acceptor.kind", f.Lookup("transport"))
	_ = v.BindPFlag("acceptor.host", f.Lookup("host"))
	_ = v.BindPFlag("acceptor.port", f.Lookup("port"))
	_ = v.BindPFlag("acceptor.tls_enabled", f.Lookup("tls"))
	_ = v.BindPFlag("acceptor.params.keystore_path", f.Lookup("keystore"))
	_ = v.BindPFlag("acceptor.params.truststore_path", f.Lookup("truststore"))
	_ = v.BindPFlag("acceptor.params.server_name", f.Lookup("server-name"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
}
