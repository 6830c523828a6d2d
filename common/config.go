package common

import "github.com/spf13/viper"

// ===============================================================================
// Upstream Feed Related Config

// FeedReconnectConfig defines upstream feed reconnect parameters
type FeedReconnectConfig struct {
	// MaxRetries sets the max number of reconnect attempts before the
	// feed connection is abandoned
	MaxRetries int `mapstructure:"max_retries" json:"max_retries" validate:"gte=1"`
	// BaseDelay is the initial backoff delay between reconnect attempts in milliseconds
	BaseDelay int `mapstructure:"base_delay_ms" json:"base_delay_ms" validate:"gte=1"`
	// MaxDelay is the backoff delay ceiling in milliseconds
	MaxDelay int `mapstructure:"max_delay_ms" json:"max_delay_ms" validate:"gte=1"`
}

// FeedConfig defines parameters for connecting to the upstream data feed
type FeedConfig struct {
	// ServerURI is the NATS connection URI of the upstream feed
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to the feed in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Subject is the NATS subject carrying raw market updates
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// Reconnect defines reconnect backoff parameters
	Reconnect FeedReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Distribution Related Config

// RegistryConfig defines subscriber connection registry parameters
type RegistryConfig struct {
	// MaxConnections is the subscriber connection capacity ceiling
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"required,gte=1"`
	// IdleTimeout is the duration without activity after which a
	// connection becomes eligible for eviction, in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"required,gte=1"`
	// SweepInterval is the interval between idle connection sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"required,gte=1"`
}

// BatcherConfig defines channel batcher parameters
type BatcherConfig struct {
	// MaxBatchSize is the per-channel queue length which triggers an
	// immediate flush of that channel
	MaxBatchSize int `mapstructure:"max_batch_size" json:"max_batch_size" validate:"required,gte=1"`
	// BatchDelay is the shared flush timer delay in milliseconds
	BatchDelay int `mapstructure:"batch_delay_ms" json:"batch_delay_ms" validate:"required,gte=1"`
}

// ThrottleConfig defines update throttle parameters
type ThrottleConfig struct {
	// Interval is the max duration an update for a subject can be
	// suppressed before one is forwarded regardless of change, in milliseconds
	Interval int `mapstructure:"interval_ms" json:"interval_ms" validate:"required,gte=1"`
	// SignificantChange is the minimum relative change in a numeric
	// field which forces an update through, e.g. 0.01 for 1%
	SignificantChange float64 `mapstructure:"significant_change" json:"significant_change" validate:"required,gt=0"`
	// ForcedFields are field names whose change always forces an update through
	ForcedFields []string `mapstructure:"forced_fields" json:"forced_fields"`
}

// DistributionConfig defines the update distribution parameters
type DistributionConfig struct {
	// Registry are the subscriber connection registry parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Batcher are the channel batcher parameters
	Batcher BatcherConfig `mapstructure:"batcher" json:"batcher" validate:"required,dive"`
	// Throttle are the update throttle parameters
	Throttle ThrottleConfig `mapstructure:"throttle" json:"throttle" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the feedmux server
type SystemConfig struct {
	// Feed are the upstream data feed config parameters
	Feed FeedConfig `mapstructure:"feed" json:"feed" validate:"required,dive"`
	// Distribution are the update distribution config parameters
	Distribution DistributionConfig `mapstructure:"distribution" json:"distribution" validate:"required,dive"`
	// HTTPSetting are the subscriber / management API server configs
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default upstream feed settings
	viper.SetDefault("feed.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("feed.connect_timeout_sec", 30)
	viper.SetDefault("feed.subject", "feedmux.updates")
	viper.SetDefault("feed.reconnect.max_retries", 8)
	viper.SetDefault("feed.reconnect.base_delay_ms", 1000)
	viper.SetDefault("feed.reconnect.max_delay_ms", 30000)

	// Default distribution settings
	viper.SetDefault("distribution.registry.max_connections", 512)
	viper.SetDefault("distribution.registry.idle_timeout_sec", 300)
	viper.SetDefault("distribution.registry.sweep_interval_sec", 60)
	viper.SetDefault("distribution.batcher.max_batch_size", 50)
	viper.SetDefault("distribution.batcher.batch_delay_ms", 250)
	viper.SetDefault("distribution.throttle.interval_ms", 1000)
	viper.SetDefault("distribution.throttle.significant_change", 0.01)
	viper.SetDefault("distribution.throttle.forced_fields", []string{})

	// Default API server settings
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Feedmux-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers",
		[]string{"WWW-Authenticate", "Authorization", "Proxy-Authorization"},
	)
}
