package swshare

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings such as
// "30s" or "500ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ShipConfig configures the shipboard daemon.
type ShipConfig struct {
	// ShoreAddr is the shore endpoint: "host:port" for plain TCP, or a
	// tcp://, tls://, ws:// or wss:// URL.
	ShoreAddr string `toml:"shore_addr"`
	// Listen is the local HTTP proxy listen address.
	Listen string `toml:"listen"`
	// Socks5, if nonempty, adds a local SOCKS5 listener on this address.
	Socks5 string `toml:"socks5"`

	MaxFramePayload uint32   `toml:"max_frame_payload"`
	RecvTimeout     Duration `toml:"recv_timeout"`
	ResultWait      Duration `toml:"result_wait"`
	MinBackoff      Duration `toml:"min_backoff"`
	MaxBackoff      Duration `toml:"max_backoff"`
	QueueCapacity   int      `toml:"queue_capacity"`

	TLSServerName string `toml:"tls_server_name"`
	TLSInsecure   bool   `toml:"tls_insecure"`

	// LedgerPath, if nonempty, enables the SQLite traffic ledger.
	LedgerPath string `toml:"ledger_path"`

	LogLevel string `toml:"log_level"`
}

// DefaultShipConfig returns a ShipConfig with all defaults filled in.
func DefaultShipConfig() *ShipConfig {
	return &ShipConfig{
		ShoreAddr:     "localhost:9999",
		Listen:        ":8080",
		RecvTimeout:   Duration(60 * time.Second),
		ResultWait:    Duration(60 * time.Second),
		MinBackoff:    Duration(500 * time.Millisecond),
		MaxBackoff:    Duration(30 * time.Second),
		QueueCapacity: 512,
		LogLevel:      "info",
	}
}

func (c *ShipConfig) logLevel() LogLevel {
	return configLogLevel(c.LogLevel)
}

// Validate checks the configuration for inconsistencies.
func (c *ShipConfig) Validate() error {
	if c.ShoreAddr == "" {
		return fmt.Errorf("config: shore_addr is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("config: listen is required")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: queue_capacity must be positive")
	}
	if StringToLogLevel(c.LogLevel) == LogLevelUnknown {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// ApplyEnv overlays environment variables on the config. The legacy
// OFFSHORE_HOST, OFFSHORE_PORT, LISTEN_PORT and LOG_LEVEL names are
// honored alongside the SEAWIRE_* names.
func (c *ShipConfig) ApplyEnv() {
	if host := os.Getenv("OFFSHORE_HOST"); host != "" {
		port := os.Getenv("OFFSHORE_PORT")
		if port == "" {
			port = "9999"
		}
		c.ShoreAddr = host + ":" + port
	}
	if port := os.Getenv("LISTEN_PORT"); port != "" {
		c.Listen = ":" + port
	}
	if v := os.Getenv("SEAWIRE_SHORE_ADDR"); v != "" {
		c.ShoreAddr = v
	}
	if v := os.Getenv("SEAWIRE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SEAWIRE_SOCKS5"); v != "" {
		c.Socks5 = v
	}
	if v := os.Getenv("SEAWIRE_LEDGER"); v != "" {
		c.LedgerPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SEAWIRE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// ShoreConfig configures the shore egress daemon.
type ShoreConfig struct {
	// Listen is the transport listen address.
	Listen string `toml:"listen"`
	// Mode is the transport flavor: "tcp", "tls" or "ws".
	Mode string `toml:"mode"`

	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	// InsecureUpstream disables TLS verification on outbound HTTPS
	// requests made on behalf of ships.
	InsecureUpstream bool `toml:"insecure_upstream"`

	HTTPTimeout     Duration `toml:"http_timeout"`
	DialTimeout     Duration `toml:"dial_timeout"`
	MaxFramePayload uint32   `toml:"max_frame_payload"`

	LogLevel string `toml:"log_level"`
}

// DefaultShoreConfig returns a ShoreConfig with all defaults filled in.
func DefaultShoreConfig() *ShoreConfig {
	return &ShoreConfig{
		Listen:      ":9999",
		Mode:        "tcp",
		HTTPTimeout: Duration(30 * time.Second),
		DialTimeout: Duration(30 * time.Second),
		LogLevel:    "info",
	}
}

func (c *ShoreConfig) logLevel() LogLevel {
	return configLogLevel(c.LogLevel)
}

// Validate checks the configuration for inconsistencies.
func (c *ShoreConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen is required")
	}
	switch c.Mode {
	case "tcp", "ws":
	case "tls":
		if c.CertFile == "" || c.KeyFile == "" {
			return fmt.Errorf("config: tls mode requires cert_file and key_file")
		}
	default:
		return fmt.Errorf("config: unknown mode %q (want tcp, tls or ws)", c.Mode)
	}
	if StringToLogLevel(c.LogLevel) == LogLevelUnknown {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// ApplyEnv overlays environment variables on the config.
func (c *ShoreConfig) ApplyEnv() {
	if port := os.Getenv("LISTEN_PORT"); port != "" {
		c.Listen = ":" + port
	}
	if v := os.Getenv("SEAWIRE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SEAWIRE_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SEAWIRE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func configLogLevel(name string) LogLevel {
	level := StringToLogLevel(name)
	if level == LogLevelUnknown {
		level = LogLevelInfo
	}
	return level
}

// LoadFile decodes a TOML config file into cfg, which must be a pointer
// to a ShipConfig or ShoreConfig prefilled with defaults.
func LoadFile(path string, cfg interface{}) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
	}
	return nil
}
