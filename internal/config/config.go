package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// DefaultConfigFile is the file read when no explicit path is given.
	DefaultConfigFile = "config.json"
	// EnvPrefix namespaces environment overrides, e.g. HIPRINT_PORT.
	EnvPrefix = "HIPRINT"

	// DefaultPort is the listening port used when none or an invalid one is configured.
	DefaultPort = 17521
	// MinPort and MaxPort bound the accepted listening port.
	MinPort = 10000
	MaxPort = 65535
	// DefaultToken is the shared secret used when the configured one is too short.
	DefaultToken = "vue-plugin-hiprint"
	// MinTokenLength is the shortest accepted shared secret.
	MinTokenLength = 6
	// DefaultLang is the UI language used when the configured one is unsupported.
	DefaultLang = "en"

	// DefaultCertPath and DefaultKeyPath locate the TLS materials used when useSSL is set.
	DefaultCertPath = "./src/ssl.pem"
	DefaultKeyPath  = "./src/ssl.key"

	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 25 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultRefreshInterval is how often every tenant's workers are asked for their printers.
	DefaultRefreshInterval = 10 * time.Minute
	// DefaultRefreshSettle is how long a refresh cycle waits for workers to answer.
	DefaultRefreshSettle = 2 * time.Second
	// DefaultProbeTimeout is how long a liveness probe connection is kept open.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultEventsPerSecond caps inbound events per connection. Zero disables the limit.
	DefaultEventsPerSecond = 50.0
	// DefaultEventBurst is the token bucket depth paired with DefaultEventsPerSecond.
	DefaultEventBurst = 100

	// DefaultHandshakesPerSecond caps WebSocket upgrades across the relay. Zero disables the limit.
	DefaultHandshakesPerSecond = 20.0
	// DefaultHandshakeBurst is the token bucket depth paired with DefaultHandshakesPerSecond.
	DefaultHandshakeBurst = 40

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogFormat selects JSON lines; "text" mirrors the original console layout.
	DefaultLogFormat = "json"
	// DefaultLogDir is where the daily log files are written.
	DefaultLogDir = "logs"
	// DefaultLogMaxSizeMB caps the size of a single log file before it rolls over.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained log files.
	DefaultLogMaxBackups = 30
	// DefaultLogMaxAgeDays controls how long log files are kept on disk.
	DefaultLogMaxAgeDays = 30
)

var supportedLangs = []string{"en", "zh"}

// Config captures all runtime tunables for the transit relay.
type Config struct {
	Host                string        `mapstructure:"host" json:"host"`
	Port                int           `mapstructure:"port" json:"port" validate:"gte=10000,lte=65535"`
	Token               string        `mapstructure:"token" json:"token" validate:"required,min=6"`
	UseSSL              bool          `mapstructure:"useSSL" json:"useSSL"`
	Lang                string        `mapstructure:"lang" json:"lang" validate:"oneof=en zh"`
	TLSCertPath         string        `mapstructure:"sslCert" json:"sslCert" validate:"required_if=UseSSL true"`
	TLSKeyPath          string        `mapstructure:"sslKey" json:"sslKey" validate:"required_if=UseSSL true"`
	AllowedOrigins      []string      `mapstructure:"allowedOrigins" json:"allowedOrigins"`
	MaxPayloadBytes     int64         `mapstructure:"maxPayloadBytes" json:"maxPayloadBytes" validate:"gt=0"`
	PingInterval        time.Duration `mapstructure:"pingInterval" json:"pingInterval" validate:"gt=0"`
	MaxClients          int           `mapstructure:"maxClients" json:"maxClients" validate:"gte=0"`
	RefreshInterval     time.Duration `mapstructure:"refreshInterval" json:"refreshInterval" validate:"gt=0"`
	RefreshSettle       time.Duration `mapstructure:"refreshSettle" json:"refreshSettle" validate:"gt=0,ltfield=RefreshInterval"`
	ProbeTimeout        time.Duration `mapstructure:"probeTimeout" json:"probeTimeout" validate:"gt=0"`
	EventsPerSecond     float64       `mapstructure:"eventsPerSecond" json:"eventsPerSecond" validate:"gte=0"`
	EventBurst          int           `mapstructure:"eventBurst" json:"eventBurst" validate:"gte=0"`
	HandshakesPerSecond float64       `mapstructure:"handshakesPerSecond" json:"handshakesPerSecond" validate:"gte=0"`
	HandshakeBurst      int           `mapstructure:"handshakeBurst" json:"handshakeBurst" validate:"gte=0"`
	GRPCAddr            string        `mapstructure:"grpcAddr" json:"grpcAddr"`
	Logging             LoggingConfig `mapstructure:"logging" json:"logging" validate:"required"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level" validate:"oneof=debug info warn warning error fatal"`
	Format     string `mapstructure:"format" json:"format" validate:"oneof=json text"`
	Dir        string `mapstructure:"dir" json:"dir"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB" json:"maxSizeMB" validate:"gt=0"`
	MaxBackups int    `mapstructure:"maxBackups" json:"maxBackups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"maxAgeDays" json:"maxAgeDays" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
	Stdout     bool   `mapstructure:"stdout" json:"stdout"`
}

// Address returns the host:port pair the relay listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InstallDefaults registers every default value on the viper instance.
func InstallDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("token", DefaultToken)
	v.SetDefault("useSSL", false)
	v.SetDefault("lang", DefaultLang)
	v.SetDefault("sslCert", DefaultCertPath)
	v.SetDefault("sslKey", DefaultKeyPath)
	v.SetDefault("allowedOrigins", []string{"*"})
	v.SetDefault("maxPayloadBytes", DefaultMaxPayloadBytes)
	v.SetDefault("pingInterval", DefaultPingInterval)
	v.SetDefault("maxClients", DefaultMaxClients)
	v.SetDefault("refreshInterval", DefaultRefreshInterval)
	v.SetDefault("refreshSettle", DefaultRefreshSettle)
	v.SetDefault("probeTimeout", DefaultProbeTimeout)
	v.SetDefault("eventsPerSecond", DefaultEventsPerSecond)
	v.SetDefault("eventBurst", DefaultEventBurst)
	v.SetDefault("handshakesPerSecond", DefaultHandshakesPerSecond)
	v.SetDefault("handshakeBurst", DefaultHandshakeBurst)
	v.SetDefault("grpcAddr", "")
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.dir", DefaultLogDir)
	v.SetDefault("logging.maxSizeMB", DefaultLogMaxSizeMB)
	v.SetDefault("logging.maxBackups", DefaultLogMaxBackups)
	v.SetDefault("logging.maxAgeDays", DefaultLogMaxAgeDays)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.stdout", true)
}

// NewViper returns a viper instance with defaults and environment overrides installed.
func NewViper() *viper.Viper {
	v := viper.New()
	InstallDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the relay configuration from the JSON file at path (DefaultConfigFile
// when empty), environment variables and defaults. A missing default file is not an
// error; a missing explicit file is. The returned warnings describe values that were
// replaced by their defaults.
func Load(path string) (*Config, []string, error) {
	return LoadWith(NewViper(), path)
}

// LoadWith behaves like Load using a caller supplied viper instance, which allows
// CLI flags to be bound before decoding.
func LoadWith(v *viper.Viper, path string) (*Config, []string, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	warnings := cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// Normalise applies the fallback rules for port, token and language and returns one
// message per replaced value.
func (c *Config) Normalise() []string {
	var warnings []string
	if c.Port < MinPort || c.Port > MaxPort {
		warnings = append(warnings, fmt.Sprintf("port %d outside %d-%d, using %d", c.Port, MinPort, MaxPort, DefaultPort))
		c.Port = DefaultPort
	}
	if len(c.Token) < MinTokenLength {
		warnings = append(warnings, fmt.Sprintf("token shorter than %d characters, using default token", MinTokenLength))
		c.Token = DefaultToken
	}
	lang := strings.ToLower(strings.TrimSpace(c.Lang))
	if !contains(supportedLangs, lang) {
		warnings = append(warnings, fmt.Sprintf("unsupported lang %q, using %q", c.Lang, DefaultLang))
		lang = DefaultLang
	}
	c.Lang = lang
	c.AllowedOrigins = trimList(c.AllowedOrigins)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	return warnings
}

// Validate checks the struct constraints and returns a single descriptive error.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		problems := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			problems = append(problems, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if item := strings.TrimSpace(value); item != "" {
			out = append(out, item)
		}
	}
	return out
}
