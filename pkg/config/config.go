package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/webportal/mailqueue/pkg/mail"
)

const (
	// DefaultConfigPath is used when neither a path argument nor
	// MAILQUEUE_CONFIG_PATH is given.
	DefaultConfigPath = "./config.yaml"

	StorePostgres = "postgres"
	StoreMemory   = "memory"

	DefaultListenAddress = ":8080"
	DefaultAdminRole     = "admin"
	DefaultEventsTopic   = "mailqueue.delivery-events"

	envPrefix = "MAILQUEUE_"
)

type Server struct {
	ListenAddress string `yaml:"listenAddress"`
	// TrustedProxies are IPs/CIDRs trusted for X-Forwarded-For.
	TrustedProxies []string `yaml:"trustedProxies"`
	// CORSOrigins are allowed in debug mode only.
	CORSOrigins     []string        `yaml:"corsOrigins"`
	Timeouts        *ServerTimeouts `yaml:"timeouts"`
	ShutdownTimeout string          `yaml:"shutdownTimeout"`
	// TriggerRate and TriggerBurst limit POST /api/dispatch/run per client IP.
	TriggerRate  float64 `yaml:"triggerRate"`
	TriggerBurst int     `yaml:"triggerBurst"`
}

type Database struct {
	// Store selects the queue backend: "postgres" (default) or "memory".
	Store    string `yaml:"store"`
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"maxConns"`
	MinConns int32  `yaml:"minConns"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Dispatcher struct {
	Interval         string `yaml:"interval"`
	BatchSize        int    `yaml:"batchSize"`
	MaxAttempts      int    `yaml:"maxAttempts"`
	StuckAfter       string `yaml:"stuckAfter"`
	SendTimeout      string `yaml:"sendTimeout"`
	Concurrency      int    `yaml:"concurrency"`
	RetryBackoff     string `yaml:"retryBackoff"`
	MaxRetryBackoff  string `yaml:"maxRetryBackoff"`
	DisableScheduler bool   `yaml:"disableScheduler"`
}

type Auth struct {
	// JWTSigningKey verifies HS256 admin tokens issued by the portal.
	JWTSigningKey string `yaml:"jwtSigningKey"`
	AdminRole     string `yaml:"adminRole"`
	// DispatchSecret is expected in the X-Dispatch-Secret header of trigger calls.
	DispatchSecret string `yaml:"dispatchSecret"`
}

// Mail holds the transport settings used until an admin saves a settings record.
type Mail struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	FromAddress string `yaml:"fromAddress"`
	FromName    string `yaml:"fromName"`
	UseSSL      bool   `yaml:"useSsl"`
	// InsecureSkipVerify disables TLS verification for SMTP. Never enable in production.
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	Region             string `yaml:"region"`
}

type DKIM struct {
	Domain         string `yaml:"domain"`
	Selector       string `yaml:"selector"`
	PrivateKey     string `yaml:"privateKey"`
	PrivateKeyPath string `yaml:"privateKeyPath"`
}

type KafkaSASL struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type KafkaTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type Kafka struct {
	Brokers          []string   `yaml:"brokers"`
	Topic            string     `yaml:"topic"`
	CompressionCodec string     `yaml:"compressionCodec"`
	SASL             *KafkaSASL `yaml:"sasl"`
	TLS              *KafkaTLS  `yaml:"tls"`
}

type Events struct {
	// Log writes every delivery event to the process log.
	Log       bool  `yaml:"log"`
	Kafka     Kafka `yaml:"kafka"`
	QueueSize int   `yaml:"queueSize"`
	Workers   int   `yaml:"workers"`
}

// Tracing configures the OpenTelemetry exporter. Spans are always created; with
// tracing disabled they go to a no-op provider.
type Tracing struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	// Exporter is one of otlp, stdout, none.
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Server     Server     `yaml:"server"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Auth       Auth       `yaml:"auth"`
	Mail       Mail       `yaml:"mail"`
	DKIM       DKIM       `yaml:"dkim"`
	Events     Events     `yaml:"events"`
	Tracing    Tracing    `yaml:"tracing"`
}

// Load loads the configuration. The file path is taken from the argument, then
// MAILQUEUE_CONFIG_PATH, then ./config.yaml; a missing default file is not an
// error. A .env file in the working directory is loaded into the environment
// first and MAILQUEUE_* variables override file values.
func Load(configPath ...string) (Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	path := os.Getenv(envPrefix + "CONFIG_PATH")
	explicit := path != ""
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
		explicit = true
	}
	if path == "" {
		path = DefaultConfigPath
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("trying to open mailqueue config file %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Defaults fills in unset values.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Server.TriggerRate <= 0 {
		c.Server.TriggerRate = 1
	}
	if c.Server.TriggerBurst <= 0 {
		c.Server.TriggerBurst = 5
	}
	if c.Database.Store == "" {
		c.Database.Store = StorePostgres
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = DefaultAdminRole
	}
	if c.Mail.Provider == "" {
		c.Mail.Provider = string(mail.ProviderSMTP)
	}
	if c.Mail.Port == 0 && c.Mail.Provider == string(mail.ProviderSMTP) {
		c.Mail.Port = 587
	}
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = DefaultEventsTopic
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "mailqueue"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
}

// Validate rejects values that cannot work. Call Defaults first.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("database.store %q is not one of postgres, memory", c.Database.Store))
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 || (c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns) {
		errs = append(errs, errors.New("database.minConns must be between 0 and database.maxConns"))
	}

	durations := map[string]string{
		"dispatcher.interval":        c.Dispatcher.Interval,
		"dispatcher.stuckAfter":      c.Dispatcher.StuckAfter,
		"dispatcher.sendTimeout":     c.Dispatcher.SendTimeout,
		"dispatcher.retryBackoff":    c.Dispatcher.RetryBackoff,
		"dispatcher.maxRetryBackoff": c.Dispatcher.MaxRetryBackoff,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: %q is not a positive duration", name, v))
		}
	}
	if c.Dispatcher.BatchSize < 0 || c.Dispatcher.MaxAttempts < 0 || c.Dispatcher.Concurrency < 0 {
		errs = append(errs, errors.New("dispatcher batchSize, maxAttempts and concurrency must not be negative"))
	}

	if !mail.Provider(c.Mail.Provider).Valid() {
		errs = append(errs, fmt.Errorf("mail.provider %q is not one of smtp, ses, sendgrid", c.Mail.Provider))
	}
	if c.Mail.Port < 0 || c.Mail.Port > 65535 {
		errs = append(errs, fmt.Errorf("mail.port %d is out of range", c.Mail.Port))
	}
	if c.Auth.JWTSigningKey != "" && len(c.Auth.JWTSigningKey) < 32 {
		errs = append(errs, errors.New("auth.jwtSigningKey must be at least 32 bytes"))
	}
	if (c.DKIM.Domain != "" || c.DKIM.Selector != "") && c.DKIM.PrivateKey == "" && c.DKIM.PrivateKeyPath == "" {
		errs = append(errs, errors.New("dkim requires privateKey or privateKeyPath"))
	}

	switch c.Tracing.Exporter {
	case "otlp", "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not one of otlp, stdout, none", c.Tracing.Exporter))
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required for the otlp exporter"))
	}

	return errors.Join(errs...)
}

// DispatcherConfig converts the dispatcher section. Unset values are filled by
// the dispatcher defaults.
func (c Config) DispatcherConfig() mail.DispatcherConfig {
	d := c.Dispatcher
	return mail.DispatcherConfig{
		BatchSize:       d.BatchSize,
		MaxAttempts:     d.MaxAttempts,
		StuckAfter:      parseDurationOrDefault(d.StuckAfter, mail.DefaultStuckAfter),
		SendTimeout:     parseDurationOrDefault(d.SendTimeout, mail.DefaultSendTimeout),
		Concurrency:     d.Concurrency,
		RetryBackoff:    parseDurationOrDefault(d.RetryBackoff, mail.DefaultRetryBackoff),
		MaxRetryBackoff: parseDurationOrDefault(d.MaxRetryBackoff, mail.DefaultMaxRetryBackoff),
	}.WithDefaults()
}

// SchedulerInterval is the time between scheduled dispatch cycles.
func (c Config) SchedulerInterval() time.Duration {
	return parseDurationOrDefault(c.Dispatcher.Interval, mail.DefaultSchedulerInterval)
}

// TransportDefaults are served as settings until a record is saved.
func (c Config) TransportDefaults() mail.TransportSettings {
	return mail.TransportSettings{
		Enabled:            c.Mail.Enabled,
		Provider:           mail.Provider(c.Mail.Provider),
		Host:               c.Mail.Host,
		Port:               c.Mail.Port,
		Username:           c.Mail.Username,
		Password:           c.Mail.Password,
		Region:             c.Mail.Region,
		FromAddress:        c.Mail.FromAddress,
		FromName:           c.Mail.FromName,
		UseSSL:             c.Mail.UseSSL,
		InsecureSkipVerify: c.Mail.InsecureSkipVerify,
	}
}

// DKIMConfig converts the dkim section.
func (c Config) DKIMConfig() mail.DKIMConfig {
	return mail.DKIMConfig{
		Domain:         c.DKIM.Domain,
		Selector:       c.DKIM.Selector,
		PrivateKey:     c.DKIM.PrivateKey,
		PrivateKeyPath: c.DKIM.PrivateKeyPath,
	}
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides file values with MAILQUEUE_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %q is not a number", envPrefix, name, v)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %q is not a boolean", envPrefix, name, v)
		}
		*dst = b
		return nil
	}

	str("LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	str("STORE", &cfg.Database.Store)
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("DISPATCH_INTERVAL", &cfg.Dispatcher.Interval)
	str("JWT_SIGNING_KEY", &cfg.Auth.JWTSigningKey)
	str("DISPATCH_SECRET", &cfg.Auth.DispatchSecret)
	str("MAIL_PROVIDER", &cfg.Mail.Provider)
	str("MAIL_HOST", &cfg.Mail.Host)
	str("MAIL_USERNAME", &cfg.Mail.Username)
	str("MAIL_PASSWORD", &cfg.Mail.Password)
	str("MAIL_FROM_ADDRESS", &cfg.Mail.FromAddress)
	str("MAIL_FROM_NAME", &cfg.Mail.FromName)
	str("DKIM_PRIVATE_KEY_PATH", &cfg.DKIM.PrivateKeyPath)
	str("KAFKA_TOPIC", &cfg.Events.Kafka.Topic)
	str("TRACING_EXPORTER", &cfg.Tracing.Exporter)
	str("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok && v != "" {
		cfg.Events.Kafka.Brokers = splitList(v)
	}

	var errs []error
	errs = append(errs,
		num("REDIS_DB", &cfg.Redis.DB),
		num("DISPATCH_BATCH_SIZE", &cfg.Dispatcher.BatchSize),
		num("DISPATCH_MAX_ATTEMPTS", &cfg.Dispatcher.MaxAttempts),
		num("MAIL_PORT", &cfg.Mail.Port),
		flag("DISABLE_SCHEDULER", &cfg.Dispatcher.DisableScheduler),
		flag("MAIL_ENABLED", &cfg.Mail.Enabled),
		flag("TRACING_ENABLED", &cfg.Tracing.Enabled),
	)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
