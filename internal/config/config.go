package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/security"
)

// Config represents the main configuration
type Config struct {
	Server        ServerConfig     `yaml:"server"`
	Logging       LoggingConfig    `yaml:"logging"`
	Positions     PositionsConfig  `yaml:"positions"`
	Clients       []ClientConfig   `yaml:"clients"`
	ScrapeConfigs []ScrapeConfig   `yaml:"scrape_configs"`
	TargetConfig  TargetConfig     `yaml:"target_config"`
	WorkerPool    WorkerPoolConfig `yaml:"worker_pool"`
	DeadLetter    DeadLetterConfig `yaml:"dead_letter"`
	WAL           WALConfig        `yaml:"wal"`
	Tracing       TracingConfig    `yaml:"tracing"`
}

// ServerConfig defines the control and metrics listeners
type ServerConfig struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	GRPCListenAddress       string        `yaml:"grpc_listen_address"`
	GRPCListenPort          int           `yaml:"grpc_listen_port"` // 0 disables gRPC
	Profiling               bool          `yaml:"profiling,omitempty"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout,omitempty"`
}

// HTTPAddress returns the host:port the HTTP server listens on
func (s ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", s.HTTPListenAddress, s.HTTPListenPort)
}

// GRPCAddress returns the host:port the gRPC server listens on
func (s ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", s.GRPCListenAddress, s.GRPCListenPort)
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// PositionsConfig defines where read offsets are persisted
type PositionsConfig struct {
	Filename          string        `yaml:"filename"`
	SyncPeriod        time.Duration `yaml:"sync_period"`
	IgnoreInvalidYAML bool          `yaml:"ignore_invalid_yaml,omitempty"`
}

// ClientConfig describes one destination entries are pushed to
type ClientConfig struct {
	Name           string                     `yaml:"name,omitempty"`
	Type           string                     `yaml:"type,omitempty"` // loki, kafka, elasticsearch, s3
	URL            string                     `yaml:"url,omitempty"`
	TenantID       string                     `yaml:"tenant_id,omitempty"`
	Timeout        time.Duration              `yaml:"timeout,omitempty"`
	BatchWait      time.Duration              `yaml:"batch_wait,omitempty"`
	BatchSize      int                        `yaml:"batch_size,omitempty"`    // bytes
	BatchEntries   int                        `yaml:"batch_entries,omitempty"` // 0 means unbounded
	Compression    string                     `yaml:"compression,omitempty"`
	ExternalLabels map[string]string          `yaml:"external_labels,omitempty"`
	BackoffConfig  BackoffConfig              `yaml:"backoff_config,omitempty"`
	CircuitBreaker *CircuitBreakerConfig      `yaml:"circuit_breaker,omitempty"`
	RateLimit      RateLimitConfig            `yaml:"rate_limit,omitempty"`
	Queue          QueueConfig                `yaml:"queue,omitempty"`
	TLSConfig      TLSConfig                  `yaml:"tls_config,omitempty"`
	Kafka          *KafkaClientConfig         `yaml:"kafka,omitempty"`
	Elasticsearch  *ElasticsearchClientConfig `yaml:"elasticsearch,omitempty"`
	S3             *S3ClientConfig            `yaml:"s3,omitempty"`
}

// BackoffConfig holds retry configuration for a client
type BackoffConfig struct {
	MinPeriod  time.Duration `yaml:"min_period,omitempty"`
	MaxPeriod  time.Duration `yaml:"max_period,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests,omitempty"`
	Interval         time.Duration `yaml:"interval,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
}

// RateLimitConfig limits the bytes per second a client pushes
type RateLimitConfig struct {
	BytesPerSecond float64 `yaml:"bytes_per_second,omitempty"` // 0 disables
	Burst          int     `yaml:"burst,omitempty"`
}

// QueueConfig bounds the flushed batches waiting to be sent
type QueueConfig struct {
	Size                 int           `yaml:"size,omitempty"`
	BackpressureStrategy string        `yaml:"backpressure_strategy,omitempty"` // block, drop, sample
	SampleRate           int           `yaml:"sample_rate,omitempty"`
	BlockTimeout         time.Duration `yaml:"block_timeout,omitempty"`
}

// TLSConfig configures server verification for outgoing connections
type TLSConfig struct {
	CAFile             string `yaml:"ca_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// Enabled reports whether any TLS option is set
func (t TLSConfig) Enabled() bool {
	return t.CAFile != "" || t.ServerName != "" || t.InsecureSkipVerify
}

// KafkaClientConfig holds Kafka sink configuration
type KafkaClientConfig struct {
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	RequiredAcks     int16    `yaml:"required_acks,omitempty"`
	CompressionCodec string   `yaml:"compression_codec,omitempty"`
	MaxMessageBytes  int      `yaml:"max_message_bytes,omitempty"`
	EnableTLS        bool     `yaml:"enable_tls,omitempty"`
}

// ElasticsearchClientConfig holds Elasticsearch sink configuration
type ElasticsearchClientConfig struct {
	Addresses     []string `yaml:"addresses"`
	Index         string   `yaml:"index"`
	IndexRotation string   `yaml:"index_rotation,omitempty"` // daily, weekly, monthly
	Pipeline      string   `yaml:"pipeline,omitempty"`
}

// S3ClientConfig holds S3 archive sink configuration
type S3ClientConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix,omitempty"`
	KeyTemplate  string `yaml:"key_template,omitempty"`
	StorageClass string `yaml:"storage_class,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
}

// ScrapeConfig describes one job: where entries come from and how they are processed
type ScrapeConfig struct {
	JobName        string                  `yaml:"job_name"`
	PipelineStages []StageConfig           `yaml:"pipeline_stages,omitempty"`
	StaticConfigs  []StaticConfig          `yaml:"static_configs,omitempty"`
	Syslog         *SyslogTargetConfig     `yaml:"syslog,omitempty"`
	PushAPI        *PushTargetConfig       `yaml:"loki_push_api,omitempty"`
	Kafka          *KafkaTargetConfig      `yaml:"kafka,omitempty"`
	Kubernetes     *KubernetesTargetConfig `yaml:"kubernetes,omitempty"`
}

// StaticConfig lists file targets and the labels attached to them
type StaticConfig struct {
	Targets []string          `yaml:"targets,omitempty"`
	Labels  map[string]string `yaml:"labels"`
}

// SyslogTargetConfig defines a syslog listener
type SyslogTargetConfig struct {
	ListenAddress        string            `yaml:"listen_address"`
	ListenProtocol       string            `yaml:"listen_protocol,omitempty"` // tcp, udp
	IdleTimeout          time.Duration     `yaml:"idle_timeout,omitempty"`
	MaxMessageLength     int               `yaml:"max_message_length,omitempty"`
	Labels               map[string]string `yaml:"labels,omitempty"`
	UseIncomingTimestamp bool              `yaml:"use_incoming_timestamp,omitempty"`
}

// PushTargetConfig defines a Loki push API receiver
type PushTargetConfig struct {
	ListenAddress string            `yaml:"listen_address"`
	Labels        map[string]string `yaml:"labels,omitempty"`
	KeepTimestamp bool              `yaml:"use_incoming_timestamp,omitempty"`
	RateLimit     float64           `yaml:"rate_limit,omitempty"` // requests per second per client, 0 disables
	RateBurst     int               `yaml:"rate_burst,omitempty"`
	MaxBodySize   int64             `yaml:"max_body_size,omitempty"`
}

// KafkaTargetConfig defines a Kafka consumer group target
type KafkaTargetConfig struct {
	Brokers              []string          `yaml:"brokers"`
	Topics               []string          `yaml:"topics"`
	GroupID              string            `yaml:"group_id,omitempty"`
	Labels               map[string]string `yaml:"labels,omitempty"`
	UseIncomingTimestamp bool              `yaml:"use_incoming_timestamp,omitempty"`
}

// KubernetesTargetConfig defines a pod log target
type KubernetesTargetConfig struct {
	Kubeconfig    string            `yaml:"kubeconfig,omitempty"`
	Namespace     string            `yaml:"namespace,omitempty"`
	LabelSelector string            `yaml:"label_selector,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
	TailLines     int64             `yaml:"tail_lines,omitempty"`
	SyncPeriod    time.Duration     `yaml:"sync_period,omitempty"`
}

// TargetConfig holds settings shared by file targets
type TargetConfig struct {
	SyncPeriod  time.Duration `yaml:"sync_period"`
	TailFromEnd bool          `yaml:"tail_from_end,omitempty"`
}

// WorkerPoolConfig holds pipeline worker configuration
type WorkerPoolConfig struct {
	NumWorkers int `yaml:"num_workers"`
	QueueSize  int `yaml:"queue_size,omitempty"`
}

// DeadLetterConfig holds dead letter queue configuration
type DeadLetterConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir"`
	MaxSize int           `yaml:"max_size,omitempty"`
	MaxAge  time.Duration `yaml:"max_age,omitempty"`
}

// WALConfig holds write-ahead log configuration
type WALConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	SegmentSize int64  `yaml:"segment_size,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRate  float64 `yaml:"sample_rate,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty"`
}

// Default values
const (
	DefaultHTTPListenPort    = 9080
	DefaultPositionsFile     = "/tmp/positions.yaml"
	DefaultPositionsSync     = 10 * time.Second
	DefaultTargetSyncPeriod  = 10 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultClientType        = "loki"
	DefaultBatchWait         = time.Second
	DefaultBatchSize         = 1024 * 1024
	DefaultTimeout           = 10 * time.Second
	DefaultMinBackoff        = 500 * time.Millisecond
	DefaultMaxBackoff        = 5 * time.Minute
	DefaultMaxRetries        = 10
	DefaultQueueSize         = 64
	DefaultBackpressure      = "block"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultDeadLetterDir     = "/tmp/logshipper/dlq"
	DefaultDeadLetterMaxSize = 10000
	DefaultWALDir            = "/tmp/logshipper/wal"
	DefaultWALSegmentSize    = 16 * 1024 * 1024
	DefaultPushMaxBodySize   = 10 * 1024 * 1024
)

// Load loads configuration from a YAML or JSON file, expanding ${VAR} references
func Load(path string) (*Config, error) {
	return LoadFile(path, true)
}

// LoadFile loads configuration from a file, optionally expanding environment variables
func LoadFile(path string, expandEnv bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// YAML is a superset of JSON once comments and trailing commas are gone
		data = jsonc.ToJSON(data)
	}

	if expandEnv {
		data = []byte(os.ExpandEnv(string(data)))
	}

	return Parse(data)
}

// Parse decodes, defaults and validates configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Server.HTTPListenPort == 0 {
		c.Server.HTTPListenPort = DefaultHTTPListenPort
	}
	if c.Server.GracefulShutdownTimeout == 0 {
		c.Server.GracefulShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Positions.Filename == "" {
		c.Positions.Filename = DefaultPositionsFile
	}
	if c.Positions.SyncPeriod == 0 {
		c.Positions.SyncPeriod = DefaultPositionsSync
	}
	if c.TargetConfig.SyncPeriod == 0 {
		c.TargetConfig.SyncPeriod = DefaultTargetSyncPeriod
	}
	if c.WorkerPool.NumWorkers == 0 {
		c.WorkerPool.NumWorkers = 4
	}
	if c.WorkerPool.QueueSize == 0 {
		c.WorkerPool.QueueSize = 1000
	}
	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = DefaultDeadLetterDir
	}
	if c.DeadLetter.MaxSize == 0 {
		c.DeadLetter.MaxSize = DefaultDeadLetterMaxSize
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = DefaultWALDir
	}
	if c.WAL.SegmentSize == 0 {
		c.WAL.SegmentSize = DefaultWALSegmentSize
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "logshipper"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}

	for i := range c.Clients {
		c.Clients[i].ApplyDefaults(i)
	}

	for i := range c.ScrapeConfigs {
		sc := &c.ScrapeConfigs[i]
		if sc.Syslog != nil && sc.Syslog.ListenProtocol == "" {
			sc.Syslog.ListenProtocol = "tcp"
		}
		if sc.PushAPI != nil && sc.PushAPI.MaxBodySize == 0 {
			sc.PushAPI.MaxBodySize = DefaultPushMaxBodySize
		}
		if sc.Kafka != nil && sc.Kafka.GroupID == "" {
			sc.Kafka.GroupID = "logshipper"
		}
	}
}

// ApplyDefaults fills unset fields of the idx-th client the way Parse does
func (c *ClientConfig) ApplyDefaults(idx int) {
	if c.Type == "" {
		c.Type = DefaultClientType
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("%s-%d", c.Type, idx)
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BatchWait == 0 {
		c.BatchWait = DefaultBatchWait
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BackoffConfig.MinPeriod == 0 {
		c.BackoffConfig.MinPeriod = DefaultMinBackoff
	}
	if c.BackoffConfig.MaxPeriod == 0 {
		c.BackoffConfig.MaxPeriod = DefaultMaxBackoff
	}
	if c.BackoffConfig.MaxRetries == 0 {
		c.BackoffConfig.MaxRetries = DefaultMaxRetries
	}
	if c.Queue.Size == 0 {
		c.Queue.Size = DefaultQueueSize
	}
	if c.Queue.BackpressureStrategy == "" {
		c.Queue.BackpressureStrategy = DefaultBackpressure
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Clients) == 0 {
		return fmt.Errorf("at least one client must be configured")
	}
	if len(c.ScrapeConfigs) == 0 {
		return fmt.Errorf("at least one scrape config must be configured")
	}

	if err := validatePort("http_listen_port", c.Server.HTTPListenPort); err != nil {
		return err
	}
	if err := validatePort("grpc_listen_port", c.Server.GRPCListenPort); err != nil {
		return err
	}

	if c.Positions.Filename == "" {
		return fmt.Errorf("positions filename must be set")
	}

	names := make(map[string]bool)
	for i, client := range c.Clients {
		if names[client.Name] {
			return fmt.Errorf("client %d: duplicate name %q", i, client.Name)
		}
		names[client.Name] = true
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %q: %w", client.Name, err)
		}
	}

	jobs := make(map[string]bool)
	for i, sc := range c.ScrapeConfigs {
		if sc.JobName == "" {
			return fmt.Errorf("scrape config %d has no job_name configured", i)
		}
		if jobs[sc.JobName] {
			return fmt.Errorf("scrape config %d: duplicate job_name %q", i, sc.JobName)
		}
		jobs[sc.JobName] = true
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("job %q: %w", sc.JobName, err)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint must be set when tracing is enabled")
	}

	return nil
}

// Validate checks a single client definition
func (c *ClientConfig) Validate() error {
	switch c.Type {
	case "loki":
		if c.URL == "" {
			return fmt.Errorf("url must be set")
		}
		u, err := url.Parse(c.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid url %q", c.URL)
		}
		if c.Compression != "none" && c.Compression != "gzip" {
			return fmt.Errorf("unsupported compression %q for loki client", c.Compression)
		}
	case "kafka":
		if c.Kafka == nil || len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka client requires brokers and topic")
		}
	case "elasticsearch":
		if c.Elasticsearch == nil || len(c.Elasticsearch.Addresses) == 0 || c.Elasticsearch.Index == "" {
			return fmt.Errorf("elasticsearch client requires addresses and index")
		}
	case "s3":
		if c.S3 == nil || c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("s3 client requires bucket and region")
		}
		switch c.Compression {
		case "none", "gzip", "zstd", "lz4", "snappy":
		default:
			return fmt.Errorf("unsupported compression %q for s3 client", c.Compression)
		}
	default:
		return fmt.Errorf("unknown client type %q", c.Type)
	}

	if c.BatchSize < 0 || c.BatchEntries < 0 {
		return fmt.Errorf("batch_size and batch_entries must not be negative")
	}
	if c.BackoffConfig.MinPeriod > c.BackoffConfig.MaxPeriod {
		return fmt.Errorf("backoff min_period %v exceeds max_period %v", c.BackoffConfig.MinPeriod, c.BackoffConfig.MaxPeriod)
	}

	switch c.Queue.BackpressureStrategy {
	case "block", "drop", "sample":
	default:
		return fmt.Errorf("invalid backpressure strategy: %s", c.Queue.BackpressureStrategy)
	}

	return nil
}

// Validate checks a single scrape config
func (sc *ScrapeConfig) Validate() error {
	kinds := 0
	if len(sc.StaticConfigs) > 0 {
		kinds++
		for i, static := range sc.StaticConfigs {
			if static.Labels["__path__"] == "" {
				return fmt.Errorf("static config %d has no __path__ label", i)
			}
		}
	}
	if sc.Syslog != nil {
		kinds++
		if err := security.ValidateHostPort(sc.Syslog.ListenAddress); err != nil {
			return fmt.Errorf("syslog listen_address: %w", err)
		}
		if sc.Syslog.ListenProtocol != "tcp" && sc.Syslog.ListenProtocol != "udp" {
			return fmt.Errorf("invalid syslog listen_protocol: %s", sc.Syslog.ListenProtocol)
		}
	}
	if sc.PushAPI != nil {
		kinds++
		if err := security.ValidateHostPort(sc.PushAPI.ListenAddress); err != nil {
			return fmt.Errorf("loki_push_api listen_address: %w", err)
		}
	}
	if sc.Kafka != nil {
		kinds++
		if len(sc.Kafka.Brokers) == 0 || len(sc.Kafka.Topics) == 0 {
			return fmt.Errorf("kafka target requires brokers and topics")
		}
	}
	if sc.Kubernetes != nil {
		kinds++
	}

	if kinds == 0 {
		return fmt.Errorf("no targets configured")
	}
	if kinds > 1 {
		return fmt.Errorf("only one target kind may be configured per job")
	}

	for i, stage := range sc.PipelineStages {
		if stage.Type == "" {
			return fmt.Errorf("pipeline stage %d has no type", i)
		}
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", name, port)
	}
	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultExpression matches "time | level | message" lines
const DefaultExpression = `^\s*(?P<time>[^|]*?)\s*\|\s*(?P<level>[^|]*?)\s*\|\s*(?P<message>.*)$`

// DefaultConfig returns the agent used when no configuration file is given:
// tail /usr/backend/app.log and push to a local Loki.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPListenPort: DefaultHTTPListenPort,
			GRPCListenPort: 0,
		},
		Positions: PositionsConfig{
			Filename: DefaultPositionsFile,
		},
		Clients: []ClientConfig{
			{URL: "http://loki:3100/loki/api/v1/push"},
		},
		ScrapeConfigs: []ScrapeConfig{
			{
				JobName: "backend",
				StaticConfigs: []StaticConfig{
					{
						Targets: []string{"localhost"},
						Labels: map[string]string{
							"job":      "backend-app-logs",
							"__path__": "/usr/backend/app.log",
						},
					},
				},
				PipelineStages: []StageConfig{
					MustStage("regex", map[string]string{"expression": DefaultExpression}),
					MustStage("labels", map[string]interface{}{"level": nil}),
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
