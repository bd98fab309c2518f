package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

const referenceConfig = `
server:
  http_listen_port: 9080
  grpc_listen_port: 0

positions:
  filename: /tmp/positions.yaml

clients:
  - url: http://loki:3100/loki/api/v1/push

scrape_configs:
  - job_name: backend
    static_configs:
      - targets:
          - localhost
        labels:
          job: backend-app-logs
          __path__: /usr/backend/app.log
    pipeline_stages:
      - regex:
          expression: '^(?P<time>[^|]+?)\s*\|\s*(?P<level>[^|]+?)\s*\|\s*(?P<message>.*)$'
      - labels:
          level:
`

func TestLoadConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", referenceConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.HTTPListenPort != 9080 {
		t.Errorf("Expected http port 9080, got %d", cfg.Server.HTTPListenPort)
	}
	if cfg.Server.GRPCListenPort != 0 {
		t.Errorf("Expected grpc disabled, got %d", cfg.Server.GRPCListenPort)
	}
	if cfg.Positions.Filename != "/tmp/positions.yaml" {
		t.Errorf("Expected positions file /tmp/positions.yaml, got %s", cfg.Positions.Filename)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].Type != "loki" {
		t.Fatalf("Expected one loki client, got %+v", cfg.Clients)
	}
	if cfg.Clients[0].BatchWait != DefaultBatchWait {
		t.Errorf("Expected default batch wait, got %v", cfg.Clients[0].BatchWait)
	}

	sc := cfg.ScrapeConfigs[0]
	if sc.StaticConfigs[0].Labels["job"] != "backend-app-logs" {
		t.Errorf("Expected job label backend-app-logs, got %v", sc.StaticConfigs[0].Labels)
	}
	if len(sc.PipelineStages) != 2 {
		t.Fatalf("Expected 2 pipeline stages, got %d", len(sc.PipelineStages))
	}
	if sc.PipelineStages[0].Type != "regex" || sc.PipelineStages[1].Type != "labels" {
		t.Errorf("Unexpected stage types: %s, %s", sc.PipelineStages[0].Type, sc.PipelineStages[1].Type)
	}

	var regex struct {
		Expression string `yaml:"expression"`
	}
	if err := sc.PipelineStages[0].Decode(&regex); err != nil {
		t.Fatalf("Failed to decode regex stage: %v", err)
	}
	if !strings.Contains(regex.Expression, "?P<level>") {
		t.Errorf("Unexpected expression: %s", regex.Expression)
	}

	var labels map[string]*string
	if err := sc.PipelineStages[1].Decode(&labels); err != nil {
		t.Fatalf("Failed to decode labels stage: %v", err)
	}
	if src, ok := labels["level"]; !ok || src != nil {
		t.Errorf("Expected level label with empty source, got %v", labels)
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("LOKI_HOST", "loki.internal")

	content := strings.Replace(referenceConfig, "http://loki:3100", "http://${LOKI_HOST}:3100", 1)
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Clients[0].URL != "http://loki.internal:3100/loki/api/v1/push" {
		t.Errorf("Expected expanded url, got %s", cfg.Clients[0].URL)
	}
}

func TestLoadJSONCConfig(t *testing.T) {
	content := `{
  // agent config
  "clients": [{"url": "http://loki:3100/loki/api/v1/push", "batch_wait": "2s"}],
  "scrape_configs": [
    {
      "job_name": "app",
      "static_configs": [{"labels": {"job": "app", "__path__": "/var/log/*.log"}}],
    },
  ],
}`

	cfg, err := Load(writeConfig(t, "config.jsonc", content))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Clients[0].BatchWait != 2*time.Second {
		t.Errorf("Expected batch wait 2s, got %v", cfg.Clients[0].BatchWait)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(c *Config) {},
		},
		{
			name:    "no clients",
			mutate:  func(c *Config) { c.Clients = nil },
			wantErr: "at least one client",
		},
		{
			name:    "no scrape configs",
			mutate:  func(c *Config) { c.ScrapeConfigs = nil },
			wantErr: "at least one scrape config",
		},
		{
			name:    "missing path",
			mutate:  func(c *Config) { delete(c.ScrapeConfigs[0].StaticConfigs[0].Labels, "__path__") },
			wantErr: "__path__",
		},
		{
			name:    "bad url",
			mutate:  func(c *Config) { c.Clients[0].URL = "loki" },
			wantErr: "invalid url",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.HTTPListenPort = 70000 },
			wantErr: "http_listen_port",
		},
		{
			name:    "bad strategy",
			mutate:  func(c *Config) { c.Clients[0].Queue.BackpressureStrategy = "spill" },
			wantErr: "backpressure strategy",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name: "two target kinds",
			mutate: func(c *Config) {
				c.ScrapeConfigs[0].Syslog = &SyslogTargetConfig{ListenAddress: ":1514", ListenProtocol: "tcp"}
			},
			wantErr: "only one target kind",
		},
		{
			name: "duplicate job",
			mutate: func(c *Config) {
				c.ScrapeConfigs = append(c.ScrapeConfigs, c.ScrapeConfigs[0])
			},
			wantErr: "duplicate job_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPAddress() != ":9080" {
		t.Errorf("Expected :9080, got %s", cfg.Server.HTTPAddress())
	}
	if cfg.Clients[0].URL != "http://loki:3100/loki/api/v1/push" {
		t.Errorf("Unexpected client url %s", cfg.Clients[0].URL)
	}
	if cfg.ScrapeConfigs[0].StaticConfigs[0].Labels["__path__"] != "/usr/backend/app.log" {
		t.Error("Expected default scrape target /usr/backend/app.log")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}

func TestDefaultExpressionBackendLines(t *testing.T) {
	re := regexp.MustCompile(DefaultExpression)
	tests := []struct {
		line    string
		level   string
		message string
	}{
		{"2024-05-01 10:00:00,123 | INFO | Expense created successfully with subject: lunch", "INFO", "Expense created successfully with subject: lunch"},
		{"2024-05-01 10:00:01,004 | WARNING | Expense not found with ID: 42", "WARNING", "Expense not found with ID: 42"},
		{"2024-05-01 10:00:02,500 | ERROR | Error creating expense: a | b", "ERROR", "Error creating expense: a | b"},
		{"2024-05-01 10:00:03,000 | DEBUG | Monthly totals (raw results): []", "DEBUG", "Monthly totals (raw results): []"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			m := re.FindStringSubmatch(tt.line)
			if m == nil {
				t.Fatalf("line %q does not match", tt.line)
			}
			if got := m[re.SubexpIndex("level")]; got != tt.level {
				t.Errorf("level = %q, want %q", got, tt.level)
			}
			if got := m[re.SubexpIndex("message")]; got != tt.message {
				t.Errorf("message = %q, want %q", got, tt.message)
			}
		})
	}
}

func TestStageConfigRejectsMultipleKeys(t *testing.T) {
	content := strings.Replace(referenceConfig, "      - labels:\n          level:\n",
		"      - labels:\n          level:\n        output:\n          source: message\n", 1)

	if _, err := Load(writeConfig(t, "config.yaml", content)); err == nil {
		t.Fatal("Expected error for a stage with two keys")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.ScrapeConfigs[0].JobName != "backend" {
		t.Errorf("Expected default config, got job %s", cfg.ScrapeConfigs[0].JobName)
	}
}
