package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "orchestrator_db", cfg.Database.Database)
				assert.Equal(t, "dispatch_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "dispatch_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "http://worker-fleet:9000/dispatch", cfg.Dispatch.EndpointURL)
				assert.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
				assert.Equal(t, 4, cfg.Scheduler.Concurrency)
				assert.Equal(t, time.Minute, cfg.Scheduler.ScanInterval)
				assert.Equal(t, "orchestrator-api", cfg.App.Name)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "orchestrator_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "dispatch_exchange"},
			Queue:    QueueConfig{Name: "dispatch_queue"},
		},
		Dispatch: DispatchConfig{
			EndpointURL:     "http://worker-fleet:9000/dispatch",
			CallbackBaseURL: "http://orchestrator:8080/api/v1/worker",
			SharedSecret:    "s3cret",
		},
		Scheduler: SchedulerConfig{
			Concurrency:   4,
			ScanInterval:  time.Minute,
			SweepInterval: time.Hour,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "empty shared secret",
			mutate:    func(c *Config) { c.Dispatch.SharedSecret = "" },
			errString: "dispatch shared secret is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateScheduler(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Scheduler.Concurrency = 0 },
			errString: "scheduler concurrency must be greater than 0",
		},
		{
			name:      "zero scan interval",
			mutate:    func(c *Config) { c.Scheduler.ScanInterval = 0 },
			errString: "scheduler scan_interval must be greater than 0",
		},
		{
			name:      "zero sweep interval",
			mutate:    func(c *Config) { c.Scheduler.SweepInterval = 0 },
			errString: "scheduler sweep_interval must be greater than 0",
		},
		{
			name:      "missing dispatch endpoint",
			mutate:    func(c *Config) { c.Dispatch.EndpointURL = "" },
			errString: "dispatch endpoint_url is required",
		},
		{
			name:      "missing callback base url",
			mutate:    func(c *Config) { c.Dispatch.CallbackBaseURL = "" },
			errString: "dispatch callback_base_url is required",
		},
		{
			name:      "shared checks still apply",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateScheduler()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
