package config

import (
	"testing"
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
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

	t.Setenv("STUDIO_TEST_DB_PASSWORD", "s3cret")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "studio_exchange", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "studio_dlx", cfg.RabbitMQ.Queue.DeadLetterExchange)
			assert.Equal(t, 2*time.Minute, cfg.Worker.LeaseTTL)
			assert.Equal(t, "gpu-worker", cfg.Runtime.Mode)
			assert.Equal(t, "/models/sdxl", cfg.Models.Paths["text-to-image"])
			assert.Equal(t, []int{2, 4, 8}, cfg.Validation.UpscaleScales)
			assert.Equal(t, domain.Range{Min: 512, Max: 1536}, cfg.Validation.Dimension)
			assert.Equal(t, 0.8, cfg.Validation.LoraProfiles["interiors"].Settings["weight"])
			assert.Empty(t, cfg.Validation.RefinerProfiles)
			assert.NotNil(t, cfg.Validation.RefinerProfiles)
			assert.Equal(t, []string{"competitor brand"}, cfg.Safety.ExtraTerms)
			assert.Equal(t, 128, cfg.Cache.Size)
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Runtime: RuntimeConfig{Mode: "control"},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "studio_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "studio_exchange"},
			Queue:    QueueConfig{Name: "studio_jobs"},
		},
		Outputs: OutputsConfig{Root: "outputs", UploadsRoot: "uploads"},
		Worker: WorkerConfig{
			Concurrency:       1,
			LeaseTTL:          time.Minute,
			HeartbeatInterval: 20 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Provider: ProviderConfig{Kind: ProviderPlaceholder},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid server port - too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "invalid server port - too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "negative max connections", mutate: func(c *Config) { c.Server.MaxConnections = -1 }, errString: "max_connections"},
		{name: "unknown runtime mode", mutate: func(c *Config) { c.Runtime.Mode = "laptop" }, errString: "unknown runtime mode"},
		{name: "gpu worker mode", mutate: func(c *Config) { c.Runtime.Mode = "gpu-worker" }, errString: "requires runtime mode \"control\""},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Driver = "sqlite3" }, errString: "database path is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, errString: "unsupported database driver"},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "empty exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{name: "missing outputs root", mutate: func(c *Config) { c.Outputs.Root = "" }, errString: "outputs root is required"},
		{name: "mirror without bucket", mutate: func(c *Config) { c.Artifacts.MirrorEnabled = true }, errString: "endpoint and bucket"},
		{
			name:      "inverted bounds",
			mutate:    func(c *Config) { c.Validation.GuidanceScale = domain.Range{Min: 10, Max: 1} },
			errString: "guidance_scale",
		},
		{
			name:      "bounds exclude every default width",
			mutate:    func(c *Config) { c.Validation.Dimension = domain.Range{Min: 1001, Max: 1007} },
			errString: "no default fits",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "concurrency"},
		{name: "heartbeat not shorter than lease", mutate: func(c *Config) { c.Worker.HeartbeatInterval = time.Minute }, errString: "heartbeat_interval"},
		{name: "http provider without url", mutate: func(c *Config) { c.Provider.Kind = ProviderHTTP }, errString: "base_url is required"},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider.Kind = "grpc" }, errString: "unknown provider kind"},
		{
			name:      "unknown model capability",
			mutate:    func(c *Config) { c.Models.Paths = map[string]string{"text-to-3d": "/m"} },
			errString: "unknown capability",
		},
		{
			name:      "lightweight capability has no model",
			mutate:    func(c *Config) { c.Models.Paths = map[string]string{"lightweight": "/m"} },
			errString: "unknown capability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Runtime.Mode = "gpu-worker"
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.ValidateWorkerConfig())
		assert.ErrorContains(t, cfg.ValidateAPIConfig(), "requires runtime mode")

		cfg.Runtime.Mode = "control"
		require.NoError(t, cfg.ValidateAPIConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("sqlite with placeholder provider", func(t *testing.T) {
		cfg, err := Load("testdata/sqlite_placeholder.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.ValidateWorkerConfig())
		assert.Equal(t, ProviderPlaceholder, cfg.Provider.Kind)
	})
}

func TestModelsConfig_ProviderModels(t *testing.T) {
	models, err := ModelsConfig{
		Paths:         map[string]string{"upscale": "/models/esrgan"},
		VerifyWeights: true,
	}.ProviderModels()
	require.NoError(t, err)
	assert.True(t, models.VerifyFiles)
	assert.Equal(t, "/models/esrgan", models.Paths[domain.CapabilityUpscale])
}
