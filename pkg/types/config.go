// Package types provides configuration types for the forecasting backend.
package types

import "time"

// Config is the root configuration loaded at startup.
type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Database  DatabaseConfig  `json:"database" mapstructure:"database"`
	Ingestion IngestionConfig `json:"ingestion" mapstructure:"ingestion"`
	Sources   SourcesConfig   `json:"sources" mapstructure:"sources"`
	Models    ModelsConfig    `json:"models" mapstructure:"models"`
}

// ServerConfig configures the HTTP invocation surface.
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}

// DatabaseConfig configures the Postgres connection shared by all
// per-instrument stores.
type DatabaseConfig struct {
	DSN          string        `json:"dsn" mapstructure:"dsn"`
	MaxOpenConns int           `json:"maxOpenConns" mapstructure:"max_open_conns"`
	MaxIdleConns int           `json:"maxIdleConns" mapstructure:"max_idle_conns"`
	QueryTimeout time.Duration `json:"queryTimeout" mapstructure:"query_timeout"`
}

// IngestionConfig carries the pipeline knobs. ChunkDays bounds each external
// fetch window, BatchSize bounds validation/merge units, IntermediateSave
// bounds in-memory growth between persists, and ChunkDelay paces the
// exchange even when the rate limiter would permit more.
type IngestionConfig struct {
	ChunkDays        int           `json:"chunkDays" mapstructure:"chunk_days"`
	BatchSize        int           `json:"batchSize" mapstructure:"batch_size"`
	IntermediateSave int           `json:"intermediateSave" mapstructure:"intermediate_save"`
	ChunkDelay       time.Duration `json:"chunkDelay" mapstructure:"chunk_delay"`
	JumpThresholdPct float64       `json:"jumpThresholdPct" mapstructure:"jump_threshold_pct"`
	LaunchStartDate  string        `json:"launchStartDate" mapstructure:"launch_start_date"`
}

// DefaultIngestionConfig returns the production pipeline constants.
func DefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{
		ChunkDays:        90,
		BatchSize:        100,
		IntermediateSave: 500,
		ChunkDelay:       250 * time.Millisecond,
		JumpThresholdPct: 20.0,
		LaunchStartDate:  "2021-03-15",
	}
}

// SourcesConfig configures the external data source clients.
type SourcesConfig struct {
	DefaultID   string        `json:"defaultId" mapstructure:"default_id"`
	HTTPTimeout time.Duration `json:"httpTimeout" mapstructure:"http_timeout"`
	MaxRetries  int           `json:"maxRetries" mapstructure:"max_retries"`
	Bybit       SourceConfig  `json:"bybit" mapstructure:"bybit"`
	Binance     SourceConfig  `json:"binance" mapstructure:"binance"`
}

// SourceConfig holds per-exchange client settings.
type SourceConfig struct {
	BaseURL string  `json:"baseUrl" mapstructure:"base_url"`
	RPS     float64 `json:"rps" mapstructure:"rps"`
	Burst   int     `json:"burst" mapstructure:"burst"`
}

// ModelsConfig configures the model artifact store.
type ModelsConfig struct {
	ArtifactsDir string `json:"artifactsDir" mapstructure:"artifacts_dir"`
}
