// Package config loads backend configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// Load reads configuration from the given file (optional) and the
// FORECAST_* environment, layered over defaults.
func Load(path string) (*types.Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 16)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.query_timeout", 10*time.Second)

	def := types.DefaultIngestionConfig()
	v.SetDefault("ingestion.chunk_days", def.ChunkDays)
	v.SetDefault("ingestion.batch_size", def.BatchSize)
	v.SetDefault("ingestion.intermediate_save", def.IntermediateSave)
	v.SetDefault("ingestion.chunk_delay", def.ChunkDelay)
	v.SetDefault("ingestion.jump_threshold_pct", def.JumpThresholdPct)
	v.SetDefault("ingestion.launch_start_date", def.LaunchStartDate)

	v.SetDefault("sources.default_id", "bybit")
	v.SetDefault("sources.http_timeout", 15*time.Second)
	v.SetDefault("sources.max_retries", 3)
	v.SetDefault("sources.bybit.base_url", "https://api.bybit.com")
	v.SetDefault("sources.bybit.rps", 8.0)
	v.SetDefault("sources.bybit.burst", 8)
	v.SetDefault("sources.binance.base_url", "https://api.binance.com")
	v.SetDefault("sources.binance.rps", 15.0)
	v.SetDefault("sources.binance.burst", 15)

	v.SetDefault("models.artifacts_dir", "./artifacts")
}
