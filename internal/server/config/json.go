package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/smartbin/internal/flagx"
	"github.com/dmitrijs2005/smartbin/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations use timex.Duration so
// both "5s" and integer nanoseconds are accepted.
type JsonConfig struct {
	EndpointAddrGRPC       string         `json:"endpoint_addr_grpc"`
	MetricsAddr            string         `json:"metrics_addr"`
	DatabaseDSN            string         `json:"database_dsn"`
	SecretKey              string         `json:"secret_key"`
	OfflineStorePath       *string        `json:"offline_store_path"`
	HealthCheckInterval    timex.Duration `json:"health_check_interval"`
	DrainInterval          timex.Duration `json:"drain_interval"`
	RecognitionURL         string         `json:"recognition_url"`
	RecognitionTimeout     timex.Duration `json:"recognition_timeout"`
	RecognitionConcurrency int            `json:"recognition_concurrency"`
	S3RootUser             string         `json:"s3_root_user"`
	S3RootPassword         string         `json:"s3_root_password"`
	S3Bucket               string         `json:"s3_bucket"`
	S3Region               string         `json:"s3_region"`
	S3BaseEndpoint         string         `json:"s3_base_endpoint"`
}

// parseJson overlays values from the JSON file named by -c/-config onto
// config. Fields absent from the file keep their current value;
// offline_store_path may be set to "" explicitly to keep the queue in
// memory. An unreadable or invalid file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigPath(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	if c.OfflineStorePath != nil {
		config.OfflineStorePath = *c.OfflineStorePath
	}
	if c.HealthCheckInterval.Duration > 0 {
		config.HealthCheckInterval = c.HealthCheckInterval.Duration
	}
	if c.DrainInterval.Duration > 0 {
		config.DrainInterval = c.DrainInterval.Duration
	}
	setString(&config.RecognitionURL, c.RecognitionURL)
	if c.RecognitionTimeout.Duration > 0 {
		config.RecognitionTimeout = c.RecognitionTimeout.Duration
	}
	if c.RecognitionConcurrency > 0 {
		config.RecognitionConcurrency = c.RecognitionConcurrency
	}
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
