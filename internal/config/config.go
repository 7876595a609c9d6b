package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type MetricspipeConfig struct {
	Project     string `yaml:"project" validate:"required"`
	Sink        string `yaml:"sink" validate:"required,oneof=influxdb datadog file"`
	EnvFilePath string `yaml:"env_file" validate:"omitempty"`

	ReportingInterval *int              `yaml:"reporting_interval" validate:"omitnil,gte=1,lte=3600"`
	PollingInterval   *int              `yaml:"polling_interval" validate:"omitnil,gte=1,lte=1000"`
	GlobalTags        map[string]string `yaml:"global_tags" validate:"omitempty"`

	SkipIdleMetrics    bool     `yaml:"skip_idle_metrics"`
	GroupGauges        bool     `yaml:"group_gauges"`
	GroupMeters        bool     `yaml:"group_meters"`
	IncludeTimerFields []string `yaml:"include_timer_fields" validate:"omitempty,dive,oneof=count min max mean stddev p50 p75 p95 p98 p99 p999 m1_rate m5_rate m15_rate mean_rate"`
	IncludeMeterFields []string `yaml:"include_meter_fields" validate:"omitempty,dive,oneof=count m1_rate m5_rate m15_rate mean_rate"`

	FilterWithMappings     bool                 `yaml:"filter_with_mappings"`
	MappingCacheMaxEntries *int                 `yaml:"mapping_cache_max_entries" validate:"omitnil,gte=1"`
	Mappings               []MeasurementMapping `yaml:"mappings" validate:"omitempty,dive"`

	InfluxDB *InfluxDBConfig `yaml:"influxdb" validate:"required_if=Sink influxdb"`
	Datadog  *DatadogConfig  `yaml:"datadog" validate:"required_if=Sink datadog"`
	File     *FileConfig     `yaml:"file" validate:"required_if=Sink file"`
}

// MeasurementMapping maps metric names matching Pattern into the named
// measurement. Declaration order is match precedence. Tags declares tag
// keys for the measurement: an empty value reads the capture group
// named after the key, a non-empty value names the group to read.
type MeasurementMapping struct {
	Measurement string            `yaml:"measurement" validate:"required"`
	Pattern     string            `yaml:"pattern" validate:"required"`
	Tags        map[string]string `yaml:"tags" validate:"omitempty"`
}

type InfluxDBConfig struct {
	URL          string `yaml:"url" validate:"required,url"`
	Token        string `yaml:"token" validate:"required"`
	Org          string `yaml:"org" validate:"required"`
	Bucket       string `yaml:"bucket" validate:"required"`
	BatchSize    *int   `yaml:"batch_size" validate:"omitnil,gte=1,lte=5000"`
	BatchTimeout *int   `yaml:"batch_timeout" validate:"omitnil,gte=1,lte=250"`
}

type DatadogConfig struct {
	ClientApiKeyEnvVar string `yaml:"client_api_key_env_var" validate:"required"`
	ClientAppKeyEnvVar string `yaml:"client_app_key_env_var" validate:"required"`
	BatchSize          *int   `yaml:"batch_size" validate:"omitnil,gte=1,lte=500"`
	BatchTimeout       *int   `yaml:"batch_timeout" validate:"omitnil,gte=1,lte=250"`
	Site               string `yaml:"site" validate:"omitempty"`
	DisableCompression *bool  `yaml:"disable_compression" validate:"omitnil"`
}

type FileConfig struct {
	Directory string `yaml:"directory" validate:"required,min=1"`
}

func GetDefaultConfig() MetricspipeConfig {
	return MetricspipeConfig{
		Sink: "file",
		File: &FileConfig{
			Directory: "./",
		},
	}
}

func ReadMetricspipeConfig(fileBytes []byte) (MetricspipeConfig, error) {
	config := MetricspipeConfig{}
	err := yaml.Unmarshal(fileBytes, &config)
	if err != nil {
		return MetricspipeConfig{}, fmt.Errorf("error decoding config YAML: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	err = validate.Struct(config)
	if err != nil {
		return MetricspipeConfig{}, fmt.Errorf("invalid metricspipe configuration: %v", err)
	}

	if config.EnvFilePath != "" {
		err = godotenv.Load(config.EnvFilePath)
		if err != nil {
			return MetricspipeConfig{}, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	if config.InfluxDB != nil {
		config.InfluxDB.Token = os.ExpandEnv(config.InfluxDB.Token)
		config.InfluxDB.URL = os.ExpandEnv(config.InfluxDB.URL)
	}

	return config, nil
}
