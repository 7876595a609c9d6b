package config

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadMetricspipeConfig(t *testing.T) {
	type testCase struct {
		name        string
		rawYaml     string
		expectedCfg MetricspipeConfig
		err         bool
	}

	testCases := []testCase{
		{
			name: "file sink",
			rawYaml: `
project: demo
sink: file
file:
  directory: ./`,
			expectedCfg: MetricspipeConfig{
				Project: "demo",
				Sink:    "file",
				File: &FileConfig{
					Directory: "./",
				},
			},
			err: false,
		},

		{
			name: "influxdb sink with all the bells and whistles",
			rawYaml: `
project: demo
sink: influxdb
reporting_interval: 15
skip_idle_metrics: true
group_gauges: true
global_tags:
  env: production
include_timer_fields: [count, p99]
influxdb:
  url: http://localhost:8086
  token: secret-token
  org: example
  bucket: app-metrics
  batch_size: 500
  batch_timeout: 10`,
			expectedCfg: MetricspipeConfig{
				Project:            "demo",
				Sink:               "influxdb",
				ReportingInterval:  &[]int{15}[0],
				SkipIdleMetrics:    true,
				GroupGauges:        true,
				GlobalTags:         map[string]string{"env": "production"},
				IncludeTimerFields: []string{"count", "p99"},
				InfluxDB: &InfluxDBConfig{
					URL:          "http://localhost:8086",
					Token:        "secret-token",
					Org:          "example",
					Bucket:       "app-metrics",
					BatchSize:    &[]int{500}[0],
					BatchTimeout: &[]int{10}[0],
				},
			},
			err: false,
		},

		{
			name: "datadog sink",
			rawYaml: `
project: demo
sink: datadog
datadog:
  client_api_key_env_var: DD_API_KEY
  client_app_key_env_var: DD_APP_KEY
  site: datadoghq.eu`,
			expectedCfg: MetricspipeConfig{
				Project: "demo",
				Sink:    "datadog",
				Datadog: &DatadogConfig{
					ClientApiKeyEnvVar: "DD_API_KEY",
					ClientAppKeyEnvVar: "DD_APP_KEY",
					Site:               "datadoghq.eu",
				},
			},
			err: false,
		},

		{
			name: "measurement mappings",
			rawYaml: `
project: demo
sink: file
filter_with_mappings: true
mapping_cache_max_entries: 10000
mappings:
  - measurement: resources
    pattern: .*\.resources\.(?P<resourceName>.*)
    tags:
      resourceName: ""
      shortName: resourceNameAlias
  - measurement: health
    pattern: .*health.*
file:
  directory: ./`,
			expectedCfg: MetricspipeConfig{
				Project:                "demo",
				Sink:                   "file",
				FilterWithMappings:     true,
				MappingCacheMaxEntries: &[]int{10000}[0],
				Mappings: []MeasurementMapping{
					{
						Measurement: "resources",
						Pattern:     `.*\.resources\.(?P<resourceName>.*)`,
						Tags: map[string]string{
							"resourceName": "",
							"shortName":    "resourceNameAlias",
						},
					},
					{
						Measurement: "health",
						Pattern:     `.*health.*`,
					},
				},
				File: &FileConfig{
					Directory: "./",
				},
			},
			err: false,
		},

		{
			name: "missing sink config section",
			rawYaml: `
project: demo
sink: influxdb
`,
			expectedCfg: MetricspipeConfig{},
			err:         true,
		},

		{
			name: "unknown sink",
			rawYaml: `
project: demo
sink: carrier-pigeon
`,
			expectedCfg: MetricspipeConfig{},
			err:         true,
		},

		{
			name: "missing project",
			rawYaml: `
sink: file
file:
  directory: ./`,
			expectedCfg: MetricspipeConfig{},
			err:         true,
		},

		{
			name: "mapping without a pattern",
			rawYaml: `
project: demo
sink: file
mappings:
  - measurement: resources
file:
  directory: ./`,
			expectedCfg: MetricspipeConfig{},
			err:         true,
		},

		{
			name: "reporting interval out of range",
			rawYaml: `
project: demo
sink: file
reporting_interval: 0
file:
  directory: ./`,
			expectedCfg: MetricspipeConfig{},
			err:         true,
		},

		{
			name: "unknown timer field in allow-list",
			rawYaml: `
project: demo
sink: file
include_timer_fields: [count, p12]
file:
  directory: ./`,
			expectedCfg: MetricspipeConfig{},
			err:         true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ReadMetricspipeConfig([]byte(tc.rawYaml))
			if tc.err {
				if err == nil {
					t.Fatalf("expected an error, got config %+v", cfg)
				}
				return
			}

			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			if diff := cmp.Diff(tc.expectedCfg, cfg); diff != "" {
				t.Errorf("unexpected config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadMetricspipeConfig_EnvExpansion(t *testing.T) {
	os.Setenv("TEST_INFLUX_TOKEN", "expanded-token")

	rawYaml := `
project: demo
sink: influxdb
influxdb:
  url: http://localhost:8086
  token: ${TEST_INFLUX_TOKEN}
  org: example
  bucket: app-metrics`

	cfg, err := ReadMetricspipeConfig([]byte(rawYaml))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.InfluxDB.Token != "expanded-token" {
		t.Errorf("expected token to be expanded from the environment, got %q", cfg.InfluxDB.Token)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	if cfg.Sink != "file" {
		t.Errorf("expected the default sink to be 'file', got %q", cfg.Sink)
	}
	if cfg.File == nil || cfg.File.Directory != "./" {
		t.Errorf("expected the default file sink to write to ./, got %+v", cfg.File)
	}
}
